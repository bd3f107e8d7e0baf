package project

import (
	"archive/zip"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	units "github.com/docker/go-units"
	"github.com/moby/patternmatcher"
	"github.com/moby/patternmatcher/ignorefile"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// CreateZip packs the project tree rooted at dir into a deflate-compressed
// zip at dest. Patterns from a .dockerignore at the root are honoured, except
// that .dockerignore files and Dockerfiles are always shipped: the build host
// needs both no matter what.
func CreateZip(dir, dest string) error {
	matcher, err := loadIgnorePatterns(dir)
	if err != nil {
		return err
	}

	out, err := os.Create(dest)
	if err != nil {
		return errors.Wrap(err, "create zip")
	}
	defer out.Close()

	zw := zip.NewWriter(out)

	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == dir || d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if matcher != nil && !alwaysShipped(rel) {
			skip, err := matcher.MatchesOrParentMatches(rel)
			if err != nil {
				return err
			}
			if skip {
				return nil
			}
		}

		if !d.Type().IsRegular() {
			// Sockets, devices and symlinks have no place in a build
			// context shipped by value.
			logrus.Debugf("Skipping irregular file %q", rel)
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		header, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		header.Name = rel
		header.Method = zip.Deflate

		w, err := zw.CreateHeader(header)
		if err != nil {
			return err
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(w, f)
		return err
	})
	if err != nil {
		zw.Close()
		return errors.Wrap(err, "pack project tree")
	}
	if err := zw.Close(); err != nil {
		return errors.Wrap(err, "finish zip")
	}

	if info, err := out.Stat(); err == nil {
		logrus.Debugf("Packed %q into %s of %s", dir, dest, units.HumanSize(float64(info.Size())))
	}
	return nil
}

func loadIgnorePatterns(dir string) (*patternmatcher.PatternMatcher, error) {
	f, err := os.Open(filepath.Join(dir, ".dockerignore"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	patterns, err := ignorefile.ReadAll(f)
	if err != nil {
		return nil, errors.Wrap(err, "read .dockerignore")
	}
	return patternmatcher.New(patterns)
}

func alwaysShipped(rel string) bool {
	base := filepath.Base(rel)
	return base == ".dockerignore" || base == "Dockerfile"
}

// ExtractZip unpacks src into dest. Entries whose path would land outside
// dest (absolute names, ".." traversal) fail the extraction.
func ExtractZip(src, dest string) error {
	zr, err := zip.OpenReader(src)
	if err != nil {
		return errors.Wrap(err, "open zip")
	}
	defer zr.Close()

	root := filepath.Clean(dest)
	var total int64

	for _, f := range zr.File {
		target, err := secureJoin(root, f.Name)
		if err != nil {
			return err
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o777); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o777); err != nil {
			return err
		}

		rc, err := f.Open()
		if err != nil {
			return errors.Wrapf(err, "open zip entry %q", f.Name)
		}
		out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode().Perm()|0o200)
		if err != nil {
			rc.Close()
			return err
		}
		n, err := io.Copy(out, rc)
		rc.Close()
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return errors.Wrapf(err, "extract zip entry %q", f.Name)
		}
		total += n
	}

	logrus.Debugf("Extracted %s into %q", units.HumanSize(float64(total)), dest)
	return nil
}

func secureJoin(root, name string) (string, error) {
	if filepath.IsAbs(name) || filepath.IsAbs(filepath.FromSlash(name)) {
		return "", errors.Errorf("zip entry %q has an absolute path", name)
	}
	target := filepath.Join(root, filepath.FromSlash(name))
	if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
		return "", errors.Errorf("zip entry %q escapes the extraction root", name)
	}
	return target, nil
}
