// Package project defines the build descriptors shipped between client and
// server, the wire serialization for them, and the server-side build steps.
package project

import (
	"context"
	"encoding/json"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/sensiblecodeio/buildyard/pkg/run"
)

// Image describes one container image build: a Dockerfile plus its context,
// located inside the project tree.
type Image struct {
	// Path is the directory holding the Dockerfile, relative to the
	// project root. Trailing slashes are trimmed.
	Path string `json:"path"`

	// Name identifies the image; defaults to the final segment of Path.
	Name string `json:"name"`

	// Tag may contain {system}, {node}, {release} and {arch} placeholders,
	// expanded from the build host's identity at build time. Defaults to
	// Name.
	Tag string `json:"tag"`

	// Dockerfile is the file name relative to Path. Defaults to
	// "Dockerfile".
	Dockerfile string `json:"dockerfile"`

	// Buildpath is the build-context directory relative to the project
	// root. Defaults to Path. Useful when the Dockerfile needs files from
	// a parent directory.
	Buildpath string `json:"buildpath"`

	// PreexecCommand is an optional argv run in the build context before
	// the image build. A non-zero exit aborts this image's build with that
	// exit code.
	PreexecCommand []string `json:"preexec_command"`
}

// Normalize applies the defaulting rules and validates the descriptor.
func (img *Image) Normalize() error {
	img.Path = strings.TrimRight(img.Path, "/")
	if img.Path == "" {
		return errors.New("image path must not be empty")
	}
	if img.Name == "" {
		img.Name = path.Base(img.Path)
	}
	if img.Tag == "" {
		img.Tag = img.Name
	}
	if img.Dockerfile == "" {
		img.Dockerfile = "Dockerfile"
	}
	if img.Buildpath == "" {
		img.Buildpath = img.Path
	}

	for _, p := range []string{img.Path, img.Buildpath} {
		if escapesRoot(p) {
			return errors.Errorf("image path %q escapes the project root", p)
		}
	}
	return nil
}

// escapesRoot reports whether joining p to a root directory could land
// outside it.
func escapesRoot(p string) bool {
	if path.IsAbs(p) || filepath.IsAbs(p) {
		return true
	}
	clean := path.Clean(p)
	return clean == ".." || strings.HasPrefix(clean, "../")
}

// Serialize encodes the image as a JSON string.
func (img Image) Serialize() (string, error) {
	data, err := json.Marshal(img)
	if err != nil {
		return "", errors.Wrap(err, "serialize image")
	}
	return string(data), nil
}

// DeserializeImage decodes and normalizes an image from its JSON string.
func DeserializeImage(s string) (Image, error) {
	var img Image
	if err := json.Unmarshal([]byte(s), &img); err != nil {
		return Image{}, errors.Wrap(err, "deserialize image")
	}
	if err := img.Normalize(); err != nil {
		return Image{}, err
	}
	return img, nil
}

var placeholderPattern = regexp.MustCompile(`\{([^{}]*)\}`)

// ExpandTag resolves the tag's placeholders against the build host's
// identity. Unknown placeholders or stray braces are a bad-tag error.
func (img Image) ExpandTag() (string, error) {
	return expandPlaceholders(img.Tag, hostVars())
}

func expandPlaceholders(s string, vars map[string]string) (string, error) {
	var badName string
	out := placeholderPattern.ReplaceAllStringFunc(s, func(m string) string {
		name := m[1 : len(m)-1]
		v, ok := vars[name]
		if !ok {
			badName = name
			return m
		}
		return v
	})
	if badName != "" {
		return "", errors.Errorf("bad tag %q: unknown placeholder %q", s, badName)
	}
	if strings.ContainsAny(out, "{}") {
		return "", errors.Errorf("bad tag %q: unbalanced braces", s)
	}
	return out, nil
}

// hostVars returns the placeholder values for this build host.
func hostVars() map[string]string {
	var u unix.Utsname
	if err := unix.Uname(&u); err != nil {
		return map[string]string{"system": "", "node": "", "release": "", "arch": ""}
	}
	return map[string]string{
		"system":  unix.ByteSliceToString(u.Sysname[:]),
		"node":    unix.ByteSliceToString(u.Nodename[:]),
		"release": unix.ByteSliceToString(u.Release[:]),
		"arch":    unix.ByteSliceToString(u.Machine[:]),
	}
}

// BuildErrorExitCode is recorded for an image whose build could not be
// attempted at all (bad tag, unspawnable builder).
const BuildErrorExitCode = 127

// BuildEnv carries what a build host needs to run builder subprocesses.
type BuildEnv struct {
	Runner run.Runner
	Docker string // path to the docker binary
}

// Build runs this image's build inside root, relaying console output.
// The returned int is the builder's exit code; errors mean the build could
// not be attempted.
func (img Image) Build(ctx context.Context, env BuildEnv, root string, output run.OutputFunc) (int, error) {
	tag, err := img.ExpandTag()
	if err != nil {
		return 0, err
	}

	buildpath := filepath.Join(root, filepath.FromSlash(img.Buildpath))
	dockerfile := path.Join(img.Path, img.Dockerfile)

	if len(img.PreexecCommand) > 0 {
		code, err := env.Runner.Run(ctx, buildpath, img.PreexecCommand[0], img.PreexecCommand, output)
		if err != nil {
			return 0, errors.Wrapf(err, "preexec for image %q", img.Name)
		}
		if code != 0 {
			return code, nil
		}
	}

	argv := []string{"docker", "build", "-t", tag, "-f", dockerfile, "."}
	code, err := env.Runner.Run(ctx, buildpath, env.Docker, argv, output)
	if err != nil {
		return 0, errors.Wrapf(err, "build image %q", img.Name)
	}
	return code, nil
}

// Push pushes this image's expanded tag to its registry.
func (img Image) Push(ctx context.Context, env BuildEnv, output run.OutputFunc) (int, error) {
	tag, err := img.ExpandTag()
	if err != nil {
		return 0, err
	}
	code, err := env.Runner.Run(ctx, ".", env.Docker, []string{"docker", "push", tag}, output)
	if err != nil {
		return 0, errors.Wrapf(err, "push image %q", img.Name)
	}
	return code, nil
}
