package project

import (
	"context"
	"encoding/json"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/sensiblecodeio/buildyard/pkg/run"
)

// Project is an ordered collection of images plus a name. It carries no path
// state across the wire: the server reconstructs a fresh scratch directory
// per build.
type Project struct {
	Name   string
	Images []Image
}

// wireProject is the serialized form. Each image is itself a JSON string;
// this nesting is part of the wire format.
type wireProject struct {
	Name   string   `json:"name"`
	Images []string `json:"images"`
}

// Serialize encodes the project as UTF-8 JSON with nested image encoding.
func (p *Project) Serialize() ([]byte, error) {
	w := wireProject{Name: p.Name, Images: make([]string, 0, len(p.Images))}
	for _, img := range p.Images {
		s, err := img.Serialize()
		if err != nil {
			return nil, err
		}
		w.Images = append(w.Images, s)
	}
	data, err := json.Marshal(w)
	return data, errors.Wrap(err, "serialize project")
}

// Deserialize decodes a project from its wire form.
func Deserialize(data []byte) (*Project, error) {
	var w wireProject
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, errors.Wrap(err, "deserialize project")
	}
	p := &Project{Name: w.Name, Images: make([]Image, 0, len(w.Images))}
	for _, s := range w.Images {
		img, err := DeserializeImage(s)
		if err != nil {
			return nil, err
		}
		p.Images = append(p.Images, img)
	}
	return p, nil
}

// selected applies the name filter: nil means every image.
func (p *Project) selected(only map[string]bool) []Image {
	if only == nil {
		return p.Images
	}
	var imgs []Image
	for _, img := range p.Images {
		if only[img.Name] {
			imgs = append(imgs, img)
		}
	}
	return imgs
}

// BuildFromZipPath extracts the zipped project tree into a scratch directory
// and builds the selected images in order. The scratch directory is removed
// whatever happens. The returned vector holds one exit code per attempted
// image; an image whose build could not even start records
// BuildErrorExitCode and the iteration continues.
func (p *Project) BuildFromZipPath(ctx context.Context, env BuildEnv, zipPath string, only map[string]bool, output run.OutputFunc) ([]int, error) {
	scratch, err := NewScratch()
	if err != nil {
		return nil, err
	}
	defer scratch.Remove()

	if err := ExtractZip(zipPath, scratch.Path()); err != nil {
		return nil, err
	}

	exitcodes := []int{}
	for _, img := range p.selected(only) {
		code, err := img.Build(ctx, env, scratch.Path(), output)
		if err != nil {
			logrus.WithField("image", img.Name).Errorf("Build not attempted: %v", err)
			code = BuildErrorExitCode
		}
		exitcodes = append(exitcodes, code)
	}
	return exitcodes, nil
}

// Push pushes the selected images. Push exit codes are not part of the
// build's exit-code vector; a non-zero push is logged and the pass
// continues. Only a push that cannot run at all is an error.
func (p *Project) Push(ctx context.Context, env BuildEnv, only map[string]bool, output run.OutputFunc) error {
	for _, img := range p.selected(only) {
		code, err := img.Push(ctx, env, output)
		if err != nil {
			return err
		}
		if code != 0 {
			logrus.WithField("image", img.Name).Errorf("Push exited with status %d", code)
		}
	}
	return nil
}

// projectFile is the on-disk client configuration: images are plain objects
// here, unlike the wire form.
type projectFile struct {
	Name   string  `json:"name"`
	Images []Image `json:"images"`
}

// LoadFile reads a project description from a JSON file and applies the
// image defaulting rules.
func LoadFile(path string) (*Project, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read project file")
	}
	var pf projectFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return nil, errors.Wrapf(err, "parse project file %q", path)
	}
	if pf.Name == "" {
		return nil, errors.Errorf("project file %q: name must not be empty", path)
	}
	for i := range pf.Images {
		if err := pf.Images[i].Normalize(); err != nil {
			return nil, errors.Wrapf(err, "project file %q", path)
		}
	}
	return &Project{Name: pf.Name, Images: pf.Images}, nil
}
