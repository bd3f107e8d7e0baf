// Package dispatch fans a build out across one or more build-servers and
// merges the resulting exit-code vectors.
package dispatch

import (
	"io"
	"net"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/sensiblecodeio/buildyard/pkg/client"
	"github.com/sensiblecodeio/buildyard/pkg/project"
	"github.com/sensiblecodeio/buildyard/pkg/server"
)

// Mode selects how builds are distributed when more than one server is
// configured.
type Mode string

const (
	// ModeParallel partitions the image names round-robin across servers.
	ModeParallel Mode = "parallel"

	// ModeMulti mirrors the whole build to every server.
	ModeMulti Mode = "multi"
)

// Options configure one dispatch run.
type Options struct {
	// Servers is the ordered host:port list.
	Servers []string

	// Mode applies when more than one server is given.
	Mode Mode

	// Password authenticates against protected servers.
	Password string

	// Only restricts the build to these image names; nil builds all.
	Only []string

	// Push asks each server to push the selected images after building
	// them, whatever their build exit codes.
	Push bool

	// Out receives the relayed builder console output.
	Out io.Writer
}

// Run packs the project tree at root into a zip and distributes the build
// according to the options. The returned vector concatenates the per-server
// results; its order follows server order in mirror mode and image-name
// order in partition mode.
func Run(proj *project.Project, root string, opts Options) ([]int, error) {
	if len(opts.Servers) == 0 {
		return nil, errors.New("no build-servers configured")
	}

	scratch, err := project.NewScratch()
	if err != nil {
		return nil, err
	}
	defer scratch.Remove()

	zipPath := filepath.Join(scratch.Path(), "up.zip")
	if err := project.CreateZip(root, zipPath); err != nil {
		return nil, err
	}

	if len(opts.Servers) == 1 {
		return buildOn(opts.Servers[0], proj, zipPath, opts.Only, opts)
	}

	switch opts.Mode {
	case ModeMulti:
		return mirror(proj, zipPath, opts)
	case ModeParallel, "":
		return partition(proj, zipPath, opts)
	default:
		return nil, errors.Errorf("unknown build mode %q", opts.Mode)
	}
}

// buildOn runs one remote build against one server.
func buildOn(addr string, proj *project.Project, zipPath string, only []string, opts Options) ([]int, error) {
	c, err := client.Dial(addr, opts.Password, opts.Out)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	return c.RemoteBuild(proj, zipPath, only, opts.Push)
}

// mirror runs the same build concurrently on every server and concatenates
// the vectors in server order.
func mirror(proj *project.Project, zipPath string, opts Options) ([]int, error) {
	results := make([][]int, len(opts.Servers))

	var g errgroup.Group
	for i, addr := range opts.Servers {
		i, addr := i, addr
		g.Go(func() error {
			codes, err := buildOn(addr, proj, zipPath, opts.Only, opts)
			if err != nil {
				return errors.Wrapf(err, "build on %q", addr)
			}
			results[i] = codes
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return concat(results), nil
}

// partition assigns each selected image name round-robin across the servers
// (name i goes to server i mod N) and runs one remote build per name.
// Servers left without an assignment are not contacted.
func partition(proj *project.Project, zipPath string, opts Options) ([]int, error) {
	names := opts.Only
	if names == nil {
		for _, img := range proj.Images {
			names = append(names, img.Name)
		}
	}

	results := make([][]int, len(names))

	var g errgroup.Group
	for i, name := range names {
		i, name := i, name
		addr := opts.Servers[i%len(opts.Servers)]
		logrus.Debugf("Assigning image %q to %v", name, addr)
		g.Go(func() error {
			codes, err := buildOn(addr, proj, zipPath, []string{name}, opts)
			if err != nil {
				return errors.Wrapf(err, "build %q on %q", name, addr)
			}
			results[i] = codes
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return concat(results), nil
}

func concat(results [][]int) []int {
	exitcodes := []int{}
	for _, codes := range results {
		exitcodes = append(exitcodes, codes...)
	}
	return exitcodes
}

// ExitCode reduces a gathered exit-code vector to the process exit code: 1
// when nothing was built, otherwise the maximum.
func ExitCode(exitcodes []int) int {
	if len(exitcodes) == 0 {
		return 1
	}
	max := exitcodes[0]
	for _, code := range exitcodes[1:] {
		if code > max {
			max = code
		}
	}
	return max
}

// StartEmbedded launches an in-process build-server on localhost for use
// when no remote server is configured. The returned address is ready to
// dial; stop shuts the listener down.
func StartEmbedded(password string, env project.BuildEnv, port int) (addr string, stop func(), err error) {
	factory := server.NewFactory(password, env)

	l, err := net.Listen("tcp", net.JoinHostPort("localhost", strconv.Itoa(port)))
	if err != nil {
		return "", nil, errors.Wrap(err, "embedded server listen")
	}

	go func() {
		if err := factory.Serve(l); err != nil {
			logrus.Errorf("Embedded server: %v", err)
		}
	}()

	logrus.Debugf("Embedded server listening on %v", l.Addr())
	return l.Addr().String(), func() { factory.Closing.Fall() }, nil
}
