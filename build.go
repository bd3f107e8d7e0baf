package main

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"github.com/urfave/cli"

	"github.com/sensiblecodeio/buildyard/pkg/dispatch"
	"github.com/sensiblecodeio/buildyard/pkg/project"
)

// ActionBuild dispatches a project build to the configured build-servers,
// or to an embedded one when none are given. The process exits with 1 when
// no images were built, otherwise with the largest collected exit code.
func ActionBuild(c *cli.Context) error {
	setupLogging(c.Bool("verbose"))

	projectPath := c.String("project")
	proj, err := project.LoadFile(projectPath)
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	root := filepath.Dir(projectPath)

	port := c.Int("port")
	password := c.String("password")

	var servers []string
	if hosts := c.StringSlice("buildserver"); len(hosts) == 0 {
		addr, stop, err := dispatch.StartEmbedded(password, project.BuildEnv{}, port)
		if err != nil {
			return cli.NewExitError(err.Error(), 1)
		}
		defer stop()
		servers = []string{addr}
	} else {
		for _, host := range hosts {
			servers = append(servers, hostPort(host, port))
		}
	}

	var only []string
	if name := c.String("only"); name != "" {
		only = []string{name}
	}

	exitcodes, err := dispatch.Run(proj, root, dispatch.Options{
		Servers:  servers,
		Mode:     dispatch.Mode(c.String("buildmode")),
		Password: password,
		Only:     only,
		Push:     c.Bool("push"),
		Out:      os.Stdout,
	})
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}

	if len(exitcodes) == 0 {
		fmt.Fprintln(os.Stderr, "Error: no images built!")
		return cli.NewExitError("", 1)
	}

	fmt.Printf("Exitcodes: %v\n", exitcodes)
	if code := dispatch.ExitCode(exitcodes); code != 0 {
		return cli.NewExitError("", code)
	}
	return nil
}

// hostPort appends port unless the host already carries one.
func hostPort(host string, port int) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}
