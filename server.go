package main

import (
	"net"
	"os"
	"os/signal"
	"strconv"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
	"golang.org/x/sys/unix"

	"github.com/sensiblecodeio/buildyard/pkg/project"
	"github.com/sensiblecodeio/buildyard/pkg/run"
	"github.com/sensiblecodeio/buildyard/pkg/server"
)

// ActionServer runs a build-server until it is signalled to stop.
func ActionServer(c *cli.Context) error {
	setupLogging(c.Bool("verbose"))

	env := project.BuildEnv{
		Runner: run.ExecRunner{},
		Docker: run.LookDocker(),
	}
	logrus.Debugf("Using docker binary %q", env.Docker)

	factory := server.NewFactory(c.String("password"), env)

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, unix.SIGINT, unix.SIGTERM)
		s := <-sig
		logrus.Infof("Received %v, shutting down", s)
		factory.Closing.Fall()
	}()

	addr := net.JoinHostPort(c.String("interface"), strconv.Itoa(c.Int("port")))
	if err := factory.ListenAndServe(addr); err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	return nil
}
