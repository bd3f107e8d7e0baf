package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/sensiblecodeio/buildyard/pkg/wire"
)

func main() {
	app := cli.NewApp()

	app.Name = "buildyard"
	app.Usage = "distribute docker image builds across build-servers"

	app.Commands = []cli.Command{
		{
			Name:   "server",
			Usage:  "run a build-server",
			Action: ActionServer,
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "interface, i",
					Value: "0.0.0.0",
					Usage: "interface to listen on",
				},
				cli.IntFlag{
					Name:  "port, p",
					Value: wire.DefaultPort,
					Usage: "port to listen on",
				},
				cli.StringFlag{
					Name:  "password, P",
					Usage: "protect this server with a password",
				},
				cli.BoolFlag{
					Name:  "verbose, v",
					Usage: "be more verbose",
				},
			},
		},
		{
			Name:   "build",
			Usage:  "build a project on one or more build-servers",
			Action: ActionBuild,
			Flags: []cli.Flag{
				cli.StringSliceFlag{
					Name:  "buildserver, s",
					Usage: "build on this server; repeatable. With none given, an embedded server is used",
					Value: &cli.StringSlice{},
				},
				cli.StringFlag{
					Name:  "buildmode, m",
					Value: "parallel",
					Usage: "how to distribute images over several buildservers: parallel or multi",
				},
				cli.IntFlag{
					Name:  "port, p",
					Value: wire.DefaultPort,
					Usage: "connect to this port",
				},
				cli.StringFlag{
					Name:  "password, P",
					Usage: "password for the buildservers",
				},
				cli.StringFlag{
					Name:  "only, o",
					Usage: "only build images with this name",
				},
				cli.BoolFlag{
					Name:  "push",
					Usage: "push built images to the registry",
				},
				cli.StringFlag{
					Name:  "project, f",
					Value: "buildyard.json",
					Usage: "project description file",
				},
				cli.BoolFlag{
					Name:  "verbose, v",
					Usage: "be more verbose",
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}

func setupLogging(verbose bool) {
	if verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}
}
