/*
 * MareFS, Copyright 2021 the MareFS Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/marefs/marefs/pkg/utils"
	"github.com/marefs/marefs/pkg/version"
)

var logger = utils.GetLogger("marefs")

func main() {
	cli.VersionFlag = &cli.BoolFlag{
		Name: "version", Aliases: []string{"V"},
		Usage: "print only the version",
	}
	app := &cli.App{
		Name:      "marefs",
		Usage:     "A distributed POSIX file system metadata master",
		Version:   version.Version(),
		Copyright: "Apache License 2.0",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"debug", "v"},
				Usage:   "enable debug log",
			},
			&cli.BoolFlag{
				Name:    "quiet",
				Aliases: []string{"q"},
				Usage:   "only warning and errors",
			},
			&cli.StringFlag{
				Name:  "logfile",
				Usage: "redirect log to this file",
			},
			&cli.BoolFlag{
				Name:  "no-color",
				Usage: "disable colors",
			},
		},
		Commands: []*cli.Command{
			cmdMaster(),
			cmdRestore(),
			cmdInspect(),
		},
	}
	err := app.Run(os.Args)
	if err != nil {
		logger.Fatalf("%s", err)
	}
}

func setLoggerLevel(ctx *cli.Context) {
	if ctx.Bool("verbose") {
		utils.SetLogLevel(logrus.DebugLevel)
	} else if ctx.Bool("quiet") {
		utils.SetLogLevel(logrus.WarnLevel)
	} else {
		utils.SetLogLevel(logrus.InfoLevel)
	}
	if ctx.Bool("no-color") {
		utils.DisableLogColor()
	}
	if f := ctx.String("logfile"); f != "" {
		if err := utils.SetOutFile(f); err != nil {
			logger.Warnf("can't open log file %s: %s", f, err)
		}
	}
}
