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
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/marefs/marefs/pkg/chunk"
	"github.com/marefs/marefs/pkg/meta"
)

func cmdRestore() *cli.Command {
	return &cli.Command{
		Name:      "restore",
		Usage:     "Rebuild metadata from the best image plus changelogs and store a fresh one",
		ArgsUsage: "DATA-DIR",
		Action:    restore,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "ignore-errors",
				Aliases: []string{"i"},
				Usage:   "continue over replay mismatches and foreign meta ids",
			},
		},
	}
}

func restore(ctx *cli.Context) error {
	setLoggerLevel(ctx)
	if ctx.Args().Len() < 1 {
		return fmt.Errorf("DATA-DIR is needed")
	}
	conf := meta.Config{
		DataDir:      ctx.Args().Get(0),
		IgnoreErrors: ctx.Bool("ignore-errors"),
	}
	m := meta.NewMaster(conf, chunk.NewMemStore())
	if err := m.LoadAll(false); err != nil {
		return err
	}
	if res := m.StoreAll(); res != meta.StoreOK {
		return fmt.Errorf("could not store recovered metadata (%d)", res)
	}
	info := m.Info()
	logger.Infof("restored %d inodes (%d directories, %d files), metadata version %d",
		info.Inodes, info.DirNodes, info.FileNodes, m.MetaVersion())
	m.Term()
	return nil
}
