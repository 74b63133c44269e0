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

	"github.com/marefs/marefs/pkg/meta"
)

func cmdInspect() *cli.Command {
	return &cli.Command{
		Name:      "inspect",
		Usage:     "Validate a metadata image and print its header",
		ArgsUsage: "METADATA-FILE...",
		Action:    inspect,
	}
}

func inspect(ctx *cli.Context) error {
	setLoggerLevel(ctx)
	if ctx.Args().Len() < 1 {
		return fmt.Errorf("at least one METADATA-FILE is needed")
	}
	bad := 0
	for i := 0; i < ctx.Args().Len(); i++ {
		path := ctx.Args().Get(i)
		info, err := meta.CheckImage(path)
		if err != nil {
			logger.Errorf("%s: %s", path, err)
			bad++
			continue
		}
		fmt.Printf("%s: version %d, meta id %016X\n", path, info.MetaVersion, info.MetaID)
	}
	if bad > 0 {
		return fmt.Errorf("%d file(s) failed validation", bad)
	}
	return nil
}
