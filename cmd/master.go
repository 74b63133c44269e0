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
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/marefs/marefs/pkg/chunk"
	"github.com/marefs/marefs/pkg/meta"
)

func cmdMaster() *cli.Command {
	return &cli.Command{
		Name:      "master",
		Usage:     "Run the metadata master",
		ArgsUsage: "DATA-DIR",
		Action:    master,
		Flags: []cli.Flag{
			&cli.UintFlag{
				Name:  "atime-mode",
				Usage: "atime policy: 0 always, 1 relative, 2 files only, 3 files+relative, 4 never",
				Value: meta.AtimeAlways,
			},
			&cli.UintFlag{
				Name:  "max-hard-links",
				Usage: "per-inode hard link limit (8..65000)",
				Value: 32767,
			},
			&cli.UintFlag{
				Name:  "quota-grace-period",
				Usage: "default soft quota grace period in seconds",
				Value: 7 * 86400,
			},
			&cli.UintFlag{
				Name:  "metadata-save-freq",
				Usage: "minutes between metadata dumps",
				Value: 60,
			},
			&cli.StringFlag{
				Name:  "metadata-save-offset",
				Usage: "dump alignment \"HH:MM\" (append L for local time)",
			},
			&cli.UintFlag{
				Name:  "back-meta-keep-previous",
				Usage: "how many rotated metadata backups to keep (0..99)",
				Value: 1,
			},
			&cli.BoolFlag{
				Name:  "ignore-errors",
				Usage: "continue over metadata inconsistencies during recovery",
			},
			&cli.StringFlag{
				Name:  "metrics",
				Usage: "address to expose prometheus metrics on",
			},
		},
	}
}

// parseSaveOffset understands "HH:MM" with an optional trailing L
// (local-time interpretation).
func parseSaveOffset(s string) (minutes uint32, local bool, err error) {
	if s == "" {
		return 0, false, nil
	}
	if strings.HasSuffix(s, "L") {
		local = true
		s = s[:len(s)-1]
	}
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, false, fmt.Errorf("invalid offset %q", s)
	}
	hh, err := strconv.Atoi(parts[0])
	if err != nil || hh < 0 || hh > 23 {
		return 0, false, fmt.Errorf("invalid offset hour %q", parts[0])
	}
	mm, err := strconv.Atoi(parts[1])
	if err != nil || mm < 0 || mm > 59 {
		return 0, false, fmt.Errorf("invalid offset minute %q", parts[1])
	}
	return uint32(hh*60 + mm), local, nil
}

func master(ctx *cli.Context) error {
	setLoggerLevel(ctx)
	if ctx.Args().Len() < 1 {
		return fmt.Errorf("DATA-DIR is needed")
	}
	dir := ctx.Args().Get(0)
	if err := os.MkdirAll(dir, 0777); err != nil {
		return err
	}
	lock := flock.New(filepath.Join(dir, ".lock"))
	held, err := lock.TryLock()
	if err != nil {
		return err
	}
	if !held {
		return fmt.Errorf("data directory %s is used by another master", dir)
	}
	defer func() { _ = lock.Unlock() }()

	offset, offsetLocal, err := parseSaveOffset(ctx.String("metadata-save-offset"))
	if err != nil {
		return err
	}
	conf := meta.Config{
		DataDir:              dir,
		AtimeMode:            uint8(ctx.Uint("atime-mode")),
		MaxAllowedHardLinks:  uint32(ctx.Uint("max-hard-links")),
		QuotaGracePeriod:     uint32(ctx.Uint("quota-grace-period")),
		MetaSaveFreq:         uint32(ctx.Uint("metadata-save-freq")),
		MetaSaveOffset:       ctx.String("metadata-save-offset"),
		BackMetaKeepPrevious: uint32(ctx.Uint("back-meta-keep-previous")),
		IgnoreErrors:         ctx.Bool("ignore-errors"),
	}
	m := meta.NewMaster(conf, chunk.NewMemStore())
	if err := m.LoadAll(true); err != nil {
		logger.Fatalf("metadata recovery: %s", err)
	}
	if addr := ctx.String("metrics"); addr != "" {
		reg := prometheus.NewRegistry()
		m.RegisterMetrics(reg)
		http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(addr, nil); err != nil {
				logger.Warnf("metrics listener: %s", err)
			}
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	second := time.NewTicker(time.Second)
	defer second.Stop()
	saveEvery := time.Duration(conf.MetaSaveFreq) * time.Minute
	nextSave := nextSaveTime(time.Now(), saveEvery, offset, offsetLocal)
	logger.Infof("master running, data dir %s, next metadata save %s", dir, nextSave.Format(time.RFC3339))

	for {
		select {
		case <-second.C:
			m.FreeInodes()
			m.EmptyTrash()
			m.EmptySustained()
			m.CheckAllQuotas()
			m.RenumerateEdgesIfNeeded()
			if !time.Now().Before(nextSave) {
				if res := m.StoreAll(); res == meta.StoreNothing {
					logger.Fatalf("cannot store metadata - exiting to avoid data loss")
				} else if res == meta.StoreEmergency {
					logger.Fatalf("metadata stored only in emergency location - exiting")
				}
				nextSave = nextSaveTime(time.Now(), saveEvery, offset, offsetLocal)
			}
		case s := <-sig:
			logger.Infof("signal %s received - storing metadata and exiting", s)
			if res := m.StoreAll(); res != meta.StoreOK {
				logger.Errorf("final metadata store failed (%d)", res)
			}
			m.Term()
			return nil
		}
	}
}

// nextSaveTime aligns periodic dumps to the configured offset.
func nextSaveTime(now time.Time, every time.Duration, offsetMinutes uint32, local bool) time.Time {
	if every <= 0 {
		every = time.Hour
	}
	ref := now
	if !local {
		ref = now.UTC()
	}
	day := time.Date(ref.Year(), ref.Month(), ref.Day(), 0, 0, 0, 0, ref.Location())
	anchor := day.Add(time.Duration(offsetMinutes) * time.Minute)
	for !anchor.After(ref) {
		anchor = anchor.Add(every)
	}
	return anchor
}
