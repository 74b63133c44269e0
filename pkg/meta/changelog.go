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

package meta

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
)

// Append-only operation log. One line per mutation:
//
//	<version>: <timestamp>|OP(args):results
//
// The active file is changelog.0.mfs; every metadata save shifts the
// numbers up and compresses the older generations.

type Changelog struct {
	dir string
	f   *os.File
	w   *bufio.Writer
}

func newChangelog(dir string) *Changelog {
	return &Changelog{dir: dir}
}

func (c *Changelog) path(idx int) string {
	return filepath.Join(c.dir, fmt.Sprintf("changelog.%d.mfs", idx))
}

func (c *Changelog) open() error {
	if c.f != nil {
		return nil
	}
	f, err := os.OpenFile(c.path(0), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return errors.Wrap(err, "open changelog")
	}
	c.f = f
	c.w = bufio.NewWriter(f)
	return nil
}

func (c *Changelog) append(version uint64, line string) {
	if c.dir == "" {
		return
	}
	if err := c.open(); err != nil {
		logger.Errorf("changelog: %s", err)
		return
	}
	if _, err := fmt.Fprintf(c.w, "%d: %s\n", version, line); err != nil {
		logger.Errorf("changelog write: %s", err)
	}
}

// Flush pushes buffered lines to the OS; fsync policy is the
// caller's.
func (c *Changelog) Flush() error {
	if c.w == nil {
		return nil
	}
	if err := c.w.Flush(); err != nil {
		return err
	}
	return c.f.Sync()
}

func (c *Changelog) Close() error {
	if c.f == nil {
		return nil
	}
	err := c.Flush()
	if e := c.f.Close(); err == nil {
		err = e
	}
	c.f = nil
	c.w = nil
	return err
}

// Rotate shifts changelog generations after a successful metadata
// dump: 0 becomes 1, 1 becomes 2 (compressed), and generations beyond
// keep are dropped.
func (c *Changelog) Rotate(keep uint32) {
	if c.dir == "" {
		return
	}
	_ = c.Close()
	if keep < 1 {
		keep = 1
	}
	_ = os.Remove(c.path(int(keep)) + ".gz")
	for i := int(keep) - 1; i >= 1; i-- {
		plain := c.path(i)
		if _, err := os.Stat(plain); err == nil {
			if i+1 <= int(keep) {
				if err := gzipFile(plain, c.path(i+1)+".gz"); err != nil {
					logger.Warnf("changelog rotation: %s", err)
				} else {
					_ = os.Remove(plain)
				}
			}
			continue
		}
		if _, err := os.Stat(plain + ".gz"); err == nil {
			_ = os.Rename(plain+".gz", c.path(i+1)+".gz")
		}
	}
	if _, err := os.Stat(c.path(0)); err == nil {
		if err := os.Rename(c.path(0), c.path(1)); err != nil {
			logger.Warnf("changelog rotation: %s", err)
		}
	}
}

func gzipFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(out)
	if _, err = io.Copy(zw, in); err == nil {
		err = zw.Close()
	} else {
		_ = zw.Close()
	}
	if e := out.Close(); err == nil {
		err = e
	}
	return err
}

// appendChangelog stamps a mutation line with the current meta version
// and advances it. Replay paths never call this; they bump the version
// through metaVersionInc after verifying their results.
func (m *Master) appendChangelog(ts uint32, format string, args ...interface{}) {
	version := m.metaversion
	m.metaversion++
	payload := fmt.Sprintf("%d|", ts) + fmt.Sprintf(format, args...)
	m.changelog.append(version, payload)
	if m.mutationSink != nil {
		m.mutationSink(version, payload)
	}
}

// SetMutationSink installs a hook fired for every recorded mutation;
// the replicator feeds these lines into the Raft log.
func (m *Master) SetMutationSink(fn func(version uint64, payload string)) {
	m.mutationSink = fn
}

func changelogByteSafe(c byte) bool {
	return c > 32 && c < 127 && c != ',' && c != '%' && c != '(' && c != ')' && c != ':' && c != '|' && c != '/'
}

// escapeName makes a file name safe for one changelog field.
func escapeName(name []byte) string {
	clean := true
	for _, c := range name {
		if !changelogByteSafe(c) {
			clean = false
			break
		}
	}
	if clean {
		return string(name)
	}
	var b strings.Builder
	for _, c := range name {
		if changelogByteSafe(c) {
			b.WriteByte(c)
		} else {
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

// unescapeName reverses escapeName.
func unescapeName(s string) ([]byte, error) {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '%' {
			if i+2 >= len(s) {
				return nil, errors.New("truncated escape")
			}
			v, err := strconv.ParseUint(s[i+1:i+3], 16, 8)
			if err != nil {
				return nil, errors.Wrap(err, "bad escape")
			}
			out = append(out, byte(v))
			i += 2
		} else {
			out = append(out, s[i])
		}
	}
	return out, nil
}
