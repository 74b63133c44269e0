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
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marefs/marefs/pkg/chunk"
)

func populate(t *testing.T, m *Master, ctx Context) {
	t.Helper()
	dir, _, st := m.Mkdir(ctx, RootIno, []byte("work"), 0755, 0, false)
	require.Equal(t, OK, st)
	f, _, st := m.Mknod(ctx, dir, []byte("notes.txt"), TypeFile, 0644, 0, 0)
	require.Equal(t, OK, st)
	cid, _, st := m.WriteChunk(ctx, f, 0)
	require.Equal(t, OK, st)
	require.Equal(t, OK, m.WriteEnd(ctx, f, 4096, cid))
	_, st = m.Link(ctx, f, dir, []byte("notes-link"))
	require.Equal(t, OK, st)
	_, _, st = m.Symlink(ctx, dir, []byte("sl"), []byte("notes.txt"))
	require.Equal(t, OK, st)
	require.Equal(t, OK, m.SetXattr(ctx, f, "user.tag", []byte("keep"), 0))
	_, st = m.QuotaControl(rootCtx(), dir, false, &QuotaInfo{Flags: QuotaFlagHInodes, HInodes: 100})
	require.Equal(t, OK, st)
	// one node in trash
	g, _, st := m.Mknod(ctx, dir, []byte("gone"), TypeFile, 0644, 0, 0)
	require.Equal(t, OK, st)
	_, st = m.Unlink(ctx, dir, []byte("gone"))
	require.Equal(t, OK, st)
	require.Equal(t, uint8(TypeTrash), m.nodetab.find(g).typ)
}

func TestDumpLoadDumpIdentical(t *testing.T) {
	dir := t.TempDir()
	a := NewMaster(Config{DataDir: dir}, chunk.NewMemStore())
	clk := &testClock{now: 1600000000}
	a.SetClock(clk.fn())
	a.InitEmpty()
	defer a.Term()
	populate(t, a, userCtx())

	var buf1 bytes.Buffer
	a.Store(&buf1)

	b := NewMaster(Config{DataDir: t.TempDir()}, chunk.NewMemStore())
	b.SetClock(clk.fn())
	defer b.Term()
	require.NoError(t, b.Load(bytes.NewReader(buf1.Bytes())))

	var buf2 bytes.Buffer
	b.Store(&buf2)
	assert.Equal(t, buf1.Bytes(), buf2.Bytes(), "dump -> load -> dump must be byte identical")

	assert.Equal(t, a.MetaVersion(), b.MetaVersion())
	assert.Equal(t, a.MetaID(), b.MetaID())
	assert.Equal(t, a.Info(), b.Info())
	checkInvariants(t, b)
}

func TestStoreAllAndRecovery(t *testing.T) {
	dir := t.TempDir()
	storeA := chunk.NewMemStore()
	a := NewMaster(Config{DataDir: dir, BackMetaKeepPrevious: 2}, storeA)
	clk := &testClock{now: 1600000000}
	a.SetClock(clk.fn())
	a.InitEmpty()
	defer a.Term()
	ctx := userCtx()
	populate(t, a, ctx)

	require.Equal(t, StoreOK, a.StoreAll())
	info, err := CheckImage(filepath.Join(dir, "metadata.mfs.back"))
	require.NoError(t, err)
	assert.Equal(t, a.MetaID(), info.MetaID)
	_, err = os.Stat(filepath.Join(dir, "metadata.crc"))
	require.NoError(t, err)

	// mutations after the dump land in the changelog only
	work, _, st := m2Lookup(a, ctx, RootIno, "work")
	require.Equal(t, OK, st)
	f2, _, st := a.Mknod(ctx, work, []byte("later"), TypeFile, 0644, 0, 0)
	require.Equal(t, OK, st)
	cid, _, st := a.WriteChunk(ctx, f2, 0)
	require.Equal(t, OK, st)
	require.Equal(t, OK, a.WriteEnd(ctx, f2, 10, cid))
	_, st = a.Rename(ctx, work, []byte("later"), work, []byte("final"))
	require.Equal(t, OK, st)
	require.NoError(t, a.changelog.Flush())

	b := NewMaster(Config{DataDir: dir, BackMetaKeepPrevious: 2}, chunk.NewMemStore())
	b.SetClock(clk.fn())
	defer b.Term()
	require.NoError(t, b.LoadAll(false))

	assert.Equal(t, a.MetaVersion(), b.MetaVersion())
	assert.Equal(t, a.Info(), b.Info())
	got, _, st := m2Lookup(b, ctx, work, "final")
	require.Equal(t, OK, st)
	assert.Equal(t, f2, got)
	checkInvariants(t, b)

	// the replayed engine serializes exactly like the live one
	var bufA, bufB bytes.Buffer
	a.Store(&bufA)
	b.Store(&bufB)
	assert.Equal(t, bufA.Bytes(), bufB.Bytes())
}

func m2Lookup(m *Master, ctx Context, parent Ino, name string) (Ino, []byte, Status) {
	return m.Lookup(ctx, parent, []byte(name))
}

func TestReplayMismatchAborts(t *testing.T) {
	dir := t.TempDir()
	a := NewMaster(Config{DataDir: dir}, chunk.NewMemStore())
	clk := &testClock{now: 1600000000}
	a.SetClock(clk.fn())
	a.InitEmpty()
	defer a.Term()
	ctx := userCtx()
	x, _, st := a.Mknod(ctx, RootIno, []byte("x"), TypeFile, 0644, 0, 0)
	require.Equal(t, OK, st)
	require.NotEqual(t, Ino(5), x)
	require.Equal(t, StoreOK, a.StoreAll())

	// a forged line whose recorded result disagrees with the state
	line := []byte("2: 1600000001|UNLINK(1,x):5\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "changelog.0.mfs"), line, 0666))

	b := NewMaster(Config{DataDir: dir}, chunk.NewMemStore())
	b.SetClock(clk.fn())
	err := b.LoadAll(false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mismatch")
	b.Term()

	// with ignore the replay proceeds past the divergence
	c := NewMaster(Config{DataDir: dir, IgnoreErrors: true}, chunk.NewMemStore())
	c.SetClock(clk.fn())
	defer c.Term()
	require.NoError(t, c.LoadAll(false))
}

func TestChangelogRotation(t *testing.T) {
	dir := t.TempDir()
	a := NewMaster(Config{DataDir: dir, BackMetaKeepPrevious: 3}, chunk.NewMemStore())
	clk := &testClock{now: 1600000000}
	a.SetClock(clk.fn())
	a.InitEmpty()
	defer a.Term()
	ctx := userCtx()
	_, _, st := a.Mkdir(ctx, RootIno, []byte("one"), 0755, 0, false)
	require.Equal(t, OK, st)
	require.Equal(t, StoreOK, a.StoreAll())
	_, err := os.Stat(filepath.Join(dir, "changelog.1.mfs"))
	require.NoError(t, err, "active changelog shifts to generation 1")

	_, _, st = a.Mkdir(ctx, RootIno, []byte("two"), 0755, 0, false)
	require.Equal(t, OK, st)
	require.Equal(t, StoreOK, a.StoreAll())
	_, err = os.Stat(filepath.Join(dir, "changelog.2.mfs.gz"))
	require.NoError(t, err, "older generations are compressed")
}

func TestReplayLineVersionGap(t *testing.T) {
	dir := t.TempDir()
	a := NewMaster(Config{DataDir: dir, MaxIDHole: 10}, chunk.NewMemStore())
	clk := &testClock{now: 1600000000}
	a.SetClock(clk.fn())
	a.InitEmpty()
	defer a.Term()
	require.Equal(t, StoreOK, a.StoreAll())
	v := a.MetaVersion()

	// a hole wider than MaxIDHole aborts the restore
	line := []byte("999999: 1600000001|ACCESS(1)\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "changelog.0.mfs"), line, 0666))
	b := NewMaster(Config{DataDir: dir, MaxIDHole: 10}, chunk.NewMemStore())
	b.SetClock(clk.fn())
	err := b.LoadAll(false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hole")
	b.Term()
	_ = v
}
