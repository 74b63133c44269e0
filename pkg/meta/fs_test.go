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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marefs/marefs/pkg/chunk"
)

type testClock struct {
	now uint32
}

func (c *testClock) fn() func() uint32 {
	return func() uint32 { return c.now }
}

func newTestMaster(t *testing.T) (*Master, *chunk.MemStore, *testClock) {
	t.Helper()
	store := chunk.NewMemStore()
	m := NewMaster(Config{TrashTime: DefaultTrashTime}, store)
	clk := &testClock{now: 1600000000}
	m.SetClock(clk.fn())
	m.InitEmpty()
	t.Cleanup(m.Term)
	return m, store, clk
}

func userCtx() Context {
	return NewContext(1000, []uint32{1000}, 0)
}

func rootCtx() Context {
	return NewContext(0, []uint32{0}, 0)
}

// checkInvariants verifies the structural laws: link counts equal
// incoming edges and directory stats equal the recomputed subtree
// aggregation.
func checkInvariants(t *testing.T, m *Master) {
	t.Helper()
	incoming := make(map[Ino]uint32)
	m.nodetab.each(func(n *fsNode) {
		for e := n.parents; e != nil; e = e.nextParent {
			if e.parent != nil {
				incoming[n.inode]++
			}
		}
	})
	m.nodetab.each(func(n *fsNode) {
		if n.typ == TypeDirectory {
			subdirs := uint32(0)
			elements := uint32(0)
			for e := n.dir.children; e != nil; e = e.nextChild {
				elements++
				if e.child.typ == TypeDirectory {
					subdirs++
				}
			}
			assert.Equal(t, 2+subdirs, n.dir.nlink, "nlink of dir %d", n.inode)
			assert.Equal(t, elements, n.dir.elements, "elements of dir %d", n.inode)
		} else if n.typ != TypeTrash && n.typ != TypeSustained {
			assert.Equal(t, incoming[n.inode], n.nlink(), "nlink of inode %d", n.inode)
		}
	})
	var verify func(d *fsNode) statsRecord
	verify = func(d *fsNode) statsRecord {
		var want statsRecord
		for e := d.dir.children; e != nil; e = e.nextChild {
			var sr statsRecord
			if e.child.typ == TypeDirectory {
				sub := verify(e.child)
				sr = sub
				sr.inodes++
				sr.dirs++
			} else {
				m.getStats(e.child, &sr, 0)
			}
			want.add(&sr)
		}
		assert.Equal(t, want, d.dir.stats, "stats of dir %d", d.inode)
		return want
	}
	if m.root != nil {
		verify(m.root)
	}
}

func TestMkdirCreateWriteUnlink(t *testing.T) {
	m, store, _ := newTestMaster(t)
	ctx := userCtx()

	dir, _, st := m.Mkdir(ctx, RootIno, []byte("a"), 0755, 0, false)
	require.Equal(t, OK, st)
	assert.Equal(t, Ino(2), dir)
	ino, attr, st := m.Lookup(ctx, RootIno, []byte("a"))
	require.Equal(t, OK, st)
	assert.Equal(t, dir, ino)
	assert.Equal(t, uint8(TypeDirectory), attr[1]>>4&0xF)

	file, _, st := m.Mknod(ctx, dir, []byte("f"), TypeFile, 0644, 0, 0)
	require.Equal(t, OK, st)
	assert.Equal(t, Ino(3), file)

	chunkid, length, st := m.WriteChunk(ctx, file, 0)
	require.Equal(t, OK, st)
	assert.Equal(t, uint64(1), chunkid)
	assert.Zero(t, length, "length stays 0 until writeend")
	assert.Equal(t, uint32(1), store.RefCount(chunkid))

	require.Equal(t, OK, m.WriteEnd(ctx, file, 100, chunkid))
	_, _, _, chunks, flen, size, _, st := m.GetDirStats(rootCtx(), dir)
	require.Equal(t, OK, st)
	assert.Equal(t, uint32(1), chunks)
	assert.Equal(t, uint64(100), flen)
	assert.Equal(t, uint64(HdrSize+BlockSize), size)
	checkInvariants(t, m)

	// no trash retention: the node goes away and the chunk ref drops
	_, _, _, st = m.SetTrashtime(ctx, file, 0, SModeSet)
	require.Equal(t, OK, st)
	inode, st := m.Unlink(ctx, dir, []byte("f"))
	require.Equal(t, OK, st)
	assert.Equal(t, file, inode)
	assert.False(t, m.CheckInode(file))
	assert.Zero(t, store.RefCount(chunkid))
	checkInvariants(t, m)
}

func TestHardlinkAccounting(t *testing.T) {
	m, _, clk := newTestMaster(t)
	ctx := userCtx()

	dir, _, _ := m.Mkdir(ctx, RootIno, []byte("a"), 0755, 0, false)
	file, _, _ := m.Mknod(ctx, dir, []byte("f"), TypeFile, 0644, 0, 0)
	chunkid, _, _ := m.WriteChunk(ctx, file, 0)
	require.Equal(t, OK, m.WriteEnd(ctx, file, 100, chunkid))

	_, st := m.Link(ctx, file, dir, []byte("g"))
	require.Equal(t, OK, st)
	assert.Equal(t, uint32(2), m.nodetab.find(file).nlink())
	checkInvariants(t, m)

	_, st = m.Unlink(ctx, dir, []byte("f"))
	require.Equal(t, OK, st)
	assert.Equal(t, uint32(1), m.nodetab.find(file).nlink())
	ino, _, st := m.Lookup(ctx, dir, []byte("g"))
	require.Equal(t, OK, st)
	assert.Equal(t, file, ino)

	// last link disappears: the file has trashtime so it parks in trash
	_, st = m.Unlink(ctx, dir, []byte("g"))
	require.Equal(t, OK, st)
	n := m.nodetab.find(file)
	require.NotNil(t, n)
	assert.Equal(t, uint8(TypeTrash), n.typ)
	assert.Equal(t, uint64(100), m.trashspace)
	assert.Equal(t, uint32(1), m.trashnodes)

	// trash TTL: all of atime/mtime/ctime must be past the window
	unlinkTS := clk.now
	clk.now = unlinkTS + uint32(DefaultTrashTime)*3600 + 1
	bid := uint32(file) % TrashBuckets
	fi, si, chksum := m.emptyTrashBucket(clk.now, bid)
	assert.Equal(t, uint32(1), fi)
	assert.Zero(t, si)
	assert.Equal(t, uint32(file), chksum)
	assert.Zero(t, m.trashnodes)
	assert.Zero(t, m.trashspace)
	assert.False(t, m.CheckInode(file))
}

func TestSustainedWhileOpen(t *testing.T) {
	m, _, _ := newTestMaster(t)
	ctx := userCtx()
	dir, _, _ := m.Mkdir(ctx, RootIno, []byte("a"), 0755, 0, false)
	file, _, _ := m.Mknod(ctx, dir, []byte("f"), TypeFile, 0644, 0, 0)
	_, _, _, st := m.SetTrashtime(ctx, file, 0, SModeSet)
	require.Equal(t, OK, st)

	m.OpenFile(file)
	_, st = m.Unlink(ctx, dir, []byte("f"))
	require.Equal(t, OK, st)
	n := m.nodetab.find(file)
	require.NotNil(t, n)
	assert.Equal(t, uint8(TypeSustained), n.typ)
	assert.Equal(t, uint32(1), m.sustainednodes)

	// closing the last handle releases it
	m.CloseFile(file)
	assert.False(t, m.CheckInode(file))
	assert.Zero(t, m.sustainednodes)
}

func TestUndelRestoresPath(t *testing.T) {
	m, _, _ := newTestMaster(t)
	ctx := userCtx()
	dir, _, _ := m.Mkdir(ctx, RootIno, []byte("a"), 0755, 0, false)
	file, _, _ := m.Mknod(ctx, dir, []byte("f"), TypeFile, 0644, 0, 0)
	_, st := m.Unlink(ctx, dir, []byte("f"))
	require.Equal(t, OK, st)
	require.Equal(t, uint8(TypeTrash), m.nodetab.find(file).typ)
	path, st := m.GetTrashPath(rootCtx(), file)
	require.Equal(t, OK, st)
	assert.Equal(t, "a/f", string(path))

	// drop the directory, undel recreates the intermediate path
	_, st = m.Rmdir(ctx, RootIno, []byte("a"))
	require.Equal(t, OK, st)
	require.Equal(t, OK, m.Undel(rootCtx(), file))
	ino, _, st := m.Lookup(rootCtx(), RootIno, []byte("a"))
	require.Equal(t, OK, st)
	got, _, st := m.Lookup(rootCtx(), ino, []byte("f"))
	require.Equal(t, OK, st)
	assert.Equal(t, file, got)
	assert.Equal(t, uint8(TypeFile), m.nodetab.find(file).typ)
	assert.Zero(t, m.trashnodes)
	checkInvariants(t, m)
}

func TestSnapshotPreservesHardlinks(t *testing.T) {
	m, store, _ := newTestMaster(t)
	ctx := userCtx()
	a, _, _ := m.Mkdir(ctx, RootIno, []byte("a"), 0755, 0, false)
	f, _, _ := m.Mknod(ctx, a, []byte("f"), TypeFile, 0644, 0, 0)
	cid, _, _ := m.WriteChunk(ctx, f, 0)
	require.Equal(t, OK, m.WriteEnd(ctx, f, 10, cid))
	_, st := m.Link(ctx, f, a, []byte("g"))
	require.Equal(t, OK, st)
	dir, _, _ := m.Mkdir(ctx, a, []byte("dir"), 0755, 0, false)
	_, _, st = m.Mknod(ctx, dir, []byte("h"), TypeFile, 0644, 0, 0)
	require.Equal(t, OK, st)

	require.Equal(t, OK, m.Snapshot(ctx, a, RootIno, []byte("a-snap"), SnapshotModePreserveHardlinks, 022))
	snap, _, st := m.Lookup(ctx, RootIno, []byte("a-snap"))
	require.Equal(t, OK, st)
	fCopy, _, st := m.Lookup(ctx, snap, []byte("f"))
	require.Equal(t, OK, st)
	gCopy, _, st := m.Lookup(ctx, snap, []byte("g"))
	require.Equal(t, OK, st)
	assert.Equal(t, fCopy, gCopy, "hardlinked pair stays one inode")
	assert.Equal(t, uint32(2), m.nodetab.find(fCopy).nlink())
	n := m.nodetab.find(fCopy)
	assert.NotZero(t, n.eattr&EattrSnapshot)
	assert.Equal(t, uint64(10), n.file.length)
	assert.Equal(t, cid, n.file.chunktab[0], "snapshot shares source chunks")
	assert.Equal(t, uint32(2), store.RefCount(cid), "source holds one ref, the copy pair one more")
	dCopy, _, st := m.Lookup(ctx, snap, []byte("dir"))
	require.Equal(t, OK, st)
	_, _, st = m.Lookup(ctx, dCopy, []byte("h"))
	require.Equal(t, OK, st)
	checkInvariants(t, m)

	// snapshot-delete removes only SNAPSHOT-flagged nodes
	require.Equal(t, OK, m.Snapshot(ctx, 0, RootIno, []byte("a-snap"), SnapshotModeDelete, 0))
	_, _, st = m.Lookup(ctx, RootIno, []byte("a-snap"))
	assert.Equal(t, ENOENT, st)
	_, _, st = m.Lookup(ctx, RootIno, []byte("a"))
	assert.Equal(t, OK, st)
	checkInvariants(t, m)
}

func TestSnapshotOverwriteMerge(t *testing.T) {
	m, _, _ := newTestMaster(t)
	ctx := userCtx()
	src, _, _ := m.Mkdir(ctx, RootIno, []byte("src"), 0755, 0, false)
	f, _, _ := m.Mknod(ctx, src, []byte("f"), TypeFile, 0644, 0, 0)
	cid, _, _ := m.WriteChunk(ctx, f, 0)
	require.Equal(t, OK, m.WriteEnd(ctx, f, 7, cid))

	require.Equal(t, OK, m.Snapshot(ctx, src, RootIno, []byte("dst"), SnapshotModeCanOverwrite, 022))
	// identical second run only counts same_file, no new inodes
	before := m.nodes
	require.Equal(t, OK, m.Snapshot(ctx, src, RootIno, []byte("dst"), SnapshotModeCanOverwrite, 022))
	assert.Equal(t, before, m.nodes)

	// a snapshot onto an existing name without overwrite fails
	assert.Equal(t, EEXIST, m.Snapshot(ctx, src, RootIno, []byte("dst"), 0, 022))
	checkInvariants(t, m)
}

func TestRenameAndQuota(t *testing.T) {
	m, _, clk := newTestMaster(t)
	ctx := userCtx()
	dir, _, _ := m.Mkdir(ctx, RootIno, []byte("q"), 0755, 0, false)
	sub1, _, _ := m.Mkdir(ctx, dir, []byte("one"), 0755, 0, false)
	sub2, _, _ := m.Mkdir(ctx, dir, []byte("two"), 0755, 0, false)

	_, st := m.QuotaControl(rootCtx(), dir, false, &QuotaInfo{
		Flags:   QuotaFlagHInodes,
		HInodes: 3, // one, two and one file
	})
	require.Equal(t, OK, st)

	f, _, st2 := m.Mknod(ctx, sub1, []byte("f"), TypeFile, 0644, 0, 0)
	require.Equal(t, OK, st2)
	_, _, st2 = m.Mknod(ctx, sub1, []byte("g"), TypeFile, 0644, 0, 0)
	assert.Equal(t, EQUOTA, st2, "hard inode quota rejects")

	// moving inside the quota subtree bypasses its own check
	_, st = m.Rename(ctx, sub1, []byte("f"), sub2, []byte("f"))
	assert.Equal(t, OK, st)
	got, _, st := m.Lookup(ctx, sub2, []byte("f"))
	require.Equal(t, OK, st)
	assert.Equal(t, f, got)

	// soft quota trips only after the grace period
	_, st = m.QuotaControl(rootCtx(), dir, false, &QuotaInfo{
		Flags:       QuotaFlagSInodes,
		SInodes:     1,
		GracePeriod: 3600,
	})
	require.Equal(t, OK, st)
	m.CheckAllQuotas()
	_, _, st2 = m.Mknod(ctx, sub1, []byte("h"), TypeFile, 0644, 0, 0)
	assert.Equal(t, OK, st2, "inside grace period")
	clk.now += 3601
	m.CheckAllQuotas()
	qi, st := m.QuotaControl(rootCtx(), dir, false, nil)
	require.Equal(t, OK, st)
	assert.True(t, qi.Exceeded)
	_, _, st2 = m.Mknod(ctx, sub1, []byte("i"), TypeFile, 0644, 0, 0)
	assert.Equal(t, EQUOTA, st2, "soft quota past grace behaves hard")
	checkInvariants(t, m)
}

func TestRenameOverwriteRules(t *testing.T) {
	m, _, _ := newTestMaster(t)
	ctx := userCtx()
	d1, _, _ := m.Mkdir(ctx, RootIno, []byte("d1"), 0755, 0, false)
	d2, _, _ := m.Mkdir(ctx, RootIno, []byte("d2"), 0755, 0, false)
	f1, _, _ := m.Mknod(ctx, d1, []byte("f"), TypeFile, 0644, 0, 0)
	_, _, st0 := m.Mknod(ctx, d2, []byte("f"), TypeFile, 0600, 0, 0)
	require.Equal(t, OK, st0)

	// file over file: destination is replaced
	_, st := m.Rename(ctx, d1, []byte("f"), d2, []byte("f"))
	require.Equal(t, OK, st)
	got, _, st := m.Lookup(ctx, d2, []byte("f"))
	require.Equal(t, OK, st)
	assert.Equal(t, f1, got)

	// a directory can't be renamed under its own subtree
	sub, _, _ := m.Mkdir(ctx, d1, []byte("sub"), 0755, 0, false)
	_, st = m.Rename(ctx, RootIno, []byte("d1"), sub, []byte("loop"))
	assert.Equal(t, EINVAL, st)

	// non-empty directory is not overwritable
	_, st = m.Rename(ctx, RootIno, []byte("d2"), RootIno, []byte("d1"))
	assert.Equal(t, ENOTEMPTY, st)
	checkInvariants(t, m)
}

func TestAppendSlice(t *testing.T) {
	m, _, _ := newTestMaster(t)
	ctx := userCtx()
	dir, _, _ := m.Mkdir(ctx, RootIno, []byte("a"), 0755, 0, false)
	src, _, _ := m.Mknod(ctx, dir, []byte("src"), TypeFile, 0644, 0, 0)
	c0, _, _ := m.WriteChunk(ctx, src, 0)
	c1, _, _ := m.WriteChunk(ctx, src, 1)
	require.Equal(t, OK, m.WriteEnd(ctx, src, ChunkSize+100, c1))
	dst, _, _ := m.Mknod(ctx, dir, []byte("dst"), TypeFile, 0644, 0, 0)

	fleng, st := m.AppendSlice(ctx, dst, src, 0xFFFFFFFF, 0) // whole file
	require.Equal(t, OK, st)
	assert.Equal(t, uint64(ChunkSize+100), fleng)
	n := m.nodetab.find(dst)
	assert.Equal(t, c0, n.file.chunktab[0])
	assert.Equal(t, c1, n.file.chunktab[1])

	// appending a non-final slice extends to the chunk boundary
	fleng, st = m.AppendSlice(ctx, dst, src, 0, 0)
	require.Equal(t, OK, st)
	assert.Equal(t, uint64(3*ChunkSize), fleng)

	_, st = m.AppendSlice(ctx, dst, src, 2, 1)
	assert.Equal(t, EINVAL, st)
	checkInvariants(t, m)
}

func TestAccessModes(t *testing.T) {
	m, _, _ := newTestMaster(t)
	owner := userCtx()
	dir, _, _ := m.Mkdir(owner, RootIno, []byte("private"), 0700, 0, false)

	other := NewContext(2000, []uint32{2000}, 0)
	assert.Equal(t, EACCES, m.Access(other, dir, ModeMaskR))
	assert.Equal(t, OK, m.Access(owner, dir, ModeMaskR|ModeMaskW|ModeMaskX))
	assert.Equal(t, OK, m.Access(rootCtx(), dir, ModeMaskR|ModeMaskW|ModeMaskX))

	// group access via any supplied gid
	grp, _, _ := m.Mkdir(owner, RootIno, []byte("shared"), 0750, 0, false)
	member := NewContext(2000, []uint32{99, 1000}, 0)
	assert.Equal(t, OK, m.Access(member, grp, ModeMaskR|ModeMaskX))
	assert.Equal(t, EACCES, m.Access(member, grp, ModeMaskW))

	// sticky directory deletion rules
	tmp, _, _ := m.Mkdir(rootCtx(), RootIno, []byte("tmp"), 01777, 0, false)
	mine, _, _ := m.Mknod(owner, tmp, []byte("mine"), TypeFile, 0644, 0, 0)
	_ = mine
	_, st := m.Unlink(other, tmp, []byte("mine"))
	assert.Equal(t, EPERM, st, "sticky bit protects foreign entries")
	_, st = m.Unlink(owner, tmp, []byte("mine"))
	assert.Equal(t, OK, st)
}

func TestXattrLifecycle(t *testing.T) {
	m, _, _ := newTestMaster(t)
	ctx := userCtx()
	f, _, _ := m.Mknod(ctx, RootIno, []byte("f"), TypeFile, 0644, 0, 0)

	require.Equal(t, OK, m.SetXattr(ctx, f, "user.color", []byte("blue"), XattrCreate))
	assert.Equal(t, EEXIST, m.SetXattr(ctx, f, "user.color", []byte("red"), XattrCreate))
	require.Equal(t, OK, m.SetXattr(ctx, f, "user.color", []byte("red"), XattrReplace))
	v, st := m.GetXattr(ctx, f, "user.color")
	require.Equal(t, OK, st)
	assert.Equal(t, "red", string(v))
	require.Equal(t, OK, m.SetXattr(ctx, f, "user.shape", []byte("round"), 0))
	assert.Equal(t, "user.color\x00user.shape\x00", func() string {
		l, _ := m.ListXattr(ctx, f)
		return string(l)
	}())
	require.Equal(t, OK, m.SetXattr(ctx, f, "user.color", nil, XattrRemove))
	_, st = m.GetXattr(ctx, f, "user.color")
	assert.Equal(t, ENOATTR, st)
}

func TestReaddirContinuation(t *testing.T) {
	m, _, _ := newTestMaster(t)
	ctx := userCtx()
	dir, _, _ := m.Mkdir(ctx, RootIno, []byte("d"), 0755, 0, false)
	names := []string{"x", "y", "z"}
	for _, n := range names {
		_, _, st := m.Mknod(ctx, dir, []byte(n), TypeFile, 0644, 0, 0)
		require.Equal(t, OK, st)
	}
	var all []string
	var cookie uint64
	for {
		entries, next, st := m.Readdir(ctx, dir, 2, cookie, false)
		require.Equal(t, OK, st)
		if len(entries) == 0 {
			break
		}
		for _, e := range entries {
			all = append(all, string(e.Name))
		}
		if next == cookie {
			break
		}
		cookie = next
	}
	assert.Equal(t, []string{".", "..", "z", "y", "x"}, all)
}

func TestDirLengthEncoding(t *testing.T) {
	// pseudo floating point directory sizes, per the wire contract
	assert.Equal(t, uint64(1), dirLengthEncode(0))
	assert.Equal(t, uint64(1200), dirLengthEncode(12))
	assert.Equal(t, uint64(1000100), dirLengthEncode(1024))
	assert.Equal(t, uint64(2000100), dirLengthEncode(1<<20))
	assert.Equal(t, uint64(3000100), dirLengthEncode(1<<30))
	assert.Equal(t, uint64(4000100), dirLengthEncode(1<<40))
}

func TestFillAttrSizes(t *testing.T) {
	m, _, _ := newTestMaster(t)
	ctx := userCtx()
	f, attr, st := m.Mknod(ctx, RootIno, []byte("f"), TypeFile, 0644, 0, 0)
	require.Equal(t, OK, st)
	assert.Len(t, attr, AttrSize)

	wide := ctx
	wide.SesFlags |= SesflagAttrBit
	attr, st = m.GetAttr(wide, f)
	require.Equal(t, OK, st)
	assert.Len(t, attr, AttrRecordSize)
}

func TestChangelogNameEscape(t *testing.T) {
	cases := [][]byte{
		[]byte("plain"),
		[]byte("with,comma"),
		[]byte("pa(ren)s"),
		[]byte("per%cent"),
		[]byte("spa ce"),
		{0x01, 0xFF, 'x'},
	}
	for _, name := range cases {
		esc := escapeName(name)
		back, err := unescapeName(esc)
		require.NoError(t, err)
		assert.Equal(t, name, back)
	}
}

func TestHardLinkLimit(t *testing.T) {
	m, _, _ := newTestMaster(t)
	ctx := userCtx()
	f, _, _ := m.Mknod(ctx, RootIno, []byte("f"), TypeFile, 0644, 0, 0)
	m.conf.MaxAllowedHardLinks = 8
	for i := 0; i < 7; i++ {
		_, st := m.Link(ctx, f, RootIno, []byte{byte('a' + i)})
		require.Equal(t, OK, st)
	}
	_, st := m.Link(ctx, f, RootIno, []byte("z"))
	assert.Equal(t, EPERM, st)
}
