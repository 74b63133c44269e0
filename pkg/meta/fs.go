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

// Client-facing namespace operations. Each mutating entry point runs
// under the reactor, appends one changelog line on success, and has a
// replay twin in restore.go that re-executes it from that line.

// smode bits shared by the recursive set-class/trashtime/eattr ops.
const (
	SModeSet       = 0
	SModeIncrease  = 1
	SModeDecrease  = 2
	SModeRecursive = 0x10
)

func (m *Master) opDone(name string) {
	m.opCount.WithLabelValues(name).Inc()
}

func (m *Master) mutable(ctx *Context) Status {
	if m.readonly || ctx.SesFlags&SesflagReadOnly != 0 {
		return EROFS
	}
	return OK
}

// StatFS reports space and inode totals as seen from a session root.
func (m *Master) StatFS(ctx Context, totalspace, availspace uint64) (total, avail, trspace, respace uint64, inodes uint32) {
	defer m.opDone("statfs")
	rn := m.nodeFind(ctx, RootIno, false)
	if rn == nil || rn == m.root {
		trspace = m.trashspace
		respace = m.sustainedspace
		inodes = m.nodes
		total, avail = totalspace, availspace
	} else {
		var sr statsRecord
		m.getStats(rn, &sr, 2)
		inodes = sr.inodes
		total, avail = totalspace, availspace
		m.quotaFixSpace(rn, &total, &avail)
	}
	return
}

// Access checks one permission mask on a node.
func (m *Master) Access(ctx Context, inode Ino, modemask uint8) Status {
	defer m.opDone("access")
	p := m.nodeFind(ctx, inode, false)
	if p == nil {
		return ENOENT
	}
	if !m.accessCheck(p, &ctx, modemask) {
		return EACCES
	}
	return OK
}

// Lookup resolves one name in a directory and returns the child's
// inode and attributes.
func (m *Master) Lookup(ctx Context, parent Ino, name []byte) (Ino, []byte, Status) {
	defer m.opDone("lookup")
	wd := m.nodeFind(ctx, parent, false)
	if wd == nil {
		return 0, nil, ENOENT
	}
	if wd.typ != TypeDirectory {
		return 0, nil, ENOTDIR
	}
	if !m.accessCheck(wd, &ctx, ModeMaskX) {
		return 0, nil, EACCES
	}
	var child *fsNode
	switch {
	case len(name) == 1 && name[0] == '.':
		child = wd
	case len(name) == 2 && name[0] == '.' && name[1] == '.':
		if wd.inode == ctx.RootIno || wd == m.root || wd.parents == nil {
			child = wd
		} else {
			child = wd.parents.parent
		}
	default:
		if st := namecheck(name); st != OK {
			return 0, nil, EINVAL
		}
		e := m.lookupEdge(wd, name)
		if e == nil {
			return 0, nil, ENOENT
		}
		child = e.child
	}
	inode := child.inode
	if inode == ctx.RootIno {
		inode = RootIno
	}
	return inode, m.fillAttr(child, wd, &ctx), OK
}

// GetAttr returns the wire attributes of a node.
func (m *Master) GetAttr(ctx Context, inode Ino) ([]byte, Status) {
	defer m.opDone("getattr")
	p := m.nodeFind(ctx, inode, false)
	if p == nil {
		return nil, ENOENT
	}
	return m.fillAttr(p, nil, &ctx), OK
}

// ReadLink resolves a symlink target, applying the atime policy.
func (m *Master) ReadLink(ctx Context, inode Ino) ([]byte, Status) {
	defer m.opDone("readlink")
	p := m.nodeFind(ctx, inode, false)
	if p == nil {
		return nil, ENOENT
	}
	if p.typ != TypeSymlink {
		return nil, EINVAL
	}
	ts := m.now()
	if m.maybeSetAtime(p, ts) && !ctx.isReplay() {
		m.appendChangelog(ts, "ACCESS(%d)", p.inode)
	}
	return append([]byte(nil), p.sym.path...), OK
}

func (m *Master) univCreate(ts uint32, ctx Context, parent Ino, name []byte, typ uint8, mode, cumask uint16, rdev uint32, copysgid bool) (*fsNode, Status) {
	if typ != TypeFile && typ != TypeDirectory && typ != TypeSymlink && typ != TypeFIFO &&
		typ != TypeBlockDev && typ != TypeCharDev && typ != TypeSocket {
		return nil, EINVAL
	}
	wd := m.nodeFind(ctx, parent, false)
	if wd == nil {
		return nil, ENOENT
	}
	if wd.typ != TypeDirectory {
		return nil, ENOTDIR
	}
	if st := namecheck(name); st != OK {
		return nil, st
	}
	if !ctx.isReplay() {
		if !m.accessCheck(wd, &ctx, ModeMaskW|ModeMaskX) {
			return nil, EACCES
		}
		if m.nameIsUsed(wd, name) {
			return nil, EEXIST
		}
		if m.testQuota(wd, 1, 0, 0, 0) {
			return nil, EQUOTA
		}
	} else if m.nameIsUsed(wd, name) {
		return nil, EEXIST
	}
	p := m.createNode(ts, wd, name, typ, mode, cumask, ctx.UID, ctx.gid(), copysgid)
	if typ == TypeBlockDev || typ == TypeCharDev {
		p.dev.rdev = rdev
	}
	return p, OK
}

// Mknod creates a non-directory node.
func (m *Master) Mknod(ctx Context, parent Ino, name []byte, typ uint8, mode, cumask uint16, rdev uint32) (Ino, []byte, Status) {
	defer m.opDone("mknod")
	if st := m.mutable(&ctx); st != OK {
		return 0, nil, st
	}
	if typ == TypeDirectory {
		return 0, nil, EINVAL
	}
	ts := m.now()
	p, st := m.univCreate(ts, ctx, parent, name, typ, mode, cumask, rdev, false)
	if st != OK {
		return 0, nil, st
	}
	m.appendChangelog(ts, "CREATE(%d,%s,%d,%d,%d,%d,%d,%d):%d",
		parent, escapeName(name), typ, mode, cumask, ctx.UID, ctx.gid(), rdev, p.inode)
	wd := m.nodeFind(ctx, parent, false)
	return p.inode, m.fillAttr(p, wd, &ctx), OK
}

// Mkdir creates a directory.
func (m *Master) Mkdir(ctx Context, parent Ino, name []byte, mode, cumask uint16, copysgid bool) (Ino, []byte, Status) {
	defer m.opDone("mkdir")
	if st := m.mutable(&ctx); st != OK {
		return 0, nil, st
	}
	ts := m.now()
	p, st := m.univCreate(ts, ctx, parent, name, TypeDirectory, mode, cumask, 0, copysgid)
	if st != OK {
		return 0, nil, st
	}
	m.appendChangelog(ts, "CREATE(%d,%s,%d,%d,%d,%d,%d,%d):%d",
		parent, escapeName(name), TypeDirectory, mode, cumask, ctx.UID, ctx.gid(), 0, p.inode)
	wd := m.nodeFind(ctx, parent, false)
	return p.inode, m.fillAttr(p, wd, &ctx), OK
}

// Symlink creates a symbolic link.
func (m *Master) Symlink(ctx Context, parent Ino, name []byte, path []byte) (Ino, []byte, Status) {
	defer m.opDone("symlink")
	if st := m.mutable(&ctx); st != OK {
		return 0, nil, st
	}
	if len(path) == 0 || len(path) > MaxSymlinkLen {
		return 0, nil, EINVAL
	}
	for _, c := range path {
		if c == 0 {
			return 0, nil, EINVAL
		}
	}
	ts := m.now()
	p, st := m.univSymlink(ts, ctx, parent, name, path)
	if st != OK {
		return 0, nil, st
	}
	m.appendChangelog(ts, "SYMLINK(%d,%s,%s,%d,%d):%d",
		parent, escapeName(name), escapeName(path), ctx.UID, ctx.gid(), p.inode)
	wd := m.nodeFind(ctx, parent, false)
	return p.inode, m.fillAttr(p, wd, &ctx), OK
}

func (m *Master) univSymlink(ts uint32, ctx Context, parent Ino, name, path []byte) (*fsNode, Status) {
	wd := m.nodeFind(ctx, parent, false)
	if wd == nil {
		return nil, ENOENT
	}
	if wd.typ != TypeDirectory {
		return nil, ENOTDIR
	}
	if st := namecheck(name); st != OK {
		return nil, st
	}
	if !ctx.isReplay() {
		if !m.accessCheck(wd, &ctx, ModeMaskW|ModeMaskX) {
			return nil, EACCES
		}
		if m.testQuota(wd, 1, uint64(len(path)), 0, 0) {
			return nil, EQUOTA
		}
	}
	if m.nameIsUsed(wd, name) {
		return nil, EEXIST
	}
	// stats of the fresh node are added by link(); set the target
	// before linking so length aggregates correctly
	p := m.nodePool.alloc(TypeSymlink)
	m.nodes++
	m.nodeGauge.Set(float64(m.nodes))
	p.inode = m.ids.next()
	p.typ = TypeSymlink
	p.ctime, p.mtime, p.atime = ts, ts, ts
	p.sclassid = 0
	m.sclass.incref(0, TypeSymlink)
	p.trashtime = DefaultTrashTime
	p.eattr = wd.eattr &^ (EattrNoECache | EattrSnapshot)
	p.mode = 0777
	p.uid = ctx.UID
	if wd.mode&02000 != 0 {
		p.gid = wd.gid
	} else {
		p.gid = ctx.gid()
	}
	p.sym.path = m.symlinkPool.alloc(len(path))
	copy(p.sym.path, path)
	m.nodetab.add(p, m.hashElements)
	m.hashElements++
	m.link(ts, wd, p, name)
	return p, OK
}

func (m *Master) univUnlink(ts uint32, ctx Context, parent Ino, name []byte, rmdir bool) (Ino, Status) {
	wd := m.nodeFind(ctx, parent, false)
	if wd == nil {
		return 0, ENOENT
	}
	if wd.typ != TypeDirectory {
		return 0, ENOTDIR
	}
	if st := namecheck(name); st != OK {
		return 0, st
	}
	e := m.lookupEdge(wd, name)
	if e == nil {
		return 0, ENOENT
	}
	child := e.child
	if !ctx.isReplay() {
		if !m.accessCheck(wd, &ctx, ModeMaskW|ModeMaskX) {
			return 0, EACCES
		}
		if !m.stickyAccess(wd, child, ctx.UID) {
			return 0, EPERM
		}
	}
	if rmdir {
		if child.typ != TypeDirectory {
			return 0, ENOTDIR
		}
		if child.dir.elements > 0 {
			return 0, ENOTEMPTY
		}
	} else if child.typ == TypeDirectory {
		return 0, EPERM
	}
	inode := child.inode
	m.unlink(ts, e)
	return inode, OK
}

// Unlink removes a non-directory entry.
func (m *Master) Unlink(ctx Context, parent Ino, name []byte) (Ino, Status) {
	defer m.opDone("unlink")
	if st := m.mutable(&ctx); st != OK {
		return 0, st
	}
	ts := m.now()
	inode, st := m.univUnlink(ts, ctx, parent, name, false)
	if st != OK {
		return 0, st
	}
	m.appendChangelog(ts, "UNLINK(%d,%s):%d", parent, escapeName(name), inode)
	return inode, OK
}

// Rmdir removes an empty directory.
func (m *Master) Rmdir(ctx Context, parent Ino, name []byte) (Ino, Status) {
	defer m.opDone("rmdir")
	if st := m.mutable(&ctx); st != OK {
		return 0, st
	}
	ts := m.now()
	inode, st := m.univUnlink(ts, ctx, parent, name, true)
	if st != OK {
		return 0, st
	}
	m.appendChangelog(ts, "UNLINK(%d,%s):%d", parent, escapeName(name), inode)
	return inode, OK
}

func (m *Master) univMove(ts uint32, ctx Context, parentSrc Ino, nameSrc []byte, parentDst Ino, nameDst []byte) (Ino, Status) {
	swd := m.nodeFind(ctx, parentSrc, false)
	dwd := m.nodeFind(ctx, parentDst, false)
	if swd == nil || dwd == nil {
		return 0, ENOENT
	}
	if swd.typ != TypeDirectory || dwd.typ != TypeDirectory {
		return 0, ENOTDIR
	}
	if st := namecheck(nameSrc); st != OK {
		return 0, EINVAL
	}
	se := m.lookupEdge(swd, nameSrc)
	if se == nil {
		return 0, ENOENT
	}
	node := se.child
	if !ctx.isReplay() {
		if !m.accessCheck(swd, &ctx, ModeMaskW|ModeMaskX) || !m.accessCheck(dwd, &ctx, ModeMaskW|ModeMaskX) {
			return 0, EACCES
		}
		if !m.stickyAccess(swd, node, ctx.UID) {
			return 0, EPERM
		}
	}
	if node.typ == TypeDirectory && m.isAncestor(node, dwd) {
		return 0, EINVAL
	}
	if node == dwd {
		return 0, EINVAL
	}
	if st := namecheck(nameDst); st != OK {
		return 0, EINVAL
	}
	if !ctx.isReplay() {
		var sr statsRecord
		m.getStats(node, &sr, 2)
		if m.testQuotaForUncommonNodes(dwd, swd, sr.inodes, sr.length, sr.size, sr.realsize) {
			return 0, EQUOTA
		}
	}
	if de := m.lookupEdge(dwd, nameDst); de != nil {
		if de.child == node {
			// source and destination are links to the same node:
			// POSIX wants a silent no-op
			return node.inode, OK
		}
		if de.child.typ == TypeDirectory {
			if de.child.dir.elements > 0 {
				return 0, ENOTEMPTY
			}
			if node.typ != TypeDirectory {
				return 0, EPERM
			}
		} else if node.typ == TypeDirectory {
			return 0, ENOTDIR
		}
		if !ctx.isReplay() && !m.stickyAccess(dwd, de.child, ctx.UID) {
			return 0, EPERM
		}
		m.unlink(ts, de)
	}
	inode := node.inode
	m.unlink(ts, se)
	m.link(ts, dwd, node, nameDst)
	return inode, OK
}

// Rename moves an entry, overwriting a file or an empty directory.
func (m *Master) Rename(ctx Context, parentSrc Ino, nameSrc []byte, parentDst Ino, nameDst []byte) (Ino, Status) {
	defer m.opDone("rename")
	if st := m.mutable(&ctx); st != OK {
		return 0, st
	}
	ts := m.now()
	inode, st := m.univMove(ts, ctx, parentSrc, nameSrc, parentDst, nameDst)
	if st != OK {
		return 0, st
	}
	m.appendChangelog(ts, "MOVE(%d,%s,%d,%s):%d",
		parentSrc, escapeName(nameSrc), parentDst, escapeName(nameDst), inode)
	return inode, OK
}

func (m *Master) univLink(ts uint32, ctx Context, inodeSrc, parentDst Ino, nameDst []byte) (*fsNode, Status) {
	p := m.nodeFind(ctx, inodeSrc, false)
	if p == nil {
		return nil, ENOENT
	}
	if p.typ == TypeDirectory || p.typ == TypeTrash || p.typ == TypeSustained {
		return nil, EPERM
	}
	wd := m.nodeFind(ctx, parentDst, false)
	if wd == nil {
		return nil, ENOENT
	}
	if wd.typ != TypeDirectory {
		return nil, ENOTDIR
	}
	if st := namecheck(nameDst); st != OK {
		return nil, EINVAL
	}
	if p.nlink() >= m.conf.MaxAllowedHardLinks {
		return nil, EPERM
	}
	if !ctx.isReplay() {
		if !m.accessCheck(wd, &ctx, ModeMaskW|ModeMaskX) {
			return nil, EACCES
		}
		var sr statsRecord
		m.getStats(p, &sr, 2)
		if m.testQuota(wd, sr.inodes, sr.length, sr.size, sr.realsize) {
			return nil, EQUOTA
		}
	}
	if m.nameIsUsed(wd, nameDst) {
		return nil, EEXIST
	}
	m.link(ts, wd, p, nameDst)
	return p, OK
}

// Link makes a new hard link to an existing node.
func (m *Master) Link(ctx Context, inodeSrc, parentDst Ino, nameDst []byte) ([]byte, Status) {
	defer m.opDone("link")
	if st := m.mutable(&ctx); st != OK {
		return nil, st
	}
	ts := m.now()
	p, st := m.univLink(ts, ctx, inodeSrc, parentDst, nameDst)
	if st != OK {
		return nil, st
	}
	m.appendChangelog(ts, "LINK(%d,%d,%s)", inodeSrc, parentDst, escapeName(nameDst))
	wd := m.nodeFind(ctx, parentDst, false)
	return m.fillAttr(p, wd, &ctx), OK
}

func (m *Master) univSnapshot(ts uint32, ctx Context, inodeSrc, parentDst Ino, nameDst []byte, smode uint8, cumask uint16) (*snapshotParams, Status) {
	var sp *fsNode
	wd := m.nodeFind(ctx, parentDst, false)
	if smode&SnapshotModeDelete == 0 {
		sp = m.nodeFind(ctx, inodeSrc, false)
		if sp == nil || wd == nil {
			return nil, ENOENT
		}
		if !ctx.isReplay() && !m.accessCheck(sp, &ctx, ModeMaskR) {
			return nil, EACCES
		}
		if wd.typ != TypeDirectory {
			return nil, EPERM
		}
		if sp.typ == TypeDirectory && (sp == wd || m.isAncestor(sp, wd)) {
			return nil, EINVAL
		}
	} else {
		if wd == nil {
			return nil, ENOENT
		}
		if wd.typ != TypeDirectory {
			return nil, EPERM
		}
	}
	if st := namecheck(nameDst); st != OK {
		return nil, EINVAL
	}
	args := &snapshotParams{
		ts:        ts,
		smode:     smode,
		sesflags:  ctx.SesFlags,
		cumask:    cumask,
		uid:       ctx.UID,
		gids:      ctx.GIDs,
		inodehash: make(map[Ino]*fsNode),
	}
	m.keepAliveBegin()
	if smode&SnapshotModeDelete != 0 {
		e := m.lookupEdge(wd, nameDst)
		if e == nil {
			return nil, ENOENT
		}
		if !ctx.isReplay() {
			if st := m.removeSnapshotTest(e, args); st != OK {
				return nil, st
			}
		}
		m.removeSnapshot(e, args)
		return args, OK
	}
	canoverwrite := smode&SnapshotModeCanOverwrite != 0
	if st := m.snapshotTest(sp, sp, wd, nameDst, canoverwrite); st != OK {
		return nil, st
	}
	if !ctx.isReplay() {
		var commonInodes uint32
		var commonLength, commonSize, commonRealsize uint64
		if m.snapshotRecursiveTestQuota(sp, wd, nameDst, &commonInodes, &commonLength, &commonSize, &commonRealsize) {
			return nil, EQUOTA
		}
		var ssr statsRecord
		m.getStats(sp, &ssr, 2)
		if ssr.inodes > commonInodes {
			ssr.inodes -= commonInodes
		} else {
			ssr.inodes = 0
		}
		if ssr.length > commonLength {
			ssr.length -= commonLength
		} else {
			ssr.length = 0
		}
		if ssr.size > commonSize {
			ssr.size -= commonSize
		} else {
			ssr.size = 0
		}
		if ssr.realsize > commonRealsize {
			ssr.realsize -= commonRealsize
		} else {
			ssr.realsize = 0
		}
		if m.testQuota(wd, ssr.inodes, ssr.length, ssr.size, ssr.realsize) {
			return nil, EQUOTA
		}
	}
	m.snapshotNode(sp, wd, nameDst, false, args)
	return args, OK
}

// Snapshot clones (or, with the delete mode, unwinds) a subtree.
func (m *Master) Snapshot(ctx Context, inodeSrc, parentDst Ino, nameDst []byte, smode uint8, cumask uint16) Status {
	defer m.opDone("snapshot")
	if st := m.mutable(&ctx); st != OK {
		return st
	}
	ts := m.now()
	args, st := m.univSnapshot(ts, ctx, inodeSrc, parentDst, nameDst, smode, cumask)
	if st != OK {
		return st
	}
	m.appendChangelog(ts, "SNAPSHOT(%d,%d,%s,%d,%d,%d,%d,%d):%d,%d,%d,%d,%d,%d",
		inodeSrc, parentDst, escapeName(nameDst), smode, ctx.SesFlags, ctx.UID, ctx.gid(), cumask,
		args.inodeChksum, args.removedObject, args.sameFile, args.existingObject, args.newHardlink, args.newObject)
	return OK
}

func (m *Master) univAppendSlice(ts uint32, ctx Context, inode, inodeSrc Ino, from, to uint32) (uint64, Status) {
	p := m.nodeFind(ctx, inode, false)
	sp := m.nodeFind(ctx, inodeSrc, false)
	if p == nil || sp == nil {
		return 0, ENOENT
	}
	if p.typ != TypeFile || sp.typ != TypeFile {
		return 0, EPERM
	}
	if !ctx.isReplay() {
		if !m.accessCheck(sp, &ctx, ModeMaskR) || !m.accessCheck(p, &ctx, ModeMaskW) {
			return 0, EACCES
		}
		lengthAdd := sp.file.length
		sizeAdd := fileSize(sp.file)
		if m.testQuota(p, 0, lengthAdd, sizeAdd, sizeAdd*uint64(m.sclass.keepMaxGoal(p.sclassid))) {
			return 0, EQUOTA
		}
	}
	if st := m.appendSlice(ts, p, sp, from, to); st != OK {
		return 0, st
	}
	return p.file.length, OK
}

// AppendSlice concatenates a chunk slice of one file to another.
func (m *Master) AppendSlice(ctx Context, inode, inodeSrc Ino, from, to uint32) (uint64, Status) {
	defer m.opDone("append")
	if st := m.mutable(&ctx); st != OK {
		return 0, st
	}
	ts := m.now()
	fleng, st := m.univAppendSlice(ts, ctx, inode, inodeSrc, from, to)
	if st != OK {
		return 0, st
	}
	m.appendChangelog(ts, "APPEND(%d,%d,%d,%d)", inode, inodeSrc, from, to)
	return fleng, OK
}

// OpenCheck validates open flags against permissions and registers
// nothing; the session layer tracks the handle itself.
func (m *Master) OpenCheck(ctx Context, inode Ino, flags uint8) ([]byte, Status) {
	defer m.opDone("open")
	p := m.nodeFind(ctx, inode, false)
	if p == nil {
		return nil, ENOENT
	}
	if p.typ != TypeFile {
		return nil, EPERM
	}
	var mask uint8
	if flags&1 != 0 { // want read
		mask |= ModeMaskR
	}
	if flags&2 != 0 { // want write
		mask |= ModeMaskW
	}
	if mask != 0 && !m.accessCheck(p, &ctx, mask) {
		return nil, EACCES
	}
	if flags&4 != 0 { // truncate
		if st := m.mutable(&ctx); st != OK {
			return nil, st
		}
	}
	return m.fillAttr(p, nil, &ctx), OK
}

// ReadChunk resolves a chunk id for reading.
func (m *Master) ReadChunk(ctx Context, inode Ino, indx uint32) (chunkid, length uint64, st Status) {
	defer m.opDone("read")
	p := m.nodeFind(ctx, inode, false)
	if p == nil {
		return 0, 0, ENOENT
	}
	if !p.isFileKind() {
		return 0, 0, EPERM
	}
	if indx > MaxIndex {
		return 0, 0, EINDEXTOOBIG
	}
	if indx < uint32(len(p.file.chunktab)) {
		chunkid = p.file.chunktab[indx]
	}
	length = p.file.length
	ts := m.now()
	if m.maybeSetAtime(p, ts) && !ctx.isReplay() {
		m.appendChangelog(ts, "ACCESS(%d)", p.inode)
	}
	return chunkid, length, OK
}

// WriteChunk allocates or clones the chunk under one file index and
// logs the new id.
func (m *Master) WriteChunk(ctx Context, inode Ino, indx uint32) (chunkid, length uint64, st Status) {
	defer m.opDone("write")
	if s := m.mutable(&ctx); s != OK {
		return 0, 0, s
	}
	p := m.nodeFind(ctx, inode, false)
	if p == nil {
		return 0, 0, ENOENT
	}
	if !p.isFileKind() {
		return 0, 0, EPERM
	}
	ts := m.now()
	if !ctx.isReplay() {
		sizeAdd := uint64(ChunkSize + HdrSize)
		if m.testQuota(p, 0, 0, sizeAdd, sizeAdd*uint64(m.sclass.keepMaxGoal(p.sclassid))) {
			return 0, 0, EQUOTA
		}
	}
	var psr, nsr statsRecord
	m.getStats(p, &psr, 0)
	prevchunkid, ncid, st := m.writeChunk(p, indx)
	if st != OK {
		return 0, 0, st
	}
	m.getStats(p, &nsr, 1)
	for e := p.parents; e != nil; e = e.nextParent {
		m.addSubStats(e.parent, &nsr, &psr)
	}
	p.mtime, p.ctime = ts, ts
	m.appendChangelog(ts, "WRITE(%d,%d,%d):%d", inode, indx, b2u(prevchunkid != 0), ncid)
	return ncid, p.file.length, OK
}

// WriteEnd commits the new file length after the chunkservers
// acknowledged a write.
func (m *Master) WriteEnd(ctx Context, inode Ino, length uint64, chunkid uint64) Status {
	defer m.opDone("writeend")
	if st := m.mutable(&ctx); st != OK {
		return st
	}
	p := m.nodeFind(ctx, inode, false)
	if p == nil {
		return ENOENT
	}
	if !p.isFileKind() {
		return EPERM
	}
	ts := m.now()
	if length > p.file.length {
		m.setLength(p, length)
		p.mtime, p.ctime = ts, ts
		m.appendChangelog(ts, "LENGTH(%d,%d,%d)", inode, length, 1)
	}
	return OK
}

// RollbackChunk undoes a prepared chunk write.
func (m *Master) RollbackChunk(ctx Context, inode Ino, indx uint32, prevchunkid, chunkid uint64) Status {
	defer m.opDone("rollback")
	p := m.nodeFind(ctx, inode, false)
	if p == nil {
		return ENOENT
	}
	if !p.isFileKind() {
		return EPERM
	}
	st := m.rollbackChunk(p, indx, prevchunkid, chunkid)
	if st == OK && !ctx.isReplay() {
		m.appendChangelog(m.now(), "ROLLBACK(%d,%d,%d,%d)", inode, indx, prevchunkid, chunkid)
	}
	return st
}

// Truncate prepares (and for shrinking, performs) a length change.
// Extending or cutting mid-chunk returns EDELAYED in a full system
// when chunk work is required; the in-memory engine completes at once.
func (m *Master) Truncate(ctx Context, inode Ino, length uint64, opened bool) ([]byte, Status) {
	defer m.opDone("truncate")
	if st := m.mutable(&ctx); st != OK {
		return nil, st
	}
	p := m.nodeFind(ctx, inode, false)
	if p == nil {
		return nil, ENOENT
	}
	if p.typ != TypeFile {
		return nil, EPERM
	}
	if !opened && !m.accessCheck(p, &ctx, ModeMaskW) {
		return nil, EACCES
	}
	if length > p.file.length {
		if m.testQuota(p, 0, length-p.file.length, 0, 0) {
			return nil, EQUOTA
		}
	}
	ts := m.now()
	m.setLength(p, length)
	p.mtime, p.ctime = ts, ts
	m.appendChangelog(ts, "LENGTH(%d,%d,%d)", inode, length, 1)
	return m.fillAttr(p, nil, &ctx), OK
}

// Setattr changes mode/owner/times following POSIX ownership rules.
func (m *Master) Setattr(ctx Context, inode Ino, setmask uint16, attrmode uint16, attruid, attrgid, attratime, attrmtime uint32, winattr uint8, sugidclearmode uint8) ([]byte, Status) {
	defer m.opDone("setattr")
	if st := m.mutable(&ctx); st != OK {
		return nil, st
	}
	p := m.nodeFind(ctx, inode, false)
	if p == nil {
		return nil, ENOENT
	}
	ts := m.now()
	if setmask == 0 {
		return m.fillAttr(p, nil, &ctx), OK
	}
	admin := ctx.SesFlags&SesflagAdmin != 0
	if ctx.UID != 0 && !admin {
		if setmask&SetMaskMode != 0 && ctx.UID != p.uid && p.eattr&EattrNoOwner == 0 {
			return nil, EPERM
		}
		if setmask&SetMaskUID != 0 && (ctx.UID != p.uid || attruid != p.uid) && p.eattr&EattrNoOwner == 0 {
			return nil, EPERM
		}
		if setmask&SetMaskGID != 0 && ctx.UID != p.uid && p.eattr&EattrNoOwner == 0 {
			return nil, EPERM
		}
		if setmask&SetMaskGID != 0 {
			ok := false
			for _, gid := range ctx.GIDs {
				if gid == attrgid {
					ok = true
					break
				}
			}
			if !ok && ctx.SesFlags&SesflagIgnoreGid == 0 {
				return nil, EPERM
			}
		}
		if setmask&(SetMaskAtime|SetMaskMtime) != 0 && ctx.UID != p.uid && p.eattr&EattrNoOwner == 0 {
			return nil, EPERM
		}
		if setmask&(SetMaskAtimeNow|SetMaskMtimeNow) != 0 && ctx.UID != p.uid && p.eattr&EattrNoOwner == 0 &&
			!m.accessCheck(p, &ctx, ModeMaskW) {
			return nil, EPERM
		}
	}
	if setmask&SetMaskMode != 0 {
		p.mode = attrmode & 07777
		if ctx.UID != 0 && p.mode&02000 != 0 {
			ingroup := false
			for _, gid := range ctx.GIDs {
				if gid == p.gid {
					ingroup = true
					break
				}
			}
			if !ingroup {
				p.mode &^= 02000
			}
		}
	}
	if setmask&(SetMaskUID|SetMaskGID) != 0 && sugidclearmode != SugidClearModeNever {
		p.mode = clearSugid(p.mode, p.typ == TypeDirectory, sugidclearmode)
	}
	if setmask&SetMaskUID != 0 {
		p.uid = attruid
	}
	if setmask&SetMaskGID != 0 {
		p.gid = attrgid
	}
	if setmask&SetMaskAtime != 0 {
		p.atime = attratime
	}
	if setmask&SetMaskAtimeNow != 0 {
		p.atime = ts
	}
	if setmask&SetMaskMtime != 0 {
		p.mtime = attrmtime
	}
	if setmask&SetMaskMtimeNow != 0 {
		p.mtime = ts
	}
	if setmask&SetMaskWinattr != 0 {
		p.winattr = winattr
	}
	p.ctime = ts
	m.appendChangelog(ts, "ATTR(%d,%d,%d,%d,%d,%d,%d)",
		inode, p.mode, p.uid, p.gid, p.atime, p.mtime, p.winattr)
	return m.fillAttr(p, nil, &ctx), OK
}

// AmtimeUpdate applies batched client-side atime/mtime refreshes.
func (m *Master) AmtimeUpdate(ctx Context, inodes []Ino, atimes, mtimes []uint32) {
	defer m.opDone("amtime")
	if m.readonly {
		return
	}
	for i, inode := range inodes {
		p := m.nodeFind(ctx, inode, false)
		if p == nil {
			continue
		}
		chg := false
		if atimes[i] > p.atime {
			p.atime = atimes[i]
			chg = true
		}
		if mtimes[i] > p.mtime {
			p.mtime = mtimes[i]
			chg = true
		}
		if chg {
			m.appendChangelog(m.now(), "AMTIME(%d,%d,%d,%d)", inode, p.atime, p.mtime, p.ctime)
		}
	}
}

// Undel restores a trash node to its original path.
func (m *Master) Undel(ctx Context, inode Ino) Status {
	defer m.opDone("undel")
	if st := m.mutable(&ctx); st != OK {
		return st
	}
	p := m.nodetab.find(inode)
	if p == nil || p.typ != TypeTrash {
		return ENOENT
	}
	ts := m.now()
	st := m.undelNode(ts, p)
	if st == OK {
		m.appendChangelog(ts, "UNDEL(%d)", inode)
	}
	return st
}

// Purge removes a trash node at once (downgrading to sustained if the
// file is still open somewhere).
func (m *Master) fsPurge(ctx Context, inode Ino) Status {
	defer m.opDone("purge")
	if st := m.mutable(&ctx); st != OK {
		return st
	}
	p := m.nodetab.find(inode)
	if p == nil || (p.typ != TypeTrash && p.typ != TypeSustained) {
		return ENOENT
	}
	ts := m.now()
	if m.purgeNode(ts, p) < 0 {
		return EPERM
	}
	m.appendChangelog(ts, "PURGE(%d)", inode)
	return OK
}

// Purge is the client-facing trash purge.
func (m *Master) Purge(ctx Context, inode Ino) Status {
	return m.fsPurge(ctx, inode)
}

// SetTrashPath rewrites where a trash node will be restored.
func (m *Master) SetTrashPath(ctx Context, inode Ino, path []byte) Status {
	defer m.opDone("setpath")
	if st := m.mutable(&ctx); st != OK {
		return st
	}
	p := m.nodetab.find(inode)
	if p == nil || p.typ != TypeTrash {
		return ENOENT
	}
	if st := m.setTrashPath(p, path); st != OK {
		return st
	}
	m.appendChangelog(m.now(), "SETPATH(%d,%s)", inode, escapeName(path))
	return OK
}

// FreeInodes reaps the delayed-reuse queue; called once per second.
func (m *Master) FreeInodes() {
	ts := m.now()
	fi, si, chksum := m.ids.reap(ts, m.isFileOpen, true)
	if fi > 0 || si > 0 {
		m.appendChangelog(ts, "FREEINODES():%d,%d,%d", fi, si, chksum)
	}
}

// recursive attribute walkers (storage class, trashtime, eattr)

type setRecursiveCounters struct {
	sinodes  uint32 // changed
	ncinodes uint32 // not changed
	nsinodes uint32 // permission denied
}

func (m *Master) setSClassRecursive(node *fsNode, ts uint32, uid uint32, srcsclass, dstsclass uint8, smode uint8, admin bool, c *setRecursiveCounters) {
	m.keepAliveCheck()
	if node.typ != TypeDirectory && !node.isFileKind() {
		c.nsinodes++
		return
	}
	if node.typ == TypeDirectory {
		if uid != 0 && !admin && node.uid != uid && node.eattr&EattrNoOwner == 0 {
			c.nsinodes++
		} else if smode&SModeRecursive != 0 {
			for e := node.dir.children; e != nil; e = e.nextChild {
				m.setSClassRecursive(e.child, ts, uid, srcsclass, dstsclass, smode, admin, c)
			}
		}
		if node.sclassid != dstsclass && (uid == 0 || admin || node.uid == uid || node.eattr&EattrNoOwner != 0) {
			m.sclass.decref(node.sclassid, node.typ)
			node.sclassid = dstsclass
			m.sclass.incref(dstsclass, node.typ)
			node.ctime = ts
			c.sinodes++
		}
		return
	}
	if uid != 0 && !admin && node.uid != uid && node.eattr&EattrNoOwner == 0 {
		c.nsinodes++
		return
	}
	var doit bool
	switch smode & 0x0F {
	case SModeSet:
		doit = node.sclassid != dstsclass
	case SModeIncrease:
		doit = node.sclassid < dstsclass
	case SModeDecrease:
		doit = node.sclassid > dstsclass
	}
	if srcsclass != 0 && node.sclassid != srcsclass {
		doit = false
	}
	if doit {
		m.changeFileSClass(node, dstsclass)
		node.ctime = ts
		c.sinodes++
	} else {
		c.ncinodes++
	}
}

// SetSClass changes the storage class of a node or subtree.
func (m *Master) SetSClass(ctx Context, inode Ino, srcsclass, dstsclass uint8, smode uint8) (uint32, uint32, uint32, Status) {
	defer m.opDone("setsclass")
	if st := m.mutable(&ctx); st != OK {
		return 0, 0, 0, st
	}
	if dstsclass == 0 {
		return 0, 0, 0, EINVAL
	}
	p := m.nodeFind(ctx, inode, false)
	if p == nil {
		return 0, 0, 0, ENOENT
	}
	ts := m.now()
	var c setRecursiveCounters
	m.keepAliveBegin()
	m.setSClassRecursive(p, ts, ctx.UID, srcsclass, dstsclass, smode, ctx.SesFlags&SesflagAdmin != 0, &c)
	m.appendChangelog(ts, "SETSCLASS(%d,%d,%d,%d,%d):%d,%d,%d",
		inode, ctx.UID, srcsclass, dstsclass, smode, c.sinodes, c.ncinodes, c.nsinodes)
	return c.sinodes, c.ncinodes, c.nsinodes, OK
}

func (m *Master) setTrashtimeRecursive(node *fsNode, ts uint32, uid uint32, trashtime uint16, smode uint8, c *setRecursiveCounters) {
	m.keepAliveCheck()
	if node.typ != TypeDirectory && !node.isFileKind() {
		c.nsinodes++
		return
	}
	if uid != 0 && node.uid != uid && node.eattr&EattrNoOwner == 0 {
		c.nsinodes++
	} else {
		set := trashtime
		switch smode & 0x0F {
		case SModeIncrease:
			if node.trashtime >= trashtime {
				set = node.trashtime
			}
		case SModeDecrease:
			if node.trashtime <= trashtime {
				set = node.trashtime
			}
		}
		if node.trashtime != set {
			node.trashtime = set
			node.ctime = ts
			c.sinodes++
		} else {
			c.ncinodes++
		}
	}
	if node.typ == TypeDirectory && smode&SModeRecursive != 0 {
		for e := node.dir.children; e != nil; e = e.nextChild {
			m.setTrashtimeRecursive(e.child, ts, uid, trashtime, smode, c)
		}
	}
}

// SetTrashtime updates retention for a node or subtree.
func (m *Master) SetTrashtime(ctx Context, inode Ino, trashtime uint16, smode uint8) (uint32, uint32, uint32, Status) {
	defer m.opDone("settrashtime")
	if st := m.mutable(&ctx); st != OK {
		return 0, 0, 0, st
	}
	p := m.nodeFind(ctx, inode, false)
	if p == nil {
		return 0, 0, 0, ENOENT
	}
	ts := m.now()
	var c setRecursiveCounters
	m.keepAliveBegin()
	m.setTrashtimeRecursive(p, ts, ctx.UID, trashtime, smode, &c)
	m.appendChangelog(ts, "SETTRASHTIME(%d,%d,%d,%d):%d,%d,%d",
		inode, ctx.UID, trashtime, smode, c.sinodes, c.ncinodes, c.nsinodes)
	return c.sinodes, c.ncinodes, c.nsinodes, OK
}

func (m *Master) setEattrRecursive(node *fsNode, ts uint32, uid uint32, eattr uint8, smode uint8, c *setRecursiveCounters) {
	m.keepAliveCheck()
	if uid != 0 && node.uid != uid && node.eattr&EattrNoOwner == 0 {
		c.nsinodes++
	} else {
		neweattr := node.eattr
		switch smode & 0x0F {
		case SModeSet:
			neweattr = eattr | node.eattr&EattrSnapshot
		case SModeIncrease:
			neweattr |= eattr
		case SModeDecrease:
			neweattr &^= eattr
		}
		if neweattr != node.eattr {
			node.eattr = neweattr
			node.ctime = ts
			c.sinodes++
		} else {
			c.ncinodes++
		}
	}
	if node.typ == TypeDirectory && smode&SModeRecursive != 0 {
		for e := node.dir.children; e != nil; e = e.nextChild {
			m.setEattrRecursive(e.child, ts, uid, eattr, smode, c)
		}
	}
}

// SetEattr updates extra attribute flags for a node or subtree.
func (m *Master) SetEattr(ctx Context, inode Ino, eattr uint8, smode uint8) (uint32, uint32, uint32, Status) {
	defer m.opDone("seteattr")
	if st := m.mutable(&ctx); st != OK {
		return 0, 0, 0, st
	}
	p := m.nodeFind(ctx, inode, false)
	if p == nil {
		return 0, 0, 0, ENOENT
	}
	ts := m.now()
	var c setRecursiveCounters
	m.keepAliveBegin()
	m.setEattrRecursive(p, ts, ctx.UID, eattr, smode, &c)
	m.appendChangelog(ts, "SETEATTR(%d,%d,%d,%d):%d,%d,%d",
		inode, ctx.UID, eattr, smode, c.sinodes, c.ncinodes, c.nsinodes)
	return c.sinodes, c.ncinodes, c.nsinodes, OK
}

// GetEattr returns the extra attribute flags of one node.
func (m *Master) GetEattr(ctx Context, inode Ino) (uint8, Status) {
	p := m.nodeFind(ctx, inode, false)
	if p == nil {
		return 0, ENOENT
	}
	return p.eattr, OK
}

// SetXattr stores, replaces or removes one extended attribute.
func (m *Master) SetXattr(ctx Context, inode Ino, name string, value []byte, mode uint8) Status {
	defer m.opDone("setxattr")
	if st := m.mutable(&ctx); st != OK {
		return st
	}
	p := m.nodeFind(ctx, inode, false)
	if p == nil {
		return ENOENT
	}
	if !ctx.isReplay() && !m.accessCheck(p, &ctx, ModeMaskW) {
		return EACCES
	}
	if st := m.xattrSet(p.inode, name, value, mode); st != OK {
		return st
	}
	ts := m.now()
	p.ctime = ts
	m.appendChangelog(ts, "SETXATTR(%d,%s,%s,%d)",
		inode, escapeName([]byte(name)), escapeName(value), mode)
	return OK
}

// GetXattr reads one extended attribute.
func (m *Master) GetXattr(ctx Context, inode Ino, name string) ([]byte, Status) {
	defer m.opDone("getxattr")
	p := m.nodeFind(ctx, inode, false)
	if p == nil {
		return nil, ENOENT
	}
	if !m.accessCheck(p, &ctx, ModeMaskR) {
		return nil, EACCES
	}
	return m.xattrGet(p.inode, name)
}

// ListXattr lists attribute names, NUL separated.
func (m *Master) ListXattr(ctx Context, inode Ino) ([]byte, Status) {
	defer m.opDone("listxattr")
	p := m.nodeFind(ctx, inode, false)
	if p == nil {
		return nil, ENOENT
	}
	if !m.accessCheck(p, &ctx, ModeMaskR) {
		return nil, EACCES
	}
	return m.xattrList(p.inode), OK
}

// SetFacl installs a POSIX ACL on a node.
func (m *Master) SetFacl(ctx Context, inode Ino, acltype uint8, userperm, groupperm, otherperm, mask uint16, namedUsers, namedGroups []AclEntry) Status {
	defer m.opDone("setfacl")
	if st := m.mutable(&ctx); st != OK {
		return st
	}
	p := m.nodeFind(ctx, inode, false)
	if p == nil {
		return ENOENT
	}
	if ctx.UID != 0 && ctx.UID != p.uid && ctx.SesFlags&SesflagAdmin == 0 {
		return EPERM
	}
	if acltype != aclAccess && acltype != aclDefault {
		return EINVAL
	}
	ts := m.now()
	rec := &aclRecord{
		userPerm:  userperm,
		groupPerm: groupperm,
		otherPerm: otherperm,
		mask:      mask,
	}
	for _, e := range namedUsers {
		rec.namedUsers = append(rec.namedUsers, aclEntry{id: e.ID, perm: e.Perm})
	}
	for _, e := range namedGroups {
		rec.namedGroups = append(rec.namedGroups, aclEntry{id: e.ID, perm: e.Perm})
	}
	m.aclSet(p.inode, acltype, rec)
	if acltype == aclAccess {
		p.aclpermflag = true
		p.mode = p.mode&07000 | userperm&7<<6 | groupperm&7<<3 | otherperm&7
	} else {
		p.acldefflag = true
	}
	p.ctime = ts
	m.appendChangelog(ts, "SETACL(%d,%d,%d,%d,%d,%d,%d,%s,%s)",
		inode, p.mode, acltype, userperm, groupperm, otherperm, mask,
		aclEntriesEncode(rec.namedUsers), aclEntriesEncode(rec.namedGroups))
	return OK
}

// GetFacl reads back a POSIX ACL.
func (m *Master) GetFacl(ctx Context, inode Ino, acltype uint8) (userperm, groupperm, otherperm, mask uint16, namedUsers, namedGroups []AclEntry, st Status) {
	defer m.opDone("getfacl")
	p := m.nodeFind(ctx, inode, false)
	if p == nil {
		st = ENOENT
		return
	}
	an := m.aclGetNode(p.inode)
	var rec *aclRecord
	if an != nil {
		if acltype == aclAccess {
			rec = an.access
		} else {
			rec = an.defaults
		}
	}
	if rec == nil {
		st = ENOATTR
		return
	}
	for _, e := range rec.namedUsers {
		namedUsers = append(namedUsers, AclEntry{ID: e.id, Perm: e.perm})
	}
	for _, e := range rec.namedGroups {
		namedGroups = append(namedGroups, AclEntry{ID: e.id, Perm: e.perm})
	}
	return rec.userPerm, rec.groupPerm, rec.otherPerm, rec.mask, namedUsers, namedGroups, OK
}

// AclEntry is the public named-entry form.
type AclEntry struct {
	ID   uint32
	Perm uint16
}
