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

// Recursive copy-on-reference tree clone. Files share chunk ids with
// their source (per-chunk refcounts go up); directories merge into an
// existing destination. Every created node is stamped with the
// SNAPSHOT attribute so snapshot-delete can tell its own nodes apart.

type snapshotParams struct {
	ts        uint32
	smode     uint8
	sesflags  uint8
	cumask    uint16
	uid       uint32
	gids      []uint32
	inodeChksum    uint32
	removedObject  uint32
	sameFile       uint32
	existingObject uint32
	newHardlink    uint32
	newObject      uint32
	inodehash map[Ino]*fsNode
}

func (p *snapshotParams) ctx() *Context {
	return &Context{RootIno: RootIno, UID: p.uid, GIDs: p.gids, SesFlags: p.sesflags}
}

// snapshotTest verifies type compatibility and overwrite permission of
// the whole copy before anything is touched.
func (m *Master) snapshotTest(origsrc, src, parent *fsNode, name []byte, canoverwrite bool) Status {
	m.keepAliveCheck()
	e := m.lookupEdge(parent, name)
	if e == nil {
		return OK
	}
	dst := e.child
	if dst == origsrc {
		return EINVAL
	}
	if dst.typ != src.typ {
		return EPERM
	}
	if src.typ == TypeTrash || src.typ == TypeSustained {
		return EPERM
	}
	if src.typ == TypeDirectory {
		for ce := src.dir.children; ce != nil; ce = ce.nextChild {
			if st := m.snapshotTest(origsrc, ce.child, dst, ce.name, canoverwrite); st != OK {
				return st
			}
		}
	} else if !canoverwrite {
		return EEXIST
	}
	return OK
}

// snapshotRecursiveTestQuota estimates how much the copy adds below
// each destination directory, after subtracting what an overwrite
// would replace, and rejects if any destination quota would trip.
func (m *Master) snapshotRecursiveTestQuota(src, parent *fsNode, name []byte, inodes *uint32, length, size, realsize *uint64) bool {
	m.keepAliveCheck()
	e := m.lookupEdge(parent, name)
	if e == nil {
		return false
	}
	dst := e.child
	*inodes++
	switch dst.typ {
	case TypeFile:
		*length += dst.file.length
		fsize := fileSize(dst.file)
		*size += fsize
		*realsize += fsize * uint64(m.sclass.keepMaxGoal(dst.sclassid))
	case TypeSymlink:
		*length += uint64(len(dst.sym.path))
	case TypeDirectory:
		var commonInodes uint32
		var commonLength, commonSize, commonRealsize uint64
		var ssr statsRecord
		m.getStats(src, &ssr, 2)
		for ce := src.dir.children; ce != nil; ce = ce.nextChild {
			if m.snapshotRecursiveTestQuota(ce.child, dst, ce.name, &commonInodes, &commonLength, &commonSize, &commonRealsize) {
				return true
			}
		}
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
		if m.testQuotaNoParents(dst, ssr.inodes, ssr.length, ssr.size, ssr.realsize) {
			return true
		}
		*inodes += commonInodes
		*length += commonLength
		*size += commonSize
		*realsize += commonRealsize
	}
	return false
}

func (m *Master) snapshotCopyChunks(src, dst *fsNode) {
	if len(src.file.chunktab) > 0 {
		dst.file.chunktab = m.chunktabPool.alloc(uint32(len(src.file.chunktab)))
		for i, chunkid := range src.file.chunktab {
			dst.file.chunktab[i] = chunkid
			if chunkid > 0 {
				if !m.chunks.AddFile(chunkid, dst.sclassid) {
					logger.Errorf("structure error - chunk %016X not found (inode: %d ; index: %d)", chunkid, src.inode, i)
				}
			}
		}
	} else {
		dst.file.chunktab = nil
	}
	dst.file.length = src.file.length
}

// snapshotNode clones src under parent/name. newflag marks subtrees
// known to be absent from the destination, skipping lookups.
func (m *Master) snapshotNode(src, parent *fsNode, name []byte, newflag bool, args *snapshotParams) {
	m.keepAliveCheck()
	ctx := args.ctx()
	var rec, accessok bool
	switch src.typ {
	case TypeDirectory:
		rec = m.accessCheck(src, ctx, ModeMaskR|ModeMaskX)
		accessok = true
	case TypeFile:
		accessok = m.accessCheck(src, ctx, ModeMaskR)
	default:
		accessok = true
	}
	if !accessok {
		return
	}
	if e := m.lookupEdge(parent, name); !newflag && e != nil { // element exists
		dst := e.child
		switch src.typ {
		case TypeDirectory:
			args.existingObject++
			if rec {
				for ce := src.dir.children; ce != nil; ce = ce.nextChild {
					m.snapshotNode(ce.child, dst, ce.name, false, args)
				}
			}
		case TypeFile:
			same := dst.file.length == src.file.length && len(dst.file.chunktab) == len(src.file.chunktab)
			if same {
				for i := range src.file.chunktab {
					if src.file.chunktab[i] != dst.file.chunktab[i] {
						same = false
						break
					}
				}
			}
			if same {
				args.sameFile++
			} else {
				var psr, nsr statsRecord
				args.inodeChksum ^= uint32(dst.inode)
				m.unlink(args.ts, e)
				if args.smode&SnapshotModeCPLikeAttr != 0 {
					dst = m.createNode(args.ts, parent, name, TypeFile, src.mode, args.cumask, args.uid, args.gids[0], false)
				} else if args.uid == 0 || args.uid == src.uid {
					dst = m.createNode(args.ts, parent, name, TypeFile, src.mode&0xFFF, 0, src.uid, src.gid, false)
				} else {
					dst = m.createNode(args.ts, parent, name, TypeFile, src.mode&0x3FF, 0, args.uid, args.gids[0], false)
				}
				args.existingObject++
				args.inodeChksum ^= uint32(dst.inode)
				m.getStats(dst, &psr, 0)
				m.sclass.decref(dst.sclassid, dst.typ)
				dst.sclassid = src.sclassid
				m.sclass.incref(dst.sclassid, dst.typ)
				dst.trashtime = src.trashtime
				m.snapshotCopyChunks(src, dst)
				m.getStats(dst, &nsr, 1)
				m.addSubStats(parent, &nsr, &psr)
			}
		case TypeSymlink:
			args.existingObject++
			if len(dst.sym.path) != len(src.sym.path) {
				sr := statsRecord{length: uint64(len(src.sym.path)) - uint64(len(dst.sym.path))}
				m.addStats(parent, &sr)
			}
			if dst.sym.path != nil {
				m.symlinkPool.release(dst.sym.path)
				dst.sym.path = nil
			}
			if len(src.sym.path) > 0 {
				dst.sym.path = m.symlinkPool.alloc(len(src.sym.path))
				copy(dst.sym.path, src.sym.path)
			}
		case TypeBlockDev, TypeCharDev:
			args.existingObject++
			dst.dev.rdev = src.dev.rdev
		default:
			args.existingObject++
		}
		if args.smode&SnapshotModeCPLikeAttr != 0 {
			dst.uid = args.uid
			dst.gid = args.gids[0]
			dst.mode = src.mode &^ args.cumask
			dst.ctime = args.ts
		} else if args.uid == 0 || args.uid == src.uid {
			dst.mode = src.mode
			dst.uid = src.uid
			dst.gid = src.gid
			dst.atime = src.atime
			dst.mtime = src.mtime
			dst.ctime = args.ts
		} else {
			dst.mode = src.mode & 0x3FF // clear suid/sgid
			dst.uid = args.uid
			dst.gid = args.gids[0]
			dst.atime = src.atime
			dst.mtime = src.mtime
			dst.ctime = args.ts
		}
		dst.eattr |= EattrSnapshot
		return
	}
	// new element
	switch src.typ {
	case TypeFile, TypeDirectory, TypeSymlink, TypeBlockDev, TypeCharDev, TypeSocket, TypeFIFO:
	default:
		return
	}
	if args.smode&SnapshotModePreserveHardlinks != 0 && src.typ != TypeDirectory && src.parents.nextParent != nil {
		if dst := args.inodehash[src.inode]; dst != nil {
			args.newHardlink++
			m.link(args.ts, parent, dst, name)
			return
		}
	}
	var dst *fsNode
	if args.smode&SnapshotModeCPLikeAttr != 0 {
		dst = m.createNode(args.ts, parent, name, src.typ, src.mode, args.cumask, args.uid, args.gids[0], false)
	} else if args.uid == 0 || args.uid == src.uid {
		dst = m.createNode(args.ts, parent, name, src.typ, src.mode, 0, src.uid, src.gid, false)
	} else {
		dst = m.createNode(args.ts, parent, name, src.typ, src.mode&0x3FF, 0, args.uid, args.gids[0], false)
	}
	args.inodeChksum ^= uint32(dst.inode)
	args.newObject++
	if args.smode&SnapshotModePreserveHardlinks != 0 && src.typ != TypeDirectory && src.parents.nextParent != nil {
		args.inodehash[src.inode] = dst
	}
	var psr, nsr statsRecord
	m.getStats(dst, &psr, 0)
	if args.smode&SnapshotModeCPLikeAttr == 0 {
		m.sclass.decref(dst.sclassid, dst.typ)
		dst.sclassid = src.sclassid
		m.sclass.incref(dst.sclassid, dst.typ)
		dst.trashtime = src.trashtime
		dst.eattr = src.eattr
		dst.winattr = src.winattr
		dst.mode = src.mode
		if args.uid != 0 && args.uid != src.uid {
			dst.mode &= 0x3FF // clear suid+sgid
		}
		dst.atime = src.atime
		dst.mtime = src.mtime
		if src.xattrflag {
			dst.xattrflag = m.xattrCopy(src.inode, dst.inode)
		}
		if src.aclpermflag {
			dst.aclpermflag = m.aclCopy(src.inode, dst.inode, aclAccess)
		}
		if src.acldefflag {
			dst.acldefflag = m.aclCopy(src.inode, dst.inode, aclDefault)
		}
	}
	switch src.typ {
	case TypeDirectory:
		if rec {
			for ce := src.dir.children; ce != nil; ce = ce.nextChild {
				m.snapshotNode(ce.child, dst, ce.name, true, args)
			}
		}
	case TypeFile:
		m.snapshotCopyChunks(src, dst)
		m.getStats(dst, &nsr, 1)
		m.addSubStats(parent, &nsr, &psr)
	case TypeSymlink:
		if len(src.sym.path) > 0 {
			dst.sym.path = m.symlinkPool.alloc(len(src.sym.path))
			copy(dst.sym.path, src.sym.path)
		}
		m.getStats(dst, &nsr, 1)
		m.addSubStats(parent, &nsr, &psr)
	case TypeBlockDev, TypeCharDev:
		dst.dev.rdev = src.dev.rdev
	}
	dst.eattr |= EattrSnapshot
}

// removeSnapshotTest checks that an entire subtree consists of
// SNAPSHOT-flagged nodes the caller may remove.
func (m *Master) removeSnapshotTest(e *fsEdge, args *snapshotParams) Status {
	n := e.child
	m.keepAliveCheck()
	if n.typ == TypeDirectory {
		if !m.accessCheck(n, args.ctx(), ModeMaskW|ModeMaskX) {
			return EACCES
		}
		for ie := n.dir.children; ie != nil; ie = ie.nextChild {
			if st := m.removeSnapshotTest(ie, args); st != OK {
				return st
			}
		}
	}
	if n.eattr&EattrSnapshot == 0 {
		return EPERM
	}
	return OK
}

// removeSnapshot unlinks every SNAPSHOT-flagged node of a subtree,
// keeping directories that still hold foreign children.
func (m *Master) removeSnapshot(e *fsEdge, args *snapshotParams) {
	n := e.child
	m.keepAliveCheck()
	if n.typ == TypeDirectory {
		eattrBack := n.eattr
		if m.accessCheck(n, args.ctx(), ModeMaskW|ModeMaskX) {
			for ie := n.dir.children; ie != nil; {
				ien := ie.nextChild
				m.removeSnapshot(ie, args)
				ie = ien
			}
		}
		if n.dir.children != nil {
			return
		}
		n.eattr = eattrBack
	}
	if n.eattr&EattrSnapshot != 0 {
		n.trashtime = 0
		args.inodeChksum ^= uint32(n.inode)
		args.removedObject++
		m.unlink(args.ts, e)
	}
}
