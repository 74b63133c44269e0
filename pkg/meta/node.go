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

import "bytes"

// nodeFind resolves an inode under the session's exported root.
// Sessions rooted at 0 only see detached trash/sustained nodes;
// subtree sessions translate RootIno and refuse nodes outside their
// subtree unless skipAncestor is set.
func (m *Master) nodeFindExt(ctx Context, inode Ino, skipAncestor bool) (rn, p *fsNode) {
	switch {
	case ctx.isReplay() || ctx.RootIno == RootIno:
		return m.root, m.nodetab.find(inode)
	case ctx.RootIno == 0:
		p = m.nodetab.find(inode)
		if p != nil && p.typ != TypeTrash && p.typ != TypeSustained {
			p = nil
		}
		return nil, p
	default:
		rn = m.nodetab.find(ctx.RootIno)
		if rn == nil || rn.typ != TypeDirectory {
			return nil, nil
		}
		if inode == RootIno {
			return rn, rn
		}
		p = m.nodetab.find(inode)
		if p == nil {
			return rn, nil
		}
		if !skipAncestor && !m.isAncestor(rn, p) {
			return rn, nil
		}
		return rn, p
	}
}

func (m *Master) nodeFind(ctx Context, inode Ino, skipAncestor bool) *fsNode {
	_, p := m.nodeFindExt(ctx, inode, skipAncestor)
	return p
}

// CheckInode reports whether an inode exists at all.
func (m *Master) CheckInode(inode Ino) bool {
	return m.nodetab.find(inode) != nil
}

// createNode makes a fresh node of the given type under `parent`,
// inheriting storage class, trashtime, eattr and sgid per POSIX rules,
// then links it in.
func (m *Master) createNode(ts uint32, parent *fsNode, name []byte, typ uint8, mode, cumask uint16, uid, gid uint32, copysgid bool) *fsNode {
	p := m.nodePool.alloc(typ)
	m.nodes++
	if typ == TypeDirectory {
		m.dirnodes++
	}
	if typ == TypeFile {
		m.filenodes++
	}
	m.nodeGauge.Set(float64(m.nodes))
	p.inode = m.ids.next()
	p.typ = typ
	p.ctime, p.mtime, p.atime = ts, ts, ts
	if typ == TypeDirectory || typ == TypeFile {
		p.sclassid = parent.sclassid
		p.trashtime = parent.trashtime
	} else {
		p.sclassid = 0
		p.trashtime = DefaultTrashTime
	}
	m.sclass.incref(p.sclassid, p.typ)
	if typ == TypeDirectory {
		p.eattr = parent.eattr &^ EattrSnapshot
	} else {
		p.eattr = parent.eattr &^ (EattrNoECache | EattrSnapshot)
	}
	if parent.acldefflag {
		aclmode, copied := m.aclCopyDefaults(parent.inode, p.inode, typ == TypeDirectory, mode)
		p.mode = aclmode
		if copied&1 != 0 {
			p.aclpermflag = true
		}
		if copied&2 != 0 {
			p.acldefflag = true
		}
	} else {
		p.mode = mode &^ cumask
	}
	p.uid = uid
	if parent.mode&02000 != 0 { // sgid directory
		p.gid = parent.gid
		if copysgid && typ == TypeDirectory {
			p.mode |= 02000
		}
	} else {
		p.gid = gid
	}
	if typ == TypeDirectory {
		p.dir.nlink = 2
	}
	m.nodetab.add(p, m.hashElements)
	m.hashElements++
	m.link(ts, parent, p, name)
	return p
}

// removeNode frees a node with no remaining parents: chunk references
// are dropped, attribute blobs removed and the inode number queued for
// delayed reuse.
func (m *Master) removeNode(ts uint32, toremove *fsNode) {
	if toremove.parents != nil {
		return
	}
	m.nodetab.delete(toremove)
	m.hashElements--
	m.nodes--
	if toremove.typ == TypeDirectory {
		m.dirnodes--
		m.deleteQuotaNode(toremove)
	}
	if toremove.isFileKind() {
		m.filenodes--
		f := toremove.file
		for i, chunkid := range f.chunktab {
			if chunkid > 0 {
				if !m.chunks.DeleteFile(chunkid, toremove.sclassid) {
					logger.Errorf("structure error - chunk %016X not found (inode: %d ; index: %d)", chunkid, toremove.inode, i)
				}
			}
		}
		if f.chunktab != nil {
			m.chunktabPool.release(f.chunktab)
			f.chunktab = nil
		}
	}
	if toremove.typ == TypeSymlink && toremove.sym.path != nil {
		m.symlinkPool.release(toremove.sym.path)
		toremove.sym.path = nil
	}
	m.sclass.decref(toremove.sclassid, toremove.typ)
	m.ids.release(toremove.inode, ts)
	if toremove.xattrflag {
		delete(m.xattrs, toremove.inode)
	}
	if toremove.aclpermflag {
		m.aclRemove(toremove.inode, aclAccess)
	}
	if toremove.acldefflag {
		m.aclRemove(toremove.inode, aclDefault)
	}
	m.nodeGauge.Set(float64(m.nodes))
	m.nodePool.release(toremove)
}

// unlink removes one edge. When the last link of a regular file goes,
// the node either moves to trash (trashtime set), to sustained (still
// open), or is removed for good.
func (m *Master) unlink(ts uint32, e *fsEdge) {
	child := e.child
	isopen := m.isFileOpen(child.inode)
	var path []byte
	if child.parents.nextParent == nil && child.typ == TypeFile && (child.trashtime > 0 || isopen) {
		path = m.getPath(e)
	}
	m.removeEdge(ts, e)
	if child.parents != nil {
		return
	}
	if child.typ == TypeFile {
		switch {
		case child.trashtime > 0:
			child.typ = TypeTrash
			child.ctime = ts
			m.attachDetached(child, path, m.trash, uint32(child.inode)%TrashBuckets)
			m.trashspace += child.file.length
			m.trashnodes++
		case isopen:
			child.typ = TypeSustained
			m.attachDetached(child, path, m.sustained, uint32(child.inode)%SustainedBuckets)
			m.sustainedspace += child.file.length
			m.sustainednodes++
		default:
			m.removeNode(ts, child)
		}
	} else {
		m.removeNode(ts, child)
	}
}

// attachDetached hangs a parentless node off a trash/sustained bucket
// with its final path stored as the edge name.
func (m *Master) attachDetached(child *fsNode, path []byte, buckets []*fsEdge, bid uint32) {
	e := m.edgePool.alloc()
	e.edgeid = m.nextEdgeID()
	e.name = m.namePool.alloc(len(path))
	copy(e.name, path)
	e.child = child
	e.parent = nil
	e.nextChild = buckets[bid]
	e.prevChild = &buckets[bid]
	e.prevParent = &child.parents
	if e.nextChild != nil {
		e.nextChild.prevChild = &e.nextChild
	}
	buckets[bid] = e
	child.parents = e
}

// resolvePath walks a slash-separated path from the global root,
// returning the node it denotes.
func (m *Master) resolvePath(path []byte) (*fsNode, Status) {
	p := m.root
	for len(path) > 0 {
		for len(path) > 0 && path[0] == '/' {
			path = path[1:]
		}
		if len(path) == 0 {
			break
		}
		idx := bytes.IndexByte(path, '/')
		var comp []byte
		if idx < 0 {
			comp, path = path, nil
		} else {
			comp, path = path[:idx], path[idx+1:]
		}
		if p.typ != TypeDirectory {
			return nil, ENOTDIR
		}
		e := m.lookupEdge(p, comp)
		if e == nil {
			return nil, ENOENT
		}
		p = e.child
	}
	if p.typ != TypeDirectory {
		return nil, ENOTDIR
	}
	return p, OK
}

// GetRootInode maps an export path onto the inode a session is
// rooted at.
func (m *Master) GetRootInode(path []byte) (Ino, Status) {
	n, st := m.resolvePath(path)
	if st != OK {
		return 0, st
	}
	return n.inode, OK
}

// GetParents lists all parent directories of an inode (one per hard
// link) visible under the session root.
func (m *Master) GetParents(ctx Context, inode Ino) ([]Ino, Status) {
	p := m.nodeFind(ctx, inode, false)
	if p == nil {
		return nil, ENOENT
	}
	var out []Ino
	if p.inode != ctx.RootIno {
		for e := p.parents; e != nil; e = e.nextParent {
			if e.parent == nil {
				continue
			}
			if e.parent.inode == ctx.RootIno {
				out = append(out, RootIno)
			} else {
				out = append(out, e.parent.inode)
			}
		}
	}
	return out, OK
}

// GetPaths renders every full path of an inode, one per hard link.
func (m *Master) GetPaths(ctx Context, inode Ino) ([]string, Status) {
	p := m.nodeFind(ctx, inode, false)
	if p == nil {
		return nil, ENOENT
	}
	if p.inode == ctx.RootIno {
		return []string{"/"}, OK
	}
	var out []string
	for e := p.parents; e != nil; e = e.nextParent {
		if e.parent == nil {
			continue
		}
		out = append(out, "/"+string(m.getPath(e)))
	}
	return out, OK
}

// visibleNlink counts the links of a node as seen from a session root.
func (m *Master) visibleNlink(rootino Ino, node *fsNode) uint32 {
	if node.inode == rootino {
		return 0
	}
	if rootino == RootIno {
		var nlink uint32
		for e := node.parents; e != nil; e = e.nextParent {
			nlink++
		}
		return nlink
	}
	var nlink uint32
	for e := node.parents; e != nil; e = e.nextParent {
		p := e.parent
		for p != nil {
			if p.inode == rootino {
				nlink++
				break
			}
			if p.parents != nil {
				p = p.parents.parent
			} else {
				p = nil
			}
		}
	}
	return nlink
}
