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

func namecheck(name []byte) Status {
	if len(name) == 0 || len(name) > MaxNameLen {
		return EINVAL
	}
	if name[0] == '.' {
		if len(name) == 1 {
			return EINVAL
		}
		if len(name) == 2 && name[1] == '.' {
			return EINVAL
		}
	}
	if bytes.IndexByte(name, 0) >= 0 || bytes.IndexByte(name, '/') >= 0 {
		return EINVAL
	}
	return OK
}

func (m *Master) nextEdgeID() uint64 {
	if m.nextedgeid > 0 {
		id := m.nextedgeid
		m.nextedgeid--
		if m.nextedgeid < EdgeIDMax/2 && !m.edgesneedrenumeration {
			m.edgesneedrenumeration = true
			logger.Warnf("edge id space half exhausted - scheduling renumeration")
		}
		return id
	}
	return 0
}

func (m *Master) edgeIndexInsert(e *fsEdge) {
	if e.edgeid > 0 {
		m.edgeIndex.ReplaceOrInsert(e)
	}
}

func (m *Master) edgeIndexRemove(e *fsEdge) {
	if e.edgeid > 0 {
		m.edgeIndex.Delete(e)
	}
}

func (m *Master) edgeByID(edgeid uint64) *fsEdge {
	probe := &fsEdge{edgeid: edgeid}
	if e, ok := m.edgeIndex.Get(probe); ok {
		return e
	}
	return nil
}

// RenumerateEdgesIfNeeded runs the renumeration once the decreasing
// id counter has burned through half its space; called periodically.
func (m *Master) RenumerateEdgesIfNeeded() {
	if m.edgesneedrenumeration {
		m.renumerateEdges()
	}
}

// renumerateEdges rewrites every edge id in tree order; triggered when
// the decreasing counter approaches exhaustion.
func (m *Master) renumerateEdges() {
	m.keepAliveBegin()
	m.edgeIndex.Clear(false)
	var nextid uint64 = 1
	var walk func(n *fsNode)
	walk = func(n *fsNode) {
		if n.dir == nil {
			return
		}
		for e := n.dir.children; e != nil; e = e.nextChild {
			e.edgeid = nextid
			nextid++
			m.edgeIndex.ReplaceOrInsert(e)
			m.keepAliveCheck()
			if e.child.typ == TypeDirectory {
				walk(e.child)
			}
		}
	}
	walk(m.root)
	for _, head := range [][]*fsEdge{m.trash, m.sustained} {
		for _, e := range head {
			for ; e != nil; e = e.nextChild {
				e.edgeid = nextid
				nextid++
			}
		}
	}
	m.nextedgeid = EdgeIDMax
	m.edgesneedrenumeration = false
	logger.Infof("edge renumeration done: %d edges", nextid-1)
}

func (m *Master) lookupEdge(node *fsNode, name []byte) *fsEdge {
	if node.typ != TypeDirectory {
		return nil
	}
	return m.edgetab.find(node, name)
}

func (m *Master) nameIsUsed(node *fsNode, name []byte) bool {
	return m.edgetab.find(node, name) != nil
}

// link splices a new named edge parent->child, maintaining link
// counts, subtree statistics and both intrusive lists.
func (m *Master) link(ts uint32, parent, child *fsNode, name []byte) {
	e := m.edgePool.alloc()
	e.edgeid = m.nextEdgeID()
	e.name = m.namePool.alloc(len(name))
	copy(e.name, name)
	e.child = child
	e.parent = parent
	e.nextChild = parent.dir.children
	if e.nextChild != nil {
		e.nextChild.prevChild = &e.nextChild
	}
	parent.dir.children = e
	e.prevChild = &parent.dir.children
	e.nextParent = child.parents
	if e.nextParent != nil {
		e.nextParent.prevParent = &e.nextParent
	}
	child.parents = e
	e.prevParent = &child.parents
	m.edgetab.add(e, m.hashElements)
	m.hashElements++
	m.edgeIndexInsert(e)

	parent.dir.elements++
	if child.typ == TypeDirectory {
		// directories have no hard links; nlink counts subdirectories
		parent.dir.nlink++
	} else {
		child.addNlink(1)
	}
	parent.eattr &^= EattrSnapshot
	var sr statsRecord
	m.getStats(child, &sr, 1)
	m.addStats(parent, &sr)
	if ts > 0 {
		parent.mtime, parent.ctime = ts, ts
		child.ctime = ts
	}
}

// removeEdge detaches an edge from parent and child; detached
// trash/sustained pseudo-edges (parent==nil) only unhook from the
// child and their bucket list.
func (m *Master) removeEdge(ts uint32, e *fsEdge) {
	if e.parent != nil {
		m.edgeIndexRemove(e)
		var sr statsRecord
		m.getStats(e.child, &sr, 0)
		m.subStats(e.parent, &sr)
		e.parent.mtime, e.parent.ctime = ts, ts
		e.parent.dir.elements--
		if e.child.typ == TypeDirectory {
			e.parent.dir.nlink--
		} else {
			e.child.addNlink(-1)
		}
		e.parent.eattr &^= EattrSnapshot
	}
	if ts > 0 && e.child != nil {
		e.child.ctime = ts
	}
	*e.prevChild = e.nextChild
	if e.nextChild != nil {
		e.nextChild.prevChild = e.prevChild
	}
	if e.prevParent != nil {
		*e.prevParent = e.nextParent
		if e.nextParent != nil {
			e.nextParent.prevParent = e.prevParent
		}
	}
	if e.parent != nil {
		m.edgetab.delete(e)
		m.hashElements--
	}
	m.namePool.release(e.name)
	m.edgePool.release(e)
}

func (m *Master) isAncestor(f, p *fsNode) bool {
	for e := p.parents; e != nil; e = e.nextParent {
		n := e.parent
		for n != nil {
			if f == n {
				return true
			}
			if n.parents != nil {
				n = n.parents.parent
			} else {
				n = nil
			}
		}
	}
	return false
}

// getPath renders the path of an edge up to the root, for trash names
// and operator queries.
func (m *Master) getPath(e *fsEdge) []byte {
	size := len(e.name)
	p := e.parent
	for p != m.root && p.parents != nil {
		size += len(p.parents.name) + 1
		p = p.parents.parent
	}
	if size > MaxPathLen {
		size = MaxPathLen
	}
	path := make([]byte, size)
	pos := size
	trim := func(name []byte) {
		n := len(name)
		if n > pos {
			n = pos
		}
		copy(path[pos-n:pos], name[len(name)-n:])
		pos -= n
	}
	trim(e.name)
	p = e.parent
	for p != m.root && p.parents != nil {
		if pos > 0 {
			pos--
			path[pos] = '/'
		}
		trim(p.parents.name)
		p = p.parents.parent
	}
	return path[pos:]
}

// Readdir lists a directory starting after the continuation cookie
// nedgeid (0 starts from the beginning, including "." and ".."). It
// returns entries and the next cookie.
func (m *Master) Readdir(ctx Context, inode Ino, maxentries uint32, nedgeid uint64, wantattr bool) ([]*Entry, uint64, Status) {
	p := m.nodeFind(ctx, inode, false)
	if p == nil {
		return nil, 0, ENOENT
	}
	if p.typ != TypeDirectory {
		return nil, 0, ENOTDIR
	}
	if !m.accessCheck(p, &ctx, ModeMaskR) {
		return nil, 0, EACCES
	}
	var entries []*Entry
	appendNode := func(name []byte, n *fsNode, edgeid uint64) {
		ent := &Entry{Inode: n.inode, Name: append([]byte(nil), name...), EdgeID: edgeid}
		if ent.Inode == ctx.RootIno {
			ent.Inode = RootIno
		}
		if wantattr {
			ent.Attr = m.fillAttr(n, p, &ctx)
		}
		entries = append(entries, ent)
	}
	cookie := nedgeid
	if cookie == 0 {
		appendNode([]byte("."), p, 1)
		cookie = 1
	}
	if cookie == 1 && uint32(len(entries)) < maxentries {
		parent := p
		if p != m.root && p.parents != nil {
			parent = p.parents.parent
		}
		appendNode([]byte(".."), parent, 2)
		cookie = 2
	}
	// children are prepended on creation and ids decrease over time,
	// so list order yields strictly increasing edge ids; the cookie is
	// the last id handed out and resumes via the edge-id index
	if uint32(len(entries)) < maxentries {
		var e *fsEdge
		if cookie > 2 {
			if at := m.edgeByID(cookie); at != nil && at.parent == p {
				e = at.nextChild
			} else {
				for e = p.dir.children; e != nil && e.edgeid <= cookie; e = e.nextChild {
				}
			}
		} else {
			e = p.dir.children
		}
		for ; e != nil; e = e.nextChild {
			appendNode(e.name, e.child, e.edgeid)
			cookie = e.edgeid
			if uint32(len(entries)) >= maxentries {
				break
			}
		}
	}
	if m.conf.AtimeMode != AtimeNever {
		m.maybeSetAtime(p, m.now())
	}
	return entries, cookie, OK
}
