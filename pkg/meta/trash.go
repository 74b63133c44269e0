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

// Detached nodes. Trash entries wait out trashtime hours, sustained
// entries wait for their last open handle. Buckets are processed
// round-robin, one per tick, to bound scan pauses.

// purgeNode removes a detached node for good. A trash node that is
// still open downgrades to sustained instead. Returns 1 when the node
// was removed, 0 when it was kept.
func (m *Master) purgeNode(ts uint32, p *fsNode) int {
	e := p.parents
	switch p.typ {
	case TypeTrash:
		m.trashspace -= p.file.length
		m.trashnodes--
		if m.isFileOpen(p.inode) {
			bid := uint32(p.inode) % SustainedBuckets
			p.typ = TypeSustained
			m.sustainedspace += p.file.length
			m.sustainednodes++
			*e.prevChild = e.nextChild
			if e.nextChild != nil {
				e.nextChild.prevChild = e.prevChild
			}
			e.nextChild = m.sustained[bid]
			e.prevChild = &m.sustained[bid]
			if e.nextChild != nil {
				e.nextChild.prevChild = &e.nextChild
			}
			m.sustained[bid] = e
			return 0
		}
		m.removeEdge(ts, e)
		m.removeNode(ts, p)
		return 1
	case TypeSustained:
		m.sustainedspace -= p.file.length
		m.sustainednodes--
		m.removeEdge(ts, e)
		m.removeNode(ts, p)
		return 1
	}
	return -1
}

// undelNode validates the stored path, recreates missing intermediate
// directories and relinks a trash node as a regular file.
func (m *Master) undelNode(ts uint32, node *fsNode) Status {
	e := node.parents
	path := e.name
	for len(path) > 0 && path[0] == '/' {
		path = path[1:]
	}
	if len(path) == 0 {
		return ECANTCREATEPATH
	}
	partleng, dots := 0, 0
	for _, c := range path {
		switch c {
		case 0:
			return ECANTCREATEPATH
		case '/':
			if partleng == 0 { // "//" in path
				return ECANTCREATEPATH
			}
			if partleng == dots && partleng <= 2 { // '.' or '..'
				return ECANTCREATEPATH
			}
			partleng, dots = 0, 0
		default:
			if c == '.' {
				dots++
			}
			partleng++
			if partleng > MaxNameLen {
				return ECANTCREATEPATH
			}
		}
	}
	if partleng == 0 || (partleng == dots && partleng <= 2) {
		return ECANTCREATEPATH
	}

	p := m.root
	isnew := false
	var n *fsNode
	for {
		if p.dir.quota != nil && p.dir.quota.exceeded {
			return EQUOTA
		}
		partleng = 0
		for partleng < len(path) && path[partleng] != '/' {
			partleng++
		}
		if partleng == len(path) { // last component: the file itself
			if m.nameIsUsed(p, path[:partleng]) {
				return EEXIST
			}
			node.typ = TypeFile
			node.ctime = ts
			m.link(ts, p, node, path[:partleng])
			m.removeEdge(ts, e)
			m.trashspace -= node.file.length
			m.trashnodes--
			return OK
		}
		if !isnew {
			pe := m.lookupEdge(p, path[:partleng])
			if pe == nil {
				isnew = true
			} else {
				n = pe.child
				if n.typ != TypeDirectory {
					return ECANTCREATEPATH
				}
			}
		}
		if isnew {
			n = m.createNode(ts, p, path[:partleng], TypeDirectory, 0755, 0, 0, 0, false)
		}
		p = n
		path = path[partleng+1:]
	}
}

// emptyTrashBucket purges entries of one bucket whose trash window has
// fully elapsed. Returns freed and kept-open counts plus the inode xor.
func (m *Master) emptyTrashBucket(ts uint32, bid uint32) (fi, si, chksum uint32) {
	m.keepAliveBegin()
	e := m.trash[bid]
	for e != nil {
		next := e.nextChild
		p := e.child
		tau := uint32(p.trashtime) * 3600
		if p.atime+tau < ts && p.mtime+tau < ts && p.ctime+tau < ts {
			chksum ^= uint32(p.inode)
			switch m.purgeNode(ts, p) {
			case 1:
				fi++
			case 0:
				si++
			}
			m.keepAliveCheck()
		}
		e = next
	}
	return
}

// EmptyTrash advances the round-robin pointer by one bucket; called
// once per second by the reactor.
func (m *Master) EmptyTrash() {
	ts := m.now()
	bid := m.trashBid
	m.trashBid = (m.trashBid + 1) % TrashBuckets
	fi, si, chksum := m.emptyTrashBucket(ts, bid)
	if fi > 0 || si > 0 {
		m.appendChangelog(ts, "EMPTYTRASH(%d):%d,%d,%d", bid, fi, si, chksum)
	}
}

// emptySustainedBucket drops entries no session holds open any more.
func (m *Master) emptySustainedBucket(ts uint32, bid uint32) (fi, chksum uint32) {
	m.keepAliveBegin()
	e := m.sustained[bid]
	for e != nil {
		next := e.nextChild
		p := e.child
		if !m.isFileOpen(p.inode) {
			chksum ^= uint32(p.inode)
			if m.purgeNode(ts, p) == 1 {
				fi++
			}
			m.keepAliveCheck()
		}
		e = next
	}
	return
}

// EmptySustained advances the sustained round-robin by one bucket.
func (m *Master) EmptySustained() {
	ts := m.now()
	bid := m.sustainedBid
	m.sustainedBid = (m.sustainedBid + 1) % SustainedBuckets
	fi, chksum := m.emptySustainedBucket(ts, bid)
	if fi > 0 {
		m.appendChangelog(ts, "EMPTYSUSTAINED(%d):%d,%d", bid, fi, chksum)
	}
}

// DetachedEntry is one trash or sustained listing element.
type DetachedEntry struct {
	Inode Ino
	Path  []byte
}

// ReadTrash lists one trash bucket.
func (m *Master) ReadTrash(ctx Context, bid uint32) ([]DetachedEntry, Status) {
	if bid >= TrashBuckets {
		return nil, EINVAL
	}
	var out []DetachedEntry
	for e := m.trash[bid]; e != nil; e = e.nextChild {
		out = append(out, DetachedEntry{Inode: e.child.inode, Path: append([]byte(nil), e.name...)})
	}
	return out, OK
}

// ReadSustained lists every sustained entry.
func (m *Master) ReadSustained(ctx Context) ([]DetachedEntry, Status) {
	var out []DetachedEntry
	for bid := 0; bid < SustainedBuckets; bid++ {
		for e := m.sustained[bid]; e != nil; e = e.nextChild {
			out = append(out, DetachedEntry{Inode: e.child.inode, Path: append([]byte(nil), e.name...)})
		}
	}
	return out, OK
}

// GetDetachedAttr returns the wire attributes of a detached node.
func (m *Master) GetDetachedAttr(ctx Context, inode Ino, dtype uint8) ([]byte, Status) {
	p := m.nodetab.find(inode)
	if p == nil {
		return nil, ENOENT
	}
	if dtype == TypeTrash && p.typ != TypeTrash {
		return nil, ENOENT
	}
	if dtype == TypeSustained && p.typ != TypeSustained {
		return nil, ENOENT
	}
	if p.typ != TypeTrash && p.typ != TypeSustained {
		return nil, ENOENT
	}
	return m.fillAttr(p, nil, &ctx), OK
}

// GetTrashPath reads the stored restore path of a trash node.
func (m *Master) GetTrashPath(ctx Context, inode Ino) ([]byte, Status) {
	p := m.nodetab.find(inode)
	if p == nil || p.typ != TypeTrash {
		return nil, ENOENT
	}
	return append([]byte(nil), p.parents.name...), OK
}

// setTrashPath rewrites the restore path of a trash node.
func (m *Master) setTrashPath(node *fsNode, path []byte) Status {
	if len(path) == 0 || len(path) > MaxPathLen {
		return EINVAL
	}
	for _, c := range path {
		if c == 0 {
			return EINVAL
		}
	}
	e := node.parents
	m.namePool.release(e.name)
	e.name = m.namePool.alloc(len(path))
	copy(e.name, path)
	return OK
}
