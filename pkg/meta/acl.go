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

// POSIX ACL plumbing. Named entry blobs are kept opaque (parsing is a
// client concern); the engine stores the permission header and the
// uid/gid->perm pairs it needs for access evaluation.

const (
	aclAccess  = 1
	aclDefault = 2
)

type aclEntry struct {
	id   uint32
	perm uint16
}

type aclRecord struct {
	userPerm    uint16
	groupPerm   uint16
	otherPerm   uint16
	mask        uint16
	namedUsers  []aclEntry
	namedGroups []aclEntry
}

type aclNode struct {
	access   *aclRecord
	defaults *aclRecord
}

func (m *Master) aclGetNode(inode Ino) *aclNode {
	return m.acls[inode]
}

func (m *Master) aclSet(inode Ino, acltype uint8, rec *aclRecord) {
	an := m.acls[inode]
	if an == nil {
		an = &aclNode{}
		m.acls[inode] = an
	}
	if acltype == aclAccess {
		an.access = rec
	} else {
		an.defaults = rec
	}
}

func (m *Master) aclRemove(inode Ino, acltype uint8) {
	an := m.acls[inode]
	if an == nil {
		return
	}
	if acltype == aclAccess {
		an.access = nil
	} else {
		an.defaults = nil
	}
	if an.access == nil && an.defaults == nil {
		delete(m.acls, inode)
	}
}

// aclGetMode synthesizes the mode triplets shown in stat() from the
// access ACL header.
func (m *Master) aclGetMode(inode Ino) uint16 {
	an := m.acls[inode]
	if an == nil || an.access == nil {
		return 0
	}
	a := an.access
	group := a.groupPerm
	if len(a.namedUsers)+len(a.namedGroups) > 0 {
		group = a.mask
	}
	return a.userPerm&7<<6 | group&7<<3 | a.otherPerm&7
}

// aclAccessMode evaluates the POSIX ACL algorithm for one caller.
func (m *Master) aclAccessMode(node *fsNode, ctx *Context) uint8 {
	an := m.acls[node.inode]
	if an == nil || an.access == nil {
		return modeToAccMode[node.mode&7]
	}
	a := an.access
	if ctx.UID == node.uid {
		return modeToAccMode[a.userPerm&7]
	}
	mask := a.mask
	if len(a.namedUsers)+len(a.namedGroups) == 0 {
		mask = 7 // no mask entry: group class is the owning group itself
	}
	for _, e := range a.namedUsers {
		if e.id == ctx.UID {
			return modeToAccMode[e.perm&mask&7]
		}
	}
	groupHit := false
	var perm uint16
	for _, gid := range ctx.GIDs {
		if gid == node.gid {
			groupHit = true
			perm |= a.groupPerm & mask
		}
		for _, e := range a.namedGroups {
			if e.id == gid {
				groupHit = true
				perm |= e.perm & mask
			}
		}
	}
	if groupHit {
		return modeToAccMode[perm&7]
	}
	return modeToAccMode[a.otherPerm&7]
}

// aclEntriesEncode renders named entries as a changelog-safe
// id.perm dash-joined list ("-" when empty).
func aclEntriesEncode(entries []aclEntry) string {
	if len(entries) == 0 {
		return "-"
	}
	out := make([]byte, 0, len(entries)*12)
	for i, e := range entries {
		if i > 0 {
			out = append(out, '-')
		}
		out = appendUint(out, uint64(e.id))
		out = append(out, '.')
		out = appendUint(out, uint64(e.perm))
	}
	return string(out)
}

func appendUint(b []byte, v uint64) []byte {
	var tmp [20]byte
	i := len(tmp)
	for {
		i--
		tmp[i] = byte('0' + v%10)
		v /= 10
		if v == 0 {
			break
		}
	}
	return append(b, tmp[i:]...)
}

// aclCopy clones one ACL record; used by snapshots. Returns whether a
// record existed.
func (m *Master) aclCopy(src, dst Ino, acltype uint8) bool {
	an := m.acls[src]
	if an == nil {
		return false
	}
	var rec *aclRecord
	if acltype == aclAccess {
		rec = an.access
	} else {
		rec = an.defaults
	}
	if rec == nil {
		return false
	}
	cp := *rec
	cp.namedUsers = append([]aclEntry(nil), rec.namedUsers...)
	cp.namedGroups = append([]aclEntry(nil), rec.namedGroups...)
	m.aclSet(dst, acltype, &cp)
	return true
}

// aclCopyDefaults applies a parent's default ACL to a fresh child:
// the child gets an access ACL derived from the defaults masked by
// the requested mode, and directories inherit the defaults too.
// Returns the effective mode and a bitset (1=access set, 2=default set).
func (m *Master) aclCopyDefaults(parent, child Ino, isdir bool, mode uint16) (uint16, uint8) {
	an := m.acls[parent]
	if an == nil || an.defaults == nil {
		return mode, 0
	}
	d := an.defaults
	var copied uint8
	access := &aclRecord{
		userPerm:    d.userPerm & (mode >> 6 & 7),
		groupPerm:   d.groupPerm,
		otherPerm:   d.otherPerm & (mode & 7),
		mask:        d.mask,
		namedUsers:  append([]aclEntry(nil), d.namedUsers...),
		namedGroups: append([]aclEntry(nil), d.namedGroups...),
	}
	if len(d.namedUsers)+len(d.namedGroups) == 0 {
		access.groupPerm &= mode >> 3 & 7
	}
	m.aclSet(child, aclAccess, access)
	copied |= 1
	if isdir {
		cp := *d
		cp.namedUsers = append([]aclEntry(nil), d.namedUsers...)
		cp.namedGroups = append([]aclEntry(nil), d.namedGroups...)
		m.aclSet(child, aclDefault, &cp)
		copied |= 2
	}
	group := access.groupPerm
	if len(d.namedUsers)+len(d.namedGroups) > 0 {
		group = access.mask
	}
	newmode := mode&07000 | access.userPerm&7<<6 | group&7<<3 | access.otherPerm&7
	return newmode, copied
}
