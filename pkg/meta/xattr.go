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

import "sort"

// Extended attribute blobs, keyed per inode. Name and value size
// limits follow the wire protocol.

const (
	xattrMaxName  = 255
	xattrMaxValue = 65536

	// setxattr modes
	XattrCreateOrReplace = 0
	XattrCreate          = 1
	XattrReplace         = 2
	XattrRemove          = 3
)

func (m *Master) xattrSet(inode Ino, name string, value []byte, mode uint8) Status {
	if len(name) == 0 || len(name) > xattrMaxName || len(value) > xattrMaxValue {
		return EINVAL
	}
	tab := m.xattrs[inode]
	_, present := tab[name]
	switch mode {
	case XattrCreate:
		if present {
			return EEXIST
		}
	case XattrReplace:
		if !present {
			return ENOATTR
		}
	case XattrRemove:
		if !present {
			return ENOATTR
		}
		delete(tab, name)
		if len(tab) == 0 {
			delete(m.xattrs, inode)
			if n := m.nodetab.find(inode); n != nil {
				n.xattrflag = false
			}
		}
		return OK
	case XattrCreateOrReplace:
	default:
		return EINVAL
	}
	if tab == nil {
		tab = make(map[string][]byte)
		m.xattrs[inode] = tab
	}
	tab[name] = append([]byte(nil), value...)
	if n := m.nodetab.find(inode); n != nil {
		n.xattrflag = true
	}
	return OK
}

func (m *Master) xattrGet(inode Ino, name string) ([]byte, Status) {
	v, ok := m.xattrs[inode][name]
	if !ok {
		return nil, ENOATTR
	}
	return v, OK
}

// xattrList returns the NUL-separated attribute name list.
func (m *Master) xattrList(inode Ino) []byte {
	tab := m.xattrs[inode]
	if len(tab) == 0 {
		return nil
	}
	names := make([]string, 0, len(tab))
	for name := range tab {
		names = append(names, name)
	}
	sort.Strings(names)
	var out []byte
	for _, name := range names {
		out = append(out, name...)
		out = append(out, 0)
	}
	return out
}

// xattrCopy clones all attributes of one inode onto another; used by
// snapshots. Reports whether anything was copied.
func (m *Master) xattrCopy(src, dst Ino) bool {
	tab := m.xattrs[src]
	if len(tab) == 0 {
		return false
	}
	cp := make(map[string][]byte, len(tab))
	for name, v := range tab {
		cp[name] = append([]byte(nil), v...)
	}
	m.xattrs[dst] = cp
	return true
}
