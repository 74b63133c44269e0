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

import "encoding/binary"

// modeToAccMode converts a permission triplet to the rwx bitset used
// by access checks (bit 1<<mask set when the mask is allowed).
var modeToAccMode = [8]uint8{0x01, 0x03, 0x05, 0x0F, 0x11, 0x33, 0x55, 0xFF}

// accessMode resolves the caller's rwx rights on a node.
func (m *Master) accessMode(node *fsNode, ctx *Context) uint8 {
	if ctx.UID == 0 {
		return modeToAccMode[0x7]
	}
	if node.aclpermflag {
		return m.aclAccessMode(node, ctx)
	}
	if ctx.UID == node.uid || node.eattr&EattrNoOwner != 0 {
		return modeToAccMode[(node.mode>>6)&7]
	}
	if ctx.SesFlags&SesflagIgnoreGid != 0 {
		return modeToAccMode[((node.mode>>3)|node.mode)&7]
	}
	for _, gid := range ctx.GIDs {
		if gid == node.gid {
			return modeToAccMode[(node.mode>>3)&7]
		}
	}
	return modeToAccMode[node.mode&7]
}

func (m *Master) accessCheck(node *fsNode, ctx *Context, modemask uint8) bool {
	return m.accessMode(node, ctx)&(1<<(modemask&0x7)) != 0
}

// stickyAccess applies the sticky-bit deletion rule.
func (m *Master) stickyAccess(parent, node *fsNode, uid uint32) bool {
	if uid == 0 || parent.mode&01000 == 0 {
		return true
	}
	if uid == parent.uid || parent.eattr&EattrNoOwner != 0 ||
		uid == node.uid || node.eattr&EattrNoOwner != 0 {
		return true
	}
	return false
}

// dirLengthEncode packs a byte count into the 32-bit pseudo
// floating-point value clients can render (e.g. 2052312 = 523.12 MB).
// Values from 1 PiB (2^50) up are shifted right by 10 bits first and
// lose precision; kept bit-exact for wire compatibility.
func dirLengthEncode(dleng uint64) uint64 {
	switch {
	case dleng == 0:
		return 1 // never report size 0 for directories
	case dleng < 0x400:
		return dleng * 100
	case dleng < 0x100000:
		return dleng*100>>10 + 1000000
	case dleng < 0x40000000:
		return dleng*100>>20 + 2000000
	case dleng < 0x10000000000:
		return dleng*100>>30 + 3000000
	case dleng < 0x4000000000000:
		return dleng*100>>40 + 4000000
	case dleng < 0x1000000000000000:
		return (dleng>>10)*100>>40 + 5000000
	default:
		return (dleng>>10)*100>>50 + 6000000
	}
}

// fillAttr serializes the wire attribute record of a node as seen by
// one session.
func (m *Master) fillAttr(node, parent *fsNode, ctx *Context) []byte {
	size := AttrSize
	if ctx.SesFlags&SesflagAttrBit != 0 {
		size = AttrRecordSize
	}
	attr := make([]byte, 0, size)
	typ := node.typ
	if typ == TypeTrash || typ == TypeSustained {
		typ = TypeFile
	}
	var flags uint8
	if parent != nil && parent.eattr&EattrNoECache != 0 {
		flags |= MattrNoECache
	}
	if node.eattr&(EattrNoOwner|EattrNoACache) != 0 || ctx.SesFlags&SesflagMapAll != 0 {
		flags |= MattrNoACache
	}
	if node.eattr&EattrNoDataCache == 0 {
		flags |= MattrAllowDataCache
	} else {
		flags |= MattrDirectMode
	}
	if !node.xattrflag && !node.aclpermflag && !node.acldefflag {
		flags |= MattrNoXattr
	}
	var mode uint16
	if node.aclpermflag {
		mode = m.aclGetMode(node.inode)&0777 | node.mode&07000
	} else {
		mode = node.mode & 07777
	}
	uid, gid := ctx.UID, ctx.gid()
	if node.eattr&EattrNoOwner != 0 && ctx.UID != 0 {
		// copy owner rights to group and other
		mode &= 07700
		mode |= (mode & 0700) >> 3
		mode |= (mode & 0700) >> 6
		if ctx.SesFlags&SesflagMapAll != 0 {
			uid, gid = ctx.AUID, ctx.AGID
		}
	} else if ctx.SesFlags&SesflagMapAll != 0 && ctx.AUID != 0 {
		if node.uid == ctx.UID {
			uid = ctx.AUID
		} else {
			uid = 0
		}
		if node.gid == ctx.gid() {
			gid = ctx.AGID
		} else {
			gid = 0
		}
	} else {
		uid, gid = node.uid, node.gid
	}
	mode |= uint16(typ) << 12
	attr = append(attr, flags)
	attr = binary.BigEndian.AppendUint16(attr, mode)
	attr = binary.BigEndian.AppendUint32(attr, uid)
	attr = binary.BigEndian.AppendUint32(attr, gid)
	attr = binary.BigEndian.AppendUint32(attr, node.atime)
	attr = binary.BigEndian.AppendUint32(attr, node.mtime)
	attr = binary.BigEndian.AppendUint32(attr, node.ctime)
	switch node.typ {
	case TypeFile, TypeTrash, TypeSustained:
		nlink := node.file.nlink
		if ctx.RootIno != RootIno && ctx.RootIno != 0 {
			// subtree sessions only see links inside their export
			nlink = m.visibleNlink(ctx.RootIno, node)
		}
		attr = binary.BigEndian.AppendUint32(attr, nlink)
		attr = binary.BigEndian.AppendUint64(attr, node.file.length)
	case TypeDirectory:
		attr = binary.BigEndian.AppendUint32(attr, node.dir.nlink)
		attr = binary.BigEndian.AppendUint64(attr, dirLengthEncode(node.dir.stats.length))
	case TypeSymlink:
		attr = binary.BigEndian.AppendUint32(attr, node.sym.nlink)
		attr = append(attr, 0, 0, 0, 0)
		attr = binary.BigEndian.AppendUint32(attr, uint32(len(node.sym.path)))
	case TypeBlockDev, TypeCharDev:
		attr = binary.BigEndian.AppendUint32(attr, node.dev.nlink)
		attr = binary.BigEndian.AppendUint32(attr, node.dev.rdev)
		attr = append(attr, 0, 0, 0, 0)
	default:
		attr = binary.BigEndian.AppendUint32(attr, node.other.nlink)
		attr = append(attr, 0, 0, 0, 0, 0, 0, 0, 0)
	}
	if ctx.SesFlags&SesflagAttrBit != 0 {
		attr = append(attr, node.winattr)
	}
	return attr
}

// maybeSetAtime applies the configured atime policy. Returns true if
// atime was changed.
func (m *Master) maybeSetAtime(node *fsNode, ts uint32) bool {
	update := false
	switch m.conf.AtimeMode {
	case AtimeAlways:
		update = true
	case AtimeFilesOnly:
		update = node.typ != TypeDirectory
	case AtimeRelativeOnly, AtimeFilesAndRelativeOnly:
		if m.conf.AtimeMode == AtimeRelativeOnly || node.typ != TypeDirectory {
			if (node.atime <= node.ctime && node.ctime <= ts) ||
				(node.atime <= node.mtime && node.mtime <= ts) ||
				node.atime+86400 < ts {
				update = true
			}
		}
	case AtimeNever:
	}
	if update && node.atime != ts {
		node.atime = ts
		return true
	}
	return false
}

// clearSugid applies one of the suid/sgid clearing disciplines after a
// chown-like change.
func clearSugid(mode uint16, isdir bool, sugidclearmode uint8) uint16 {
	switch sugidclearmode {
	case SugidClearModeAlways:
		return mode & 0777
	case SugidClearModeOsx, SugidClearModeBsd:
		if !isdir {
			return mode & 0777
		}
	case SugidClearModeExt:
		if !isdir {
			return mode &^ 06000
		}
	case SugidClearModeXfs:
		if !isdir {
			return mode &^ 06000
		}
		return mode &^ 02000
	}
	return mode
}
