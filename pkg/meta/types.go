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
	"github.com/marefs/marefs/pkg/utils"
)

var logger = utils.GetLogger("marefs")

// Ino is an inode number. 0 is reserved, 1 is the filesystem root.
type Ino uint32

// RootIno is the inode of the filesystem root directory.
const RootIno Ino = 1

const (
	// ChunkBits is log2 of the chunk size.
	ChunkBits = 26
	// ChunkSize is the size of one data chunk (64 MiB).
	ChunkSize = 1 << ChunkBits
	// ChunkMask masks an offset within a chunk.
	ChunkMask = ChunkSize - 1
	// BlockSize is the allocation granularity inside a chunk.
	BlockSize = 1 << 16
	// HdrSize is the per-chunk header overhead counted into `size`.
	HdrSize = 5 << 10
	// MaxIndex is the highest usable chunk index inside a single file.
	MaxIndex = 0x7FFFFFFF
)

const (
	TypeFile      = 1 // regular file
	TypeDirectory = 2 // directory
	TypeSymlink   = 3 // symbolic link
	TypeFIFO      = 4 // named pipe
	TypeBlockDev  = 5 // block device
	TypeCharDev   = 6 // character device
	TypeSocket    = 7 // unix socket
	TypeTrash     = 8 // detached file waiting out its trash time
	TypeSustained = 9 // detached file kept alive by open handles
)

func typeToString(typ uint8) string {
	switch typ {
	case TypeFile:
		return "regular"
	case TypeDirectory:
		return "directory"
	case TypeSymlink:
		return "symlink"
	case TypeFIFO:
		return "fifo"
	case TypeBlockDev:
		return "blockdev"
	case TypeCharDev:
		return "chardev"
	case TypeSocket:
		return "socket"
	case TypeTrash:
		return "trash"
	case TypeSustained:
		return "sustained"
	default:
		return "unknown"
	}
}

// Extra attribute flags stored per inode.
const (
	EattrNoOwner     = 0x01 // everybody is treated as the owner
	EattrNoACache    = 0x02 // clients must not cache attributes
	EattrNoECache    = 0x04 // clients must not cache directory entries
	EattrNoDataCache = 0x08 // clients must not cache file data
	EattrSnapshot    = 0x10 // node was created by a snapshot
)

// Wire attribute record flags.
const (
	MattrNoECache       = 0x01
	MattrNoACache       = 0x02
	MattrAllowDataCache = 0x04
	MattrDirectMode     = 0x08
	MattrNoXattr        = 0x10
)

// Session flags.
const (
	SesflagReadOnly    = 0x01 // reject all mutations
	SesflagAdmin       = 0x02 // bypass ownership restrictions
	SesflagMapAll      = 0x04 // map reported uid/gid back to the caller's
	SesflagIgnoreGid   = 0x08 // group permission checks use group|other
	SesflagAttrBit     = 0x10 // new wire attribute layout
	SesflagMetaRestore = 0x80 // changelog replay; no changelog emission
)

// Access mode bits as used by accessmode / access checks.
const (
	ModeMaskR = 4
	ModeMaskW = 2
	ModeMaskX = 1
)

// Atime maintenance policy.
const (
	AtimeAlways = iota
	AtimeRelativeOnly
	AtimeFilesOnly
	AtimeFilesAndRelativeOnly
	AtimeNever
)

// Snapshot operation mode bits.
const (
	SnapshotModeCanOverwrite      = 0x01
	SnapshotModeCPLikeAttr        = 0x02
	SnapshotModeDelete            = 0x04
	SnapshotModePreserveHardlinks = 0x08
)

// Setattr mask bits.
const (
	SetMaskMode = 1 << iota
	SetMaskUID
	SetMaskGID
	SetMaskAtime
	SetMaskMtime
	SetMaskWinattr
	SetMaskAtimeNow
	SetMaskMtimeNow
)

// sugid clear modes for setattr and ownership changes.
const (
	SugidClearModeNever = iota
	SugidClearModeAlways
	SugidClearModeOsx
	SugidClearModeBsd
	SugidClearModeExt
	SugidClearModeXfs
)

const (
	// MaxNameLen bounds a single path component.
	MaxNameLen = 255
	// MaxPathLen bounds a stored trash path.
	MaxPathLen = 1024
	// MaxSymlinkLen bounds a symlink target.
	MaxSymlinkLen = 4096

	// TrashBuckets spreads detached trash edges to bound scan pauses.
	TrashBuckets = 4096
	// SustainedBuckets does the same for sustained edges.
	SustainedBuckets = 256

	// DefaultSClass is the storage class of the root at first start.
	DefaultSClass = 2
	// DefaultTrashTime (hours) applies to freshly created files.
	DefaultTrashTime = 24

	// EdgeIDMax is the first edge id handed out; ids decrease from here.
	EdgeIDMax = uint64(0x7FFFFFFFFFFFFFFF)

	// InodeReuseDelay is how long a freed inode number stays quarantined.
	InodeReuseDelay = 86400
)

// AttrSize is the basic wire attribute record length;
// AttrRecordSize adds the trailing windows-attribute byte.
const (
	AttrSize       = 35
	AttrRecordSize = 36
)

// statsRecord aggregates a directory subtree bottom-up.
type statsRecord struct {
	inodes   uint32
	dirs     uint32
	files    uint32
	chunks   uint32
	length   uint64
	size     uint64
	realsize uint64
}

func (sr *statsRecord) add(o *statsRecord) {
	sr.inodes += o.inodes
	sr.dirs += o.dirs
	sr.files += o.files
	sr.chunks += o.chunks
	sr.length += o.length
	sr.size += o.size
	sr.realsize += o.realsize
}

func (sr *statsRecord) sub(o *statsRecord) {
	sr.inodes -= o.inodes
	sr.dirs -= o.dirs
	sr.files -= o.files
	sr.chunks -= o.chunks
	sr.length -= o.length
	sr.size -= o.size
	sr.realsize -= o.realsize
}

// fsEdge is a named directed link from a parent directory to a child
// node. Detached trash/sustained entries are edges with a nil parent
// whose name holds the original path.
type fsEdge struct {
	child, parent         *fsNode
	nextChild, nextParent *fsEdge
	prevChild, prevParent **fsEdge
	next                  *fsEdge // hash chain
	edgeid                uint64
	hashval               uint32
	name                  []byte
}

type dirData struct {
	children *fsEdge
	nlink    uint32 // 2 + number of subdirectories
	elements uint32
	stats    statsRecord
	quota    *quotaNode
}

type fileData struct {
	length        uint64
	chunktab      []uint64 // 0 means hole
	nlink         uint32   // 0 while the node is trash/sustained
	realsizeRatio uint8    // cached storage-class keep-max goal
}

type symlinkData struct {
	path  []byte
	nlink uint32
}

type devData struct {
	rdev  uint32
	nlink uint32
}

type otherData struct {
	nlink uint32
}

// fsNode is a filesystem object. Exactly one of the payload pointers
// is non-nil, matching typ.
type fsNode struct {
	inode                Ino
	ctime, mtime, atime  uint32
	uid, gid             uint32
	typ                  uint8
	mode                 uint16 // low 12 bits
	sclassid             uint8
	eattr                uint8
	winattr              uint8
	trashtime            uint16
	xattrflag            bool
	aclpermflag          bool
	acldefflag           bool
	parents              *fsEdge
	next                 *fsNode // hash chain
	dir                  *dirData
	file                 *fileData
	sym                  *symlinkData
	dev                  *devData
	other                *otherData
}

func (n *fsNode) isFileKind() bool {
	return n.typ == TypeFile || n.typ == TypeTrash || n.typ == TypeSustained
}

func (n *fsNode) nlink() uint32 {
	switch {
	case n.dir != nil:
		return n.dir.nlink
	case n.file != nil:
		return n.file.nlink
	case n.sym != nil:
		return n.sym.nlink
	case n.dev != nil:
		return n.dev.nlink
	default:
		return n.other.nlink
	}
}

func (n *fsNode) addNlink(d int32) {
	switch {
	case n.dir != nil:
		n.dir.nlink = uint32(int32(n.dir.nlink) + d)
	case n.file != nil:
		n.file.nlink = uint32(int32(n.file.nlink) + d)
	case n.sym != nil:
		n.sym.nlink = uint32(int32(n.sym.nlink) + d)
	case n.dev != nil:
		n.dev.nlink = uint32(int32(n.dev.nlink) + d)
	default:
		n.other.nlink = uint32(int32(n.other.nlink) + d)
	}
}

// Entry is one readdir result.
type Entry struct {
	Inode  Ino
	Name   []byte
	EdgeID uint64
	Attr   []byte
}

// QuotaInfo is the operator-visible state of one quota node.
type QuotaInfo struct {
	Inode       Ino
	GracePeriod uint32
	Exceeded    bool
	Flags       uint8
	STimestamp  uint32
	SInodes     uint32
	HInodes     uint32
	SLength     uint64
	HLength     uint64
	SSize       uint64
	HSize       uint64
	SRealsize   uint64
	HRealsize   uint64
}

// FSInfo is the master's summary report.
type FSInfo struct {
	TotalSpace     uint64
	AvailSpace     uint64
	TrashSpace     uint64
	TrashNodes     uint32
	SustainedSpace uint64
	SustainedNodes uint32
	Inodes         uint32
	DirNodes       uint32
	FileNodes      uint32
}
