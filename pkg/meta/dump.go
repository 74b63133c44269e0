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
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/renameio"
	"github.com/pkg/errors"
)

// Metadata image layout:
//
//	"MFSM 2.0"                          8-byte magic
//	u64 metaversion, u64 metaid
//	per section: 4-byte tag, " M.m" version, u64 payload size, payload
//	"[MFS EOF MARKER]"
//
// A sibling metadata.crc lists the CRC32 of the header and of every
// section payload for offline verification. Tags of collaborator
// subsystems that live outside this engine are written with empty
// payloads so the tag stream stays ABI-stable.

const (
	metaMagic = "MFSM 2.0"
	metaEOF   = "[MFS EOF MARKER]"
)

var sectionOrder = []string{
	"SESS", "SCLA", "PATT", "NODE", "EDGE", "FREE", "QUOT",
	"XATR", "PACL", "OPEN", "FLCK", "PLCK", "CSDB", "CHNK",
}

var sectionVersions = map[string]byte{
	"SESS": 0x10, "SCLA": 0x10, "PATT": 0x10, "NODE": 0x10,
	"EDGE": 0x10, "FREE": 0x10, "QUOT": 0x10, "XATR": 0x10,
	"PACL": 0x10, "OPEN": 0x10, "FLCK": 0x10, "PLCK": 0x10,
	"CSDB": 0x10, "CHNK": 0x10,
}

type sectionCRC struct {
	tag string
	crc uint32
}

// Store serializes the whole engine into buf and returns the per
// section CRCs (HEAD first, TAIL last).
func (m *Master) Store(buf *bytes.Buffer) []sectionCRC {
	var crcs []sectionCRC
	hdr := make([]byte, 0, 24)
	hdr = append(hdr, metaMagic...)
	hdr = binary.BigEndian.AppendUint64(hdr, m.metaversion)
	hdr = binary.BigEndian.AppendUint64(hdr, m.metaid)
	buf.Write(hdr)
	crcs = append(crcs, sectionCRC{"HEAD", crc32.ChecksumIEEE(hdr)})
	for _, tag := range sectionOrder {
		payload := m.storeSection(tag)
		ver := sectionVersions[tag]
		buf.WriteString(tag)
		buf.WriteByte(' ')
		buf.WriteByte('0' + (ver>>4)&0xF)
		buf.WriteByte('.')
		buf.WriteByte('0' + ver&0xF)
		var size [8]byte
		binary.BigEndian.PutUint64(size[:], uint64(len(payload)))
		buf.Write(size[:])
		buf.Write(payload)
		crcs = append(crcs, sectionCRC{tag, crc32.ChecksumIEEE(payload)})
	}
	buf.WriteString(metaEOF)
	crcs = append(crcs, sectionCRC{"TAIL", 0})
	return crcs
}

func (m *Master) storeSection(tag string) []byte {
	switch tag {
	case "NODE":
		return m.storeNodes()
	case "EDGE":
		return m.storeEdges()
	case "FREE":
		return m.storeFree()
	case "QUOT":
		return m.storeQuotas()
	case "XATR":
		return m.storeXattrs()
	case "PACL":
		return m.storeAcls()
	case "OPEN":
		return m.storeOpenFiles()
	case "CHNK":
		var b []byte
		return binary.BigEndian.AppendUint64(b, m.chunks.NextID())
	default:
		return nil
	}
}

func (m *Master) storeNodes() []byte {
	var b []byte
	b = binary.BigEndian.AppendUint32(b, uint32(m.ids.maxnodeid))
	b = binary.BigEndian.AppendUint32(b, m.nodes)
	m.nodetab.each(func(n *fsNode) {
		b = append(b, n.typ)
		b = binary.BigEndian.AppendUint32(b, uint32(n.inode))
		b = binary.BigEndian.AppendUint32(b, n.ctime)
		b = binary.BigEndian.AppendUint32(b, n.mtime)
		b = binary.BigEndian.AppendUint32(b, n.atime)
		b = binary.BigEndian.AppendUint32(b, n.uid)
		b = binary.BigEndian.AppendUint32(b, n.gid)
		b = binary.BigEndian.AppendUint16(b, n.mode)
		b = append(b, n.sclassid, n.eattr, n.winattr)
		b = binary.BigEndian.AppendUint16(b, n.trashtime)
		var flags uint8
		if n.xattrflag {
			flags |= 1
		}
		if n.aclpermflag {
			flags |= 2
		}
		if n.acldefflag {
			flags |= 4
		}
		b = append(b, flags)
		switch {
		case n.isFileKind():
			b = binary.BigEndian.AppendUint64(b, n.file.length)
			b = binary.BigEndian.AppendUint32(b, uint32(len(n.file.chunktab)))
			for _, chunkid := range n.file.chunktab {
				b = binary.BigEndian.AppendUint64(b, chunkid)
			}
		case n.typ == TypeSymlink:
			b = binary.BigEndian.AppendUint32(b, uint32(len(n.sym.path)))
			b = append(b, n.sym.path...)
		case n.typ == TypeBlockDev || n.typ == TypeCharDev:
			b = binary.BigEndian.AppendUint32(b, n.dev.rdev)
		}
	})
	return b
}

func (m *Master) storeEdges() []byte {
	var b []byte
	var cnt uint32
	countEdges := func(e *fsEdge) {
		for ; e != nil; e = e.nextChild {
			cnt++
		}
	}
	var walkCount func(n *fsNode)
	walkCount = func(n *fsNode) {
		countEdges(n.dir.children)
		for e := n.dir.children; e != nil; e = e.nextChild {
			if e.child.typ == TypeDirectory {
				walkCount(e.child)
			}
		}
	}
	if m.root != nil {
		walkCount(m.root)
	}
	for _, buckets := range [][]*fsEdge{m.trash, m.sustained} {
		for _, e := range buckets {
			countEdges(e)
		}
	}
	b = binary.BigEndian.AppendUint32(b, cnt)
	b = binary.BigEndian.AppendUint64(b, m.nextedgeid)
	emit := func(e *fsEdge) {
		var parent uint32
		if e.parent != nil {
			parent = uint32(e.parent.inode)
		}
		b = binary.BigEndian.AppendUint32(b, parent)
		b = binary.BigEndian.AppendUint32(b, uint32(e.child.inode))
		b = binary.BigEndian.AppendUint64(b, e.edgeid)
		b = binary.BigEndian.AppendUint16(b, uint16(len(e.name)))
		b = append(b, e.name...)
	}
	// lists are rebuilt by prepending at load, so emit them tail
	// first to keep dump -> load -> dump byte identical
	emitReversed := func(head *fsEdge) {
		var list []*fsEdge
		for e := head; e != nil; e = e.nextChild {
			list = append(list, e)
		}
		for i := len(list) - 1; i >= 0; i-- {
			emit(list[i])
		}
	}
	var walk func(n *fsNode)
	walk = func(n *fsNode) {
		emitReversed(n.dir.children)
		for e := n.dir.children; e != nil; e = e.nextChild {
			if e.child.typ == TypeDirectory {
				walk(e.child)
			}
		}
	}
	if m.root != nil {
		walk(m.root)
	}
	for _, buckets := range [][]*fsEdge{m.trash, m.sustained} {
		for _, e := range buckets {
			emitReversed(e)
		}
	}
	return b
}

func (m *Master) storeFree() []byte {
	var b []byte
	b = binary.BigEndian.AppendUint32(b, m.ids.queueLen())
	m.ids.queued(func(inode Ino, ftime uint32) {
		b = binary.BigEndian.AppendUint32(b, uint32(inode))
		b = binary.BigEndian.AppendUint32(b, ftime)
	})
	return b
}

func (m *Master) storeQuotas() []byte {
	var b []byte
	var list []*quotaNode
	for qn := m.quotahead; qn != nil; qn = qn.next {
		list = append(list, qn)
	}
	b = binary.BigEndian.AppendUint32(b, uint32(len(list)))
	// tail first; the loader prepends (see storeEdges)
	for i := len(list) - 1; i >= 0; i-- {
		qn := list[i]
		b = binary.BigEndian.AppendUint32(b, uint32(qn.node.inode))
		b = binary.BigEndian.AppendUint32(b, qn.graceperiod)
		b = append(b, b2u(qn.exceeded), qn.flags)
		b = binary.BigEndian.AppendUint32(b, qn.stimestamp)
		b = binary.BigEndian.AppendUint32(b, qn.sinodes)
		b = binary.BigEndian.AppendUint32(b, qn.hinodes)
		b = binary.BigEndian.AppendUint64(b, qn.slength)
		b = binary.BigEndian.AppendUint64(b, qn.hlength)
		b = binary.BigEndian.AppendUint64(b, qn.ssize)
		b = binary.BigEndian.AppendUint64(b, qn.hsize)
		b = binary.BigEndian.AppendUint64(b, qn.srealsize)
		b = binary.BigEndian.AppendUint64(b, qn.hrealsize)
	}
	return b
}

func (m *Master) storeXattrs() []byte {
	var b []byte
	var cnt uint32
	for _, tab := range m.xattrs {
		cnt += uint32(len(tab))
	}
	b = binary.BigEndian.AppendUint32(b, cnt)
	m.nodetab.each(func(n *fsNode) {
		tab := m.xattrs[n.inode]
		if len(tab) == 0 {
			return
		}
		for _, name := range sortedKeys(tab) {
			v := tab[name]
			b = binary.BigEndian.AppendUint32(b, uint32(n.inode))
			b = append(b, uint8(len(name)))
			b = append(b, name...)
			b = binary.BigEndian.AppendUint32(b, uint32(len(v)))
			b = append(b, v...)
		}
	})
	return b
}

func (m *Master) storeAcls() []byte {
	var b []byte
	var cnt uint32
	records := func(fn func(inode Ino, acltype uint8, rec *aclRecord)) {
		m.nodetab.each(func(n *fsNode) {
			an := m.acls[n.inode]
			if an == nil {
				return
			}
			if an.access != nil {
				fn(n.inode, aclAccess, an.access)
			}
			if an.defaults != nil {
				fn(n.inode, aclDefault, an.defaults)
			}
		})
	}
	records(func(Ino, uint8, *aclRecord) { cnt++ })
	b = binary.BigEndian.AppendUint32(b, cnt)
	records(func(inode Ino, acltype uint8, rec *aclRecord) {
		b = binary.BigEndian.AppendUint32(b, uint32(inode))
		b = append(b, acltype)
		b = binary.BigEndian.AppendUint16(b, rec.userPerm)
		b = binary.BigEndian.AppendUint16(b, rec.groupPerm)
		b = binary.BigEndian.AppendUint16(b, rec.otherPerm)
		b = binary.BigEndian.AppendUint16(b, rec.mask)
		b = binary.BigEndian.AppendUint16(b, uint16(len(rec.namedUsers)))
		b = binary.BigEndian.AppendUint16(b, uint16(len(rec.namedGroups)))
		for _, e := range rec.namedUsers {
			b = binary.BigEndian.AppendUint32(b, e.id)
			b = binary.BigEndian.AppendUint16(b, e.perm)
		}
		for _, e := range rec.namedGroups {
			b = binary.BigEndian.AppendUint32(b, e.id)
			b = binary.BigEndian.AppendUint16(b, e.perm)
		}
	})
	return b
}

func (m *Master) storeOpenFiles() []byte {
	var b []byte
	b = binary.BigEndian.AppendUint32(b, uint32(len(m.openFiles)))
	m.nodetab.each(func(n *fsNode) {
		if c, ok := m.openFiles[n.inode]; ok {
			b = binary.BigEndian.AppendUint32(b, uint32(n.inode))
			b = binary.BigEndian.AppendUint32(b, c)
		}
	})
	return b
}

func sortedKeys(tab map[string][]byte) []string {
	keys := make([]string, 0, len(tab))
	for k := range tab {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// StoreResult mirrors the dump child's exit codes.
type StoreResult int

const (
	StoreOK        StoreResult = 0 // stored in place
	StoreEmergency StoreResult = 1 // stored in a fallback location only
	StoreNothing   StoreResult = 2 // nothing could be stored
)

// StoreAll serializes the engine and writes the image, rotates old
// backups, writes the CRC sidecar, and shifts the changelog. The
// serialization runs under the reactor; only the file writes touch
// the disk. Returns the equivalent of the dump child's exit code.
func (m *Master) StoreAll() StoreResult {
	var buf bytes.Buffer
	crcs := m.Store(&buf)
	dir := m.conf.DataDir
	tmp := filepath.Join(dir, "metadata.mfs.back.tmp")
	back := filepath.Join(dir, "metadata.mfs.back")
	if err := writeFileSync(tmp, buf.Bytes()); err != nil {
		logger.Errorf("can't write metadata image: %s", err)
		if m.emergencySave(buf.Bytes()) {
			return StoreEmergency
		}
		return StoreNothing
	}
	// rotate previous backups: back -> back.1 -> ... -> back.N
	keep := int(m.conf.BackMetaKeepPrevious)
	_ = os.Remove(fmt.Sprintf("%s.%d", back, keep))
	for i := keep - 1; i >= 1; i-- {
		_ = os.Rename(fmt.Sprintf("%s.%d", back, i), fmt.Sprintf("%s.%d", back, i+1))
	}
	if keep >= 1 {
		_ = os.Rename(back, back+".1")
	}
	if err := os.Rename(tmp, back); err != nil {
		logger.Errorf("can't rename metadata image: %s", err)
		if m.emergencySave(buf.Bytes()) {
			return StoreEmergency
		}
		return StoreNothing
	}
	var crcbuf bytes.Buffer
	for _, c := range crcs {
		crcbuf.WriteString(c.tag)
		var v [4]byte
		binary.BigEndian.PutUint32(v[:], c.crc)
		crcbuf.Write(v[:])
	}
	if err := renameio.WriteFile(filepath.Join(dir, "metadata.crc"), crcbuf.Bytes(), 0666); err != nil {
		logger.Warnf("can't write metadata crc file: %s", err)
	}
	m.changelog.Rotate(m.conf.BackMetaKeepPrevious)
	logger.Infof("metadata stored: version %d, %d bytes", m.metaversion, buf.Len())
	return StoreOK
}

func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return err
	}
	if _, err = f.Write(data); err == nil {
		err = f.Sync()
	}
	if e := f.Close(); err == nil {
		err = e
	}
	return errors.Wrap(err, "write metadata")
}

// emergencyPaths lists fallback locations tried when the data
// directory is not writable.
func emergencyPaths() []string {
	paths := []string{"."}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, home)
	}
	paths = append(paths, "/tmp", "/var/tmp", "/var")
	return paths
}

func (m *Master) emergencySave(data []byte) bool {
	name := fmt.Sprintf("metadata.mfs.emergency.%d", m.metaversion)
	for _, dir := range emergencyPaths() {
		path := filepath.Join(dir, name)
		if err := writeFileSync(path, data); err == nil {
			logger.Warnf("metadata stored in emergency location: %s", path)
			return true
		}
	}
	logger.Errorf("could not store metadata in any emergency location")
	return false
}
