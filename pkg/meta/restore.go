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
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Changelog replay. Every line re-executes through the same internal
// operation as the live master and must reproduce the recorded
// results; a divergence is EMISMATCH and aborts the restore unless
// the operator ignores errors.

type restoreLine struct {
	ts      uint32
	op      string
	args    []string
	results []string
}

func parseRestoreLine(payload string) (*restoreLine, error) {
	bar := strings.IndexByte(payload, '|')
	if bar < 0 {
		return nil, errors.New("missing timestamp separator")
	}
	ts64, err := strconv.ParseUint(payload[:bar], 10, 32)
	if err != nil {
		return nil, errors.Wrap(err, "bad timestamp")
	}
	rest := payload[bar+1:]
	open := strings.IndexByte(rest, '(')
	if open < 0 {
		return nil, errors.New("missing opening paren")
	}
	cls := strings.LastIndexByte(rest, ')')
	if cls < open {
		return nil, errors.New("missing closing paren")
	}
	l := &restoreLine{ts: uint32(ts64), op: rest[:open]}
	if args := rest[open+1 : cls]; args != "" {
		l.args = strings.Split(args, ",")
	}
	if tail := rest[cls+1:]; strings.HasPrefix(tail, ":") {
		l.results = strings.Split(tail[1:], ",")
	}
	return l, nil
}

func (l *restoreLine) argU64(i int) uint64 {
	if i >= len(l.args) {
		return 0
	}
	v, _ := strconv.ParseUint(l.args[i], 10, 64)
	return v
}

func (l *restoreLine) argU32(i int) uint32 { return uint32(l.argU64(i)) }
func (l *restoreLine) argU16(i int) uint16 { return uint16(l.argU64(i)) }
func (l *restoreLine) argU8(i int) uint8   { return uint8(l.argU64(i)) }
func (l *restoreLine) argIno(i int) Ino    { return Ino(l.argU64(i)) }

func (l *restoreLine) argName(i int) []byte {
	if i >= len(l.args) {
		return nil
	}
	name, err := unescapeName(l.args[i])
	if err != nil {
		return nil
	}
	return name
}

func (l *restoreLine) resU64(i int) uint64 {
	if i >= len(l.results) {
		return 0
	}
	v, _ := strconv.ParseUint(l.results[i], 10, 64)
	return v
}

func (l *restoreLine) resU32(i int) uint32 { return uint32(l.resU64(i)) }

var restoreCtx = Context{RootIno: RootIno, GIDs: []uint32{0}, SesFlags: SesflagMetaRestore}

func replayCtx(uid, gid uint32) Context {
	return Context{RootIno: RootIno, UID: uid, GIDs: []uint32{gid}, AUID: uid, AGID: gid, SesFlags: SesflagMetaRestore}
}

// RestoreLine applies one changelog payload ("ts|OP(...):res"). The
// caller has already checked the version sequencing; on success the
// meta version advances by one.
func (m *Master) RestoreLine(payload string) Status {
	l, err := parseRestoreLine(payload)
	if err != nil {
		logger.Errorf("changelog: malformed line %q: %s", payload, err)
		return EINVAL
	}
	var st Status
	switch l.op {
	case "ACCESS":
		st = m.mrAccess(l)
	case "AMTIME":
		st = m.mrAmtime(l)
	case "APPEND":
		st = m.mrAppend(l)
	case "ATTR":
		st = m.mrAttr(l)
	case "CREATE":
		st = m.mrCreate(l)
	case "EMPTYSUSTAINED":
		st = m.mrEmptySustained(l)
	case "EMPTYTRASH":
		st = m.mrEmptyTrash(l)
	case "FREEINODES":
		st = m.mrFreeInodes(l)
	case "LENGTH":
		st = m.mrLength(l)
	case "LINK":
		st = m.mrLink(l)
	case "MOVE":
		st = m.mrMove(l)
	case "PURGE":
		st = m.mrPurge(l)
	case "QUOTA":
		st = m.mrQuota(l)
	case "REPAIR":
		st = m.mrRepair(l)
	case "ROLLBACK":
		st = m.mrRollback(l)
	case "SETACL":
		st = m.mrSetACL(l)
	case "SETEATTR":
		st = m.mrSetEattr(l)
	case "SETPATH":
		st = m.mrSetPath(l)
	case "SETSCLASS":
		st = m.mrSetSClass(l)
	case "SETTRASHTIME":
		st = m.mrSetTrashtime(l)
	case "SETXATTR":
		st = m.mrSetXattr(l)
	case "SNAPSHOT":
		st = m.mrSnapshot(l)
	case "SYMLINK":
		st = m.mrSymlink(l)
	case "UNDEL":
		st = m.mrUndel(l)
	case "UNLINK":
		st = m.mrUnlink(l)
	case "WRITE":
		st = m.mrWrite(l)
	default:
		logger.Errorf("changelog: unknown operation %q", l.op)
		return EINVAL
	}
	if st == OK {
		m.metaVersionInc()
	}
	return st
}

func (m *Master) mrAccess(l *restoreLine) Status {
	p := m.nodetab.find(l.argIno(0))
	if p == nil {
		return ENOENT
	}
	p.atime = l.ts
	return OK
}

func (m *Master) mrAmtime(l *restoreLine) Status {
	p := m.nodetab.find(l.argIno(0))
	if p == nil {
		return ENOENT
	}
	p.atime = l.argU32(1)
	p.mtime = l.argU32(2)
	p.ctime = l.argU32(3)
	return OK
}

func (m *Master) mrAppend(l *restoreLine) Status {
	_, st := m.univAppendSlice(l.ts, restoreCtx, l.argIno(0), l.argIno(1), l.argU32(2), l.argU32(3))
	return st
}

func (m *Master) mrAttr(l *restoreLine) Status {
	p := m.nodetab.find(l.argIno(0))
	if p == nil {
		return ENOENT
	}
	p.mode = l.argU16(1) & 07777
	p.uid = l.argU32(2)
	p.gid = l.argU32(3)
	p.atime = l.argU32(4)
	p.mtime = l.argU32(5)
	p.winattr = l.argU8(6)
	p.ctime = l.ts
	return OK
}

func (m *Master) mrCreate(l *restoreLine) Status {
	ctx := replayCtx(l.argU32(5), l.argU32(6))
	p, st := m.univCreate(l.ts, ctx, l.argIno(0), l.argName(1), l.argU8(2), l.argU16(3), l.argU16(4), l.argU32(7), false)
	if st != OK {
		return st
	}
	if p.inode != Ino(l.resU32(0)) {
		logger.Warnf("CREATE data mismatch: my:%d != expected:%d", p.inode, l.resU32(0))
		return EMISMATCH
	}
	return OK
}

func (m *Master) mrEmptySustained(l *restoreLine) Status {
	bid := l.argU32(0)
	if bid >= SustainedBuckets {
		return EINVAL
	}
	fi, chksum := m.emptySustainedBucket(l.ts, bid)
	if fi != l.resU32(0) || (l.resU32(1) != 0 && chksum != l.resU32(1)) {
		logger.Warnf("EMPTYSUSTAINED data mismatch: my:(%d,%d) != expected:(%d,%d)", fi, chksum, l.resU32(0), l.resU32(1))
		return EMISMATCH
	}
	return OK
}

func (m *Master) mrEmptyTrash(l *restoreLine) Status {
	bid := l.argU32(0)
	if bid >= TrashBuckets {
		return EINVAL
	}
	fi, si, chksum := m.emptyTrashBucket(l.ts, bid)
	if fi != l.resU32(0) || si != l.resU32(1) || (l.resU32(2) != 0 && chksum != l.resU32(2)) {
		logger.Warnf("EMPTYTRASH data mismatch: my:(%d,%d,%d) != expected:(%d,%d,%d)",
			fi, si, chksum, l.resU32(0), l.resU32(1), l.resU32(2))
		return EMISMATCH
	}
	return OK
}

func (m *Master) mrFreeInodes(l *restoreLine) Status {
	fi, si, chksum := m.ids.reap(l.ts, m.isFileOpen, l.resU32(1) > 0)
	if fi != l.resU32(0) || si != l.resU32(1) || (l.resU32(2) != 0 && chksum != l.resU32(2)) {
		logger.Warnf("FREEINODES data mismatch: my:(%d,%d,%d) != expected:(%d,%d,%d)",
			fi, si, chksum, l.resU32(0), l.resU32(1), l.resU32(2))
		return EMISMATCH
	}
	return OK
}

func (m *Master) mrLength(l *restoreLine) Status {
	p := m.nodetab.find(l.argIno(0))
	if p == nil {
		return ENOENT
	}
	if !p.isFileKind() {
		return EINVAL
	}
	m.setLength(p, l.argU64(1))
	if l.argU8(2) != 0 {
		p.mtime, p.ctime = l.ts, l.ts
	}
	return OK
}

func (m *Master) mrLink(l *restoreLine) Status {
	_, st := m.univLink(l.ts, restoreCtx, l.argIno(0), l.argIno(1), l.argName(2))
	return st
}

func (m *Master) mrMove(l *restoreLine) Status {
	inode, st := m.univMove(l.ts, restoreCtx, l.argIno(0), l.argName(1), l.argIno(2), l.argName(3))
	if st != OK {
		return st
	}
	if inode != Ino(l.resU32(0)) {
		logger.Warnf("MOVE data mismatch: my:%d != expected:%d", inode, l.resU32(0))
		return EMISMATCH
	}
	return OK
}

func (m *Master) mrPurge(l *restoreLine) Status {
	p := m.nodetab.find(l.argIno(0))
	if p == nil || (p.typ != TypeTrash && p.typ != TypeSustained) {
		return ENOENT
	}
	if m.purgeNode(l.ts, p) < 0 {
		return EPERM
	}
	return OK
}

func (m *Master) mrQuota(l *restoreLine) Status {
	p := m.nodetab.find(l.argIno(0))
	if p == nil {
		return ENOENT
	}
	if p.typ != TypeDirectory {
		return EPERM
	}
	flags := l.argU8(2)
	if flags == 0 {
		m.deleteQuotaNode(p)
		return OK
	}
	qn := p.dir.quota
	if qn == nil {
		qn = m.newQuotaNode(p)
	}
	qn.exceeded = l.argU8(1) != 0
	qn.flags = flags
	qn.stimestamp = l.argU32(3)
	qn.sinodes = l.argU32(4)
	qn.hinodes = l.argU32(5)
	qn.slength = l.argU64(6)
	qn.hlength = l.argU64(7)
	qn.ssize = l.argU64(8)
	qn.hsize = l.argU64(9)
	qn.srealsize = l.argU64(10)
	qn.hrealsize = l.argU64(11)
	qn.graceperiod = l.argU32(12)
	return OK
}

func (m *Master) mrRepair(l *restoreLine) Status {
	p := m.nodetab.find(l.argIno(0))
	if p == nil {
		return ENOENT
	}
	if !p.isFileKind() {
		return EPERM
	}
	indx := l.argU32(1)
	if indx >= uint32(len(p.file.chunktab)) {
		return ENOCHUNK
	}
	p.file.chunktab[indx] = 0
	p.mtime, p.ctime = l.ts, l.ts
	return OK
}

func (m *Master) mrRollback(l *restoreLine) Status {
	p := m.nodetab.find(l.argIno(0))
	if p == nil {
		return ENOENT
	}
	if !p.isFileKind() {
		return EPERM
	}
	return m.rollbackChunk(p, l.argU32(1), l.argU64(2), l.argU64(3))
}

func (m *Master) mrSetACL(l *restoreLine) Status {
	if len(l.args) < 9 {
		return EINVAL
	}
	p := m.nodetab.find(l.argIno(0))
	if p == nil {
		return ENOENT
	}
	acltype := l.argU8(2)
	rec := &aclRecord{
		userPerm:  l.argU16(3),
		groupPerm: l.argU16(4),
		otherPerm: l.argU16(5),
		mask:      l.argU16(6),
	}
	var err error
	if rec.namedUsers, err = aclEntriesDecode(l.args[7]); err != nil {
		return EINVAL
	}
	if rec.namedGroups, err = aclEntriesDecode(l.args[8]); err != nil {
		return EINVAL
	}
	m.aclSet(p.inode, acltype, rec)
	p.mode = l.argU16(1)
	if acltype == aclAccess {
		p.aclpermflag = true
	} else {
		p.acldefflag = true
	}
	p.ctime = l.ts
	return OK
}

func (m *Master) mrSetEattr(l *restoreLine) Status {
	p := m.nodetab.find(l.argIno(0))
	if p == nil {
		return ENOENT
	}
	var c setRecursiveCounters
	m.keepAliveBegin()
	m.setEattrRecursive(p, l.ts, l.argU32(1), l.argU8(2), l.argU8(3), &c)
	if c.sinodes != l.resU32(0) || c.ncinodes != l.resU32(1) || c.nsinodes != l.resU32(2) {
		logger.Warnf("SETEATTR data mismatch")
		return EMISMATCH
	}
	return OK
}

func (m *Master) mrSetPath(l *restoreLine) Status {
	p := m.nodetab.find(l.argIno(0))
	if p == nil || p.typ != TypeTrash {
		return ENOENT
	}
	return m.setTrashPath(p, l.argName(1))
}

func (m *Master) mrSetSClass(l *restoreLine) Status {
	p := m.nodetab.find(l.argIno(0))
	if p == nil {
		return ENOENT
	}
	var c setRecursiveCounters
	m.keepAliveBegin()
	m.setSClassRecursive(p, l.ts, l.argU32(1), l.argU8(2), l.argU8(3), l.argU8(4), false, &c)
	if c.sinodes != l.resU32(0) || c.ncinodes != l.resU32(1) || c.nsinodes != l.resU32(2) {
		logger.Warnf("SETSCLASS data mismatch")
		return EMISMATCH
	}
	return OK
}

func (m *Master) mrSetTrashtime(l *restoreLine) Status {
	p := m.nodetab.find(l.argIno(0))
	if p == nil {
		return ENOENT
	}
	var c setRecursiveCounters
	m.keepAliveBegin()
	m.setTrashtimeRecursive(p, l.ts, l.argU32(1), l.argU16(2), l.argU8(3), &c)
	if c.sinodes != l.resU32(0) || c.ncinodes != l.resU32(1) || c.nsinodes != l.resU32(2) {
		logger.Warnf("SETTRASHTIME data mismatch")
		return EMISMATCH
	}
	return OK
}

func (m *Master) mrSetXattr(l *restoreLine) Status {
	p := m.nodetab.find(l.argIno(0))
	if p == nil {
		return ENOENT
	}
	name := l.argName(1)
	value := l.argName(2)
	if st := m.xattrSet(p.inode, string(name), value, l.argU8(3)); st != OK {
		return st
	}
	p.ctime = l.ts
	return OK
}

func (m *Master) mrSnapshot(l *restoreLine) Status {
	ctx := replayCtx(l.argU32(5), l.argU32(6))
	ctx.SesFlags = l.argU8(4) | SesflagMetaRestore
	args, st := m.univSnapshot(l.ts, ctx, l.argIno(0), l.argIno(1), l.argName(2), l.argU8(3), l.argU16(7))
	if st != OK {
		return st
	}
	if args.inodeChksum != l.resU32(0) || args.removedObject != l.resU32(1) ||
		args.sameFile != l.resU32(2) || args.existingObject != l.resU32(3) ||
		args.newHardlink != l.resU32(4) || args.newObject != l.resU32(5) {
		logger.Warnf("SNAPSHOT data mismatch")
		return EMISMATCH
	}
	return OK
}

func (m *Master) mrSymlink(l *restoreLine) Status {
	ctx := replayCtx(l.argU32(3), l.argU32(4))
	p, st := m.univSymlink(l.ts, ctx, l.argIno(0), l.argName(1), l.argName(2))
	if st != OK {
		return st
	}
	if p.inode != Ino(l.resU32(0)) {
		logger.Warnf("SYMLINK data mismatch: my:%d != expected:%d", p.inode, l.resU32(0))
		return EMISMATCH
	}
	return OK
}

func (m *Master) mrUndel(l *restoreLine) Status {
	p := m.nodetab.find(l.argIno(0))
	if p == nil || p.typ != TypeTrash {
		return ENOENT
	}
	return m.undelNode(l.ts, p)
}

func (m *Master) mrUnlink(l *restoreLine) Status {
	wd := m.nodetab.find(l.argIno(0))
	if wd == nil || wd.typ != TypeDirectory {
		return ENOENT
	}
	e := m.lookupEdge(wd, l.argName(1))
	if e == nil {
		return ENOENT
	}
	rmdir := e.child.typ == TypeDirectory
	inode, st := m.univUnlink(l.ts, restoreCtx, l.argIno(0), l.argName(1), rmdir)
	if st != OK {
		return st
	}
	if inode != Ino(l.resU32(0)) {
		logger.Warnf("UNLINK data mismatch: my:%d != expected:%d", inode, l.resU32(0))
		return EMISMATCH
	}
	return OK
}

func (m *Master) mrWrite(l *restoreLine) Status {
	p := m.nodetab.find(l.argIno(0))
	if p == nil {
		return ENOENT
	}
	if !p.isFileKind() {
		return EPERM
	}
	expected := l.resU64(0)
	m.chunks.SetNextID(expected)
	var psr, nsr statsRecord
	m.getStats(p, &psr, 0)
	_, ncid, st := m.writeChunk(p, l.argU32(1))
	if st != OK {
		return st
	}
	m.getStats(p, &nsr, 1)
	for e := p.parents; e != nil; e = e.nextParent {
		m.addSubStats(e.parent, &nsr, &psr)
	}
	p.mtime, p.ctime = l.ts, l.ts
	if ncid != expected {
		logger.Warnf("WRITE data mismatch: my:%d != expected:%d", ncid, expected)
		return EMISMATCH
	}
	return OK
}

func aclEntriesDecode(s string) ([]aclEntry, error) {
	if s == "-" || s == "" {
		return nil, nil
	}
	parts := strings.Split(s, "-")
	out := make([]aclEntry, 0, len(parts))
	for _, part := range parts {
		dot := strings.IndexByte(part, '.')
		if dot < 0 {
			return nil, errors.New("bad acl entry")
		}
		id, err := strconv.ParseUint(part[:dot], 10, 32)
		if err != nil {
			return nil, err
		}
		perm, err := strconv.ParseUint(part[dot+1:], 10, 16)
		if err != nil {
			return nil, err
		}
		out = append(out, aclEntry{id: uint32(id), perm: uint16(perm)})
	}
	return out, nil
}
