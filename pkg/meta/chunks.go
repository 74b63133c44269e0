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

// Per-file chunk id arrays and the operations that resize them. All
// reference bookkeeping is delegated to the chunk store; a missing
// chunk there is logged as a structure error but never aborts the
// namespace operation.

func (m *Master) chunkDelete(node *fsNode, chunkid uint64, indx int) {
	if chunkid == 0 {
		return
	}
	if !m.chunks.DeleteFile(chunkid, node.sclassid) {
		logger.Errorf("structure error - chunk %016X not found (inode: %d ; index: %d)", chunkid, node.inode, indx)
	}
}

func (m *Master) chunkAdd(node *fsNode, chunkid uint64, indx int) {
	if chunkid == 0 {
		return
	}
	if !m.chunks.AddFile(chunkid, node.sclassid) {
		logger.Errorf("structure error - chunk %016X not found (inode: %d ; index: %d)", chunkid, node.inode, indx)
	}
}

// setLength truncates or extends a file, freeing chunk slots beyond
// the new end and fixing ancestor statistics and trash accounting.
func (m *Master) setLength(obj *fsNode, length uint64) {
	var psr, nsr statsRecord
	m.getStats(obj, &psr, 0)
	f := obj.file
	if obj.typ == TypeTrash {
		m.trashspace -= f.length
		m.trashspace += length
	} else if obj.typ == TypeSustained {
		m.sustainedspace -= f.length
		m.sustainedspace += length
	}
	f.length = length
	var chunks uint32
	if length > 0 {
		chunks = uint32((length-1)>>ChunkBits) + 1
	}
	for i := chunks; i < uint32(len(f.chunktab)); i++ {
		m.chunkDelete(obj, f.chunktab[i], int(i))
		f.chunktab[i] = 0
	}
	if chunks > 0 {
		if chunks < uint32(len(f.chunktab)) && f.chunktab != nil {
			f.chunktab = m.chunktabPool.realloc(f.chunktab, uint32(len(f.chunktab)), chunks)
		}
	} else if f.chunktab != nil {
		m.chunktabPool.release(f.chunktab)
		f.chunktab = nil
	}
	m.getStats(obj, &nsr, 1)
	for e := obj.parents; e != nil; e = e.nextParent {
		m.addSubStats(e.parent, &nsr, &psr)
	}
	obj.eattr &^= EattrSnapshot
}

// ensureChunkSlot grows the chunk table to cover index indx.
func (m *Master) ensureChunkSlot(f *fileData, indx uint32) {
	if indx < uint32(len(f.chunktab)) {
		return
	}
	if f.chunktab == nil {
		f.chunktab = m.chunktabPool.alloc(indx + 1)
	} else {
		f.chunktab = m.chunktabPool.realloc(f.chunktab, uint32(len(f.chunktab)), indx+1)
	}
}

// appendSlice concatenates the closed chunk slice [from,to] of src to
// the tail of dst, sharing chunk ids. from=0xFFFFFFFF with to=0 means
// the whole source file (compatibility with the old append).
func (m *Master) appendSlice(ts uint32, dst, src *fsNode, from, to uint32) Status {
	var lastsrcchunk uint32
	if src.file.length > 0 {
		lastsrcchunk = uint32((src.file.length - 1) >> ChunkBits)
	}
	if from == 0xFFFFFFFF && to == 0 {
		from, to = 0, lastsrcchunk
	}
	if to > lastsrcchunk || from > lastsrcchunk || from > to {
		return EINVAL
	}
	srcchunks := to - from + 1
	var dstchunks uint32
	if dst.file.length > 0 {
		dstchunks = 1 + uint32((dst.file.length-1)>>ChunkBits)
	}
	newchunks := srcchunks + dstchunks
	if newchunks < dstchunks { // overflow
		return EINDEXTOOBIG
	}
	if newchunks-1 > MaxIndex {
		return EINDEXTOOBIG
	}
	var psr, nsr statsRecord
	m.getStats(dst, &psr, 0)
	f := dst.file
	if newchunks > uint32(len(f.chunktab)) {
		m.ensureChunkSlot(f, newchunks-1)
	}
	for i := dstchunks; i < uint32(len(f.chunktab)); i++ {
		m.chunkDelete(dst, f.chunktab[i], int(i))
		f.chunktab[i] = 0
	}
	for i := uint32(0); i < srcchunks; i++ {
		chunkid := src.file.chunktab[from+i]
		f.chunktab[dstchunks+i] = chunkid
		if chunkid > 0 {
			if !m.chunks.AddFile(chunkid, dst.sclassid) {
				logger.Errorf("structure error - chunk %016X not found (inode: %d ; index: %d)", chunkid, src.inode, from+i)
			}
		}
	}
	var length uint64
	if to >= lastsrcchunk {
		length = uint64(dstchunks)<<ChunkBits + src.file.length - uint64(from)<<ChunkBits
	} else {
		length = uint64(newchunks) << ChunkBits
	}
	if dst.typ == TypeTrash {
		m.trashspace -= f.length
		m.trashspace += length
	} else if dst.typ == TypeSustained {
		m.sustainedspace -= f.length
		m.sustainedspace += length
	}
	f.length = length
	m.getStats(dst, &nsr, 1)
	for e := dst.parents; e != nil; e = e.nextParent {
		m.addSubStats(e.parent, &nsr, &psr)
	}
	dst.mtime = ts
	dst.atime = ts
	if src.atime != ts {
		src.atime = ts
	}
	return OK
}

// changeFileSClass migrates all chunk references of a file to a new
// storage class and repairs realsize aggregates.
func (m *Master) changeFileSClass(obj *fsNode, sclassid uint8) {
	var psr, nsr statsRecord
	m.getStats(obj, &psr, 0)
	for i, chunkid := range obj.file.chunktab {
		if chunkid > 0 {
			if !m.chunks.ChangeFile(chunkid, obj.sclassid, sclassid) {
				logger.Errorf("structure error - chunk %016X not found (inode: %d ; index: %d)", chunkid, obj.inode, i)
			}
		}
	}
	m.sclass.decref(obj.sclassid, obj.typ)
	obj.sclassid = sclassid
	m.sclass.incref(sclassid, obj.typ)
	m.getStats(obj, &nsr, 1)
	for e := obj.parents; e != nil; e = e.nextParent {
		m.addSubStats(e.parent, &nsr, &psr)
	}
}

// writeChunk prepares chunk index indx of a file for writing: a hole
// gets a fresh chunk, an existing chunk is cloned copy-on-write.
// Returns the previous and the new chunk id.
func (m *Master) writeChunk(node *fsNode, indx uint32) (prevchunkid, chunkid uint64, st Status) {
	if indx > MaxIndex {
		return 0, 0, EINDEXTOOBIG
	}
	f := node.file
	m.ensureChunkSlot(f, indx)
	prevchunkid = f.chunktab[indx]
	if prevchunkid == 0 {
		chunkid = m.chunks.Create(node.sclassid)
	} else {
		var ok bool
		chunkid, ok = m.chunks.Duplicate(prevchunkid, node.sclassid)
		if !ok {
			logger.Errorf("structure error - chunk %016X not found (inode: %d ; index: %d)", prevchunkid, node.inode, indx)
			chunkid = m.chunks.Create(node.sclassid)
		}
	}
	f.chunktab[indx] = chunkid
	return prevchunkid, chunkid, OK
}

// rollbackChunk undoes a prepared write after a failed chunkserver
// round trip.
func (m *Master) rollbackChunk(node *fsNode, indx uint32, prevchunkid, chunkid uint64) Status {
	f := node.file
	if indx >= uint32(len(f.chunktab)) || f.chunktab[indx] != chunkid {
		return EMISMATCH
	}
	if prevchunkid > 0 {
		m.chunkAdd(node, prevchunkid, int(indx))
	}
	m.chunkDelete(node, chunkid, int(indx))
	f.chunktab[indx] = prevchunkid
	return OK
}

// CheckFile counts the chunks of a file by valid copy count; slot 11
// holds the holes. The copy counts come from the chunk store in a full
// master; the in-memory store reports 1 for every live chunk.
func (m *Master) CheckFile(ctx Context, inode Ino) ([12]uint32, Status) {
	var counts [12]uint32
	p := m.nodeFind(ctx, inode, false)
	if p == nil {
		return counts, ENOENT
	}
	if !p.isFileKind() {
		return counts, EPERM
	}
	for _, chunkid := range p.file.chunktab {
		if chunkid > 0 {
			counts[1]++
		} else {
			counts[11]++
		}
	}
	return counts, OK
}

// RepairFile zeroes chunk slots whose chunk has gone missing from the
// store, turning the damaged ranges into holes; the file length is left
// as it is. No chunk is fixed in place, so the repaired count is 0.
func (m *Master) RepairFile(ctx Context, inode Ino) (notchanged, erased, repaired uint32, st Status) {
	if m.readonly {
		return 0, 0, 0, EROFS
	}
	p := m.nodeFind(ctx, inode, false)
	if p == nil {
		return 0, 0, 0, ENOENT
	}
	if !p.isFileKind() {
		return 0, 0, 0, EPERM
	}
	if !m.accessCheck(p, &ctx, ModeMaskW) {
		return 0, 0, 0, EACCES
	}
	ts := m.now()
	for i, chunkid := range p.file.chunktab {
		if chunkid == 0 {
			continue
		}
		if !m.chunks.AddFile(chunkid, p.sclassid) {
			p.file.chunktab[i] = 0
			erased++
			m.appendChangelog(ts, "REPAIR(%d,%d):%d", p.inode, i, 0)
		} else {
			m.chunks.DeleteFile(chunkid, p.sclassid)
			notchanged++
		}
	}
	if erased > 0 {
		p.mtime, p.ctime = ts, ts
	}
	return notchanged, erased, repaired, OK
}
