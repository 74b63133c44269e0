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

// Subtree statistics are aggregated bottom-up into every directory.
// Non-directories can hang under several parents, so every propagation
// walks all parent chains, not a single flattened path.

func fileChunkGeometry(length uint64) (lastchunk uint32, lastchunksize uint64) {
	if length > 0 {
		lastchunk = uint32((length - 1) >> ChunkBits)
		lastchunksize = uint64((((length-1)&ChunkMask)+BlockSize)&^uint64(BlockSize-1)) + HdrSize
	} else {
		lastchunksize = HdrSize
	}
	return
}

func fileSize(f *fileData) uint64 {
	lastchunk, lastchunksize := fileChunkGeometry(f.length)
	var size uint64
	for i, id := range f.chunktab {
		if id > 0 {
			if uint32(i) < lastchunk {
				size += ChunkSize + HdrSize
			} else if uint32(i) == lastchunk {
				size += lastchunksize
			}
		}
	}
	return size
}

// getStats fills sr with the node's own contribution (for directories:
// the aggregated subtree plus itself). fixRatio refreshes the cached
// realsize ratio from the storage class: 0 leaves it, 1 refreshes the
// cache only, 2 also repairs ancestor realsize totals.
func (m *Master) getStats(node *fsNode, sr *statsRecord, fixRatio uint8) {
	switch node.typ {
	case TypeDirectory:
		*sr = node.dir.stats
		sr.inodes++
		sr.dirs++
	case TypeFile, TypeTrash, TypeSustained:
		f := node.file
		*sr = statsRecord{inodes: 1, files: 1, length: f.length}
		lastchunk, lastchunksize := fileChunkGeometry(f.length)
		for i, id := range f.chunktab {
			if id > 0 {
				if uint32(i) < lastchunk {
					sr.size += ChunkSize + HdrSize
				} else if uint32(i) == lastchunk {
					sr.size += lastchunksize
				}
				sr.chunks++
			}
		}
		if fixRatio == 2 {
			ratio := m.sclass.keepMaxGoal(node.sclassid)
			if ratio != f.realsizeRatio {
				diff := int64(sr.size)*int64(ratio) - int64(sr.size)*int64(f.realsizeRatio)
				for e := node.parents; e != nil; e = e.nextParent {
					m.fixRealsize(e.parent, diff)
				}
				f.realsizeRatio = ratio
			}
		} else if fixRatio == 1 {
			f.realsizeRatio = m.sclass.keepMaxGoal(node.sclassid)
		}
		sr.realsize = sr.size * uint64(f.realsizeRatio)
	case TypeSymlink:
		*sr = statsRecord{inodes: 1, length: uint64(len(node.sym.path))}
	default:
		*sr = statsRecord{inodes: 1}
	}
}

func (m *Master) fixRealsize(parent *fsNode, diff int64) {
	if parent == nil {
		return
	}
	parent.dir.stats.realsize = uint64(int64(parent.dir.stats.realsize) + diff)
	if parent != m.root {
		for e := parent.parents; e != nil; e = e.nextParent {
			m.fixRealsize(e.parent, diff)
		}
	}
}

func (m *Master) addStats(parent *fsNode, sr *statsRecord) {
	if parent == nil {
		return
	}
	parent.dir.stats.add(sr)
	if parent != m.root {
		for e := parent.parents; e != nil; e = e.nextParent {
			m.addStats(e.parent, sr)
		}
	}
}

func (m *Master) subStats(parent *fsNode, sr *statsRecord) {
	if parent == nil {
		return
	}
	parent.dir.stats.sub(sr)
	if parent != m.root {
		for e := parent.parents; e != nil; e = e.nextParent {
			m.subStats(e.parent, sr)
		}
	}
}

func (m *Master) addSubStats(parent *fsNode, newsr, prevsr *statsRecord) {
	sr := statsRecord{
		inodes:   newsr.inodes - prevsr.inodes,
		dirs:     newsr.dirs - prevsr.dirs,
		files:    newsr.files - prevsr.files,
		chunks:   newsr.chunks - prevsr.chunks,
		length:   newsr.length - prevsr.length,
		size:     newsr.size - prevsr.size,
		realsize: newsr.realsize - prevsr.realsize,
	}
	m.addStats(parent, &sr)
}

// GetDirStats exposes the aggregated counters of a directory subtree.
func (m *Master) GetDirStats(ctx Context, inode Ino) (inodes, dirs, files, chunks uint32, length, size, realsize uint64, st Status) {
	p := m.nodeFind(ctx, inode, false)
	if p == nil {
		st = ENOENT
		return
	}
	if p.typ != TypeDirectory {
		st = EPERM
		return
	}
	var sr statsRecord
	m.getStats(p, &sr, 2)
	return sr.inodes, sr.dirs, sr.files, sr.chunks, sr.length, sr.size, sr.realsize, OK
}
