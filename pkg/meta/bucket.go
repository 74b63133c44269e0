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
	"golang.org/x/sys/unix"
)

// Slab pools for the records the namespace allocates by the million:
// nodes (one class per payload kind), edge and symlink byte blobs
// (8-byte size classes) and chunk-id arrays (geometric classes).
// Records are recycled through per-class free lists; slabs are only
// released by cleanup().

const slabSize = 10 << 20

const (
	nodeClassDir = iota
	nodeClassFile
	nodeClassSymlink
	nodeClassDev
	nodeClassOther
	nodeClasses
)

type nodePool struct {
	free      [nodeClasses][]*fsNode
	slabs     [nodeClasses][][]fsNode
	fill      [nodeClasses]int
	allocated uint64
	used      uint64
}

func nodeClass(typ uint8) int {
	switch typ {
	case TypeDirectory:
		return nodeClassDir
	case TypeFile, TypeTrash, TypeSustained:
		return nodeClassFile
	case TypeSymlink:
		return nodeClassSymlink
	case TypeBlockDev, TypeCharDev:
		return nodeClassDev
	default:
		return nodeClassOther
	}
}

const nodesPerSlab = slabSize / 256

func (p *nodePool) alloc(typ uint8) *fsNode {
	indx := nodeClass(typ)
	p.used += 256
	if l := len(p.free[indx]); l > 0 {
		n := p.free[indx][l-1]
		p.free[indx] = p.free[indx][:l-1]
		*n = fsNode{}
		p.attach(n, indx)
		return n
	}
	ns := len(p.slabs[indx])
	if ns == 0 || p.fill[indx] == nodesPerSlab {
		p.slabs[indx] = append(p.slabs[indx], make([]fsNode, nodesPerSlab))
		p.fill[indx] = 0
		p.allocated += nodesPerSlab * 256
		ns++
	}
	n := &p.slabs[indx][ns-1][p.fill[indx]]
	p.fill[indx]++
	p.attach(n, indx)
	return n
}

func (p *nodePool) attach(n *fsNode, indx int) {
	switch indx {
	case nodeClassDir:
		n.dir = &dirData{}
	case nodeClassFile:
		n.file = &fileData{}
	case nodeClassSymlink:
		n.sym = &symlinkData{}
	case nodeClassDev:
		n.dev = &devData{}
	default:
		n.other = &otherData{}
	}
}

func (p *nodePool) release(n *fsNode) {
	indx := nodeClass(n.typ)
	*n = fsNode{}
	p.free[indx] = append(p.free[indx], n)
	p.used -= 256
}

func (p *nodePool) cleanup() {
	*p = nodePool{}
}

func (p *nodePool) usage() (allocated, used uint64) {
	return p.allocated, p.used
}

// blobPool hands out byte blobs in 8-byte size classes, backed by
// anonymous mappings where the OS provides them.
type blobPool struct {
	classes   int
	free      [][][]byte
	slab      []byte
	slabs     [][]byte
	mapped    []bool
	allocated uint64
	used      uint64
}

func newBlobPool(maxLen int) *blobPool {
	classes := (maxLen + 7) / 8
	return &blobPool{classes: classes, free: make([][][]byte, classes)}
}

func blobClass(leng int) int {
	return (leng - 1) / 8
}

func mapSlab(size int) ([]byte, bool) {
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return make([]byte, size), false
	}
	return b, true
}

func (p *blobPool) alloc(leng int) []byte {
	indx := blobClass(leng)
	size := (indx + 1) * 8
	p.used += uint64(size)
	if l := len(p.free[indx]); l > 0 {
		b := p.free[indx][l-1]
		p.free[indx] = p.free[indx][:l-1]
		for i := range b {
			b[i] = 0
		}
		return b[:leng]
	}
	if len(p.slab) < size {
		slab, mapped := mapSlab(slabSize)
		p.slab = slab
		p.slabs = append(p.slabs, slab)
		p.mapped = append(p.mapped, mapped)
		p.allocated += slabSize
	}
	b := p.slab[:size:size]
	p.slab = p.slab[size:]
	return b[:leng]
}

func (p *blobPool) release(b []byte) {
	if cap(b) == 0 {
		return
	}
	full := b[:cap(b)]
	indx := blobClass(cap(b))
	p.free[indx] = append(p.free[indx], full)
	p.used -= uint64(cap(b))
}

func (p *blobPool) cleanup() {
	for i, slab := range p.slabs {
		if p.mapped[i] {
			_ = unix.Munmap(slab)
		}
	}
	p.slab = nil
	p.slabs = nil
	p.mapped = nil
	p.free = make([][][]byte, p.classes)
	p.allocated = 0
	p.used = 0
}

func (p *blobPool) usage() (allocated, used uint64) {
	return p.allocated, p.used
}

// edgePool recycles fsEdge records; names come from a blobPool.
type edgePool struct {
	free      []*fsEdge
	slabs     [][]fsEdge
	fill      int
	allocated uint64
	used      uint64
}

const edgesPerSlab = slabSize / 128

func (p *edgePool) alloc() *fsEdge {
	p.used += 128
	if l := len(p.free); l > 0 {
		e := p.free[l-1]
		p.free = p.free[:l-1]
		*e = fsEdge{}
		return e
	}
	if len(p.slabs) == 0 || p.fill == edgesPerSlab {
		p.slabs = append(p.slabs, make([]fsEdge, edgesPerSlab))
		p.fill = 0
		p.allocated += edgesPerSlab * 128
	}
	e := &p.slabs[len(p.slabs)-1][p.fill]
	p.fill++
	return e
}

func (p *edgePool) release(e *fsEdge) {
	*e = fsEdge{}
	p.free = append(p.free, e)
	p.used -= 128
}

func (p *edgePool) cleanup() {
	*p = edgePool{}
}

func (p *edgePool) usage() (allocated, used uint64) {
	return p.allocated, p.used
}

// Chunk-id arrays use ~121 geometric size classes so that sub-arrays
// pack densely up to hundreds of millions of chunks.

const chunktabClasses = 121

func chunktabClass(chunks uint32) int {
	c := uint64(chunks)
	switch {
	case c <= 0x10:
		return int(c) - 1
	case c <= 0x100:
		return int((c+0xF)/0x10) + 0xE
	case c <= 0x1000:
		return int((c+0xFF)/0x100) + 0x1D
	case c <= 0x10000:
		return int((c+0xFFF)/0x1000) + 0x2C
	case c <= 0x100000:
		return int((c+0xFFFF)/0x10000) + 0x3B
	case c <= 0x1000000:
		return int((c+0xFFFFF)/0x100000) + 0x4A
	case c <= 0x10000000:
		return int((c+0xFFFFFF)/0x1000000) + 0x59
	default:
		return int((c+0xFFFFFFF)/0x10000000) + 0x68
	}
}

func chunktabClassSize(indx int) uint64 {
	i := uint64(indx)
	switch {
	case indx < 0x10:
		return i + 1
	case indx < 0x1F:
		return (i - 0xE) * 0x10
	case indx < 0x2E:
		return (i - 0x1D) * 0x100
	case indx < 0x3D:
		return (i - 0x2C) * 0x1000
	case indx < 0x4C:
		return (i - 0x3B) * 0x10000
	case indx < 0x5B:
		return (i - 0x4A) * 0x100000
	case indx < 0x6A:
		return (i - 0x59) * 0x1000000
	default:
		return (i - 0x68) * 0x10000000
	}
}

type chunktabPool struct {
	free      [chunktabClasses][][]uint64
	slab      []uint64
	allocated uint64
	used      uint64
}

func (p *chunktabPool) allocClass(indx int) []uint64 {
	size := int(chunktabClassSize(indx))
	p.used += uint64(size) * 8
	if l := len(p.free[indx]); l > 0 {
		t := p.free[indx][l-1]
		p.free[indx] = p.free[indx][:l-1]
		for i := range t {
			t[i] = 0
		}
		return t
	}
	if size >= slabSize/8 {
		p.allocated += uint64(size) * 8
		return make([]uint64, size)
	}
	if len(p.slab) < size {
		p.slab = make([]uint64, slabSize/8)
		p.allocated += slabSize
	}
	t := p.slab[:size:size]
	p.slab = p.slab[size:]
	return t
}

// alloc returns a zero-filled array of len `chunks` whose capacity is
// the class size.
func (p *chunktabPool) alloc(chunks uint32) []uint64 {
	return p.allocClass(chunktabClass(chunks))[:chunks]
}

func (p *chunktabPool) release(t []uint64) {
	if cap(t) == 0 {
		return
	}
	full := t[:cap(t)]
	indx := chunktabClass(uint32(cap(t)))
	p.free[indx] = append(p.free[indx], full)
	p.used -= uint64(cap(t)) * 8
}

// realloc moves a chunk table between classes, keeping the common
// prefix. Tables already wide enough are returned unchanged.
func (p *chunktabPool) realloc(old []uint64, oldchunks, newchunks uint32) []uint64 {
	oldindx := chunktabClass(oldchunks)
	newindx := chunktabClass(newchunks)
	if oldindx == newindx {
		t := old[:newchunks]
		for i := oldchunks; i < newchunks; i++ {
			t[i] = 0
		}
		return t
	}
	t := p.allocClass(newindx)
	n := oldchunks
	if newchunks < n {
		n = newchunks
	}
	copy(t, old[:n])
	p.release(old)
	return t[:newchunks]
}

func (p *chunktabPool) cleanup() {
	*p = chunktabPool{}
}

func (p *chunktabPool) usage() (allocated, used uint64) {
	return p.allocated, p.used
}
