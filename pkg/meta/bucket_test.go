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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunktabClasses(t *testing.T) {
	// every count maps to a class at least as big, and the mapping is
	// monotonic over the interesting boundaries
	cases := []uint32{1, 2, 15, 16, 17, 255, 256, 257, 4095, 4096, 4097, 65536, 1 << 20, 1<<24 + 5, 1 << 27}
	prev := -1
	for _, chunks := range cases {
		indx := chunktabClass(chunks)
		require.Less(t, indx, chunktabClasses, "chunks=%d", chunks)
		require.GreaterOrEqual(t, chunktabClassSize(indx), uint64(chunks), "chunks=%d", chunks)
		require.GreaterOrEqual(t, indx, prev, "chunks=%d", chunks)
		prev = indx
	}
	// exact small classes
	for chunks := uint32(1); chunks <= 16; chunks++ {
		assert.Equal(t, uint64(chunks), chunktabClassSize(chunktabClass(chunks)))
	}
}

func TestChunktabPoolReuse(t *testing.T) {
	var p chunktabPool
	tab := p.alloc(5)
	require.Len(t, tab, 5)
	for i := range tab {
		tab[i] = uint64(i + 1)
	}
	tab = p.realloc(tab, 5, 20)
	require.Len(t, tab, 20)
	for i := 0; i < 5; i++ {
		assert.Equal(t, uint64(i+1), tab[i])
	}
	for i := 5; i < 20; i++ {
		assert.Zero(t, tab[i])
	}
	p.release(tab)
	again := p.alloc(20)
	require.Len(t, again, 20)
	for _, v := range again {
		assert.Zero(t, v)
	}
	_, used := p.usage()
	assert.Equal(t, uint64(cap(again))*8, used)
}

func TestBlobPool(t *testing.T) {
	p := newBlobPool(MaxNameLen)
	a := p.alloc(3)
	require.Len(t, a, 3)
	require.Equal(t, 8, cap(a))
	copy(a, "abc")
	b := p.alloc(9)
	require.Equal(t, 16, cap(b))
	p.release(a)
	c := p.alloc(8) // same class as a
	require.Equal(t, 8, cap(c))
	for _, v := range c {
		assert.Zero(t, v)
	}
	p.cleanup()
	allocated, used := p.usage()
	assert.Zero(t, allocated)
	assert.Zero(t, used)
}

func TestNodePoolClasses(t *testing.T) {
	var p nodePool
	dir := p.alloc(TypeDirectory)
	require.NotNil(t, dir.dir)
	file := p.alloc(TypeTrash)
	require.NotNil(t, file.file)
	sym := p.alloc(TypeSymlink)
	require.NotNil(t, sym.sym)
	dev := p.alloc(TypeCharDev)
	require.NotNil(t, dev.dev)
	other := p.alloc(TypeSocket)
	require.NotNil(t, other.other)

	file.typ = TypeFile
	file.inode = 42
	p.release(file)
	reused := p.alloc(TypeFile)
	assert.Zero(t, reused.inode, "recycled nodes must come back zeroed")
	require.NotNil(t, reused.file)
}

func TestEdgePoolReuse(t *testing.T) {
	var p edgePool
	e := p.alloc()
	e.edgeid = 7
	p.release(e)
	e2 := p.alloc()
	assert.Zero(t, e2.edgeid)
	_, used := p.usage()
	assert.Equal(t, uint64(128), used)
}
