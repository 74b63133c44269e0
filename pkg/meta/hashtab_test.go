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
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEdgeHashDistribution(t *testing.T) {
	// the mixing constants are part of the on-disk/diagnostic contract
	h1 := edgeHash(1, []byte("a"))
	h2 := edgeHash(1, []byte("b"))
	h3 := edgeHash(2, []byte("a"))
	assert.NotEqual(t, h1, h2)
	assert.NotEqual(t, h1, h3)
	assert.Equal(t, (uint32(1)*0x5F2318BD+1)*33+uint32('a'), h1)
}

func TestNodeTabBasics(t *testing.T) {
	var tab nodeTab
	tab.init()
	nodes := make([]*fsNode, 0, 1000)
	for i := 1; i <= 1000; i++ {
		n := &fsNode{inode: Ino(i)}
		tab.add(n, uint32(i))
		nodes = append(nodes, n)
	}
	for i := 1; i <= 1000; i++ {
		got := tab.find(Ino(i))
		require.NotNil(t, got, "inode %d", i)
		assert.Equal(t, Ino(i), got.inode)
	}
	assert.Nil(t, tab.find(5000))
	tab.delete(nodes[499])
	assert.Nil(t, tab.find(500))
	assert.NotNil(t, tab.find(499))

	var seen int
	tab.each(func(*fsNode) { seen++ })
	assert.Equal(t, 999, seen)
	tab.cleanup()
}

func TestEdgeTabFindDelete(t *testing.T) {
	var tab edgeTab
	tab.init()
	parent := &fsNode{inode: 1, typ: TypeDirectory}
	edges := make([]*fsEdge, 0, 100)
	for i := 0; i < 100; i++ {
		e := &fsEdge{parent: parent, name: []byte(fmt.Sprintf("file%03d", i))}
		tab.add(e, uint32(i))
		edges = append(edges, e)
	}
	for i := 0; i < 100; i++ {
		got := tab.find(parent, []byte(fmt.Sprintf("file%03d", i)))
		require.NotNil(t, got)
		assert.Same(t, edges[i], got)
	}
	other := &fsNode{inode: 2, typ: TypeDirectory}
	assert.Nil(t, tab.find(other, []byte("file000")), "same name under another parent")
	tab.delete(edges[50])
	assert.Nil(t, tab.find(parent, []byte("file050")))
	assert.Equal(t, uint32(99), tab.elem)
	tab.cleanup()
}
