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
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitEmpty(t *testing.T) {
	m, _, _ := newTestMaster(t)
	assert.Equal(t, uint32(1), m.nodes)
	assert.Equal(t, uint32(1), m.dirnodes)
	assert.NotZero(t, m.MetaID())
	assert.Equal(t, uint64(1), m.MetaVersion())
	info := m.Info()
	assert.Equal(t, uint32(1), info.Inodes)
	_, used := m.namePool.usage()
	assert.Zero(t, used)
}

func TestKeepAliveCadence(t *testing.T) {
	m, _, _ := newTestMaster(t)
	var yields int
	m.SetKeepAlive(func() { yields++ })
	m.keepAliveBegin()
	// under the node threshold nothing yields, however long it takes
	m.keepAliveTS = time.Now().Add(-time.Second)
	for i := 0; i < 9999; i++ {
		m.keepAliveCheck()
	}
	assert.Zero(t, yields)
	m.keepAliveCheck()
	assert.Equal(t, 1, yields, "10000 touched nodes plus 100ms elapsed yields once")

	// a fresh clock suppresses the yield even past the node count
	m.keepAliveBegin()
	for i := 0; i < 20000; i++ {
		m.keepAliveCheck()
	}
	assert.Equal(t, 1, yields)
}

func TestSnapshotYieldsOnBigTrees(t *testing.T) {
	if testing.Short() {
		t.Skip("builds a large tree")
	}
	m, _, _ := newTestMaster(t)
	ctx := userCtx()
	src, _, _ := m.Mkdir(ctx, RootIno, []byte("big"), 0755, 0, false)
	for i := 0; i < 12000; i++ {
		_, _, st := m.Mknod(ctx, src, []byte(fmt.Sprintf("f%05d", i)), TypeFile, 0644, 0, 0)
		require.Equal(t, OK, st)
	}
	require.Equal(t, OK, m.Snapshot(ctx, src, RootIno, []byte("big-snap"), 0, 022))

	// drive the pre-test walk over the whole pair with the elapsed
	// clock forced past the threshold: the cadence then depends only
	// on the touched-node counter
	var yields int
	m.SetKeepAlive(func() { yields++ })
	m.keepAliveBegin()
	m.keepAliveTS = time.Now().Add(-time.Hour)
	srcNode := m.nodetab.find(src)
	require.NotNil(t, srcNode)
	require.Equal(t, OK, m.snapshotTest(srcNode, srcNode, m.root, []byte("big-snap"), true))
	assert.Greater(t, yields, 0, "large recursive walks must yield to the reactor")
}

func TestEdgeRenumeration(t *testing.T) {
	m, _, _ := newTestMaster(t)
	ctx := userCtx()
	dir, _, _ := m.Mkdir(ctx, RootIno, []byte("d"), 0755, 0, false)
	for i := 0; i < 5; i++ {
		_, _, st := m.Mknod(ctx, dir, []byte{byte('a' + i)}, TypeFile, 0644, 0, 0)
		require.Equal(t, OK, st)
	}
	m.renumerateEdges()
	assert.Equal(t, EdgeIDMax, m.nextedgeid)
	seen := make(map[uint64]bool)
	var walk func(n *fsNode)
	walk = func(n *fsNode) {
		for e := n.dir.children; e != nil; e = e.nextChild {
			assert.False(t, seen[e.edgeid], "edge ids stay unique")
			seen[e.edgeid] = true
			assert.NotNil(t, m.edgeByID(e.edgeid))
			if e.child.typ == TypeDirectory {
				walk(e.child)
			}
		}
	}
	walk(m.root)
	assert.Len(t, seen, 6)
}

func TestMemUsageTracksPools(t *testing.T) {
	m, _, _ := newTestMaster(t)
	ctx := userCtx()
	_, _, st := m.Mknod(ctx, RootIno, []byte("somefile"), TypeFile, 0644, 0, 0)
	require.Equal(t, OK, st)
	allocated, used := m.MemUsage()
	assert.NotZero(t, used[0], "node pool in use")
	assert.NotZero(t, used[1], "edge pool in use")
	assert.NotZero(t, used[2], "name pool in use")
	for i := range allocated {
		assert.GreaterOrEqual(t, allocated[i], used[i])
	}
}
