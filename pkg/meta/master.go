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
	"encoding/binary"
	"time"

	"github.com/google/btree"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/marefs/marefs/pkg/chunk"
)

// Config carries the operator knobs of the metadata engine.
type Config struct {
	DataDir string

	AtimeMode           uint8  // AtimeAlways..AtimeNever
	MaxAllowedHardLinks uint32 // clamped to [8,65000]
	QuotaGracePeriod    uint32 // seconds
	TrashTime           uint16 // default trashtime (hours) for the root at first start

	MetaSaveFreq         uint32 // minutes between dumps
	MetaSaveOffset       string // "HH:MM" with optional trailing L for local time
	BackMetaKeepPrevious uint32 // rotated metadata.mfs.back.N copies, [0,99]
	MaxIDHole            uint64 // largest tolerated changelog version gap
	IgnoreErrors         bool   // keep going over replay mismatches
}

func (c *Config) fill() {
	if c.MaxAllowedHardLinks < 8 {
		c.MaxAllowedHardLinks = 8
	}
	if c.MaxAllowedHardLinks > 65000 {
		c.MaxAllowedHardLinks = 65000
	}
	if c.QuotaGracePeriod == 0 {
		c.QuotaGracePeriod = 7 * 86400
	}
	if c.TrashTime == 0 {
		c.TrashTime = DefaultTrashTime
	}
	if c.MetaSaveFreq == 0 {
		c.MetaSaveFreq = 60
	}
	if c.BackMetaKeepPrevious > 99 {
		c.BackMetaKeepPrevious = 99
	}
	if c.MaxIDHole == 0 {
		c.MaxIDHole = 10000
	}
}

// Master is the in-memory metadata engine. All namespace state that
// the original keeps in file-scoped variables lives here, owned by a
// single reactor goroutine; none of the methods are safe for
// concurrent use.
type Master struct {
	conf Config

	nodePool     nodePool
	edgePool     edgePool
	namePool     *blobPool
	symlinkPool  *blobPool
	chunktabPool chunktabPool

	ids     *idAllocator
	edgetab edgeTab
	nodetab nodeTab

	root         *fsNode
	trash        []*fsEdge
	sustained    []*fsEdge
	trashBid     uint32
	sustainedBid uint32

	hashElements uint32
	nodes        uint32
	dirnodes     uint32
	filenodes    uint32

	nextedgeid            uint64
	edgesneedrenumeration bool
	edgeIndex             *btree.BTreeG[*fsEdge]

	trashspace     uint64
	sustainedspace uint64
	trashnodes     uint32
	sustainednodes uint32

	quotahead *quotaNode

	xattrs map[Ino]map[string][]byte
	acls   map[Ino]*aclNode // key includes the acl type; see acl.go

	openFiles map[Ino]uint32 // inode -> open handle count

	sclass sclassTable
	chunks chunk.Store

	changelog    *Changelog
	metaversion  uint64
	metaid       uint64
	mutationSink func(version uint64, payload string)

	readonly bool

	now func() uint32 // injected clock

	keepAliveHook func()
	keepAliveTS   time.Time
	keepAliveCnt  uint32

	opCount   *prometheus.CounterVec
	nodeGauge prometheus.Gauge
}

// NewMaster builds an empty engine around the given chunk store.
func NewMaster(conf Config, store chunk.Store) *Master {
	conf.fill()
	m := &Master{
		conf:        conf,
		namePool:    newBlobPool(MaxPathLen),
		symlinkPool: newBlobPool(MaxSymlinkLen),
		ids:         newIDAllocator(),
		trash:       make([]*fsEdge, TrashBuckets),
		sustained:   make([]*fsEdge, SustainedBuckets),
		nextedgeid:  EdgeIDMax,
		xattrs:      make(map[Ino]map[string][]byte),
		acls:        make(map[Ino]*aclNode),
		openFiles:   make(map[Ino]uint32),
		chunks:      store,
		now:         func() uint32 { return uint32(time.Now().Unix()) },
		opCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marefs_master_ops_total",
			Help: "Namespace operations by name.",
		}, []string{"op"}),
		nodeGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "marefs_master_nodes",
			Help: "Number of live filesystem objects.",
		}),
	}
	m.edgetab.init()
	m.nodetab.init()
	m.edgeIndex = btree.NewG(16, func(a, b *fsEdge) bool { return a.edgeid < b.edgeid })
	m.changelog = newChangelog(conf.DataDir)
	return m
}

// RegisterMetrics exposes the engine gauges on a prometheus registry.
func (m *Master) RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(m.opCount, m.nodeGauge)
}

// InitEmpty creates a brand new filesystem: a root directory and a
// freshly stamped meta id.
func (m *Master) InitEmpty() {
	ts := m.now()
	root := m.nodePool.alloc(TypeDirectory)
	root.inode = m.ids.next() // inode 1
	root.typ = TypeDirectory
	root.ctime, root.mtime, root.atime = ts, ts, ts
	root.mode = 0777
	root.sclassid = DefaultSClass
	root.trashtime = m.conf.TrashTime
	root.dir.nlink = 2
	m.sclass.incref(root.sclassid, root.typ)
	m.root = root
	m.nodetab.add(root, m.hashElements)
	m.hashElements++
	m.nodes = 1
	m.dirnodes = 1
	m.nodeGauge.Set(1)
	u := uuid.New()
	m.metaid = binary.BigEndian.Uint64(u[:8])
	m.metaversion = 1
}

// Term releases everything at once.
func (m *Master) Term() {
	m.edgeIndex.Clear(false)
	m.edgetab.cleanup()
	m.nodetab.cleanup()
	m.nodePool.cleanup()
	m.edgePool.cleanup()
	m.namePool.cleanup()
	m.symlinkPool.cleanup()
	m.chunktabPool.cleanup()
	m.root = nil
	m.quotahead = nil
	m.xattrs = make(map[Ino]map[string][]byte)
	m.acls = make(map[Ino]*aclNode)
	m.openFiles = make(map[Ino]uint32)
	if m.changelog != nil {
		_ = m.changelog.Close()
	}
}

// SetClock replaces the time source (tests, replay determinism).
func (m *Master) SetClock(now func() uint32) {
	m.now = now
}

// SetReadonly toggles rejection of all mutating operations.
func (m *Master) SetReadonly(ro bool) {
	m.readonly = ro
}

// SetKeepAlive installs the reactor yield hook called from long
// recursive walks.
func (m *Master) SetKeepAlive(fn func()) {
	m.keepAliveHook = fn
}

// MetaVersion is the cluster-wide mutation counter.
func (m *Master) MetaVersion() uint64 {
	return m.metaversion
}

// MetaID tags all images of this cluster.
func (m *Master) MetaID() uint64 {
	return m.metaid
}

func (m *Master) metaVersionInc() uint64 {
	m.metaversion++
	return m.metaversion
}

func (m *Master) keepAliveBegin() {
	m.keepAliveTS = time.Now()
	m.keepAliveCnt = 0
}

func (m *Master) keepAliveCheck() {
	m.keepAliveCnt++
	if m.keepAliveCnt >= 10000 {
		if time.Since(m.keepAliveTS) > 100*time.Millisecond {
			if m.keepAliveHook != nil {
				m.keepAliveHook()
			}
			m.keepAliveTS = time.Now()
		}
		m.keepAliveCnt = 0
	}
}

// Info reports the summary counters shown by the master UI.
func (m *Master) Info() FSInfo {
	return FSInfo{
		TrashSpace:     m.trashspace,
		TrashNodes:     m.trashnodes,
		SustainedSpace: m.sustainedspace,
		SustainedNodes: m.sustainednodes,
		Inodes:         m.nodes,
		DirNodes:       m.dirnodes,
		FileNodes:      m.filenodes,
	}
}

// MemUsage reports allocator occupancy per pool: [nodes, edges,
// names, symlinks, chunktabs] pairs of (allocated, used).
func (m *Master) MemUsage() (allocated, used [5]uint64) {
	allocated[0], used[0] = m.nodePool.usage()
	allocated[1], used[1] = m.edgePool.usage()
	allocated[2], used[2] = m.namePool.usage()
	allocated[3], used[3] = m.symlinkPool.usage()
	allocated[4], used[4] = m.chunktabPool.usage()
	return
}

// OpenFile marks an inode as held open by a client session.
func (m *Master) OpenFile(inode Ino) {
	m.openFiles[inode]++
}

// CloseFile drops one open handle; releasing the last handle of a
// sustained file purges it.
func (m *Master) CloseFile(inode Ino) {
	c := m.openFiles[inode]
	if c <= 1 {
		delete(m.openFiles, inode)
		if n := m.nodetab.find(inode); n != nil && n.typ == TypeSustained {
			m.fsPurge(Background, inode)
		}
	} else {
		m.openFiles[inode] = c - 1
	}
}

func (m *Master) isFileOpen(inode Ino) bool {
	return m.openFiles[inode] > 0
}
