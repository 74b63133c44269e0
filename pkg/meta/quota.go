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

// Per-directory quotas. Soft limits start a grace clock when first
// exceeded; the directory behaves as hard-limited once the clock runs
// out. Hard limits always reject on the spot.

const (
	QuotaFlagSInodes   = 0x01
	QuotaFlagSLength   = 0x02
	QuotaFlagSSize     = 0x04
	QuotaFlagSRealsize = 0x08
	QuotaFlagHInodes   = 0x10
	QuotaFlagHLength   = 0x20
	QuotaFlagHSize     = 0x40
	QuotaFlagHRealsize = 0x80
)

type quotaNode struct {
	graceperiod uint32
	exceeded    bool // hard exceeded or soft past its grace window
	flags       uint8
	stimestamp  uint32 // when the soft limit was first exceeded
	sinodes     uint32
	hinodes     uint32
	slength     uint64
	hlength     uint64
	ssize       uint64
	hsize       uint64
	srealsize   uint64
	hrealsize   uint64
	node        *fsNode
	next        *quotaNode
	prev        **quotaNode
}

func (m *Master) newQuotaNode(p *fsNode) *quotaNode {
	qn := &quotaNode{node: p}
	qn.next = m.quotahead
	if qn.next != nil {
		qn.next.prev = &qn.next
	}
	qn.prev = &m.quotahead
	m.quotahead = qn
	p.dir.quota = qn
	return qn
}

func (m *Master) deleteQuotaNode(p *fsNode) {
	qn := p.dir.quota
	if qn == nil {
		return
	}
	*qn.prev = qn.next
	if qn.next != nil {
		qn.next.prev = qn.prev
	}
	p.dir.quota = nil
}

func (m *Master) checkQuotaNode(qn *quotaNode, ts uint32) {
	psr := &qn.node.dir.stats
	soft := false
	if qn.flags&QuotaFlagSInodes != 0 && psr.inodes > qn.sinodes {
		soft = true
	}
	if qn.flags&QuotaFlagSLength != 0 && psr.length > qn.slength {
		soft = true
	}
	if qn.flags&QuotaFlagSSize != 0 && psr.size > qn.ssize {
		soft = true
	}
	if qn.flags&QuotaFlagSRealsize != 0 && psr.realsize > qn.srealsize {
		soft = true
	}
	chg := false
	if !soft && qn.stimestamp > 0 {
		qn.stimestamp = 0
		chg = true
	} else if soft && qn.stimestamp == 0 {
		qn.stimestamp = ts
		chg = true
	}
	exceeded := qn.stimestamp > 0 && qn.stimestamp+qn.graceperiod < ts
	if qn.exceeded != exceeded {
		qn.exceeded = exceeded
		chg = true
	}
	if chg {
		m.appendChangelog(ts, "QUOTA(%d,%d,%d,%d,%d,%d,%d,%d,%d,%d,%d,%d,%d)",
			qn.node.inode, b2u(qn.exceeded), qn.flags, qn.stimestamp,
			qn.sinodes, qn.hinodes, qn.slength, qn.hlength,
			qn.ssize, qn.hsize, qn.srealsize, qn.hrealsize, qn.graceperiod)
	}
}

// CheckAllQuotas is the periodic soft-limit sweep.
func (m *Master) CheckAllQuotas() {
	now := m.now()
	for qn := m.quotahead; qn != nil; qn = qn.next {
		m.checkQuotaNode(qn, now)
	}
}

func (m *Master) testQuotaNoParents(node *fsNode, inodes uint32, length, size, realsize uint64) bool {
	if node == nil || node.typ != TypeDirectory || node.dir.quota == nil {
		return false
	}
	qn := node.dir.quota
	psr := &node.dir.stats
	if inodes > 0 && qn.flags&QuotaFlagHInodes != 0 && psr.inodes+inodes > qn.hinodes {
		return true
	}
	if length > 0 && qn.flags&QuotaFlagHLength != 0 && psr.length+length > qn.hlength {
		return true
	}
	if size > 0 && qn.flags&QuotaFlagHSize != 0 && psr.size+size > qn.hsize {
		return true
	}
	if realsize > 0 && qn.flags&QuotaFlagHRealsize != 0 && psr.realsize+realsize > qn.hrealsize {
		return true
	}
	if qn.exceeded { // soft limit past its grace window
		if inodes > 0 && qn.flags&QuotaFlagSInodes != 0 && psr.inodes+inodes > qn.sinodes {
			return true
		}
		if length > 0 && qn.flags&QuotaFlagSLength != 0 && psr.length+length > qn.slength {
			return true
		}
		if size > 0 && qn.flags&QuotaFlagSSize != 0 && psr.size+size > qn.ssize {
			return true
		}
		if realsize > 0 && qn.flags&QuotaFlagSRealsize != 0 && psr.realsize+realsize > qn.srealsize {
			return true
		}
	}
	return false
}

// testQuota checks a node and every ancestor chain (hardlinked files
// can be reached along several).
func (m *Master) testQuota(node *fsNode, inodes uint32, length, size, realsize uint64) bool {
	if m.testQuotaNoParents(node, inodes, length, size, realsize) {
		return true
	}
	if node != nil && node != m.root {
		for e := node.parents; e != nil; e = e.nextParent {
			if m.testQuota(e.parent, inodes, length, size, realsize) {
				return true
			}
		}
	}
	return false
}

// testQuotaForUncommonNodes peels the common ancestor prefix of src
// and dst and tests only the destination-only part, so a move inside
// one subtree bypasses its own quota.
func (m *Master) testQuotaForUncommonNodes(dstnode, srcnode *fsNode, inodes uint32, length, size, realsize uint64) bool {
	if dstnode == srcnode {
		return false
	}
	chain := func(n *fsNode) []*fsNode {
		var out []*fsNode
		for n != nil {
			if n.dir != nil && n.dir.quota != nil {
				out = append(out, n)
			}
			if n.parents != nil {
				n = n.parents.parent
			} else {
				n = nil
			}
		}
		// reverse to root-first order for prefix peeling
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
		return out
	}
	dchain := chain(dstnode)
	schain := chain(srcnode)
	i := 0
	for i < len(dchain) && i < len(schain) && dchain[i] == schain[i] {
		i++
	}
	for _, n := range dchain[i:] {
		if m.testQuota(n, inodes, length, size, realsize) {
			return true
		}
	}
	return false
}

// quotaFixSpace clamps reported total/avail space to the tightest
// length/size/realsize quota on a session's root directory.
func (m *Master) quotaFixSpace(node *fsNode, totalspace, availspace *uint64) {
	if node == nil || node.typ != TypeDirectory || node.dir.quota == nil {
		return
	}
	qn := node.dir.quota
	var sr statsRecord
	m.getStats(node, &sr, 2)
	clamp := func(flags uint8, hflag, sflag uint8, hval, sval, cur uint64) {
		if flags&(hflag|sflag) == 0 {
			return
		}
		quotasize := uint64(0xFFFFFFFFFFFFFFFF)
		if flags&hflag != 0 && quotasize > hval {
			quotasize = hval
		}
		if flags&sflag != 0 && quotasize > sval {
			quotasize = sval
		}
		if cur >= quotasize {
			*availspace = 0
		} else if *availspace > quotasize-cur {
			*availspace = quotasize - cur
		}
		if *totalspace > quotasize {
			*totalspace = quotasize
		}
		if cur+*availspace < *totalspace {
			*totalspace = cur + *availspace
		}
	}
	clamp(qn.flags, QuotaFlagHRealsize, QuotaFlagSRealsize, qn.hrealsize, qn.srealsize, sr.realsize)
	clamp(qn.flags, QuotaFlagHSize, QuotaFlagSSize, qn.hsize, qn.ssize, sr.size)
	clamp(qn.flags, QuotaFlagHLength, QuotaFlagSLength, qn.hlength, qn.slength, sr.length)
}

// QuotaControl reads, sets or deletes the quota of a directory.
// When set is nil the current state is returned.
func (m *Master) QuotaControl(ctx Context, inode Ino, del bool, set *QuotaInfo) (*QuotaInfo, Status) {
	if (del || set != nil) && ctx.SesFlags&SesflagAdmin == 0 && ctx.UID != 0 {
		return nil, EPERM
	}
	p := m.nodeFind(ctx, inode, false)
	if p == nil {
		return nil, ENOENT
	}
	if p.typ != TypeDirectory {
		return nil, EPERM
	}
	ts := m.now()
	qn := p.dir.quota
	switch {
	case del:
		if qn != nil {
			m.deleteQuotaNode(p)
			m.appendChangelog(ts, "QUOTA(%d,0,0,0,0,0,0,0,0,0,0,0,0)", p.inode)
		}
		return &QuotaInfo{Inode: inode}, OK
	case set != nil:
		if qn == nil {
			qn = m.newQuotaNode(p)
		}
		qn.flags = set.Flags
		qn.graceperiod = set.GracePeriod
		if qn.graceperiod == 0 {
			qn.graceperiod = m.conf.QuotaGracePeriod
		}
		qn.sinodes, qn.hinodes = set.SInodes, set.HInodes
		qn.slength, qn.hlength = set.SLength, set.HLength
		qn.ssize, qn.hsize = set.SSize, set.HSize
		qn.srealsize, qn.hrealsize = set.SRealsize, set.HRealsize
		qn.stimestamp = 0
		qn.exceeded = false
		m.checkQuotaNode(qn, ts)
		if qn.stimestamp == 0 && !qn.exceeded {
			// state unchanged by the check: still record the new limits
			m.appendChangelog(ts, "QUOTA(%d,%d,%d,%d,%d,%d,%d,%d,%d,%d,%d,%d,%d)",
				qn.node.inode, b2u(qn.exceeded), qn.flags, qn.stimestamp,
				qn.sinodes, qn.hinodes, qn.slength, qn.hlength,
				qn.ssize, qn.hsize, qn.srealsize, qn.hrealsize, qn.graceperiod)
		}
	}
	if qn == nil {
		return nil, ENOATTR
	}
	return &QuotaInfo{
		Inode:       inode,
		GracePeriod: qn.graceperiod,
		Exceeded:    qn.exceeded,
		Flags:       qn.flags,
		STimestamp:  qn.stimestamp,
		SInodes:     qn.sinodes,
		HInodes:     qn.hinodes,
		SLength:     qn.slength,
		HLength:     qn.hlength,
		SSize:       qn.ssize,
		HSize:       qn.hsize,
		SRealsize:   qn.srealsize,
		HRealsize:   qn.hrealsize,
	}, OK
}

// QuotaList reports every quota node.
func (m *Master) QuotaList() []QuotaInfo {
	var out []QuotaInfo
	for qn := m.quotahead; qn != nil; qn = qn.next {
		out = append(out, QuotaInfo{
			Inode:       qn.node.inode,
			GracePeriod: qn.graceperiod,
			Exceeded:    qn.exceeded,
			Flags:       qn.flags,
			STimestamp:  qn.stimestamp,
			SInodes:     qn.sinodes,
			HInodes:     qn.hinodes,
			SLength:     qn.slength,
			HLength:     qn.hlength,
			SSize:       qn.ssize,
			HSize:       qn.hsize,
			SRealsize:   qn.srealsize,
			HRealsize:   qn.hrealsize,
		})
	}
	return out
}

func b2u(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
