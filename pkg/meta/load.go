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
	"bufio"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Crash recovery: pick the best on-disk image, load it section by
// section, rebuild derived state, then replay every changelog line
// newer than the image in strict version order.

type imageInfo struct {
	path        string
	metaversion uint64
	metaid      uint64
}

// CheckImageFile validates magic, header and EOF marker of one image.
func CheckImageFile(path string) (*imageInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	hdr := make([]byte, 24)
	if _, err = io.ReadFull(f, hdr); err != nil {
		return nil, errors.Wrap(err, "short header")
	}
	if string(hdr[:8]) != metaMagic {
		return nil, errors.New("bad magic")
	}
	info := &imageInfo{
		path:        path,
		metaversion: binary.BigEndian.Uint64(hdr[8:16]),
		metaid:      binary.BigEndian.Uint64(hdr[16:24]),
	}
	if _, err = f.Seek(-16, io.SeekEnd); err != nil {
		return nil, err
	}
	tail := make([]byte, 16)
	if _, err = io.ReadFull(f, tail); err != nil {
		return nil, err
	}
	if string(tail) != metaEOF {
		return nil, errors.New("missing EOF marker")
	}
	return info, nil
}

// ImageInfo is the validated header of a metadata image.
type ImageInfo struct {
	MetaVersion uint64
	MetaID      uint64
}

// CheckImage validates one image file and returns its header.
func CheckImage(path string) (*ImageInfo, error) {
	info, err := CheckImageFile(path)
	if err != nil {
		return nil, err
	}
	return &ImageInfo{MetaVersion: info.metaversion, MetaID: info.metaid}, nil
}

// Load reads one image into an empty engine.
func (m *Master) Load(r io.Reader) error {
	br := bufio.NewReaderSize(r, 1<<20)
	hdr := make([]byte, 24)
	if _, err := io.ReadFull(br, hdr); err != nil {
		return errors.Wrap(err, "read header")
	}
	if string(hdr[:8]) != metaMagic {
		return errors.New("bad metadata magic")
	}
	m.metaversion = binary.BigEndian.Uint64(hdr[8:16])
	m.metaid = binary.BigEndian.Uint64(hdr[16:24])
	for {
		shdr := make([]byte, 16)
		if _, err := io.ReadFull(br, shdr); err != nil {
			return errors.Wrap(err, "read section header")
		}
		if string(shdr) == metaEOF {
			break
		}
		tag := string(shdr[:4])
		if shdr[4] != ' ' || shdr[6] != '.' {
			return errors.Errorf("malformed section header %q", shdr)
		}
		ver := (shdr[5]-'0')<<4 | (shdr[7] - '0')
		size := binary.BigEndian.Uint64(shdr[8:16])
		payload := make([]byte, size)
		if _, err := io.ReadFull(br, payload); err != nil {
			return errors.Wrapf(err, "read section %s", tag)
		}
		known, ok := sectionVersions[tag]
		if !ok {
			if !m.conf.IgnoreErrors {
				return errors.Errorf("unknown metadata section %q", tag)
			}
			logger.Warnf("ignoring unknown metadata section %q", tag)
			continue
		}
		if ver > known {
			return errors.Errorf("section %s version %d.%d is newer than supported", tag, ver>>4, ver&0xF)
		}
		if err := m.loadSection(tag, payload); err != nil {
			return errors.Wrapf(err, "load section %s", tag)
		}
	}
	m.afterLoad()
	return nil
}

func (m *Master) loadSection(tag string, payload []byte) error {
	switch tag {
	case "NODE":
		return m.loadNodes(payload)
	case "EDGE":
		return m.loadEdges(payload)
	case "FREE":
		return m.loadFree(payload)
	case "QUOT":
		return m.loadQuotas(payload)
	case "XATR":
		return m.loadXattrs(payload)
	case "PACL":
		return m.loadAcls(payload)
	case "OPEN":
		return m.loadOpenFiles(payload)
	case "CHNK":
		if len(payload) >= 8 {
			m.chunks.SetNextID(binary.BigEndian.Uint64(payload))
		}
		return nil
	default:
		return nil
	}
}

type reader struct {
	b []byte
}

func (r *reader) u8() uint8 {
	v := r.b[0]
	r.b = r.b[1:]
	return v
}

func (r *reader) u16() uint16 {
	v := binary.BigEndian.Uint16(r.b)
	r.b = r.b[2:]
	return v
}

func (r *reader) u32() uint32 {
	v := binary.BigEndian.Uint32(r.b)
	r.b = r.b[4:]
	return v
}

func (r *reader) u64() uint64 {
	v := binary.BigEndian.Uint64(r.b)
	r.b = r.b[8:]
	return v
}

func (r *reader) bytes(n int) []byte {
	v := r.b[:n]
	r.b = r.b[n:]
	return v
}

func (m *Master) loadNodes(payload []byte) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.Errorf("truncated NODE section: %v", p)
		}
	}()
	r := &reader{payload}
	maxnodeid := Ino(r.u32())
	count := r.u32()
	m.ids.rebuild(maxnodeid)
	for i := uint32(0); i < count; i++ {
		typ := r.u8()
		n := m.nodePool.alloc(typ)
		n.typ = typ
		n.inode = Ino(r.u32())
		n.ctime = r.u32()
		n.mtime = r.u32()
		n.atime = r.u32()
		n.uid = r.u32()
		n.gid = r.u32()
		n.mode = r.u16()
		n.sclassid = r.u8()
		n.eattr = r.u8()
		n.winattr = r.u8()
		n.trashtime = r.u16()
		flags := r.u8()
		n.xattrflag = flags&1 != 0
		n.aclpermflag = flags&2 != 0
		n.acldefflag = flags&4 != 0
		switch {
		case n.isFileKind():
			n.file.length = r.u64()
			chunks := r.u32()
			if chunks > 0 {
				n.file.chunktab = m.chunktabPool.alloc(chunks)
				for j := uint32(0); j < chunks; j++ {
					n.file.chunktab[j] = r.u64()
				}
			}
			n.file.realsizeRatio = m.sclass.keepMaxGoal(n.sclassid)
			m.filenodes++
		case typ == TypeSymlink:
			pleng := r.u32()
			if pleng > 0 {
				n.sym.path = m.symlinkPool.alloc(int(pleng))
				copy(n.sym.path, r.bytes(int(pleng)))
			}
		case typ == TypeBlockDev || typ == TypeCharDev:
			n.dev.rdev = r.u32()
		case typ == TypeDirectory:
			n.dir.nlink = 2
			m.dirnodes++
		}
		m.sclass.incref(n.sclassid, n.typ)
		if m.ids.isUsed(n.inode) {
			return errors.Errorf("duplicate inode %d", n.inode)
		}
		m.ids.markUsed(n.inode)
		m.nodetab.add(n, m.hashElements)
		m.hashElements++
		m.nodes++
	}
	m.root = m.nodetab.find(RootIno)
	if m.root == nil || m.root.typ != TypeDirectory {
		return errors.New("root inode missing")
	}
	m.nodeGauge.Set(float64(m.nodes))
	return nil
}

func (m *Master) loadEdges(payload []byte) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.Errorf("truncated EDGE section: %v", p)
		}
	}()
	r := &reader{payload}
	count := r.u32()
	m.nextedgeid = r.u64()
	for i := uint32(0); i < count; i++ {
		parentIno := Ino(r.u32())
		childIno := Ino(r.u32())
		edgeid := r.u64()
		nleng := int(r.u16())
		name := r.bytes(nleng)
		child := m.nodetab.find(childIno)
		if child == nil {
			return errors.Errorf("edge to missing inode %d", childIno)
		}
		if parentIno == 0 {
			e := m.edgePool.alloc()
			e.edgeid = edgeid
			e.name = m.namePool.alloc(nleng)
			copy(e.name, name)
			e.child = child
			switch child.typ {
			case TypeTrash:
				bid := uint32(childIno) % TrashBuckets
				e.nextChild = m.trash[bid]
				e.prevChild = &m.trash[bid]
				if e.nextChild != nil {
					e.nextChild.prevChild = &e.nextChild
				}
				m.trash[bid] = e
				m.trashspace += child.file.length
				m.trashnodes++
			case TypeSustained:
				bid := uint32(childIno) % SustainedBuckets
				e.nextChild = m.sustained[bid]
				e.prevChild = &m.sustained[bid]
				if e.nextChild != nil {
					e.nextChild.prevChild = &e.nextChild
				}
				m.sustained[bid] = e
				m.sustainedspace += child.file.length
				m.sustainednodes++
			default:
				return errors.Errorf("detached edge to non-detached inode %d", childIno)
			}
			e.prevParent = &child.parents
			e.nextParent = child.parents
			if e.nextParent != nil {
				e.nextParent.prevParent = &e.nextParent
			}
			child.parents = e
			continue
		}
		parent := m.nodetab.find(parentIno)
		if parent == nil || parent.typ != TypeDirectory {
			return errors.Errorf("edge from bad parent inode %d", parentIno)
		}
		e := m.edgePool.alloc()
		e.edgeid = edgeid
		e.name = m.namePool.alloc(nleng)
		copy(e.name, name)
		e.child = child
		e.parent = parent
		e.nextChild = parent.dir.children
		if e.nextChild != nil {
			e.nextChild.prevChild = &e.nextChild
		}
		parent.dir.children = e
		e.prevChild = &parent.dir.children
		e.nextParent = child.parents
		if e.nextParent != nil {
			e.nextParent.prevParent = &e.nextParent
		}
		child.parents = e
		e.prevParent = &child.parents
		m.edgetab.add(e, m.hashElements)
		m.hashElements++
		m.edgeIndexInsert(e)
		parent.dir.elements++
	}
	return nil
}

func (m *Master) loadFree(payload []byte) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.Errorf("truncated FREE section: %v", p)
		}
	}()
	r := &reader{payload}
	count := r.u32()
	for i := uint32(0); i < count; i++ {
		inode := Ino(r.u32())
		ftime := r.u32()
		m.ids.markUsed(inode)
		m.ids.release(inode, ftime)
	}
	return nil
}

func (m *Master) loadQuotas(payload []byte) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.Errorf("truncated QUOT section: %v", p)
		}
	}()
	r := &reader{payload}
	count := r.u32()
	for i := uint32(0); i < count; i++ {
		inode := Ino(r.u32())
		p := m.nodetab.find(inode)
		if p == nil || p.typ != TypeDirectory {
			return errors.Errorf("quota on bad inode %d", inode)
		}
		qn := m.newQuotaNode(p)
		qn.graceperiod = r.u32()
		qn.exceeded = r.u8() != 0
		qn.flags = r.u8()
		qn.stimestamp = r.u32()
		qn.sinodes = r.u32()
		qn.hinodes = r.u32()
		qn.slength = r.u64()
		qn.hlength = r.u64()
		qn.ssize = r.u64()
		qn.hsize = r.u64()
		qn.srealsize = r.u64()
		qn.hrealsize = r.u64()
	}
	return nil
}

func (m *Master) loadXattrs(payload []byte) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.Errorf("truncated XATR section: %v", p)
		}
	}()
	r := &reader{payload}
	count := r.u32()
	for i := uint32(0); i < count; i++ {
		inode := Ino(r.u32())
		nleng := int(r.u8())
		name := string(r.bytes(nleng))
		vleng := int(r.u32())
		value := append([]byte(nil), r.bytes(vleng)...)
		tab := m.xattrs[inode]
		if tab == nil {
			tab = make(map[string][]byte)
			m.xattrs[inode] = tab
		}
		tab[name] = value
	}
	return nil
}

func (m *Master) loadAcls(payload []byte) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.Errorf("truncated PACL section: %v", p)
		}
	}()
	r := &reader{payload}
	count := r.u32()
	for i := uint32(0); i < count; i++ {
		inode := Ino(r.u32())
		acltype := r.u8()
		rec := &aclRecord{
			userPerm:  r.u16(),
			groupPerm: r.u16(),
			otherPerm: r.u16(),
			mask:      r.u16(),
		}
		nu := int(r.u16())
		ng := int(r.u16())
		for j := 0; j < nu; j++ {
			rec.namedUsers = append(rec.namedUsers, aclEntry{id: r.u32(), perm: r.u16()})
		}
		for j := 0; j < ng; j++ {
			rec.namedGroups = append(rec.namedGroups, aclEntry{id: r.u32(), perm: r.u16()})
		}
		m.aclSet(inode, acltype, rec)
	}
	return nil
}

func (m *Master) loadOpenFiles(payload []byte) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.Errorf("truncated OPEN section: %v", p)
		}
	}()
	r := &reader{payload}
	count := r.u32()
	for i := uint32(0); i < count; i++ {
		inode := Ino(r.u32())
		m.openFiles[inode] = r.u32()
	}
	return nil
}

// afterLoad reconstructs derived state: per-inode link counts from
// the edge lists, directory statistics bottom-up, and the chunk
// store's file references.
func (m *Master) afterLoad() {
	m.nodetab.each(func(n *fsNode) {
		if n.isFileKind() {
			for i, chunkid := range n.file.chunktab {
				if chunkid > 0 {
					if !m.chunks.AddFile(chunkid, n.sclassid) {
						logger.Errorf("structure error - chunk %016X not found (inode: %d ; index: %d)", chunkid, n.inode, i)
					}
				}
			}
		}
	})
	m.nodetab.each(func(n *fsNode) {
		if n.typ == TypeDirectory {
			return
		}
		var nlink uint32
		for e := n.parents; e != nil; e = e.nextParent {
			if e.parent != nil {
				nlink++
			}
		}
		switch {
		case n.file != nil:
			n.file.nlink = nlink
		case n.sym != nil:
			n.sym.nlink = nlink
		case n.dev != nil:
			n.dev.nlink = nlink
		default:
			n.other.nlink = nlink
		}
	})
	var rebuild func(d *fsNode) statsRecord
	rebuild = func(d *fsNode) statsRecord {
		d.dir.stats = statsRecord{}
		d.dir.nlink = 2
		var elements uint32
		for e := d.dir.children; e != nil; e = e.nextChild {
			elements++
			var sr statsRecord
			if e.child.typ == TypeDirectory {
				sub := rebuild(e.child)
				sr = sub
				sr.inodes++
				sr.dirs++
				d.dir.nlink++
			} else {
				m.getStats(e.child, &sr, 1)
			}
			d.dir.stats.add(&sr)
		}
		d.dir.elements = elements
		return d.dir.stats
	}
	if m.root != nil {
		rebuild(m.root)
	}
}

// LoadAll picks the best metadata image in the data directory
// (considering backups and emergency saves), loads it and replays
// newer changelog lines. With fresh=true an empty filesystem is
// created when nothing is found.
func (m *Master) LoadAll(fresh bool) error {
	dir := m.conf.DataDir
	candidates := []string{
		filepath.Join(dir, "metadata.mfs"),
		filepath.Join(dir, "metadata.mfs.back"),
	}
	for i := 1; i <= int(m.conf.BackMetaKeepPrevious)+1; i++ {
		candidates = append(candidates, filepath.Join(dir, "metadata.mfs.back."+strconv.Itoa(i)))
	}
	for _, edir := range emergencyPaths() {
		matches, _ := filepath.Glob(filepath.Join(edir, "metadata.mfs.emergency.*"))
		candidates = append(candidates, matches...)
	}
	var mu sync.Mutex
	var valid []*imageInfo
	var g errgroup.Group
	for _, path := range candidates {
		path := path
		g.Go(func() error {
			info, err := CheckImageFile(path)
			if err != nil {
				if !os.IsNotExist(errors.Cause(err)) {
					logger.Warnf("metadata file %s is not usable: %s", path, err)
				}
				return nil
			}
			mu.Lock()
			valid = append(valid, info)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	if len(valid) == 0 {
		if fresh {
			logger.Infof("no metadata found - initializing empty filesystem")
			m.InitEmpty()
			return nil
		}
		return errors.New("no valid metadata file found")
	}
	sort.Slice(valid, func(i, j int) bool { return valid[i].metaversion > valid[j].metaversion })
	for _, info := range valid[1:] {
		if info.metaid != valid[0].metaid {
			if !m.conf.IgnoreErrors {
				return errors.Errorf("metadata files with different ids found (%s vs %s) - refusing to guess",
					valid[0].path, info.path)
			}
			logger.Warnf("ignoring metadata file %s with foreign meta id", info.path)
		}
	}
	best := valid[0]
	f, err := os.Open(best.path)
	if err != nil {
		return errors.Wrap(err, "open metadata")
	}
	err = m.Load(f)
	_ = f.Close()
	if err != nil {
		return errors.Wrapf(err, "load %s", best.path)
	}
	logger.Infof("metadata loaded from %s (version %d)", best.path, m.metaversion)
	if err := m.replayChangelogs(); err != nil {
		return err
	}
	if best.path == filepath.Join(dir, "metadata.mfs") {
		if err := os.Rename(best.path, filepath.Join(dir, "metadata.mfs.back")); err != nil {
			logger.Warnf("can't rename metadata.mfs: %s", err)
		}
	}
	return nil
}

type changelogFile struct {
	path         string
	firstVersion uint64
}

func openMaybeGzip(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if strings.HasSuffix(path, ".gz") {
		zr, err := gzip.NewReader(f)
		if err != nil {
			_ = f.Close()
			return nil, err
		}
		return struct {
			io.Reader
			io.Closer
		}{zr, f}, nil
	}
	return f, nil
}

func changelogFirstVersion(path string) (uint64, error) {
	r, err := openMaybeGzip(path)
	if err != nil {
		return 0, err
	}
	defer r.Close()
	br := bufio.NewReader(r)
	line, err := br.ReadString('\n')
	if err != nil && line == "" {
		return 0, errors.Wrap(err, "empty changelog")
	}
	return parseChangelogVersion(line)
}

func parseChangelogVersion(line string) (uint64, error) {
	idx := strings.Index(line, ": ")
	if idx < 0 {
		return 0, errors.New("malformed changelog line")
	}
	return strconv.ParseUint(line[:idx], 10, 64)
}

// replayChangelogs merges every changelog whose version range overlaps
// (loaded version, inf) and applies the lines in strict version order.
func (m *Master) replayChangelogs() error {
	dir := m.conf.DataDir
	var files []changelogFile
	for _, pattern := range []string{"changelog.*.mfs", "changelog.*.mfs.gz"} {
		matches, _ := filepath.Glob(filepath.Join(dir, pattern))
		for _, path := range matches {
			fv, err := changelogFirstVersion(path)
			if err != nil {
				logger.Warnf("skipping changelog %s: %s", path, err)
				continue
			}
			files = append(files, changelogFile{path, fv})
		}
	}
	// oldest first so versions increase across the merged stream
	sort.Slice(files, func(i, j int) bool { return files[i].firstVersion < files[j].firstVersion })
	applied := uint64(0)
	for _, cf := range files {
		r, err := openMaybeGzip(cf.path)
		if err != nil {
			return errors.Wrapf(err, "open changelog %s", cf.path)
		}
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 1<<20), 1<<20)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}
			v, err := parseChangelogVersion(line)
			if err != nil {
				logger.Warnf("changelog %s: %s", cf.path, err)
				continue
			}
			payload := line[strings.Index(line, ": ")+2:]
			switch {
			case v < m.metaversion:
				continue // already contained in the image
			case v > m.metaversion:
				if v-m.metaversion > m.conf.MaxIDHole {
					_ = r.Close()
					return errors.Errorf("changelog hole too big (%d -> %d)", m.metaversion, v)
				}
				logger.Warnf("changelog hole: version %d -> %d", m.metaversion, v)
				m.metaversion = v
			}
			if st := m.RestoreLine(payload); st != OK {
				if st == EMISMATCH && !m.conf.IgnoreErrors {
					_ = r.Close()
					return errors.Errorf("changelog replay mismatch at version %d", v)
				}
				logger.Warnf("changelog line %d replay status: %s", v, st)
				if st != OK {
					// the operation did not advance the version itself
					m.metaversion = v + 1
				}
			}
			applied++
		}
		err = scanner.Err()
		_ = r.Close()
		if err != nil {
			return errors.Wrapf(err, "read changelog %s", cf.path)
		}
	}
	if applied > 0 {
		logger.Infof("replayed %d changelog lines, metadata version now %d", applied, m.metaversion)
	}
	return nil
}
