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

package raft

// Ring-buffer log. base is the index just below the first live entry
// (entries compacted into a snapshot), baseTerm its term. Append,
// poll and delete run the storage callbacks, which may accept only a
// prefix of a batch; the buffer is updated to exactly what the
// callback took and the error bubbles up.

const logInitialSize = 10

type raftLog struct {
	entries  []Entry
	size     int
	front    int
	count    int
	base     Index
	baseTerm Term
	server   *Server
}

func newLog() *raftLog {
	return &raftLog{entries: make([]Entry, logInitialSize), size: logInitialSize}
}

func (l *raftLog) clear() {
	l.front = 0
	l.count = 0
	l.base = 0
	l.baseTerm = 0
}

// loadFromSnapshot resets the log to an empty state on top of a
// snapshot boundary.
func (l *raftLog) loadFromSnapshot(idx Index, term Term) {
	l.front = 0
	l.count = 0
	l.base = idx
	l.baseTerm = term
}

func (l *raftLog) ensureCapacity(n int) {
	if l.count+n <= l.size {
		return
	}
	size := l.size
	for size < l.count+n {
		size *= 2
	}
	entries := make([]Entry, size)
	for i := 0; i < l.count; i++ {
		entries[i] = l.entries[(l.front+i)%l.size]
	}
	l.entries = entries
	l.size = size
	l.front = 0
}

func (l *raftLog) hasIdx(idx Index) bool {
	return l.base < idx && idx <= l.base+Index(l.count)
}

func (l *raftLog) subscript(idx Index) int {
	return (l.front + int(idx-(l.base+1))) % l.size
}

// batchUp is the longest contiguous run starting at idx, capped at n.
func (l *raftLog) batchUp(idx Index, n int) int {
	lo := l.subscript(idx)
	hi := l.subscript(idx + Index(n) - 1)
	if lo <= hi {
		return hi - lo + 1
	}
	return l.size - lo
}

// batchDown is the longest contiguous run ending at idx, capped at n.
func (l *raftLog) batchDown(idx Index, n int) int {
	hi := l.subscript(idx)
	lo := l.subscript(idx - Index(n) + 1)
	if lo <= hi {
		return hi - lo + 1
	}
	return hi + 1
}

// getFrom returns the contiguous batch beginning at idx.
func (l *raftLog) getFrom(idx Index) []Entry {
	if !l.hasIdx(idx) {
		return nil
	}
	n := l.batchUp(idx, int((l.base+Index(l.count))-idx+1))
	s := l.subscript(idx)
	return l.entries[s : s+n]
}

func (l *raftLog) getAt(idx Index) *Entry {
	if !l.hasIdx(idx) {
		return nil
	}
	return &l.entries[l.subscript(idx)]
}

func (l *raftLog) currentIdx() Index {
	return l.base + Index(l.count)
}

// append adds entries, running the LogOffer callback batch-wise.
// Returns the number actually appended and the callback error.
func (l *raftLog) append(entries []Entry) (int, error) {
	l.ensureCapacity(len(entries))
	i := 0
	for i < len(entries) {
		idx := l.base + Index(l.count) + 1
		k := l.batchUp(idx, len(entries)-i)
		start := l.subscript(idx)
		copy(l.entries[start:start+k], entries[i:i+k])
		var err error
		if l.server != nil && l.server.cb.LogOffer != nil {
			k, err = l.server.cb.LogOffer(l.server, l.entries[start:start+k], idx)
		}
		if k > 0 {
			l.count += k
			i += k
			l.server.offerLog(l.entries[start:start+k], idx)
		}
		if err != nil {
			return i, err
		}
	}
	return i, nil
}

// delete removes every entry at idx and above, newest first.
func (l *raftLog) delete(idx Index) error {
	if !l.hasIdx(idx) {
		return errBadIndex
	}
	for idx <= l.base+Index(l.count) {
		tail := l.base + Index(l.count)
		k := l.batchDown(tail, int(tail-idx+1))
		start := l.subscript(tail - Index(k) + 1)
		var err error
		if l.server != nil && l.server.cb.LogPop != nil {
			k, err = l.server.cb.LogPop(l.server, l.entries[start:start+k], idx)
		}
		if k > 0 {
			l.server.popLog(l.entries[start:start+k], idx)
			l.count -= k
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// poll compacts entries up to and including idx into the base.
func (l *raftLog) poll(idx Index) error {
	if !l.hasIdx(idx) {
		return errBadIndex
	}
	for l.base+1 <= idx {
		k := l.batchUp(l.base+1, int(idx-(l.base+1)+1))
		var err error
		if l.server != nil && l.server.cb.LogPoll != nil {
			k, err = l.server.cb.LogPoll(l.server, l.entries[l.front:l.front+k], l.base+1)
		}
		if k > 0 {
			l.baseTerm = l.entries[l.subscript(l.base+Index(k))].Term
			l.front = (l.front + k) % l.size
			l.count -= k
			l.base += Index(k)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (l *raftLog) peekTail() *Entry {
	if l.count == 0 {
		return nil
	}
	return &l.entries[l.subscript(l.base+Index(l.count))]
}
