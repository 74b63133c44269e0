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

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLogServer(h *testHarness) *Server {
	s := New()
	s.SetCallbacks(h.callbacks(), nil)
	return s
}

func TestLogAppendAndGet(t *testing.T) {
	s := newLogServer(&testHarness{})
	l := s.log
	n, err := l.append([]Entry{{Term: 1, ID: 1}, {Term: 1, ID: 2}, {Term: 2, ID: 3}})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, Index(3), l.currentIdx())
	assert.Equal(t, uint32(2), l.getAt(2).ID)
	assert.Nil(t, l.getAt(0))
	assert.Nil(t, l.getAt(4))
	batch := l.getFrom(2)
	require.Len(t, batch, 2)
	assert.Equal(t, uint32(2), batch[0].ID)
	tail := l.peekTail()
	require.NotNil(t, tail)
	assert.Equal(t, uint32(3), tail.ID)
}

func TestLogGrowsPastInitialSize(t *testing.T) {
	s := newLogServer(&testHarness{})
	l := s.log
	for i := 1; i <= 100; i++ {
		_, err := l.append([]Entry{{Term: 1, ID: uint32(i)}})
		require.NoError(t, err)
	}
	assert.Equal(t, Index(100), l.currentIdx())
	for i := 1; i <= 100; i++ {
		require.Equal(t, uint32(i), l.getAt(Index(i)).ID)
	}
}

func TestLogDelete(t *testing.T) {
	s := newLogServer(&testHarness{})
	l := s.log
	_, err := l.append([]Entry{{Term: 1, ID: 1}, {Term: 1, ID: 2}, {Term: 1, ID: 3}})
	require.NoError(t, err)
	require.NoError(t, l.delete(2))
	assert.Equal(t, Index(1), l.currentIdx())
	assert.Nil(t, l.getAt(2))
	assert.Error(t, l.delete(5))
}

func TestLogPollMovesBase(t *testing.T) {
	s := newLogServer(&testHarness{})
	l := s.log
	_, err := l.append([]Entry{{Term: 1, ID: 1}, {Term: 2, ID: 2}, {Term: 3, ID: 3}})
	require.NoError(t, err)
	require.NoError(t, l.poll(2))
	assert.Equal(t, Index(2), l.base)
	assert.Equal(t, Term(2), l.baseTerm)
	assert.Equal(t, Index(3), l.currentIdx())
	assert.Nil(t, l.getAt(2))
	assert.Equal(t, uint32(3), l.getAt(3).ID)

	// appending after a poll continues above the new base
	_, err = l.append([]Entry{{Term: 3, ID: 4}, {Term: 3, ID: 5}})
	require.NoError(t, err)
	assert.Equal(t, Index(5), l.currentIdx())
	assert.Equal(t, uint32(5), l.getAt(5).ID)
}

func TestLogPartialOffer(t *testing.T) {
	h := &testHarness{}
	s := New()
	cb := h.callbacks()
	accept := 1
	var offered int
	cb.LogOffer = func(_ *Server, entries []Entry, idx Index) (int, error) {
		offered += len(entries)
		if len(entries) > accept {
			return accept, errBadIndex
		}
		return len(entries), nil
	}
	s.SetCallbacks(cb, nil)
	n, err := s.log.append([]Entry{{Term: 1, ID: 1}, {Term: 1, ID: 2}, {Term: 1, ID: 3}})
	assert.Error(t, err)
	assert.Equal(t, 1, n, "only what the callback accepted is in the log")
	assert.Equal(t, Index(1), s.log.currentIdx())
}

func TestLogLoadFromSnapshot(t *testing.T) {
	s := newLogServer(&testHarness{})
	l := s.log
	_, err := l.append([]Entry{{Term: 1, ID: 1}})
	require.NoError(t, err)
	l.loadFromSnapshot(10, 3)
	assert.Equal(t, Index(10), l.base)
	assert.Equal(t, Term(3), l.baseTerm)
	assert.Equal(t, 0, l.count)
	assert.Equal(t, Index(10), l.currentIdx())
}
