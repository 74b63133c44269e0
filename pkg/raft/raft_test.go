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

type sentMsg struct {
	to  NodeID
	rv  *RequestVote
	ae  *AppendEntries
	is  *InstallSnapshot
}

type testHarness struct {
	sent    []sentMsg
	applied []Entry
	term    Term
	vote    NodeID
}

func (h *testHarness) callbacks() Callbacks {
	return Callbacks{
		SendRequestVote: func(s *Server, n *Node, msg *RequestVote) error {
			h.sent = append(h.sent, sentMsg{to: n.ID, rv: msg})
			return nil
		},
		SendAppendEntries: func(s *Server, n *Node, msg *AppendEntries) error {
			h.sent = append(h.sent, sentMsg{to: n.ID, ae: msg})
			return nil
		},
		SendInstallSnapshot: func(s *Server, n *Node, msg *InstallSnapshot) error {
			h.sent = append(h.sent, sentMsg{to: n.ID, is: msg})
			return nil
		},
		ApplyLog: func(s *Server, e *Entry, idx Index) error {
			h.applied = append(h.applied, *e)
			return nil
		},
		PersistTerm: func(s *Server, term Term, vote NodeID) error {
			h.term = term
			h.vote = vote
			return nil
		},
		PersistVote: func(s *Server, vote NodeID) error {
			h.vote = vote
			return nil
		},
		LogGetNodeID: func(s *Server, e *Entry, idx Index) NodeID {
			return NodeID(e.Data[0])
		},
	}
}

func (h *testHarness) lastRequestVote() *RequestVote {
	for i := len(h.sent) - 1; i >= 0; i-- {
		if h.sent[i].rv != nil {
			return h.sent[i].rv
		}
	}
	return nil
}

func (h *testHarness) lastAppendEntries() *AppendEntries {
	for i := len(h.sent) - 1; i >= 0; i-- {
		if h.sent[i].ae != nil {
			return h.sent[i].ae
		}
	}
	return nil
}

func newTestServer(h *testHarness, ids ...NodeID) *Server {
	s := New()
	s.SetCallbacks(h.callbacks(), nil)
	s.SetElectionTimeout(1000)
	for i, id := range ids {
		s.AddNode(id, nil, i == 0)
	}
	return s
}

func appendNormal(t *testing.T, s *Server, term Term, id uint32) {
	t.Helper()
	n, err := s.log.append([]Entry{{Term: term, ID: id, Type: EntryNormal}})
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestNewServerIsFollower(t *testing.T) {
	s := New()
	assert.True(t, s.IsFollower())
	assert.Equal(t, Term(0), s.CurrentTerm())
	assert.Equal(t, noNode, s.VotedFor())
	assert.Equal(t, Index(0), s.CurrentIdx())
}

func TestElectionTimeoutRandomized(t *testing.T) {
	s := New()
	s.SetElectionTimeout(1000)
	// [T, 2T)
	for i := 0; i < 20; i++ {
		s.randomizeElectionTimeout()
		assert.GreaterOrEqual(t, s.ElectionTimeoutRand(), 1000)
		assert.Less(t, s.ElectionTimeoutRand(), 2000)
	}
}

func TestFollowerStartsPrevoteOnTimeout(t *testing.T) {
	h := &testHarness{}
	s := newTestServer(h, 1, 2, 3)
	require.NoError(t, s.Periodic(s.ElectionTimeoutRand()+1))
	assert.True(t, s.IsPrevoteCandidate())
	// prevote probes the next term without entering it
	assert.Equal(t, Term(0), s.CurrentTerm())
	rv := h.lastRequestVote()
	require.NotNil(t, rv)
	assert.True(t, rv.Prevote)
	assert.Equal(t, Term(1), rv.Term)
}

func TestPrevoteMajorityEntersRealElection(t *testing.T) {
	h := &testHarness{}
	s := newTestServer(h, 1, 2, 3)
	require.NoError(t, s.Periodic(s.ElectionTimeoutRand()+1))
	require.True(t, s.IsPrevoteCandidate())

	n2 := s.GetNode(2)
	require.NoError(t, s.RecvRequestVoteResponse(n2, &RequestVoteResponse{
		Term: 0, VoteGranted: VoteGranted, Prevote: true,
	}))
	// majority of prevotes: term increments, votes for itself, real votes go out
	assert.True(t, s.IsCandidate())
	assert.False(t, s.IsPrevoteCandidate())
	assert.Equal(t, Term(1), s.CurrentTerm())
	assert.Equal(t, NodeID(1), s.VotedFor())
	assert.Equal(t, NodeID(1), h.vote, "vote persisted")
	rv := h.lastRequestVote()
	require.NotNil(t, rv)
	assert.False(t, rv.Prevote)

	require.NoError(t, s.RecvRequestVoteResponse(n2, &RequestVoteResponse{
		Term: 1, VoteGranted: VoteGranted,
	}))
	assert.True(t, s.IsLeader())
}

func TestSingleVotingNodeBecomesLeader(t *testing.T) {
	h := &testHarness{}
	s := newTestServer(h, 1)
	require.NoError(t, s.Periodic(1))
	assert.True(t, s.IsLeader())
	idx, err := s.RecvEntry(&Entry{ID: 9, Type: EntryNormal})
	require.NoError(t, err)
	assert.Equal(t, Index(1), idx)
	assert.Equal(t, Index(1), s.CommitIdx(), "sole voter commits at once")
}

func TestGrantVoteOnlyOncePerTerm(t *testing.T) {
	h := &testHarness{}
	s := newTestServer(h, 1, 2, 3)
	var r RequestVoteResponse
	require.NoError(t, s.RecvRequestVote(s.GetNode(2), &RequestVote{
		Term: 1, CandidateID: 2,
	}, &r))
	assert.Equal(t, VoteGranted, r.VoteGranted)
	assert.Equal(t, NodeID(2), s.VotedFor())

	require.NoError(t, s.RecvRequestVote(s.GetNode(3), &RequestVote{
		Term: 1, CandidateID: 3,
	}, &r))
	assert.Equal(t, VoteNotGranted, r.VoteGranted, "voted_for is never reset within a term")
}

func TestVoteRequiresUpToDateLog(t *testing.T) {
	h := &testHarness{}
	s := newTestServer(h, 1, 2, 3)
	appendNormal(t, s, 2, 1)
	appendNormal(t, s, 2, 2)

	var r RequestVoteResponse
	// stale last-log term
	require.NoError(t, s.RecvRequestVote(s.GetNode(2), &RequestVote{
		Term: 3, CandidateID: 2, LastLogIdx: 5, LastLogTerm: 1,
	}, &r))
	assert.Equal(t, VoteNotGranted, r.VoteGranted)

	// same term, shorter log
	require.NoError(t, s.RecvRequestVote(s.GetNode(2), &RequestVote{
		Term: 3, CandidateID: 2, LastLogIdx: 1, LastLogTerm: 2,
	}, &r))
	assert.Equal(t, VoteNotGranted, r.VoteGranted)

	// same term, log at least as long
	require.NoError(t, s.RecvRequestVote(s.GetNode(2), &RequestVote{
		Term: 3, CandidateID: 2, LastLogIdx: 2, LastLogTerm: 2,
	}, &r))
	assert.Equal(t, VoteGranted, r.VoteGranted)
}

func TestLeaderStickinessRejectsVotes(t *testing.T) {
	h := &testHarness{}
	s := newTestServer(h, 1, 2, 3)
	// hear from a leader
	var aer AppendEntriesResponse
	require.NoError(t, s.RecvAppendEntries(s.GetNode(2), &AppendEntries{Term: 1}, &aer))
	require.Equal(t, NodeID(2), s.LeaderID())

	var r RequestVoteResponse
	require.NoError(t, s.RecvRequestVote(s.GetNode(3), &RequestVote{
		Term: 2, CandidateID: 3, Prevote: true,
	}, &r))
	assert.Equal(t, VoteNotGranted, r.VoteGranted, "fresh leader contact blocks prevotes")
	require.NoError(t, s.RecvRequestVote(s.GetNode(3), &RequestVote{
		Term: 2, CandidateID: 3,
	}, &r))
	assert.Equal(t, VoteNotGranted, r.VoteGranted, "and real votes")
}

func TestAppendEntriesRejectsStaleTerm(t *testing.T) {
	h := &testHarness{}
	s := newTestServer(h, 1, 2)
	require.NoError(t, s.setCurrentTerm(2))
	var r AppendEntriesResponse
	require.NoError(t, s.RecvAppendEntries(s.GetNode(2), &AppendEntries{Term: 1}, &r))
	assert.False(t, r.Success)
	assert.Equal(t, Term(2), r.Term)
}

func TestAppendEntriesAppendsAndCommits(t *testing.T) {
	h := &testHarness{}
	s := newTestServer(h, 1, 2)
	var r AppendEntriesResponse
	ae := &AppendEntries{
		Term:         1,
		Entries:      []Entry{{Term: 1, ID: 1}, {Term: 1, ID: 2}},
		LeaderCommit: 1,
	}
	require.NoError(t, s.RecvAppendEntries(s.GetNode(2), ae, &r))
	assert.True(t, r.Success)
	assert.Equal(t, Index(2), r.CurrentIdx)
	assert.Equal(t, Index(1), s.CommitIdx())
	require.NoError(t, s.Periodic(1))
	require.Len(t, h.applied, 1)
	assert.Equal(t, uint32(1), h.applied[0].ID)
}

func TestAppendEntriesTruncatesConflict(t *testing.T) {
	h := &testHarness{}
	s := newTestServer(h, 1, 2)
	require.NoError(t, s.setCurrentTerm(2))
	appendNormal(t, s, 1, 1)
	appendNormal(t, s, 1, 2)
	appendNormal(t, s, 1, 3)

	// conflicting entry at index 2: everything from there is dropped
	var r AppendEntriesResponse
	ae := &AppendEntries{
		Term:        2,
		PrevLogIdx:  1,
		PrevLogTerm: 1,
		Entries:     []Entry{{Term: 2, ID: 9}},
	}
	require.NoError(t, s.RecvAppendEntries(s.GetNode(2), ae, &r))
	assert.True(t, r.Success)
	assert.Equal(t, Index(2), s.CurrentIdx())
	assert.Equal(t, Term(2), s.EntryAt(2).Term)
	assert.Equal(t, uint32(9), s.EntryAt(2).ID)
}

func TestAppendEntriesConflictBelowCommitIsFatal(t *testing.T) {
	h := &testHarness{}
	s := newTestServer(h, 1, 2)
	appendNormal(t, s, 1, 1)
	appendNormal(t, s, 1, 2)
	var r AppendEntriesResponse
	require.NoError(t, s.RecvAppendEntries(s.GetNode(2), &AppendEntries{
		Term: 1, PrevLogIdx: 2, PrevLogTerm: 1, LeaderCommit: 2,
	}, &r))
	require.Equal(t, Index(2), s.CommitIdx())

	err := s.RecvAppendEntries(s.GetNode(2), &AppendEntries{
		Term: 1, PrevLogIdx: 1, PrevLogTerm: 1,
		Entries: []Entry{{Term: 3, ID: 7}},
	}, &r)
	assert.Equal(t, ErrShutdown, err, "a committed entry may never be replaced")
}

func TestLeaderCommitNeedsMajorityAndOwnTerm(t *testing.T) {
	h := &testHarness{}
	s := newTestServer(h, 1, 2, 3)
	require.NoError(t, s.setCurrentTerm(1))
	s.becomeLeader()
	// an entry from an older term...
	appendNormal(t, s, 0, 1)
	// ...and one from the leader's own term
	appendNormal(t, s, 1, 2)

	n2 := s.GetNode(2)
	n2.setNextIdx(1)
	require.NoError(t, s.RecvAppendEntriesResponse(n2, &AppendEntriesResponse{
		Term: 1, Success: true, CurrentIdx: 1, FirstIdx: 1,
	}))
	assert.Equal(t, Index(0), s.CommitIdx(), "old-term entries never commit alone")

	require.NoError(t, s.RecvAppendEntriesResponse(n2, &AppendEntriesResponse{
		Term: 1, Success: true, CurrentIdx: 2, FirstIdx: 1,
	}))
	assert.Equal(t, Index(2), s.CommitIdx(), "own-term majority commits everything below")
}

func TestLeaderStepsDownOnHigherTermResponse(t *testing.T) {
	h := &testHarness{}
	s := newTestServer(h, 1, 2, 3)
	require.NoError(t, s.setCurrentTerm(1))
	s.becomeLeader()
	require.NoError(t, s.RecvAppendEntriesResponse(s.GetNode(2), &AppendEntriesResponse{
		Term: 5, Success: false,
	}))
	assert.True(t, s.IsFollower())
	assert.Equal(t, Term(5), s.CurrentTerm())
	assert.Equal(t, noNode, s.LeaderID())
}

func TestFailedResponseWalksNextIdxBack(t *testing.T) {
	h := &testHarness{}
	s := newTestServer(h, 1, 2)
	require.NoError(t, s.setCurrentTerm(1))
	s.becomeLeader()
	for i := 1; i <= 5; i++ {
		appendNormal(t, s, 1, uint32(i))
	}
	n2 := s.GetNode(2)
	n2.setNextIdx(5)
	require.NoError(t, s.RecvAppendEntriesResponse(n2, &AppendEntriesResponse{
		Term: 1, Success: false, CurrentIdx: 2, FirstIdx: 5,
	}))
	assert.Equal(t, Index(3), n2.NextIdx(), "jumps to the follower's actual tail")
	ae := h.lastAppendEntries()
	require.NotNil(t, ae)
	assert.Equal(t, Index(2), ae.PrevLogIdx)
}

func TestRecvEntryRequiresLeader(t *testing.T) {
	h := &testHarness{}
	s := newTestServer(h, 1, 2)
	_, err := s.RecvEntry(&Entry{ID: 1})
	assert.Equal(t, ErrNotLeader, err)
}

func TestOnlyOneVotingChangeInFlight(t *testing.T) {
	h := &testHarness{}
	s := newTestServer(h, 1, 2, 3)
	require.NoError(t, s.setCurrentTerm(1))
	s.becomeLeader()
	_, err := s.RecvEntry(&Entry{ID: 1, Type: EntryAddNode, Data: []byte{4}})
	require.NoError(t, err)
	assert.True(t, s.VotingChangeInProgress())
	_, err = s.RecvEntry(&Entry{ID: 2, Type: EntryDemoteNode, Data: []byte{2}})
	assert.Equal(t, ErrOneVotingChangeOnly, err)
}

func TestNonvotingCatchupTriggersSufficientLogs(t *testing.T) {
	h := &testHarness{}
	s := newTestServer(h, 1, 2, 3)
	require.NoError(t, s.setCurrentTerm(1))
	s.becomeLeader()
	var notified *Node
	cb := h.callbacks()
	cb.NodeHasSufficientLogs = func(_ *Server, n *Node) error {
		notified = n
		return nil
	}
	s.SetCallbacks(cb, nil)
	appendNormal(t, s, 1, 1)

	n4 := s.AddNonVotingNode(4, nil, false)
	require.NotNil(t, n4)
	require.NoError(t, s.RecvAppendEntriesResponse(n4, &AppendEntriesResponse{
		Term: 1, Success: true, CurrentIdx: 1, FirstIdx: 1,
	}))
	require.NotNil(t, notified)
	assert.Equal(t, NodeID(4), notified.ID)
	assert.True(t, n4.HasSufficientLogs())
}

func TestSnapshotBeginEndCompactsLog(t *testing.T) {
	h := &testHarness{}
	s := newTestServer(h, 1, 2)
	require.NoError(t, s.setCurrentTerm(1))
	s.becomeLeader()
	for i := 1; i <= 4; i++ {
		appendNormal(t, s, 1, uint32(i))
	}
	n2 := s.GetNode(2)
	require.NoError(t, s.RecvAppendEntriesResponse(n2, &AppendEntriesResponse{
		Term: 1, Success: true, CurrentIdx: 3, FirstIdx: 1,
	}))
	require.Equal(t, Index(3), s.CommitIdx())

	require.NoError(t, s.BeginSnapshot(2))
	assert.True(t, s.SnapshotInProgress())
	assert.Equal(t, Index(3), s.LastAppliedIdx(), "begin applies everything committed")
	require.NoError(t, s.EndSnapshot())
	assert.False(t, s.SnapshotInProgress())
	assert.Equal(t, Index(2), s.LogBase())
	assert.Nil(t, s.EntryAt(2), "compacted entries are gone")
	assert.NotNil(t, s.EntryAt(3))

	// a peer below the snapshot boundary gets an InstallSnapshot
	n2.setNextIdx(1)
	require.NoError(t, s.sendAppendEntries(n2))
	last := h.sent[len(h.sent)-1]
	require.NotNil(t, last.is)
	assert.Equal(t, Index(2), last.is.LastIdx)
	assert.Equal(t, Term(1), last.is.LastTerm)
}

func TestFollowerInstallSnapshot(t *testing.T) {
	h := &testHarness{}
	s := newTestServer(h, 1, 2)
	completed := false
	cb := h.callbacks()
	cb.RecvInstallSnapshot = func(_ *Server, _ *Node, is *InstallSnapshot, r *InstallSnapshotResponse) (int, error) {
		completed = true
		return 1, nil
	}
	s.SetCallbacks(cb, nil)
	var r InstallSnapshotResponse
	require.NoError(t, s.RecvInstallSnapshot(s.GetNode(2), &InstallSnapshot{
		Term: 1, LastIdx: 5, LastTerm: 1,
	}, &r))
	assert.True(t, completed)
	assert.True(t, r.Complete)
	assert.True(t, s.IsFollower())
	assert.Equal(t, NodeID(2), s.LeaderID())
}

func TestIsolatedLeaderRejoins(t *testing.T) {
	// B wins an election at term 6 while old leader A is partitioned;
	// on rejoin A steps down at the higher term and its uncommitted
	// tail is replaced
	h := &testHarness{}
	a := newTestServer(h, 1, 2, 3)
	require.NoError(t, a.setCurrentTerm(5))
	a.becomeLeader()
	appendNormal(t, a, 5, 100) // uncommitted tail while partitioned

	var r AppendEntriesResponse
	require.NoError(t, a.RecvAppendEntries(a.GetNode(2), &AppendEntries{
		Term: 6, PrevLogIdx: 0, PrevLogTerm: 0,
		Entries: []Entry{{Term: 6, ID: 200}},
	}, &r))
	assert.True(t, a.IsFollower())
	assert.Equal(t, Term(6), a.CurrentTerm())
	assert.True(t, r.Success)
	assert.Equal(t, Term(6), a.EntryAt(1).Term, "uncommitted tail replaced")
	assert.Equal(t, Index(1), a.CurrentIdx())
}
