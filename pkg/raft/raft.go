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

// Package raft is a transport- and storage-agnostic Raft core with
// prevote and leader stickiness. The host wires it to the world
// through callbacks: message sends, log storage, durable term/vote
// and the applied state machine. It drives replication of the
// metadata changelog between masters.
package raft

import (
	"errors"
	"fmt"
	"math/rand"
)

// Index addresses a log position (first entry is 1). Term counts
// elections. NodeID identifies a cluster member; -1 means none.
type (
	Index  int64
	Term   int64
	NodeID int32
)

const noNode NodeID = -1

// EntryType separates ordinary entries from membership changes.
type EntryType int

const (
	EntryNormal EntryType = iota
	EntryAddNonvotingNode
	EntryAddNode
	EntryDemoteNode
	EntryRemoveNode
)

// Entry is one replicated log record.
type Entry struct {
	Term Term
	ID   uint32
	Type EntryType
	Data []byte
}

func (e *Entry) isCfgChange() bool {
	switch e.Type {
	case EntryAddNonvotingNode, EntryAddNode, EntryDemoteNode, EntryRemoveNode:
		return true
	}
	return false
}

func (e *Entry) isVotingCfgChange() bool {
	return e.Type == EntryAddNode || e.Type == EntryDemoteNode
}

// Vote-granted values; UnknownNode tells a removed candidate it may
// no longer be a member.
const (
	VoteNotGranted  = 0
	VoteGranted     = 1
	VoteUnknownNode = -1
)

type RequestVote struct {
	Term        Term
	CandidateID NodeID
	LastLogIdx  Index
	LastLogTerm Term
	Prevote     bool
}

type RequestVoteResponse struct {
	Term        Term
	VoteGranted int
	Prevote     bool
}

type AppendEntries struct {
	Term         Term
	PrevLogIdx   Index
	PrevLogTerm  Term
	LeaderCommit Index
	Entries      []Entry
}

type AppendEntriesResponse struct {
	Term       Term
	Success    bool
	CurrentIdx Index
	FirstIdx   Index
}

type InstallSnapshot struct {
	Term     Term
	LastIdx  Index
	LastTerm Term
}

type InstallSnapshotResponse struct {
	Term     Term
	LastIdx  Index
	Complete bool
}

var (
	// ErrShutdown forces the host to terminate; raised on fatal
	// invariant violations (e.g. conflicting committed entries).
	ErrShutdown            = errors.New("raft: shutdown")
	ErrNotLeader           = errors.New("raft: not the leader")
	ErrOneVotingChangeOnly = errors.New("raft: one voting change at a time")
	ErrSnapshotInProgress  = errors.New("raft: snapshot in progress")
	ErrSnapshotAlreadyLoaded = errors.New("raft: snapshot already loaded")
	errBadIndex            = errors.New("raft: no such log index")
)

// Callbacks connect the core to transport, storage and the host state
// machine. Send and persist callbacks are required for a functioning
// server; the log storage callbacks may accept only part of a batch.
type Callbacks struct {
	SendRequestVote     func(s *Server, n *Node, msg *RequestVote) error
	SendAppendEntries   func(s *Server, n *Node, msg *AppendEntries) error
	SendInstallSnapshot func(s *Server, n *Node, msg *InstallSnapshot) error

	// RecvInstallSnapshot streams snapshot data on the follower; a
	// return of 1 signals the installation finished.
	RecvInstallSnapshot         func(s *Server, n *Node, msg *InstallSnapshot, resp *InstallSnapshotResponse) (int, error)
	RecvInstallSnapshotResponse func(s *Server, n *Node, resp *InstallSnapshotResponse) error

	ApplyLog    func(s *Server, e *Entry, idx Index) error
	PersistTerm func(s *Server, term Term, vote NodeID) error
	PersistVote func(s *Server, vote NodeID) error

	LogOffer func(s *Server, entries []Entry, idx Index) (int, error)
	LogPoll  func(s *Server, entries []Entry, idx Index) (int, error)
	LogPop   func(s *Server, entries []Entry, idx Index) (int, error)

	// LogGetNodeID extracts the member a configuration entry targets.
	LogGetNodeID func(s *Server, e *Entry, idx Index) NodeID

	// NodeHasSufficientLogs fires once when a non-voting node caught
	// up far enough for the host to append its ADD_VOTING entry.
	NodeHasSufficientLogs func(s *Server, n *Node) error

	Log func(s *Server, n *Node, msg string)
}

type state int

const (
	stateFollower state = iota
	stateCandidate
	stateLeader
)

// Server is one Raft participant.
type Server struct {
	currentTerm Term
	votedFor    NodeID

	log *raftLog

	commitIdx      Index
	lastAppliedIdx Index

	state   state
	prevote bool // candidate still in the prevote phase

	timeoutElapsed      int
	electionTimeout     int
	electionTimeoutRand int
	requestTimeout      int

	nodes  []*Node
	nodeID NodeID

	leaderID NodeID

	votingCfgChangeLogIdx Index

	connected          bool
	disconnecting      bool
	snapshotInProgress bool
	snapshotLastIdx    Index
	snapshotLastTerm   Term

	cb    Callbacks
	Udata interface{}

	rng *rand.Rand
}

// New creates a follower with empty state.
func New() *Server {
	s := &Server{
		votedFor:              noNode,
		requestTimeout:        200,
		electionTimeout:       1000,
		nodeID:                noNode,
		leaderID:              noNode,
		votingCfgChangeLogIdx: -1,
		log:                   newLog(),
		rng:                   rand.New(rand.NewSource(1)),
	}
	s.log.server = s
	s.randomizeElectionTimeout()
	return s
}

// SetCallbacks installs the host hooks.
func (s *Server) SetCallbacks(cb Callbacks, udata interface{}) {
	s.cb = cb
	s.Udata = udata
	s.resetNodeIndices(s.CurrentIdx())
}

// SetRandSeed reseeds election timeout randomization.
func (s *Server) SetRandSeed(seed int64) {
	s.rng = rand.New(rand.NewSource(seed))
	s.randomizeElectionTimeout()
}

func (s *Server) logf(n *Node, format string, args ...interface{}) {
	if s.cb.Log != nil {
		s.cb.Log(s, n, fmt.Sprintf(format, args...))
	}
}

func (s *Server) randomizeElectionTimeout() {
	// [electionTimeout, 2*electionTimeout)
	s.electionTimeoutRand = s.electionTimeout + s.rng.Intn(s.electionTimeout)
	s.logf(nil, "randomize election timeout to %d", s.electionTimeoutRand)
}

// SetElectionTimeout sets the base election timeout in milliseconds.
func (s *Server) SetElectionTimeout(msec int) {
	s.electionTimeout = msec
	s.randomizeElectionTimeout()
}

// SetRequestTimeout sets the heartbeat cadence in milliseconds.
func (s *Server) SetRequestTimeout(msec int) {
	s.requestTimeout = msec
}

func (s *Server) ElectionTimeout() int     { return s.electionTimeout }
func (s *Server) ElectionTimeoutRand() int { return s.electionTimeoutRand }
func (s *Server) RequestTimeout() int      { return s.requestTimeout }
func (s *Server) TimeoutElapsed() int      { return s.timeoutElapsed }

func (s *Server) CurrentTerm() Term   { return s.currentTerm }
func (s *Server) VotedFor() NodeID    { return s.votedFor }
func (s *Server) CommitIdx() Index    { return s.commitIdx }
func (s *Server) LastAppliedIdx() Index { return s.lastAppliedIdx }
func (s *Server) LeaderID() NodeID    { return s.leaderID }
func (s *Server) NodeCount() int      { return len(s.nodes) }

func (s *Server) IsFollower() bool  { return s.state == stateFollower }
func (s *Server) IsCandidate() bool { return s.state == stateCandidate }
func (s *Server) IsLeader() bool    { return s.state == stateLeader }

// IsPrevoteCandidate reports a candidate still gathering prevotes.
func (s *Server) IsPrevoteCandidate() bool { return s.state == stateCandidate && s.prevote }

func (s *Server) SnapshotInProgress() bool { return s.snapshotInProgress }
func (s *Server) SnapshotLastIdx() Index   { return s.snapshotLastIdx }
func (s *Server) SnapshotLastTerm() Term   { return s.snapshotLastTerm }

// CurrentIdx is the highest index stored in the log (or compacted
// into the snapshot base).
func (s *Server) CurrentIdx() Index { return s.log.currentIdx() }

// LogBase is the index compacted into the last snapshot.
func (s *Server) LogBase() Index { return s.log.base }

// EntryAt fetches one live log entry.
func (s *Server) EntryAt(idx Index) *Entry { return s.log.getAt(idx) }

// EntriesFrom returns the contiguous batch starting at idx.
func (s *Server) EntriesFrom(idx Index) []Entry { return s.log.getFrom(idx) }

// LogCount is the number of live (uncompacted) entries.
func (s *Server) LogCount() int { return s.log.count }

// EntryTerm looks up the term at idx, falling back to the snapshot
// boundary.
func (s *Server) EntryTerm(idx Index) (Term, bool) {
	if e := s.log.getAt(idx); e != nil {
		return e.Term, true
	}
	if idx == s.log.base {
		return s.log.baseTerm, true
	}
	return 0, false
}

func (s *Server) lastLogTerm() Term {
	t, _ := s.EntryTerm(s.CurrentIdx())
	return t
}

// Self returns this server's own membership record, if present.
func (s *Server) Self() *Node { return s.GetNode(s.nodeID) }

// NodeIDOf returns this server's id.
func (s *Server) NodeIDOf() NodeID { return s.nodeID }

// GetNode finds a member by id.
func (s *Server) GetNode(id NodeID) *Node {
	if id == noNode {
		return nil
	}
	for _, n := range s.nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// GetNodeAt returns the member at a position (iteration helper).
func (s *Server) GetNodeAt(i int) *Node { return s.nodes[i] }

func (s *Server) numVotingNodes() int {
	cnt := 0
	for _, n := range s.nodes {
		if n.IsVoting() {
			cnt++
		}
	}
	return cnt
}

// NumVotingNodes counts active voting members.
func (s *Server) NumVotingNodes() int { return s.numVotingNodes() }

func (s *Server) votesForMe() int {
	cnt := 0
	for _, n := range s.nodes {
		if n.IsVoting() && n.votedForMe {
			cnt++
		}
	}
	return cnt
}

func votesIsMajority(numNodes, nvotes int) bool {
	if numNodes < nvotes {
		return false
	}
	return numNodes/2+1 <= nvotes
}

// VotingChangeInProgress reports an uncommitted voting-config entry.
func (s *Server) VotingChangeInProgress() bool {
	return s.votingCfgChangeLogIdx != -1
}

func (s *Server) setCurrentTerm(term Term) error {
	if s.currentTerm >= term {
		return nil
	}
	if s.cb.PersistTerm != nil {
		if err := s.cb.PersistTerm(s, term, noNode); err != nil {
			return err
		}
	}
	s.currentTerm = term
	s.votedFor = noNode
	return nil
}

func (s *Server) voteForNodeID(id NodeID) error {
	if s.cb.PersistVote != nil {
		if err := s.cb.PersistVote(s, id); err != nil {
			return err
		}
	}
	s.votedFor = id
	return nil
}

func (s *Server) setCommitIdx(idx Index) {
	if idx < s.commitIdx {
		panic("raft: commit index must be monotonic")
	}
	if s.CurrentIdx() < idx {
		panic("raft: commit index beyond log")
	}
	s.commitIdx = idx
}

func (s *Server) becomeFollower() {
	s.logf(nil, "becoming follower")
	s.state = stateFollower
	s.prevote = false
	s.randomizeElectionTimeout()
	s.timeoutElapsed = 0
}

func (s *Server) becomeCandidate() {
	s.logf(nil, "becoming candidate")
	s.state = stateCandidate
	s.prevote = true
	for _, n := range s.nodes {
		n.votedForMe = false
	}
	if me := s.Self(); me != nil {
		me.votedForMe = true
	}
	s.randomizeElectionTimeout()
	s.timeoutElapsed = 0
	for _, n := range s.nodes {
		if n.ID != s.nodeID && n.IsActive() && n.IsVoting() {
			_ = s.sendRequestVote(n)
		}
	}
}

func (s *Server) becomePrevotedCandidate() error {
	s.logf(nil, "becoming prevoted candidate")
	s.prevote = false
	if err := s.setCurrentTerm(s.currentTerm + 1); err != nil {
		return err
	}
	for _, n := range s.nodes {
		n.votedForMe = false
	}
	if err := s.voteForNodeID(s.nodeID); err != nil {
		return err
	}
	if me := s.Self(); me != nil {
		me.votedForMe = true
	}
	s.leaderID = noNode
	for _, n := range s.nodes {
		if n.ID != s.nodeID && n.IsActive() && n.IsVoting() {
			_ = s.sendRequestVote(n)
		}
	}
	return nil
}

func (s *Server) becomeLeader() {
	s.logf(nil, "becoming leader term:%d", s.currentTerm)
	s.state = stateLeader
	s.prevote = false
	s.leaderID = s.nodeID
	s.timeoutElapsed = 0
	for _, n := range s.nodes {
		if n.ID == s.nodeID || !n.IsActive() {
			continue
		}
		n.setNextIdx(s.CurrentIdx() + 1)
		n.setMatchIdx(0)
		_ = s.sendAppendEntries(n)
	}
}

func (s *Server) electionStart() {
	s.logf(nil, "election starting: %d %d, term: %d ci: %d",
		s.electionTimeoutRand, s.timeoutElapsed, s.currentTerm, s.CurrentIdx())
	s.becomeCandidate()
}

// Periodic advances timers; call it regularly with the elapsed
// milliseconds. It triggers elections, heartbeats and lazy applies.
func (s *Server) Periodic(msecSinceLastPeriod int) error {
	me := s.Self()
	s.timeoutElapsed += msecSinceLastPeriod

	// a single voting node may just promote itself
	if s.numVotingNodes() == 1 && me != nil && me.IsVoting() && me.IsActive() && !s.IsLeader() {
		s.becomeLeader()
	}

	if s.state == stateLeader {
		if s.requestTimeout <= s.timeoutElapsed {
			s.sendAppendEntriesAll()
		}
	} else if s.electionTimeoutRand <= s.timeoutElapsed && !s.snapshotInProgress {
		if s.numVotingNodes() > 1 && me != nil && me.IsVoting() {
			s.electionStart()
		}
	}

	if s.lastAppliedIdx < s.commitIdx && !s.snapshotInProgress {
		return s.applyAll()
	}
	return nil
}

// RecvAppendEntries handles a leader's replication request.
func (s *Server) RecvAppendEntries(node *Node, ae *AppendEntries, r *AppendEntriesResponse) error {
	var err error
	if len(ae.Entries) > 0 {
		s.logf(node, "recvd appendentries t:%d ci:%d lc:%d pli:%d plt:%d #%d",
			ae.Term, s.CurrentIdx(), ae.LeaderCommit, ae.PrevLogIdx, ae.PrevLogTerm, len(ae.Entries))
	}
	r.Success = false

	if s.IsCandidate() && s.currentTerm == ae.Term {
		s.becomeFollower()
	} else if s.currentTerm < ae.Term {
		if err = s.setCurrentTerm(ae.Term); err != nil {
			goto out
		}
		s.becomeFollower()
	} else if ae.Term < s.currentTerm {
		s.logf(node, "AE term %d is less than current term %d", ae.Term, s.currentTerm)
		goto out
	}

	if node != nil {
		s.leaderID = node.ID
	}
	s.timeoutElapsed = 0

	if ae.PrevLogIdx > 0 {
		term, got := s.EntryTerm(ae.PrevLogIdx)
		if !got && s.CurrentIdx() < ae.PrevLogIdx {
			s.logf(node, "AE no log at prev_idx %d", ae.PrevLogIdx)
			goto out
		} else if got && term != ae.PrevLogTerm {
			s.logf(node, "AE term doesn't match prev_term (ie. %d vs %d)", term, ae.PrevLogTerm)
			if ae.PrevLogIdx <= s.commitIdx {
				s.logf(node, "AE prev conflicts with committed entry")
				err = ErrShutdown
				goto out
			}
			err = s.deleteEntryFromIdx(ae.PrevLogIdx)
			goto out
		}
	}

	r.Success = true
	r.CurrentIdx = ae.PrevLogIdx

	{
		i := 0
		for ; i < len(ae.Entries); i++ {
			etyIndex := ae.PrevLogIdx + 1 + Index(i)
			term, got := s.EntryTerm(etyIndex)
			if got && term != ae.Entries[i].Term {
				if etyIndex <= s.commitIdx {
					s.logf(node, "AE entry conflicts with committed entry ci:%d comi:%d", s.CurrentIdx(), s.commitIdx)
					err = ErrShutdown
					goto out
				}
				if err = s.deleteEntryFromIdx(etyIndex); err != nil {
					goto out
				}
				break
			} else if !got && s.CurrentIdx() < etyIndex {
				break
			}
			r.CurrentIdx = etyIndex
		}
		k, aerr := s.log.append(ae.Entries[i:])
		i += k
		r.CurrentIdx = ae.PrevLogIdx + Index(i)
		if aerr != nil {
			err = aerr
			goto out
		}
	}

	if s.commitIdx < ae.LeaderCommit {
		newCommit := ae.LeaderCommit
		if r.CurrentIdx < newCommit {
			newCommit = r.CurrentIdx
		}
		if s.commitIdx < newCommit {
			s.setCommitIdx(newCommit)
		}
	}

out:
	r.Term = s.currentTerm
	if !r.Success {
		r.CurrentIdx = s.CurrentIdx()
	}
	r.FirstIdx = ae.PrevLogIdx + 1
	return err
}

// RecvAppendEntriesResponse digests a follower's reply on the leader.
func (s *Server) RecvAppendEntriesResponse(node *Node, r *AppendEntriesResponse) error {
	s.logf(node, "received appendentries response %v ci:%d rci:%d 1stidx:%d",
		r.Success, s.CurrentIdx(), r.CurrentIdx, r.FirstIdx)
	if node == nil {
		return errBadIndex
	}
	if !s.IsLeader() {
		return ErrNotLeader
	}
	if s.currentTerm < r.Term {
		if err := s.setCurrentTerm(r.Term); err != nil {
			return err
		}
		s.becomeFollower()
		s.leaderID = noNode
		return nil
	} else if s.currentTerm != r.Term {
		return nil
	}

	matchIdx := node.MatchIdx()
	if !r.Success {
		// log inconsistency: walk nextIdx back (jumping optimistically
		// to what the follower actually has) and retry
		nextIdx := node.NextIdx()
		if matchIdx == nextIdx-1 {
			return nil // stale response
		}
		if r.CurrentIdx < nextIdx-1 {
			jump := r.CurrentIdx + 1
			if s.CurrentIdx() < jump {
				jump = s.CurrentIdx()
			}
			node.setNextIdx(jump)
		} else {
			node.setNextIdx(nextIdx - 1)
		}
		return s.sendAppendEntries(node)
	}

	if !node.IsVoting() && !s.VotingChangeInProgress() &&
		s.CurrentIdx() <= r.CurrentIdx+1 &&
		!node.IsVotingCommitted() &&
		s.cb.NodeHasSufficientLogs != nil &&
		!node.HasSufficientLogs() {
		if err := s.cb.NodeHasSufficientLogs(s, node); err == nil {
			node.setHasSufficientLogs()
		}
	}

	if r.CurrentIdx <= matchIdx {
		return nil
	}
	node.setNextIdx(r.CurrentIdx + 1)
	node.setMatchIdx(r.CurrentIdx)

	// advance commit index (own-term entries only)
	point := r.CurrentIdx
	if point != 0 && s.commitIdx < point {
		if term, got := s.EntryTerm(point); got && term == s.currentTerm {
			votes := 1
			for _, n := range s.nodes {
				if n.ID != s.nodeID && n.IsActive() && n.IsVoting() && point <= n.MatchIdx() {
					votes++
				}
			}
			if s.numVotingNodes()/2 < votes {
				s.setCommitIdx(point)
			}
		}
	}

	if node.NextIdx() <= s.CurrentIdx() {
		return s.sendAppendEntries(node)
	}
	return nil
}

func (s *Server) shouldGrantVote(vr *RequestVote) bool {
	if me := s.Self(); me != nil && !me.IsVoting() {
		return false
	}
	if vr.Term < s.currentTerm {
		return false
	}
	if !vr.Prevote && s.votedFor != noNode && s.votedFor != vr.CandidateID {
		return false
	}
	currentIdx := s.CurrentIdx()
	term, got := s.EntryTerm(currentIdx)
	if !got {
		return false
	}
	if term < vr.LastLogTerm {
		return true
	}
	if vr.LastLogTerm == term && currentIdx <= vr.LastLogIdx {
		return true
	}
	return false
}

// RecvRequestVote answers votes and prevotes, with leader
// stickiness: a node that heard from a live leader within the minimum
// election timeout refuses.
func (s *Server) RecvRequestVote(node *Node, vr *RequestVote, r *RequestVoteResponse) error {
	var err error
	if node == nil {
		node = s.GetNode(vr.CandidateID)
	}

	if s.leaderID != noNode && (node == nil || s.leaderID != node.ID) && s.timeoutElapsed < s.electionTimeout {
		r.VoteGranted = VoteNotGranted
		goto done
	}

	// a prevote probes without disturbing anyone's term
	if !vr.Prevote && s.currentTerm < vr.Term {
		if err = s.setCurrentTerm(vr.Term); err != nil {
			r.VoteGranted = VoteNotGranted
			goto done
		}
		s.becomeFollower()
		s.leaderID = noNode
	}

	if s.shouldGrantVote(vr) {
		r.VoteGranted = VoteGranted
		if !vr.Prevote {
			if err = s.voteForNodeID(vr.CandidateID); err != nil {
				r.VoteGranted = VoteNotGranted
			}
			s.leaderID = noNode
			s.timeoutElapsed = 0
		}
	} else if node == nil {
		// possibly a removed member that does not know it yet
		r.VoteGranted = VoteUnknownNode
		goto done
	} else {
		r.VoteGranted = VoteNotGranted
	}

done:
	s.logf(node, "node requested vote (prevote=%v) replying %d", vr.Prevote, r.VoteGranted)
	r.Term = s.currentTerm
	r.Prevote = vr.Prevote
	return err
}

// RecvRequestVoteResponse counts (pre)votes on a candidate.
func (s *Server) RecvRequestVoteResponse(node *Node, r *RequestVoteResponse) error {
	s.logf(node, "node responded to requestvote (prevote=%v) status:%d ct:%d rt:%d",
		r.Prevote, r.VoteGranted, s.currentTerm, r.Term)

	if !s.IsCandidate() || s.prevote != r.Prevote {
		return nil
	}
	if s.currentTerm < r.Term {
		if err := s.setCurrentTerm(r.Term); err != nil {
			return err
		}
		s.becomeFollower()
		s.leaderID = noNode
		return nil
	}
	if s.currentTerm != r.Term {
		// stale response from a previous term
		return nil
	}

	switch r.VoteGranted {
	case VoteGranted:
		if node != nil {
			node.votedForMe = true
		}
		if votesIsMajority(s.numVotingNodes(), s.votesForMe()) {
			if r.Prevote {
				return s.becomePrevotedCandidate()
			}
			s.becomeLeader()
		}
	case VoteNotGranted:
	case VoteUnknownNode:
		if me := s.Self(); me != nil && me.IsVoting() && s.disconnecting {
			return ErrShutdown
		}
	}
	return nil
}

// RecvInstallSnapshot lets a leader bring a far-behind follower to
// the snapshot boundary; payload streaming is the host's business.
func (s *Server) RecvInstallSnapshot(node *Node, is *InstallSnapshot, r *InstallSnapshotResponse) error {
	r.Term = s.currentTerm
	r.LastIdx = is.LastIdx
	r.Complete = false

	if is.Term < s.currentTerm {
		return nil
	}
	if s.currentTerm < is.Term {
		if err := s.setCurrentTerm(is.Term); err != nil {
			return err
		}
		r.Term = s.currentTerm
	}
	if !s.IsFollower() {
		s.becomeFollower()
	}
	if node != nil {
		s.leaderID = node.ID
	}
	s.timeoutElapsed = 0

	if is.LastIdx <= s.commitIdx {
		// committed entries must match the snapshot
		r.Complete = true
		return nil
	}
	if term, got := s.EntryTerm(is.LastIdx); got && term == is.LastTerm {
		s.setCommitIdx(is.LastIdx)
		r.Complete = true
		return nil
	}
	e, err := s.cb.RecvInstallSnapshot(s, node, is, r)
	if err != nil {
		return err
	}
	if e == 1 {
		r.Complete = true
	}
	return nil
}

// RecvInstallSnapshotResponse updates peer progress after an install
// round trip.
func (s *Server) RecvInstallSnapshotResponse(node *Node, r *InstallSnapshotResponse) error {
	if node == nil {
		return errBadIndex
	}
	if !s.IsLeader() {
		return ErrNotLeader
	}
	if s.currentTerm < r.Term {
		if err := s.setCurrentTerm(r.Term); err != nil {
			return err
		}
		s.becomeFollower()
		s.leaderID = noNode
		return nil
	} else if s.currentTerm != r.Term {
		return nil
	}
	if s.cb.RecvInstallSnapshotResponse != nil {
		if err := s.cb.RecvInstallSnapshotResponse(s, node, r); err != nil {
			return err
		}
	}
	if !r.Complete {
		return nil
	}
	if node.MatchIdx() < r.LastIdx {
		node.setMatchIdx(r.LastIdx)
		node.setNextIdx(r.LastIdx + 1)
	}
	if node.NextIdx() <= s.CurrentIdx() {
		return s.sendAppendEntries(node)
	}
	return nil
}

// RecvEntry appends a client entry on the leader and fans it out.
func (s *Server) RecvEntry(ety *Entry) (Index, error) {
	if ety.isVotingCfgChange() {
		if s.VotingChangeInProgress() {
			return 0, ErrOneVotingChangeOnly
		}
		if s.snapshotInProgress {
			return 0, ErrSnapshotInProgress
		}
	}
	if !s.IsLeader() {
		return 0, ErrNotLeader
	}
	s.logf(nil, "received entry t:%d id:%d idx:%d", s.currentTerm, ety.ID, s.CurrentIdx()+1)
	ety.Term = s.currentTerm
	if _, err := s.log.append([]Entry{*ety}); err != nil {
		return 0, err
	}
	for _, n := range s.nodes {
		if n.ID == s.nodeID || !n.IsActive() || !n.IsVoting() {
			continue
		}
		// only push to peers that are fully caught up; stragglers get
		// theirs on the next heartbeat
		if n.NextIdx() == s.CurrentIdx() {
			_ = s.sendAppendEntries(n)
		}
	}
	if s.numVotingNodes() == 1 {
		s.setCommitIdx(s.CurrentIdx())
	}
	if ety.isVotingCfgChange() {
		s.votingCfgChangeLogIdx = s.CurrentIdx()
	}
	return s.CurrentIdx(), nil
}

func (s *Server) sendRequestVote(node *Node) error {
	s.logf(node, "sending requestvote (prevote=%v) to: %d", s.prevote, node.ID)
	rv := RequestVote{
		Term:        s.currentTerm,
		LastLogIdx:  s.CurrentIdx(),
		LastLogTerm: s.lastLogTerm(),
		CandidateID: s.nodeID,
		Prevote:     s.prevote,
	}
	if s.prevote {
		rv.Term = s.currentTerm + 1
	}
	if s.cb.SendRequestVote != nil {
		return s.cb.SendRequestVote(s, node, &rv)
	}
	return nil
}

func (s *Server) sendInstallSnapshot(node *Node) error {
	is := InstallSnapshot{
		Term:     s.currentTerm,
		LastIdx:  s.log.base,
		LastTerm: s.log.baseTerm,
	}
	s.logf(node, "sending installsnapshot: ci:%d comi:%d t:%d lli:%d llt:%d",
		s.CurrentIdx(), s.commitIdx, is.Term, is.LastIdx, is.LastTerm)
	return s.cb.SendInstallSnapshot(s, node, &is)
}

func (s *Server) sendAppendEntries(node *Node) error {
	if s.cb.SendAppendEntries == nil {
		return errBadIndex
	}
	nextIdx := node.NextIdx()
	if nextIdx <= s.log.base {
		return s.sendInstallSnapshot(node)
	}
	ae := AppendEntries{
		Term:         s.currentTerm,
		LeaderCommit: s.commitIdx,
		Entries:      s.log.getFrom(nextIdx),
		PrevLogIdx:   nextIdx - 1,
	}
	term, got := s.EntryTerm(ae.PrevLogIdx)
	if !got {
		return errBadIndex
	}
	ae.PrevLogTerm = term
	s.logf(node, "sending appendentries: ci:%d comi:%d t:%d lc:%d pli:%d plt:%d",
		s.CurrentIdx(), s.commitIdx, ae.Term, ae.LeaderCommit, ae.PrevLogIdx, ae.PrevLogTerm)
	return s.cb.SendAppendEntries(s, node, &ae)
}

func (s *Server) sendAppendEntriesAll() {
	s.timeoutElapsed = 0
	for _, n := range s.nodes {
		if n.ID == s.nodeID || !n.IsActive() {
			continue
		}
		_ = s.sendAppendEntries(n)
	}
}

func (s *Server) applyAll() error {
	for s.lastAppliedIdx < s.commitIdx {
		if err := s.applyEntry(); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) applyEntry() error {
	if s.snapshotInProgress {
		return errBadIndex
	}
	if s.lastAppliedIdx == s.commitIdx {
		return errBadIndex
	}
	logIdx := s.lastAppliedIdx + 1
	ety := s.log.getAt(logIdx)
	if ety == nil {
		return errBadIndex
	}
	s.logf(nil, "applying log: %d, id: %d size: %d", logIdx, ety.ID, len(ety.Data))
	s.lastAppliedIdx++
	if s.cb.ApplyLog != nil {
		if err := s.cb.ApplyLog(s, ety, s.lastAppliedIdx); err == ErrShutdown {
			return ErrShutdown
		}
	}
	if logIdx == s.votingCfgChangeLogIdx {
		s.votingCfgChangeLogIdx = -1
	}
	if !ety.isCfgChange() {
		return nil
	}
	nodeID := s.cb.LogGetNodeID(s, ety, logIdx)
	node := s.GetNode(nodeID)
	switch ety.Type {
	case EntryAddNode:
		node.setHasSufficientLogs()
		node.setVotingCommitted(true)
		if nodeID == s.nodeID {
			s.connected = true
		}
	case EntryRemoveNode:
		if node != nil && node.offeredIdx == logIdx {
			s.RemoveNode(node)
			node = nil
		}
	}
	if node != nil {
		node.appliedIdx = logIdx
		if node.offeredIdx == logIdx {
			node.offeredIdx = -1
		}
	}
	return nil
}

// offerLog tracks configuration entries as they enter the log.
func (s *Server) offerLog(entries []Entry, idx Index) {
	for i := range entries {
		ety := &entries[i]
		if !ety.isCfgChange() {
			continue
		}
		if ety.isVotingCfgChange() {
			s.votingCfgChangeLogIdx = idx + Index(i)
		}
		nodeID := s.cb.LogGetNodeID(s, ety, idx+Index(i))
		node := s.GetNode(nodeID)
		switch ety.Type {
		case EntryAddNonvotingNode:
			if node == nil {
				isSelf := nodeID == s.nodeID
				node = s.addNodeInternal(nodeID, nil, false)
				if node != nil && isSelf {
					s.connected = false
				}
			}
		case EntryAddNode:
			if node == nil {
				node = s.addNodeInternal(nodeID, nil, true)
			}
			node.setVoting(true)
		case EntryDemoteNode:
			if node != nil {
				node.setVoting(false)
			}
		case EntryRemoveNode:
			if node != nil {
				node.setActive(false)
			}
		}
		if node != nil {
			node.offeredIdx = idx + Index(i)
		}
	}
}

// popLog undoes configuration effects of deleted entries.
func (s *Server) popLog(entries []Entry, idx Index) {
	if idx <= s.votingCfgChangeLogIdx {
		s.votingCfgChangeLogIdx = -1
	}
	s.resetNodeIndices(idx)
	for i := 0; i < len(s.nodes); i++ {
		n := s.nodes[i]
		if !n.IsActive() {
			if n.ID == s.nodeID {
				panic("raft: cannot remove self")
			}
			s.RemoveNode(n)
			i--
		}
	}
}

// resetNodeIndices re-derives each node's most recent affecting
// configuration entry after log truncation.
func (s *Server) resetNodeIndices(maxIdx Index) {
	remaining := len(s.nodes)
	for idx := maxIdx; remaining > 0 && idx > s.lastAppliedIdx; idx-- {
		ety := s.log.getAt(idx)
		if ety == nil {
			break
		}
		if !ety.isCfgChange() {
			continue
		}
		nodeID := s.cb.LogGetNodeID(s, ety, idx)
		node := s.GetNode(nodeID)
		if node == nil {
			continue
		}
		if node.offeredIdx > maxIdx || node.offeredIdx < idx {
			node.offeredIdx = idx
			remaining--
		}
	}
}

func (s *Server) addNodeInternal(id NodeID, udata interface{}, voting bool) *Node {
	if s.GetNode(id) != nil {
		return nil
	}
	n := newNode(id, udata)
	n.setVoting(voting)
	s.nodes = append(s.nodes, n)
	return n
}

// AddNode registers a voting member (bootstrap or host-driven).
func (s *Server) AddNode(id NodeID, udata interface{}, isSelf bool) *Node {
	n := s.addNodeInternal(id, udata, true)
	if n == nil {
		if n = s.GetNode(id); n != nil && !n.IsVoting() {
			n.setVoting(true)
		}
		if isSelf {
			s.nodeID = id
		}
		return n
	}
	if isSelf {
		s.nodeID = id
	}
	return n
}

// AddNonVotingNode registers a catch-up member.
func (s *Server) AddNonVotingNode(id NodeID, udata interface{}, isSelf bool) *Node {
	if s.GetNode(id) != nil {
		return nil
	}
	n := s.addNodeInternal(id, udata, false)
	if isSelf {
		s.nodeID = id
	}
	return n
}

// RemoveNode detaches a member for good.
func (s *Server) RemoveNode(n *Node) {
	for i, node := range s.nodes {
		if node == n {
			s.nodes = append(s.nodes[:i], s.nodes[i+1:]...)
			return
		}
	}
}

// SetDisconnecting marks this node as leaving; an UnknownNode vote
// response then shuts it down.
func (s *Server) SetDisconnecting() {
	s.disconnecting = true
}

func (s *Server) deleteEntryFromIdx(idx Index) error {
	if idx <= s.commitIdx {
		panic("raft: deleting committed entries")
	}
	if idx <= s.votingCfgChangeLogIdx {
		s.votingCfgChangeLogIdx = -1
	}
	return s.log.delete(idx)
}

// NumSnapshottableLogs counts committed entries eligible for
// compaction.
func (s *Server) NumSnapshottableLogs() Index {
	return s.commitIdx - s.log.base
}

// BeginSnapshot freezes the log for compaction up to idx. Between
// Begin and End no entries are applied and no election can start.
func (s *Server) BeginSnapshot(idx Index) error {
	if s.commitIdx < idx {
		return errBadIndex
	}
	ety := s.log.getAt(idx)
	if ety == nil {
		return errBadIndex
	}
	if err := s.applyAll(); err != nil {
		return err
	}
	s.snapshotLastTerm = ety.Term
	s.snapshotLastIdx = idx
	s.snapshotInProgress = true
	s.logf(nil, "begin snapshot sli:%d slt:%d slogs:%d",
		s.snapshotLastIdx, s.snapshotLastTerm, s.NumSnapshottableLogs())
	return nil
}

// EndSnapshot polls every entry up to the snapshot index and leaves
// snapshot mode. It does not hold entries back for a non-voting
// catch-up peer; a peer whose next index falls at or below the new
// base is sent an InstallSnapshot. Nodes whose voting status is not
// committed and whose applied index is at or below the boundary get
// their applied index reset to -1.
func (s *Server) EndSnapshot() error {
	if !s.snapshotInProgress || s.snapshotLastIdx == 0 {
		return errBadIndex
	}
	for _, n := range s.nodes {
		if n.appliedIdx <= s.snapshotLastIdx && !n.IsVotingCommitted() {
			n.appliedIdx = -1
		}
	}
	if err := s.log.poll(s.snapshotLastIdx); err != nil {
		return err
	}
	s.snapshotInProgress = false
	s.logf(nil, "end snapshot base:%d commit-index:%d current-index:%d",
		s.log.base, s.commitIdx, s.CurrentIdx())
	return nil
}

// BeginLoadSnapshot resets the server state to a received snapshot
// boundary.
func (s *Server) BeginLoadSnapshot(lastIncludedTerm Term, lastIncludedIndex Index) error {
	if lastIncludedIndex == -1 {
		return errBadIndex
	}
	if lastIncludedTerm == s.snapshotLastTerm && lastIncludedIndex == s.snapshotLastIdx {
		return ErrSnapshotAlreadyLoaded
	}
	if lastIncludedIndex <= s.commitIdx {
		return errBadIndex
	}
	s.log.loadFromSnapshot(lastIncludedIndex, lastIncludedTerm)
	s.commitIdx = lastIncludedIndex
	s.lastAppliedIdx = lastIncludedIndex
	s.snapshotLastTerm = lastIncludedTerm
	s.snapshotLastIdx = lastIncludedIndex
	s.logf(nil, "loaded snapshot sli:%d slt:%d", s.snapshotLastIdx, s.snapshotLastTerm)
	return nil
}

// EndLoadSnapshot finalizes membership after the host installed the
// snapshot contents.
func (s *Server) EndLoadSnapshot() {
	for _, n := range s.nodes {
		n.offeredIdx = s.snapshotLastIdx
		n.appliedIdx = s.snapshotLastIdx
		if n.IsVoting() {
			n.setHasSufficientLogs()
			n.setVotingCommitted(true)
		}
	}
}

// AppendFromLoad restores entries from durable storage at startup.
// It takes the same path as any append: the LogOffer callback and the
// membership bookkeeping of offered configuration entries both run.
func (s *Server) AppendFromLoad(entries []Entry) (int, error) {
	return s.log.append(entries)
}

// EntryCommitted reports whether the entry at idx with the given term
// is durably committed.
func (s *Server) EntryCommitted(id uint32, term Term, idx Index) int {
	if idx <= s.log.base {
		return 1 // compacted, therefore committed
	}
	ety := s.log.getAt(idx)
	if ety == nil || ety.Term != term || ety.ID != id {
		return -1
	}
	if idx <= s.commitIdx {
		return 1
	}
	return 0
}
