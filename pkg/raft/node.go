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

// Node is the server's view of one cluster member (including itself).
type Node struct {
	ID    NodeID
	Udata interface{}

	nextIdx    Index
	matchIdx   Index
	offeredIdx Index // most recent uncommitted cfg entry affecting it
	appliedIdx Index // most recent applied cfg entry affecting it

	votedForMe         bool
	voting             bool
	hasSufficientLogs  bool
	inactive           bool
	votingCommitted    bool
	additionCommitted  bool
}

func newNode(id NodeID, udata interface{}) *Node {
	return &Node{
		ID:         id,
		Udata:      udata,
		nextIdx:    1,
		offeredIdx: -1,
		appliedIdx: -1,
	}
}

// NextIdx is the next log index the leader will send this peer.
func (n *Node) NextIdx() Index { return n.nextIdx }

func (n *Node) setNextIdx(idx Index) {
	if idx < 1 {
		idx = 1
	}
	n.nextIdx = idx
}

// MatchIdx is the highest index known replicated on this peer.
func (n *Node) MatchIdx() Index { return n.matchIdx }

func (n *Node) setMatchIdx(idx Index) { n.matchIdx = idx }

// IsVoting reports whether the node takes part in elections and
// commit quorums.
func (n *Node) IsVoting() bool { return !n.inactive && n.voting }

func (n *Node) setVoting(v bool) { n.voting = v }

// IsActive is false once a REMOVE entry for the node was offered.
func (n *Node) IsActive() bool { return !n.inactive }

func (n *Node) setActive(a bool) { n.inactive = !a }

// HasSufficientLogs is set after the host was told the non-voting
// node caught up.
func (n *Node) HasSufficientLogs() bool { return n.hasSufficientLogs }

func (n *Node) setHasSufficientLogs() { n.hasSufficientLogs = true }

// IsVotingCommitted reports whether the node's voting status is
// covered by a committed configuration entry.
func (n *Node) IsVotingCommitted() bool { return n.votingCommitted }

func (n *Node) setVotingCommitted(v bool) { n.votingCommitted = v }

// IsAdditionCommitted reports whether the node's membership itself is
// committed.
func (n *Node) IsAdditionCommitted() bool { return n.additionCommitted }

func (n *Node) setAdditionCommitted(v bool) { n.additionCommitted = v }
