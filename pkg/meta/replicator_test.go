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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marefs/marefs/pkg/chunk"
	"github.com/marefs/marefs/pkg/raft"
)

// in-memory pair transport: append-entries flow leader -> follower
// with synchronous responses
type pairTransport struct {
	peers map[raft.NodeID]*raft.Server
}

func (p *pairTransport) callbacks() raft.Callbacks {
	return raft.Callbacks{
		SendAppendEntries: func(s *raft.Server, n *raft.Node, msg *raft.AppendEntries) error {
			peer := p.peers[n.ID]
			if peer == nil {
				return nil
			}
			var resp raft.AppendEntriesResponse
			if err := peer.RecvAppendEntries(peer.GetNode(s.NodeIDOf()), msg, &resp); err != nil {
				return err
			}
			return s.RecvAppendEntriesResponse(n, &resp)
		},
		SendRequestVote: func(s *raft.Server, n *raft.Node, msg *raft.RequestVote) error {
			peer := p.peers[n.ID]
			if peer == nil {
				return nil
			}
			var resp raft.RequestVoteResponse
			if err := peer.RecvRequestVote(peer.GetNode(s.NodeIDOf()), msg, &resp); err != nil {
				return err
			}
			return s.RecvRequestVoteResponse(n, &resp)
		},
		SendInstallSnapshot: func(s *raft.Server, n *raft.Node, msg *raft.InstallSnapshot) error {
			return nil
		},
	}
}

func TestReplicatedMastersConverge(t *testing.T) {
	clk := &testClock{now: 1600000000}
	newNode := func() *Master {
		m := NewMaster(Config{TrashTime: DefaultTrashTime}, chunk.NewMemStore())
		m.SetClock(clk.fn())
		m.InitEmpty()
		return m
	}
	leaderM := newNode()
	followerM := newNode()
	defer leaderM.Term()
	defer followerM.Term()

	tr := &pairTransport{peers: map[raft.NodeID]*raft.Server{}}

	leaderRS := raft.New()
	followerRS := raft.New()
	leaderRS.AddNode(1, nil, true)
	leaderRS.AddNode(2, nil, false)
	followerRS.AddNode(1, nil, false)
	followerRS.AddNode(2, nil, true)
	tr.peers[1] = leaderRS
	tr.peers[2] = followerRS

	NewReplicator(leaderM, leaderRS, tr.callbacks())
	NewReplicator(followerM, followerRS, tr.callbacks())

	// elect node 1: prevote then real vote, both granted by node 2
	require.NoError(t, leaderRS.Periodic(leaderRS.ElectionTimeoutRand()+1))
	require.True(t, leaderRS.IsLeader(), "two-node election over the pair transport")

	ctx := userCtx()
	dir, _, st := leaderM.Mkdir(ctx, RootIno, []byte("shared"), 0755, 0, false)
	require.Equal(t, OK, st)
	f, _, st := leaderM.Mknod(ctx, dir, []byte("doc"), TypeFile, 0644, 0, 0)
	require.Equal(t, OK, st)
	cid, _, st := leaderM.WriteChunk(ctx, f, 0)
	require.Equal(t, OK, st)
	require.Equal(t, OK, leaderM.WriteEnd(ctx, f, 512, cid))

	// a heartbeat carries the final commit index to the follower, then
	// both sides apply their committed tails
	require.NoError(t, leaderRS.Periodic(leaderRS.RequestTimeout()+1))
	require.NoError(t, followerRS.Periodic(1))

	assert.Equal(t, leaderM.MetaVersion(), followerM.MetaVersion())
	got, _, st := followerM.Lookup(ctx, RootIno, []byte("shared"))
	require.Equal(t, OK, st)
	assert.Equal(t, dir, got)
	got, _, st = followerM.Lookup(ctx, dir, []byte("doc"))
	require.Equal(t, OK, st)
	assert.Equal(t, f, got)
	assert.Equal(t, uint64(512), followerM.nodetab.find(f).file.length)
	checkInvariants(t, followerM)
}
