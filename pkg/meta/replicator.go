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

	"github.com/marefs/marefs/pkg/raft"
)

// Replicator binds a Master to a Raft server: every changelog line
// the leader's dispatcher records becomes one replicated entry, and
// committed entries are applied on followers through the changelog
// replayer. The transport stays the host's business (raft callbacks).

type Replicator struct {
	m       *Master
	rs      *raft.Server
	entryID uint32
}

// entry payload: u64 meta version + changelog payload bytes
func encodeMutation(version uint64, payload string) []byte {
	data := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint64(data, version)
	copy(data[8:], payload)
	return data
}

func decodeMutation(data []byte) (uint64, string) {
	if len(data) < 8 {
		return 0, ""
	}
	return binary.BigEndian.Uint64(data), string(data[8:])
}

// NewReplicator wires the master into the consensus core. transport
// carries the send/persist/membership callbacks of the host; the
// apply and log-id callbacks are owned here.
func NewReplicator(m *Master, rs *raft.Server, transport raft.Callbacks) *Replicator {
	r := &Replicator{m: m, rs: rs}
	cb := transport
	cb.ApplyLog = r.applyLog
	if cb.LogGetNodeID == nil {
		cb.LogGetNodeID = func(_ *raft.Server, e *raft.Entry, _ raft.Index) raft.NodeID {
			if len(e.Data) < 4 {
				return -1
			}
			return raft.NodeID(binary.BigEndian.Uint32(e.Data))
		}
	}
	rs.SetCallbacks(cb, m)
	m.SetMutationSink(r.propose)
	return r
}

// Raft returns the wrapped consensus server.
func (r *Replicator) Raft() *raft.Server {
	return r.rs
}

func (r *Replicator) propose(version uint64, payload string) {
	if !r.rs.IsLeader() {
		// replicated apply; the leader already holds the entry
		return
	}
	r.entryID++
	_, err := r.rs.RecvEntry(&raft.Entry{
		ID:   r.entryID,
		Type: raft.EntryNormal,
		Data: encodeMutation(version, payload),
	})
	if err != nil {
		logger.Errorf("raft propose: %s", err)
	}
}

func (r *Replicator) applyLog(_ *raft.Server, e *raft.Entry, idx raft.Index) error {
	if e.Type != raft.EntryNormal || len(e.Data) == 0 {
		return nil
	}
	version, payload := decodeMutation(e.Data)
	switch {
	case version < r.m.metaversion-1 && r.m.metaversion > 0:
		// already contained (the leader applied before proposing)
		return nil
	case version == r.m.metaversion-1:
		// own proposal coming back committed
		return nil
	case version > r.m.metaversion:
		logger.Errorf("replicated log skips versions (%d -> %d)", r.m.metaversion, version)
		return raft.ErrShutdown
	}
	if st := r.m.RestoreLine(payload); st != OK {
		logger.Errorf("replicated apply diverged at version %d: %s", version, st)
		return raft.ErrShutdown
	}
	return nil
}
