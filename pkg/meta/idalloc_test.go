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
)

func TestIDAllocatorDense(t *testing.T) {
	a := newIDAllocator()
	for want := Ino(1); want <= 100; want++ {
		assert.Equal(t, want, a.next())
	}
	assert.Equal(t, Ino(100), a.maxnodeid)
}

func TestIDAllocatorReuseDelay(t *testing.T) {
	a := newIDAllocator()
	for i := 0; i < 10; i++ {
		a.next()
	}
	a.release(5, 1000)
	a.release(7, 1001)

	// nothing is reusable before the delay elapses
	fi, si, _ := a.reap(1000+InodeReuseDelay, nil, false)
	assert.Zero(t, fi)
	assert.Zero(t, si)
	assert.True(t, a.isUsed(5))

	fi, si, chksum := a.reap(1002+InodeReuseDelay, nil, false)
	assert.Equal(t, uint32(2), fi)
	assert.Zero(t, si)
	assert.Equal(t, uint32(5^7), chksum)
	assert.False(t, a.isUsed(5))
	assert.False(t, a.isUsed(7))
	// the lowest freed number comes back first
	assert.Equal(t, Ino(5), a.next())
}

func TestIDAllocatorSustained(t *testing.T) {
	a := newIDAllocator()
	for i := 0; i < 4; i++ {
		a.next()
	}
	a.release(3, 500)
	open := func(inode Ino) bool { return inode == 3 }
	fi, si, chksum := a.reap(501+InodeReuseDelay, open, true)
	assert.Zero(t, fi)
	assert.Equal(t, uint32(1), si)
	assert.Equal(t, uint32(3), chksum)
	assert.True(t, a.isUsed(3), "an open inode stays reserved")
	assert.Equal(t, uint32(1), a.queueLen(), "re-queued with a fresh timestamp")
}

func TestIDAllocatorFixTS(t *testing.T) {
	a := newIDAllocator()
	for i := 0; i < 4; i++ {
		a.next()
	}
	a.release(2, 2000)
	// an out-of-order timestamp clamps the whole queue
	a.release(3, 1500)
	var maxft uint32
	a.queued(func(_ Ino, ftime uint32) {
		if ftime > maxft {
			maxft = ftime
		}
	})
	assert.Equal(t, uint32(1500), maxft)
	assert.Equal(t, uint32(1500), a.freelastts)
}

func TestIDAllocatorMarkUsedGrows(t *testing.T) {
	a := newIDAllocator()
	a.markUsed(100000)
	require.True(t, a.isUsed(100000))
	assert.Equal(t, Ino(100000), a.maxnodeid)
}
