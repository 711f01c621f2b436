// Copyright 2024 LatentFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package overlay

import (
	"context"
	"sync"
	"sync/atomic"
)

// ioClosedMask marks the overlay as closed; ioCountMask isolates the
// count of in-flight storage operations. Bit-packed into one word so a
// single CAS loop can gate entry and a single fetch-or can seal it,
// following the same layout as EdenFS's outstandingIORequests_.
const (
	ioClosedMask = uint64(1) << 63
	ioCountMask  = ioClosedMask - 1
)

// ioGate lets every Overlay storage operation register itself as
// in-flight, and lets close() block until every registered operation
// has finished and no new one can start.
type ioGate struct {
	word     atomic.Uint64
	done     chan struct{}
	doneOnce sync.Once
}

func newIOGate() *ioGate {
	return &ioGate{done: make(chan struct{})}
}

// enter attempts to register one in-flight operation. It fails if the
// gate is already closed.
func (g *ioGate) enter() bool {
	for {
		cur := g.word.Load()
		if cur&ioClosedMask != 0 {
			return false
		}
		next := cur + 1
		if g.word.CompareAndSwap(cur, next) {
			return true
		}
	}
}

// exit unregisters one in-flight operation. If the gate is closed and
// this was the last outstanding operation, it wakes closeAndWait.
func (g *ioGate) exit() {
	for {
		cur := g.word.Load()
		next := cur - 1
		if g.word.CompareAndSwap(cur, next) {
			if cur&ioClosedMask != 0 && next&ioCountMask == 0 {
				g.doneOnce.Do(func() { close(g.done) })
			}
			return
		}
	}
}

// closeAndWait sets the closed bit and blocks until every operation
// registered before the close observes it and calls exit. After it
// returns, no operation is in flight and enter always fails.
func (g *ioGate) closeAndWait(ctx context.Context) error {
	for {
		cur := g.word.Load()
		next := cur | ioClosedMask
		if g.word.CompareAndSwap(cur, next) {
			if cur&ioCountMask == 0 {
				g.doneOnce.Do(func() { close(g.done) })
			}
			break
		}
	}

	select {
	case <-g.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
