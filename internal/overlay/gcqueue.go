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
	"sync"

	"vcsoverlay/internal/model"
)

type gcItemKind int

const (
	gcDirRecord gcItemKind = iota
	gcFlush
)

// gcItem is one unit of work for the background GC worker: either a
// directory record whose subtree must be recursively removed, or a
// flush barrier that completes once every item enqueued before it has
// drained.
type gcItem struct {
	kind   gcItemKind
	dir    *model.DirContents
	future *Future
}

// gcQueue is the mutex+condvar-guarded work queue the GC worker drains.
// A condition variable is used instead of a plain channel so the
// worker can distinguish "queue has work" from "told to stop" without
// polling both a work channel and a stop channel on every wakeup.
type gcQueue struct {
	mu    sync.Mutex
	cond  *sync.Cond
	items []gcItem
	stop  bool
}

func newGCQueue() *gcQueue {
	q := &gcQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *gcQueue) enqueue(item gcItem) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()
	q.cond.Signal()
}

func (q *gcQueue) requestStop() {
	q.mu.Lock()
	q.stop = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// waitBatch blocks until the queue is non-empty or stop has been
// requested, then returns and clears the current queue contents. The
// returned stopped flag reflects whether stop was requested at the
// moment of return; the worker keeps draining until a call returns an
// empty batch with stopped set.
func (q *gcQueue) waitBatch() (batch []gcItem, stopped bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.stop {
		q.cond.Wait()
	}
	batch, q.items = q.items, nil
	return batch, q.stop
}
