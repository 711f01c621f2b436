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

// Package overlay is the concurrency-safe facade over BackingOverlay:
// it owns the monotonic inode allocator, the I/O gate that guarantees a
// clean shutdown, and the single background worker that runs recovery
// once at startup and then garbage-collects recursively discarded
// subtrees for the rest of the overlay's life.
package overlay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gofrs/flock"
	log "github.com/sirupsen/logrus"

	"vcsoverlay/internal/common"
	"vcsoverlay/internal/model"
	"vcsoverlay/internal/overlaycheck"
	"vcsoverlay/internal/storage"
)

// WorkerState is the lifecycle stage of the background worker.
type WorkerState int32

const (
	StateInitializing WorkerState = iota
	StateRunning
	StateStopping
	StateJoined
)

// ProgressFunc reports which inode OverlayChecker is currently
// examining during recovery, forwarded from Initialize.
type ProgressFunc func(inode model.InodeNumber)

// Overlay is the facade every other component talks to. Construct one
// with Open, call Initialize once, and Close it exactly once when done.
type Overlay struct {
	backing *storage.BackingOverlay
	cfg     Config
	lock    *flock.Flock
	lockPath string

	nextInode atomic.Uint64
	gate      *ioGate

	gcQueue     *gcQueue
	workerState atomic.Int32
	workerWG    sync.WaitGroup

	generation atomic.Uint64

	hadCleanStartup atomic.Bool
	closeOnce       sync.Once
}

// Open acquires the advisory lock at lockPath and wraps backing in an
// Overlay facade. It does not run initialization: call Initialize
// before allocating inodes or touching directories.
func Open(cfg Config, backing *storage.BackingOverlay, lockPath string) (*Overlay, error) {
	l := flock.New(lockPath)
	locked, err := l.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire overlay lock: %w", errors.Join(err, common.ErrIO))
	}
	if !locked {
		return nil, fmt.Errorf("acquire overlay lock: another process holds %s", lockPath)
	}

	return &Overlay{
		backing:  backing,
		cfg:      cfg,
		lock:     l,
		lockPath: lockPath,
		gate:     newIOGate(),
		gcQueue:  newGCQueue(),
	}, nil
}

// State returns the worker's current lifecycle stage.
func (o *Overlay) State() WorkerState {
	return WorkerState(o.workerState.Load())
}

// HadCleanStartup reports whether the previous session shut down
// cleanly, valid only after Initialize's Future completes.
func (o *Overlay) HadCleanStartup() bool {
	return o.hadCleanStartup.Load()
}

// Initialize dispatches startup to the background worker: it opens
// BackingOverlay, runs OverlayChecker if the previous shutdown was
// unclean, and then transitions the worker into its GC loop. The
// returned Future completes once the allocator cursor is published and
// AllocateInodeNumber becomes safe to call.
func (o *Overlay) Initialize(ctx context.Context, progress ProgressFunc) *Future {
	f := newFuture()
	o.workerWG.Add(1)
	go o.runWorker(ctx, progress, f)
	return f
}

func (o *Overlay) runWorker(ctx context.Context, progress ProgressFunc, f *Future) {
	defer o.workerWG.Done()

	next, clean, err := o.backing.Init(ctx, o.cfg.ReadRepair)
	if err != nil {
		f.complete(fmt.Errorf("initialize overlay: %w", err))
		return
	}

	if clean {
		o.hadCleanStartup.Store(true)
	} else {
		log.Warn("overlay: previous shutdown was not clean, running recovery")
		checker := overlaycheck.New(o.backing)
		anomalies, err := checker.Scan(ctx, overlaycheck.ProgressFunc(progress))
		if err != nil {
			f.complete(fmt.Errorf("recover overlay: %w", err))
			return
		}
		if len(anomalies) > 0 {
			log.WithField("count", len(anomalies)).Warn("overlay: recovery found anomalies")
			if err := checker.Repair(ctx); err != nil {
				f.complete(fmt.Errorf("repair overlay: %w", err))
				return
			}
		}
		next = checker.NextInodeNumber()
	}

	o.nextInode.Store(uint64(next))
	o.workerState.Store(int32(StateRunning))
	f.complete(nil)

	o.gcLoop(context.Background())
}

// AllocateInodeNumber returns the next inode number and advances the
// allocator cursor. It fails with InvariantViolation if the allocator
// has not yet been published by Initialize.
func (o *Overlay) AllocateInodeNumber() (model.InodeNumber, error) {
	if o.nextInode.Load() == 0 {
		return 0, fmt.Errorf("allocate inode number: %w: allocator not initialized", common.ErrInvariantViolation)
	}
	next := o.nextInode.Add(1)
	return model.InodeNumber(next - 1), nil
}

// LoadDir reads the directory record for ino, migrating any legacy
// entry that lacks an inode number by allocating one and rewriting the
// record before returning.
func (o *Overlay) LoadDir(ctx context.Context, ino model.InodeNumber) (*model.DirContents, error) {
	if !o.gate.enter() {
		return nil, common.ErrOverlayClosed
	}
	defer o.gate.exit()

	dir, err := o.backing.LoadDir(ctx, ino)
	if err != nil {
		return nil, err
	}

	migrated := false
	for _, e := range dir.Entries() {
		if e.InodeNumber != 0 {
			continue
		}
		newIno, err := o.AllocateInodeNumber()
		if err != nil {
			return nil, err
		}
		e.InodeNumber = newIno
		dir.Put(e)
		migrated = true
	}
	if migrated {
		if err := o.backing.SaveDir(ctx, ino, dir); err != nil {
			return nil, err
		}
	}
	return dir, nil
}

// SaveDir writes dir as the record for ino, refusing to persist any
// child inode number that has not yet been allocated.
func (o *Overlay) SaveDir(ctx context.Context, ino model.InodeNumber, dir *model.DirContents) error {
	if !o.gate.enter() {
		return common.ErrOverlayClosed
	}
	defer o.gate.exit()

	cursor := o.nextInode.Load()
	for _, e := range dir.Entries() {
		if uint64(e.InodeNumber) >= cursor {
			return fmt.Errorf("save dir %d: %w: child %q has unallocated inode %d", ino, common.ErrInvariantViolation, e.Name, e.InodeNumber)
		}
	}
	return o.backing.SaveDir(ctx, ino, dir)
}

// HasInode reports whether ino has a directory record or file body.
func (o *Overlay) HasInode(ctx context.Context, ino model.InodeNumber) (bool, error) {
	if !o.gate.enter() {
		return false, common.ErrOverlayClosed
	}
	defer o.gate.exit()
	return o.backing.HasInode(ctx, ino)
}

// RemoveInode releases ino's metadata and deletes it from storage. It
// is not recursive.
func (o *Overlay) RemoveInode(ctx context.Context, ino model.InodeNumber) error {
	if !o.gate.enter() {
		return common.ErrOverlayClosed
	}
	defer o.gate.exit()
	return o.backing.RemoveInode(ctx, ino)
}

// RecursivelyRemove removes ino from the overlay immediately — so the
// caller may reuse the inode number without racing the GC worker — and
// enqueues its former directory record, if any, for the background
// worker to walk and delete.
func (o *Overlay) RecursivelyRemove(ctx context.Context, ino model.InodeNumber) error {
	if !o.gate.enter() {
		return common.ErrOverlayClosed
	}
	defer o.gate.exit()

	dir, err := o.backing.LoadDir(ctx, ino)
	if err != nil && !errors.Is(err, common.ErrNotFound) {
		return err
	}
	hadDir := err == nil

	if err := o.backing.RemoveInode(ctx, ino); err != nil {
		return err
	}

	if hadDir {
		o.gcQueue.enqueue(gcItem{kind: gcDirRecord, dir: dir})
	}
	return nil
}

// FlushPending returns a Future that completes once every GC item
// enqueued before this call has drained.
func (o *Overlay) FlushPending() *Future {
	f := newFuture()
	o.gcQueue.enqueue(gcItem{kind: gcFlush, future: f})
	return f
}

// CreateFile writes a new file body for ino and returns a handle to it.
func (o *Overlay) CreateFile(ctx context.Context, ino model.InodeNumber, data []byte, meta storage.InodeEntry) (*File, error) {
	if !o.gate.enter() {
		return nil, common.ErrOverlayClosed
	}
	defer o.gate.exit()

	if uint64(ino) >= o.nextInode.Load() {
		return nil, fmt.Errorf("create file %d: %w: inode not allocated", ino, common.ErrInvariantViolation)
	}
	if err := o.backing.CreateFile(ctx, ino, data, meta); err != nil {
		return nil, err
	}
	return o.newHandle(ino), nil
}

// OpenFile returns a handle to the existing file body for ino.
func (o *Overlay) OpenFile(ctx context.Context, ino model.InodeNumber) (*File, error) {
	if !o.gate.enter() {
		return nil, common.ErrOverlayClosed
	}
	defer o.gate.exit()

	if uint64(ino) >= o.nextInode.Load() {
		return nil, fmt.Errorf("open file %d: %w: inode not allocated", ino, common.ErrInvariantViolation)
	}
	if _, err := o.backing.OpenFile(ctx, ino); err != nil {
		return nil, err
	}
	return o.newHandle(ino), nil
}

func (o *Overlay) newHandle(ino model.InodeNumber) *File {
	return &File{overlay: o, inode: ino, generation: o.generation.Load()}
}

// MaxInodeNumber returns the highest inode number ever handed out by
// AllocateInodeNumber, or 0 if none has been allocated yet.
func (o *Overlay) MaxInodeNumber() model.InodeNumber {
	next := o.nextInode.Load()
	if next <= uint64(model.RootInode)+1 {
		return 0
	}
	return model.InodeNumber(next - 1)
}

// StatFS reports overlay occupancy.
func (o *Overlay) StatFS(ctx context.Context) (storage.FSStat, error) {
	if !o.gate.enter() {
		return storage.FSStat{}, common.ErrOverlayClosed
	}
	defer o.gate.exit()
	return o.backing.StatFS(ctx)
}

// Close is idempotent: it seals the I/O gate against new operations,
// waits for in-flight ones to finish, stops and joins the background
// worker, invalidates every outstanding File handle, and finally
// closes BackingOverlay with the allocator's own tracked cursor as the
// resumption point. It never trusts a caller-supplied inode number:
// the allocator is the only authority on what comes next.
func (o *Overlay) Close(ctx context.Context) error {
	var closeErr error
	o.closeOnce.Do(func() {
		if err := o.gate.closeAndWait(ctx); err != nil {
			closeErr = err
			return
		}

		o.workerState.Store(int32(StateStopping))
		o.gcQueue.requestStop()
		o.workerWG.Wait()
		o.workerState.Store(int32(StateJoined))

		o.generation.Add(1)

		next := o.nextInode.Load()
		if err := o.backing.Close(ctx, model.InodeNumber(next)); err != nil {
			closeErr = err
		}
		if err := o.lock.Unlock(); err != nil && closeErr == nil {
			closeErr = fmt.Errorf("release overlay lock: %w", err)
		}
	})
	return closeErr
}
