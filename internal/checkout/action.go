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

package checkout

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"vcsoverlay/internal/common"
	"vcsoverlay/internal/model"
)

// CheckoutAction reconciles one directory entry across an old snapshot, a
// new snapshot, and the on-disk inode. Construct it with one of
// NewCheckoutAction, NewCheckoutActionRemoved, or
// NewCheckoutActionPendingInode, then call Run exactly once.
type CheckoutAction struct {
	id uuid.UUID

	name     string
	oldEntry model.TreeEntry
	newEntry *model.TreeEntry // nil means absent in the new snapshot

	inode       InodePtr
	inodeFuture <-chan InodeResult // non-nil only for the pending-inode variant

	cctx *CheckoutContext

	pendingLoads atomic.Int32

	errMu sync.Mutex
	errs  []error

	oldObj any // *Tree or *Blob, written once by the old-object load
	newObj any // *Tree or *Blob or nil, written once by the new-object load

	doneOnce sync.Once
	done     chan struct{}
	result   error
}

func newAction(name string, oldEntry model.TreeEntry, newEntry *model.TreeEntry, cctx *CheckoutContext) *CheckoutAction {
	return &CheckoutAction{
		id:       uuid.New(),
		name:     name,
		oldEntry: oldEntry,
		newEntry: newEntry,
		cctx:     cctx,
		done:     make(chan struct{}),
	}
}

// NewCheckoutAction constructs an action for an entry present in both
// snapshots, with an already-resolved inode.
func NewCheckoutAction(cctx *CheckoutContext, oldEntry, newEntry model.TreeEntry, inode InodePtr) *CheckoutAction {
	a := newAction(oldEntry.Name, oldEntry, &newEntry, cctx)
	a.inode = inode
	return a
}

// NewCheckoutActionRemoved constructs an action for an entry removed in the
// new snapshot, with an already-resolved inode.
func NewCheckoutActionRemoved(cctx *CheckoutContext, oldEntry model.TreeEntry, inode InodePtr) *CheckoutAction {
	a := newAction(oldEntry.Name, oldEntry, nil, cctx)
	a.inode = inode
	return a
}

// NewCheckoutActionPendingInode constructs an action whose inode has not
// finished loading yet. newEntry is nil if the entry is absent in the new
// snapshot.
func NewCheckoutActionPendingInode(cctx *CheckoutContext, oldEntry model.TreeEntry, newEntry *model.TreeEntry, inodeFuture <-chan InodeResult) *CheckoutAction {
	a := newAction(oldEntry.Name, oldEntry, newEntry, cctx)
	a.inodeFuture = inodeFuture
	return a
}

// Name returns the entry name this action reconciles.
func (a *CheckoutAction) Name() string {
	return a.name
}

// ID returns the correlation identifier assigned at construction, used to
// tie together this action's (up to three) concurrent loads in logs.
func (a *CheckoutAction) ID() uuid.UUID {
	return a.id
}

// Run dispatches every load this action needs against store and blocks
// until they all settle and the resulting mutation, if any, completes.
func (a *CheckoutAction) Run(ctx context.Context, store ObjectStore) error {
	// Pin before dispatching anything: if every load below finishes
	// synchronously, this pin is the only thing standing between
	// "all loads done" and a premature completion before Run has
	// finished dispatching.
	a.addLoad()

	a.addLoad()
	go a.loadOld(ctx, store)

	if a.newEntry != nil {
		a.addLoad()
		go a.loadNew(ctx, store)
	}
	if a.inodeFuture != nil {
		a.addLoad()
		go a.loadInode()
	}

	a.finishLoad(ctx)

	<-a.done
	return a.result
}

func (a *CheckoutAction) addLoad() {
	a.pendingLoads.Add(1)
}

// finishLoad drops one load-refcount. The decrement that reaches zero is
// the single synchronization edge that makes the result slots safe to read
// without per-slot locking: every write happened-before it.
func (a *CheckoutAction) finishLoad(ctx context.Context) {
	if a.pendingLoads.Add(-1) == 0 {
		a.allLoadsComplete(ctx)
	}
}

func (a *CheckoutAction) recordError(err error) {
	a.errMu.Lock()
	a.errs = append(a.errs, err)
	a.errMu.Unlock()
}

func (a *CheckoutAction) loadOld(ctx context.Context, store ObjectStore) {
	defer a.finishLoad(ctx)

	switch a.oldEntry.Type {
	case model.Tree:
		tree, err := store.GetTree(ctx, a.oldEntry.Hash)
		if err != nil {
			a.recordError(fmt.Errorf("load old tree %q: %w: %w", a.name, common.ErrObjectLoad, err))
			return
		}
		a.oldObj = tree
	default:
		blob, err := store.GetBlob(ctx, a.oldEntry.Hash)
		if err != nil {
			a.recordError(fmt.Errorf("load old blob %q: %w: %w", a.name, common.ErrObjectLoad, err))
			return
		}
		a.oldObj = blob
	}
}

func (a *CheckoutAction) loadNew(ctx context.Context, store ObjectStore) {
	defer a.finishLoad(ctx)

	entry := *a.newEntry
	switch entry.Type {
	case model.Tree:
		tree, err := store.GetTree(ctx, entry.Hash)
		if err != nil {
			a.recordError(fmt.Errorf("load new tree %q: %w: %w", a.name, common.ErrObjectLoad, err))
			return
		}
		a.newObj = tree
	default:
		blob, err := store.GetBlob(ctx, entry.Hash)
		if err != nil {
			a.recordError(fmt.Errorf("load new blob %q: %w: %w", a.name, common.ErrObjectLoad, err))
			return
		}
		a.newObj = blob
	}
}

func (a *CheckoutAction) loadInode() {
	defer a.finishLoad(context.Background())

	res := <-a.inodeFuture
	if res.Err != nil {
		a.recordError(fmt.Errorf("load inode %q: %w", a.name, res.Err))
		return
	}
	a.inode = res.Inode
}

func (a *CheckoutAction) allLoadsComplete(ctx context.Context) {
	a.doneOnce.Do(func() {
		a.errMu.Lock()
		errs := a.errs
		a.errMu.Unlock()

		if len(errs) > 0 {
			for _, err := range errs {
				log.WithError(err).WithField("action", a.id.String()).Warn("checkout action load failed")
			}
			a.result = errs[0]
			close(a.done)
			return
		}

		if a.inode == nil {
			a.result = fmt.Errorf("checkout action %q: %w: inode slot unpopulated after all loads settled", a.name, common.ErrInvariantViolation)
			close(a.done)
			return
		}

		a.result = a.doAction(ctx)
		close(a.done)
	})
}

// hasConflict implements the conflict table: a Tree old-object conflicts
// with anything but a directory inode. When the inode is a directory and the
// new object is also a Tree, there is no conflict at this level because
// do_action recurses into it and leaf conflicts surface from that recursion
// instead. When the new object is not a Tree, the directory is about to be
// destroyed outright rather than recursed into, so this level must be
// conservative and flag it — the recursive leaf check never gets a chance to
// run. A Blob old-object conflicts with anything but a file inode whose
// content and mode match under the old entry's mode.
func (a *CheckoutAction) hasConflict() (bool, error) {
	switch old := a.oldObj.(type) {
	case *Tree:
		if _, isDir := a.inode.AsDirectory(); !isDir {
			return true, nil
		}
		_, newIsTree := a.newObj.(*Tree)
		return !newIsTree, nil
	case *Blob:
		_, isFile := a.inode.AsFile()
		if !isFile {
			return true, nil
		}
		same, err := old.IsSameAs(a.inode, a.oldEntry.Mode)
		if err != nil {
			return false, fmt.Errorf("compare old content %q: %w", a.name, err)
		}
		return !same, nil
	default:
		return false, fmt.Errorf("checkout action %q: %w: old object slot has unexpected type", a.name, common.ErrInvariantViolation)
	}
}

func (a *CheckoutAction) doAction(ctx context.Context) error {
	conflict, err := a.hasConflict()
	if err != nil {
		return err
	}
	if conflict {
		a.cctx.AddConflict(ConflictModified, a.inode.Get())
		if !a.cctx.ForceUpdate {
			return nil
		}
	}

	if !conflict && a.newEntry != nil && a.newEntry.Name == a.oldEntry.Name &&
		a.newEntry.Mode == a.oldEntry.Mode && a.newEntry.Type == a.oldEntry.Type &&
		a.newEntry.Hash.Equal(a.oldEntry.Hash) {
		return nil
	}

	switch newObj := a.newObj.(type) {
	case *Tree:
		if dir, isDir := a.inode.AsDirectory(); isDir {
			var oldTree *Tree
			if t, ok := a.oldObj.(*Tree); ok {
				oldTree = t
			}
			return dir.Checkout(a.cctx, oldTree, newObj)
		}
		parent, err := a.inode.Parent(a.cctx.RenameLock)
		if err != nil {
			return fmt.Errorf("resolve parent %q: %w", a.name, err)
		}
		return parent.CheckoutReplaceEntry(a.cctx, a.inode, *a.newEntry)
	case *Blob:
		parent, err := a.inode.Parent(a.cctx.RenameLock)
		if err != nil {
			return fmt.Errorf("resolve parent %q: %w", a.name, err)
		}
		return parent.CheckoutReplaceEntry(a.cctx, a.inode, *a.newEntry)
	default:
		parent, err := a.inode.Parent(a.cctx.RenameLock)
		if err != nil {
			return fmt.Errorf("resolve parent %q: %w", a.name, err)
		}
		return parent.CheckoutRemoveChild(a.cctx, a.name, a.inode)
	}
}
