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

// Package checkout implements CheckoutAction, the per-entry reconciliation
// state machine that walks one directory entry across an old source-control
// snapshot, a new one, and the on-disk inode, and either recurses, replaces,
// removes, or records a conflict. The object store and inode layer it
// consumes are out of scope for this core and are expressed here purely as
// interfaces; real implementations and this package's own fakes both satisfy
// them identically.
package checkout

import (
	"context"
	"sync"

	"vcsoverlay/internal/model"
)

// Tree is a loaded source-control directory snapshot.
type Tree struct {
	Entries []model.TreeEntry
}

// Entry looks up a child by name.
func (t *Tree) Entry(name string) (model.TreeEntry, bool) {
	if t == nil {
		return model.TreeEntry{}, false
	}
	for _, e := range t.Entries {
		if e.Name == name {
			return e, true
		}
	}
	return model.TreeEntry{}, false
}

// Blob is a loaded source-control file object.
type Blob struct {
	Data []byte
}

// IsSameAs reports whether fileInode's on-disk content and mode match this
// blob's content under mode. It returns false, not an error, when fileInode
// does not resolve to a file inode at all — that case is a type conflict,
// not a load failure, and callers distinguish the two explicitly.
func (b *Blob) IsSameAs(fileInode InodePtr, mode uint32) (bool, error) {
	f, ok := fileInode.AsFile()
	if !ok {
		return false, nil
	}
	if f.Mode() != mode {
		return false, nil
	}
	content, err := f.Content()
	if err != nil {
		return false, err
	}
	if len(content) != len(b.Data) {
		return false, nil
	}
	for i := range content {
		if content[i] != b.Data[i] {
			return false, nil
		}
	}
	return true, nil
}

// FileInode is the on-disk view of a regular file, the minimal surface
// CheckoutAction needs to compare content against a Blob.
type FileInode interface {
	Get() model.InodeNumber
	Mode() uint32
	Content() ([]byte, error)
}

// InodePtr is the on-disk view of one directory entry's target, already
// resolved (or in the process of resolving, via InodeResult for the
// still-loading construction variant).
type InodePtr interface {
	// AsDirectory returns the directory view of this inode, if it is one.
	AsDirectory() (DirectoryInode, bool)
	// AsFile returns the file view of this inode, if it is one.
	AsFile() (FileInode, bool)
	// Parent returns the containing directory inode. renameLock must be
	// held by the caller for the duration of the containing checkout
	// phase; it is threaded through rather than acquired here because
	// acquisition order across the whole checkout is the caller's
	// responsibility, not this inode's.
	Parent(renameLock sync.Locker) (DirectoryInode, error)
	// Get returns the raw inode number, used for conflict reporting.
	Get() model.InodeNumber
}

// DirectoryInode is the mutation surface CheckoutAction drives once it has
// decided what to do with one entry.
type DirectoryInode interface {
	// Checkout recursively reconciles this directory's contents against
	// oldTree (may be nil, meaning the directory did not exist in the old
	// snapshot) and newTree.
	Checkout(ctx *CheckoutContext, oldTree, newTree *Tree) error
	// CheckoutReplaceEntry swaps child's directory entry for newEntry.
	CheckoutReplaceEntry(ctx *CheckoutContext, child InodePtr, newEntry model.TreeEntry) error
	// CheckoutRemoveChild removes the entry named name, whose current
	// target is child.
	CheckoutRemoveChild(ctx *CheckoutContext, name string, child InodePtr) error
}

// ObjectStore resolves source-control hashes to their loaded objects.
type ObjectStore interface {
	GetTree(ctx context.Context, hash model.Hash) (*Tree, error)
	GetBlob(ctx context.Context, hash model.Hash) (*Blob, error)
}

// InodeResult is what an in-flight inode lookup eventually delivers, used by
// the still-loading construction variant.
type InodeResult struct {
	Inode InodePtr
	Err   error
}
