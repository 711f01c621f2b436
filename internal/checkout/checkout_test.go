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
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vcsoverlay/internal/model"
)

// fakeObjectStore resolves hashes from two in-memory maps, keyed by the hex
// string of the hash bytes.
type fakeObjectStore struct {
	trees map[string]*Tree
	blobs map[string]*Blob
	err   error
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{trees: map[string]*Tree{}, blobs: map[string]*Blob{}}
}

func (s *fakeObjectStore) GetTree(_ context.Context, hash model.Hash) (*Tree, error) {
	if s.err != nil {
		return nil, s.err
	}
	t, ok := s.trees[hash.String()]
	if !ok {
		return nil, errors.New("tree not found")
	}
	return t, nil
}

func (s *fakeObjectStore) GetBlob(_ context.Context, hash model.Hash) (*Blob, error) {
	if s.err != nil {
		return nil, s.err
	}
	b, ok := s.blobs[hash.String()]
	if !ok {
		return nil, errors.New("blob not found")
	}
	return b, nil
}

func (s *fakeObjectStore) putBlob(hash model.Hash, data []byte) {
	s.blobs[hash.String()] = &Blob{Data: data}
}

func (s *fakeObjectStore) putTree(hash model.Hash, tree *Tree) {
	s.trees[hash.String()] = tree
}

// fakeInode is a test double satisfying InodePtr, optionally AsDirectory or
// AsFile depending on which fields are set.
type fakeInode struct {
	ino     model.InodeNumber
	dir     *fakeDirectoryInode
	file    *fakeFile
	parent  *fakeDirectoryInode
	parentErr error
}

func (f *fakeInode) AsDirectory() (DirectoryInode, bool) {
	if f.dir == nil {
		return nil, false
	}
	return f.dir, true
}

func (f *fakeInode) AsFile() (FileInode, bool) {
	if f.file == nil {
		return nil, false
	}
	return f.file, true
}

func (f *fakeInode) Parent(sync.Locker) (DirectoryInode, error) {
	if f.parentErr != nil {
		return nil, f.parentErr
	}
	return f.parent, nil
}

func (f *fakeInode) Get() model.InodeNumber {
	return f.ino
}

type fakeFile struct {
	mode uint32
	data []byte
}

func (f *fakeFile) Get() model.InodeNumber { return 0 }
func (f *fakeFile) Mode() uint32           { return f.mode }
func (f *fakeFile) Content() ([]byte, error) {
	return f.data, nil
}

// fakeDirectoryInode records every mutation call it receives so tests can
// assert on which one (if any) fired.
type fakeDirectoryInode struct {
	mu sync.Mutex

	checkoutCalls       int
	replaceEntryCalls   []model.TreeEntry
	removeChildCalls    []string
}

func (d *fakeDirectoryInode) Checkout(_ *CheckoutContext, _, _ *Tree) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.checkoutCalls++
	return nil
}

func (d *fakeDirectoryInode) CheckoutReplaceEntry(_ *CheckoutContext, _ InodePtr, newEntry model.TreeEntry) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.replaceEntryCalls = append(d.replaceEntryCalls, newEntry)
	return nil
}

func (d *fakeDirectoryInode) CheckoutRemoveChild(_ *CheckoutContext, name string, _ InodePtr) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removeChildCalls = append(d.removeChildCalls, name)
	return nil
}

func hashOf(label string) model.Hash {
	return model.Hash(label)
}

// Scenario 1: clean file replace, no conflict.
func TestCheckoutActionCleanFileReplace(t *testing.T) {
	t.Parallel()

	store := newFakeObjectStore()
	store.putBlob(hashOf("A"), []byte("content-a"))
	store.putBlob(hashOf("B"), []byte("content-b"))

	parent := &fakeDirectoryInode{}
	inode := &fakeInode{ino: 42, file: &fakeFile{mode: 0644, data: []byte("content-a")}, parent: parent}

	cctx := NewCheckoutContext(false, &sync.Mutex{})
	oldEntry := model.TreeEntry{Name: "f.txt", Mode: 0644, Type: model.Regular, Hash: hashOf("A")}
	newEntry := model.TreeEntry{Name: "f.txt", Mode: 0644, Type: model.Regular, Hash: hashOf("B")}

	action := NewCheckoutAction(cctx, oldEntry, newEntry, inode)
	err := action.Run(context.Background(), store)

	require.NoError(t, err)
	assert.Empty(t, cctx.Conflicts())
	require.Len(t, parent.replaceEntryCalls, 1)
	assert.Equal(t, newEntry, parent.replaceEntryCalls[0])
}

// Scenario 2: modified conflict, non-force — no mutation.
func TestCheckoutActionModifiedConflictNonForce(t *testing.T) {
	t.Parallel()

	store := newFakeObjectStore()
	store.putBlob(hashOf("A"), []byte("content-a"))
	store.putBlob(hashOf("B"), []byte("content-b"))

	parent := &fakeDirectoryInode{}
	inode := &fakeInode{ino: 7, file: &fakeFile{mode: 0644, data: []byte("locally-edited")}, parent: parent}

	cctx := NewCheckoutContext(false, &sync.Mutex{})
	oldEntry := model.TreeEntry{Name: "f.txt", Mode: 0644, Type: model.Regular, Hash: hashOf("A")}
	newEntry := model.TreeEntry{Name: "f.txt", Mode: 0644, Type: model.Regular, Hash: hashOf("B")}

	action := NewCheckoutAction(cctx, oldEntry, newEntry, inode)
	err := action.Run(context.Background(), store)

	require.NoError(t, err)
	require.Len(t, cctx.Conflicts(), 1)
	assert.Equal(t, ConflictModified, cctx.Conflicts()[0].Kind)
	assert.Equal(t, model.InodeNumber(7), cctx.Conflicts()[0].Inode)
	assert.Empty(t, parent.replaceEntryCalls)
}

// Scenario 3: modified conflict, force — conflict recorded AND mutation applied.
func TestCheckoutActionModifiedConflictForce(t *testing.T) {
	t.Parallel()

	store := newFakeObjectStore()
	store.putBlob(hashOf("A"), []byte("content-a"))
	store.putBlob(hashOf("B"), []byte("content-b"))

	parent := &fakeDirectoryInode{}
	inode := &fakeInode{ino: 7, file: &fakeFile{mode: 0644, data: []byte("locally-edited")}, parent: parent}

	cctx := NewCheckoutContext(true, &sync.Mutex{})
	oldEntry := model.TreeEntry{Name: "f.txt", Mode: 0644, Type: model.Regular, Hash: hashOf("A")}
	newEntry := model.TreeEntry{Name: "f.txt", Mode: 0644, Type: model.Regular, Hash: hashOf("B")}

	action := NewCheckoutAction(cctx, oldEntry, newEntry, inode)
	err := action.Run(context.Background(), store)

	require.NoError(t, err)
	require.Len(t, cctx.Conflicts(), 1)
	require.Len(t, parent.replaceEntryCalls, 1)
	assert.Equal(t, newEntry, parent.replaceEntryCalls[0])
}

// Scenario 4: type change directory -> file; with force, replace is invoked.
func TestCheckoutActionTypeChangeDirectoryToFileForce(t *testing.T) {
	t.Parallel()

	store := newFakeObjectStore()
	store.putTree(hashOf("T"), &Tree{})
	store.putBlob(hashOf("B"), []byte("new-file"))

	parent := &fakeDirectoryInode{}
	dirInode := &fakeDirectoryInode{}
	inode := &fakeInode{ino: 9, dir: dirInode, parent: parent}

	cctx := NewCheckoutContext(true, &sync.Mutex{})
	oldEntry := model.TreeEntry{Name: "d", Mode: 040755, Type: model.Tree, Hash: hashOf("T")}
	newEntry := model.TreeEntry{Name: "d", Mode: 0644, Type: model.Regular, Hash: hashOf("B")}

	action := NewCheckoutAction(cctx, oldEntry, newEntry, inode)
	err := action.Run(context.Background(), store)

	require.NoError(t, err)
	require.Len(t, cctx.Conflicts(), 1)
	require.Len(t, parent.replaceEntryCalls, 1)
	assert.Equal(t, newEntry, parent.replaceEntryCalls[0])
	assert.Zero(t, dirInode.checkoutCalls)
}

// Scenario 4b: same type change but non-force leaves the tree untouched.
func TestCheckoutActionTypeChangeDirectoryToFileNonForce(t *testing.T) {
	t.Parallel()

	store := newFakeObjectStore()
	store.putTree(hashOf("T"), &Tree{})
	store.putBlob(hashOf("B"), []byte("new-file"))

	parent := &fakeDirectoryInode{}
	dirInode := &fakeDirectoryInode{}
	inode := &fakeInode{ino: 9, dir: dirInode, parent: parent}

	cctx := NewCheckoutContext(false, &sync.Mutex{})
	oldEntry := model.TreeEntry{Name: "d", Mode: 040755, Type: model.Tree, Hash: hashOf("T")}
	newEntry := model.TreeEntry{Name: "d", Mode: 0644, Type: model.Regular, Hash: hashOf("B")}

	action := NewCheckoutAction(cctx, oldEntry, newEntry, inode)
	err := action.Run(context.Background(), store)

	require.NoError(t, err)
	require.Len(t, cctx.Conflicts(), 1)
	assert.Empty(t, parent.replaceEntryCalls)
}

// Scenario 5: removal — parent's CheckoutRemoveChild invoked.
func TestCheckoutActionRemoval(t *testing.T) {
	t.Parallel()

	store := newFakeObjectStore()
	store.putBlob(hashOf("A"), []byte("content-a"))

	parent := &fakeDirectoryInode{}
	inode := &fakeInode{ino: 3, file: &fakeFile{mode: 0644, data: []byte("content-a")}, parent: parent}

	cctx := NewCheckoutContext(false, &sync.Mutex{})
	oldEntry := model.TreeEntry{Name: "gone.txt", Mode: 0644, Type: model.Regular, Hash: hashOf("A")}

	action := NewCheckoutActionRemoved(cctx, oldEntry, inode)
	err := action.Run(context.Background(), store)

	require.NoError(t, err)
	assert.Empty(t, cctx.Conflicts())
	require.Len(t, parent.removeChildCalls, 1)
	assert.Equal(t, "gone.txt", parent.removeChildCalls[0])
}

// A directory recursion (Tree -> Tree, inode already a directory) does not
// touch the parent at all.
func TestCheckoutActionDirectoryRecursion(t *testing.T) {
	t.Parallel()

	store := newFakeObjectStore()
	store.putTree(hashOf("T1"), &Tree{})
	store.putTree(hashOf("T2"), &Tree{})

	parent := &fakeDirectoryInode{}
	dirInode := &fakeDirectoryInode{}
	inode := &fakeInode{ino: 5, dir: dirInode, parent: parent}

	cctx := NewCheckoutContext(false, &sync.Mutex{})
	oldEntry := model.TreeEntry{Name: "sub", Mode: 040755, Type: model.Tree, Hash: hashOf("T1")}
	newEntry := model.TreeEntry{Name: "sub", Mode: 040755, Type: model.Tree, Hash: hashOf("T2")}

	action := NewCheckoutAction(cctx, oldEntry, newEntry, inode)
	err := action.Run(context.Background(), store)

	require.NoError(t, err)
	assert.Empty(t, cctx.Conflicts())
	assert.Equal(t, 1, dirInode.checkoutCalls)
	assert.Empty(t, parent.replaceEntryCalls)
	assert.Empty(t, parent.removeChildCalls)
}

// If any load fails, the future fails with the first-collected error and no
// mutation occurs.
func TestCheckoutActionLoadFailureAbortsWithNoMutation(t *testing.T) {
	t.Parallel()

	store := newFakeObjectStore()
	store.err = errors.New("object store unavailable")

	parent := &fakeDirectoryInode{}
	inode := &fakeInode{ino: 1, file: &fakeFile{mode: 0644}, parent: parent}

	cctx := NewCheckoutContext(false, &sync.Mutex{})
	oldEntry := model.TreeEntry{Name: "f.txt", Mode: 0644, Type: model.Regular, Hash: hashOf("A")}
	newEntry := model.TreeEntry{Name: "f.txt", Mode: 0644, Type: model.Regular, Hash: hashOf("B")}

	action := NewCheckoutAction(cctx, oldEntry, newEntry, inode)
	err := action.Run(context.Background(), store)

	require.Error(t, err)
	assert.Empty(t, parent.replaceEntryCalls)
	assert.Empty(t, parent.removeChildCalls)
}

// Unchanged entry: on-disk content matches old exactly and new equals old —
// no mutation, no conflict.
func TestCheckoutActionUnchangedEntryIsNoOp(t *testing.T) {
	t.Parallel()

	store := newFakeObjectStore()
	store.putBlob(hashOf("A"), []byte("content-a"))

	parent := &fakeDirectoryInode{}
	inode := &fakeInode{ino: 2, file: &fakeFile{mode: 0644, data: []byte("content-a")}, parent: parent}

	cctx := NewCheckoutContext(false, &sync.Mutex{})
	entry := model.TreeEntry{Name: "f.txt", Mode: 0644, Type: model.Regular, Hash: hashOf("A")}

	action := NewCheckoutAction(cctx, entry, entry, inode)
	err := action.Run(context.Background(), store)

	require.NoError(t, err)
	assert.Empty(t, cctx.Conflicts())
	assert.Empty(t, parent.replaceEntryCalls)
}

// The pending-inode construction variant waits on the inode future before
// completing.
func TestCheckoutActionPendingInodeVariant(t *testing.T) {
	t.Parallel()

	store := newFakeObjectStore()
	store.putBlob(hashOf("A"), []byte("content-a"))
	store.putBlob(hashOf("B"), []byte("content-b"))

	parent := &fakeDirectoryInode{}
	inode := &fakeInode{ino: 11, file: &fakeFile{mode: 0644, data: []byte("content-a")}, parent: parent}

	future := make(chan InodeResult, 1)
	future <- InodeResult{Inode: inode}

	cctx := NewCheckoutContext(false, &sync.Mutex{})
	oldEntry := model.TreeEntry{Name: "f.txt", Mode: 0644, Type: model.Regular, Hash: hashOf("A")}
	newEntry := model.TreeEntry{Name: "f.txt", Mode: 0644, Type: model.Regular, Hash: hashOf("B")}

	action := NewCheckoutActionPendingInode(cctx, oldEntry, &newEntry, future)
	err := action.Run(context.Background(), store)

	require.NoError(t, err)
	require.Len(t, parent.replaceEntryCalls, 1)
}

// A failed inode load is collected the same way an object load failure is.
func TestCheckoutActionPendingInodeLoadFailure(t *testing.T) {
	t.Parallel()

	store := newFakeObjectStore()
	store.putBlob(hashOf("A"), []byte("content-a"))

	future := make(chan InodeResult, 1)
	future <- InodeResult{Err: errors.New("inode load failed")}

	cctx := NewCheckoutContext(false, &sync.Mutex{})
	oldEntry := model.TreeEntry{Name: "f.txt", Mode: 0644, Type: model.Regular, Hash: hashOf("A")}

	action := NewCheckoutActionPendingInode(cctx, oldEntry, nil, future)
	err := action.Run(context.Background(), store)

	assert.Error(t, err)
}

// Conflict list accumulates across concurrent AddConflict calls safely.
func TestCheckoutContextAddConflictConcurrent(t *testing.T) {
	t.Parallel()

	cctx := NewCheckoutContext(false, &sync.Mutex{})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cctx.AddConflict(ConflictModified, model.InodeNumber(i+2))
		}(i)
	}
	wg.Wait()

	assert.Len(t, cctx.Conflicts(), 50)
}
