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

// Package model holds the data types shared by the overlay, the overlay
// checker, and checkout action: inode numbers, content hashes, and the
// directory/entry records that flow between source control snapshots and
// the on-disk overlay.
package model

import (
	"bytes"
	"sort"
	"strings"
)

// InodeNumber is a durable 64-bit identifier for a filesystem node,
// unique within one Overlay's lifetime. 0 is never valid; 1 is reserved
// for the root.
type InodeNumber uint64

// RootInode is the reserved inode number for the root directory.
const RootInode InodeNumber = 1

// Valid reports whether ino is an allocatable, non-reserved value.
func (ino InodeNumber) Valid() bool {
	return ino > 1
}

// Hash is an opaque, fixed-width object identifier from the ObjectStore.
// Two hashes are equal iff their byte contents are equal. The empty hash
// is reserved and means "materialized".
type Hash []byte

// Empty reports whether h is the empty/materialized sentinel.
func (h Hash) Empty() bool {
	return len(h) == 0
}

// Equal reports whether h and other have identical byte contents.
func (h Hash) Equal(other Hash) bool {
	return bytes.Equal(h, other)
}

// String returns a hex encoding of the hash for logging.
func (h Hash) String() string {
	if h.Empty() {
		return "<materialized>"
	}
	const hexDigits = "0123456789abcdef"
	buf := make([]byte, len(h)*2)
	for i, b := range h {
		buf[i*2] = hexDigits[b>>4]
		buf[i*2+1] = hexDigits[b&0xf]
	}
	return string(buf)
}

// EntryType classifies what a TreeEntry or DirEntry names.
type EntryType int

const (
	// Tree is a subdirectory.
	Tree EntryType = iota
	// Regular is an ordinary file.
	Regular
	// Executable is a regular file with the executable bit set.
	Executable
	// Symlink is a symbolic link.
	Symlink
)

func (t EntryType) String() string {
	switch t {
	case Tree:
		return "tree"
	case Regular:
		return "regular"
	case Executable:
		return "executable"
	case Symlink:
		return "symlink"
	default:
		return "unknown"
	}
}

// IsDir reports whether the entry type represents a directory.
func (t EntryType) IsDir() bool {
	return t == Tree
}

// POSIX-style mode bits carried in DirEntry.InitialMode and
// TreeEntry.Mode. These persist until an inode is first loaded, at
// which point authoritative mode moves to the InodeMetadataTable.
const (
	ModeTypeMask = 0170000
	ModeDir      = 0040000
	ModeRegular  = 0100000
	ModeSymlink  = 0120000
)

// IsDirMode reports whether mode's type bits mark a directory.
func IsDirMode(mode uint32) bool {
	return mode&ModeTypeMask == ModeDir
}

// TreeEntry is an immutable record from a source-control snapshot.
type TreeEntry struct {
	Name string
	Mode uint32
	Type EntryType
	Hash Hash
}

// DirEntry is the overlay-side view of one directory child. If Hash is
// empty the entry is materialized (its authoritative content lives in
// the overlay); otherwise it is unmaterialized and references the
// ObjectStore object identified by Hash.
type DirEntry struct {
	Name        string
	InitialMode uint32
	InodeNumber InodeNumber
	Hash        Hash
}

// IsMaterialized reports whether the entry's content lives in the
// overlay rather than in source control.
func (e DirEntry) IsMaterialized() bool {
	return e.Hash.Empty()
}

// ValidName reports whether name is a legal, single directory-entry
// component: non-empty and free of path separators. Directory-tree
// traversal above a single entry is out of scope for this core; this is
// the only path-shaped validation it needs.
func ValidName(name string) bool {
	return name != "" && !strings.ContainsAny(name, "/\\")
}

// DirContents is an ordered-by-name collection of directory entries.
// Names are unique within a DirContents.
type DirContents struct {
	entries map[string]DirEntry
}

// NewDirContents returns an empty DirContents.
func NewDirContents() *DirContents {
	return &DirContents{entries: make(map[string]DirEntry)}
}

// Put inserts or replaces the entry named e.Name.
func (d *DirContents) Put(e DirEntry) {
	if d.entries == nil {
		d.entries = make(map[string]DirEntry)
	}
	d.entries[e.Name] = e
}

// Remove deletes the entry named name, if present.
func (d *DirContents) Remove(name string) {
	delete(d.entries, name)
}

// Get returns the entry named name and whether it was present.
func (d *DirContents) Get(name string) (DirEntry, bool) {
	e, ok := d.entries[name]
	return e, ok
}

// Len returns the number of entries.
func (d *DirContents) Len() int {
	return len(d.entries)
}

// Names returns the entry names in sorted order.
func (d *DirContents) Names() []string {
	names := make([]string, 0, len(d.entries))
	for name := range d.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Entries returns the entries in name-sorted order.
func (d *DirContents) Entries() []DirEntry {
	names := d.Names()
	out := make([]DirEntry, len(names))
	for i, name := range names {
		out[i] = d.entries[name]
	}
	return out
}
