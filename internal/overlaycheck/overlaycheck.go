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

// Package overlaycheck implements the single-threaded recovery pass run
// after an unclean overlay shutdown: it walks every persisted record,
// reports anomalies, repairs the ones that are safe to repair
// automatically, and recomputes the next free inode number.
package overlaycheck

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"vcsoverlay/internal/common"
	"vcsoverlay/internal/model"
	"vcsoverlay/internal/storage"
)

// AnomalyKind classifies a problem OverlayChecker found.
type AnomalyKind int

const (
	// OrphanedFileBody is a file body with no directory entry
	// anywhere referencing its inode number.
	OrphanedFileBody AnomalyKind = iota
	// DanglingReference is a materialized directory entry whose
	// inode number has neither a directory record nor a file body.
	DanglingReference
	// InodeCollision is two directory entries in different parents
	// claiming the same inode number.
	InodeCollision
	// CorruptRecord is a directory record that failed to decode.
	CorruptRecord
)

func (k AnomalyKind) String() string {
	switch k {
	case OrphanedFileBody:
		return "orphaned file body"
	case DanglingReference:
		return "dangling reference"
	case InodeCollision:
		return "inode collision"
	case CorruptRecord:
		return "corrupt record"
	default:
		return "unknown"
	}
}

// Anomaly is one problem found during Scan.
type Anomaly struct {
	Kind   AnomalyKind
	Inode  model.InodeNumber
	Parent model.InodeNumber // set for DanglingReference
	Name   string            // set for DanglingReference
	Detail string
}

// ProgressFunc is called once per directory record visited during Scan,
// in the order the records were enumerated.
type ProgressFunc func(inode model.InodeNumber)

// Checker is a single run of the recovery pass against one
// BackingOverlay. It is not safe for concurrent use; the core's
// concurrency model does not require it to be, since recovery runs
// before the Overlay's background worker starts serving requests.
type Checker struct {
	backing *storage.BackingOverlay

	anomalies     []Anomaly
	maxObserved   model.InodeNumber
	referencedBy  map[model.InodeNumber]model.InodeNumber // child inode -> first parent seen
	hasDirRecord  map[model.InodeNumber]bool
	hasFileBody   map[model.InodeNumber]bool
	referencedSet map[model.InodeNumber]bool
	scanned       bool
}

// New returns a Checker over backing.
func New(backing *storage.BackingOverlay) *Checker {
	return &Checker{
		backing:       backing,
		maxObserved:   model.RootInode,
		referencedBy:  make(map[model.InodeNumber]model.InodeNumber),
		hasDirRecord:  make(map[model.InodeNumber]bool),
		hasFileBody:   make(map[model.InodeNumber]bool),
		referencedSet: make(map[model.InodeNumber]bool),
	}
}

// Scan walks every persisted directory record and file body, calling
// progress for each directory record visited, and returns the
// anomalies found. It does not mutate storage; call Repair afterward to
// apply fixes.
func (c *Checker) Scan(ctx context.Context, progress ProgressFunc) ([]Anomaly, error) {
	dirInodes, err := c.backing.ListDirInodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	fileInodes, err := c.backing.ListFileInodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}

	// Record which inodes have a body or record before decoding any
	// entries, so dangling-reference detection below sees the complete
	// picture regardless of enumeration order.
	for _, ino := range fileInodes {
		c.hasFileBody[ino] = true
		c.observe(ino)
	}
	for _, ino := range dirInodes {
		c.hasDirRecord[ino] = true
		c.observe(ino)
	}

	type decoded struct {
		parent model.InodeNumber
		dir    *model.DirContents
	}
	var records []decoded

	for _, ino := range dirInodes {
		dir, err := c.backing.LoadDir(ctx, ino)
		if err != nil {
			if errors.Is(err, common.ErrCorruption) {
				c.anomalies = append(c.anomalies, Anomaly{
					Kind:   CorruptRecord,
					Inode:  ino,
					Detail: err.Error(),
				})
				log.WithFields(log.Fields{"inode": uint64(ino)}).Warn("overlaycheck: corrupt directory record")
				if progress != nil {
					progress(ino)
				}
				continue
			}
			return nil, fmt.Errorf("scan: load dir %d: %w", ino, err)
		}
		records = append(records, decoded{parent: ino, dir: dir})
		if progress != nil {
			progress(ino)
		}
	}

	for _, rec := range records {
		for _, entry := range rec.dir.Entries() {
			c.observe(entry.InodeNumber)
			c.referencedSet[entry.InodeNumber] = true

			if prevParent, seen := c.referencedBy[entry.InodeNumber]; seen && prevParent != rec.parent {
				c.anomalies = append(c.anomalies, Anomaly{
					Kind:   InodeCollision,
					Inode:  entry.InodeNumber,
					Detail: fmt.Sprintf("referenced by both inode %d and inode %d", prevParent, rec.parent),
				})
				log.WithFields(log.Fields{
					"inode":   uint64(entry.InodeNumber),
					"parent1": uint64(prevParent),
					"parent2": uint64(rec.parent),
				}).Warn("overlaycheck: inode collision")
			} else if !seen {
				c.referencedBy[entry.InodeNumber] = rec.parent
			}

			if entry.IsMaterialized() && !c.hasDirRecord[entry.InodeNumber] && !c.hasFileBody[entry.InodeNumber] {
				c.anomalies = append(c.anomalies, Anomaly{
					Kind:   DanglingReference,
					Inode:  entry.InodeNumber,
					Parent: rec.parent,
					Name:   entry.Name,
				})
				log.WithFields(log.Fields{
					"inode":  uint64(entry.InodeNumber),
					"parent": uint64(rec.parent),
					"name":   entry.Name,
				}).Warn("overlaycheck: dangling reference")
			}
		}
	}

	c.detectOrphans(fileInodes)
	c.scanned = true
	return c.anomalies, nil
}

// detectOrphans appends an OrphanedFileBody anomaly for every file
// inode never referenced by any directory entry.
func (c *Checker) detectOrphans(fileInodes []model.InodeNumber) {
	for _, ino := range fileInodes {
		if !c.referencedSet[ino] {
			c.anomalies = append(c.anomalies, Anomaly{Kind: OrphanedFileBody, Inode: ino})
			log.WithFields(log.Fields{"inode": uint64(ino)}).Warn("overlaycheck: orphaned file body")
		}
	}
}

func (c *Checker) observe(ino model.InodeNumber) {
	if ino > c.maxObserved {
		c.maxObserved = ino
	}
}

// NextInodeNumber returns 1 + the maximum inode number observed during
// Scan, over every inode with a directory record, a file body, or a
// reference from some directory entry. Scan must have run first.
func (c *Checker) NextInodeNumber() model.InodeNumber {
	return c.maxObserved + 1
}

// Anomalies returns the anomalies found by the most recent Scan.
func (c *Checker) Anomalies() []Anomaly {
	return c.anomalies
}

// Repair applies the automatic fixes Scan's anomalies license: orphaned
// file bodies are removed, and dangling references are dropped from
// their parent's directory record. Inode collisions and corrupt
// records are reported but never repaired automatically, since this
// pass cannot safely resolve them on its own; they are left for the
// containing session to treat as fatal.
func (c *Checker) Repair(ctx context.Context) error {
	if !c.scanned {
		return fmt.Errorf("overlaycheck: repair called before scan: %w", common.ErrInvariantViolation)
	}

	danglingByParent := make(map[model.InodeNumber][]string)
	for _, a := range c.anomalies {
		switch a.Kind {
		case OrphanedFileBody:
			if err := c.backing.RemoveInode(ctx, a.Inode); err != nil {
				return fmt.Errorf("repair: remove orphaned body %d: %w", a.Inode, err)
			}
		case DanglingReference:
			danglingByParent[a.Parent] = append(danglingByParent[a.Parent], a.Name)
		}
	}

	for parent, names := range danglingByParent {
		dir, err := c.backing.LoadDir(ctx, parent)
		if err != nil {
			if errors.Is(err, common.ErrNotFound) {
				continue
			}
			return fmt.Errorf("repair: reload parent %d: %w", parent, err)
		}
		for _, name := range names {
			dir.Remove(name)
		}
		if err := c.backing.SaveDir(ctx, parent, dir); err != nil {
			return fmt.Errorf("repair: save parent %d: %w", parent, err)
		}
	}

	return nil
}
