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

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/uptrace/bun"

	"vcsoverlay/internal/common"
	"vcsoverlay/internal/model"
)

// InodeEntry is the metadata BackingOverlay keeps per inode, independent
// of its directory or file body: mode bits and the three POSIX
// timestamps, in whole seconds.
type InodeEntry struct {
	Mode  uint32
	Atime int64
	Mtime int64
	Ctime int64
}

// InodeMetadataTable stores InodeEntry records keyed by inode number. It
// is the external collaborator BackingOverlay delegates mode/timestamp
// storage to, kept as its own small table so a future metadata format
// change does not touch dir_records or file_bodies.
type InodeMetadataTable struct {
	db *bun.DB
}

// NewInodeMetadataTable wraps an already-opened bun handle.
func NewInodeMetadataTable(db *bun.DB) *InodeMetadataTable {
	return &InodeMetadataTable{db: db}
}

// SetEntry inserts or replaces the metadata row for ino.
func (t *InodeMetadataTable) SetEntry(ctx context.Context, ino model.InodeNumber, e InodeEntry) error {
	_, err := t.db.NewRaw(`
		INSERT INTO inode_metadata (inode, mode, atime, mtime, ctime)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(inode) DO UPDATE SET
			mode = excluded.mode,
			atime = excluded.atime,
			mtime = excluded.mtime,
			ctime = excluded.ctime
	`, int64(ino), e.Mode, e.Atime, e.Mtime, e.Ctime).Exec(ctx)
	if err != nil {
		return fmt.Errorf("set inode metadata %d: %w", ino, errors.Join(err, common.ErrIO))
	}
	return nil
}

// GetEntry returns the metadata row for ino. It returns
// common.ErrNotFound if no row exists.
func (t *InodeMetadataTable) GetEntry(ctx context.Context, ino model.InodeNumber) (InodeEntry, error) {
	var e InodeEntry
	err := t.db.NewRaw(`
		SELECT mode, atime, mtime, ctime FROM inode_metadata WHERE inode = ?
	`, int64(ino)).Scan(ctx, &e.Mode, &e.Atime, &e.Mtime, &e.Ctime)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return InodeEntry{}, fmt.Errorf("get inode metadata %d: %w", ino, common.ErrNotFound)
		}
		return InodeEntry{}, fmt.Errorf("get inode metadata %d: %w", ino, errors.Join(err, common.ErrIO))
	}
	return e, nil
}

// FreeInode removes the metadata row for ino, if any. It does not error
// if the row is already absent: freeing an already-free inode is a
// no-op, matching BackingOverlay's RemoveInode contract.
func (t *InodeMetadataTable) FreeInode(ctx context.Context, ino model.InodeNumber) error {
	if _, err := t.db.NewRaw(`DELETE FROM inode_metadata WHERE inode = ?`, int64(ino)).Exec(ctx); err != nil {
		return fmt.Errorf("free inode metadata %d: %w", ino, errors.Join(err, common.ErrIO))
	}
	return nil
}

// MaxInode returns the largest inode number with a metadata row, and
// false if the table is empty. BackingOverlay.Init uses this as one of
// the observed-inode sources when recomputing next_inode_number.
func (t *InodeMetadataTable) MaxInode(ctx context.Context) (model.InodeNumber, bool, error) {
	var max sql.NullInt64
	if err := t.db.NewRaw(`SELECT MAX(inode) FROM inode_metadata`).Scan(ctx, &max); err != nil {
		return 0, false, fmt.Errorf("max inode metadata: %w", errors.Join(err, common.ErrIO))
	}
	if !max.Valid {
		return 0, false, nil
	}
	return model.InodeNumber(max.Int64), true, nil
}
