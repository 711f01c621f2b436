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

	log "github.com/sirupsen/logrus"
	_ "github.com/tursodatabase/go-libsql"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	"vcsoverlay/internal/common"
	"vcsoverlay/internal/model"
	"vcsoverlay/internal/util"
)

// BackingOverlay is the physical, durable persistence layer beneath the
// Overlay facade. It owns one SQLite database file holding directory
// records, file bodies, inode metadata, and the single overlay_info row
// that records next_inode_number and whether the last shutdown was
// clean. It adds no locking of its own: concurrent callers, such as the
// Overlay facade and its GC worker, rely on the database's own locking
// and on the SQLITE_BUSY retries around its calls.
type BackingOverlay struct {
	sqlDB *sql.DB
	bunDB *bun.DB
	meta  *InodeMetadataTable
	path  string
}

// OpenBackingOverlay opens (creating if necessary) the overlay database
// at path and applies its schema and pragmas. It does not touch
// overlay_info or next_inode_number; call Init for that.
func OpenBackingOverlay(path string) (*BackingOverlay, error) {
	busyTimeout := GetBusyTimeout()
	dsn := BuildDSN(path, busyTimeout)

	sqlDB, err := sql.Open("libsql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open overlay database: %w", errors.Join(err, common.ErrIO))
	}

	if err := applyPragmas(sqlDB, busyTimeout); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}

	if err := execStatements(sqlDB, overlaySchema); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	bunDB := bun.NewDB(sqlDB, sqlitedialect.New())

	return &BackingOverlay{
		sqlDB: sqlDB,
		bunDB: bunDB,
		meta:  NewInodeMetadataTable(bunDB),
		path:  path,
	}, nil
}

// Metadata returns the InodeMetadataTable backing this overlay.
func (b *BackingOverlay) Metadata() *InodeMetadataTable {
	return b.meta
}

// Init reads the overlay_info row. If the prior shutdown was not clean
// and readRepair is set, it advances next_inode_number past the largest
// inode found in dir_records, inode_metadata and file_bodies. It returns the next inode number to hand out and whether the
// prior shutdown was clean (false means the caller should run
// OverlayChecker before trusting anything else in the database).
func (b *BackingOverlay) Init(ctx context.Context, readRepair bool) (next model.InodeNumber, cleanShutdown bool, err error) {
	var nextRaw sql.NullInt64
	var clean sql.NullInt64
	scanErr := b.bunDB.NewRaw(`SELECT next_inode_number, clean_shutdown FROM overlay_info WHERE id = 1`).Scan(ctx, &nextRaw, &clean)

	switch {
	case errors.Is(scanErr, sql.ErrNoRows):
		next = model.RootInode + 1
		cleanShutdown = true
		if _, err := b.bunDB.NewRaw(`
			INSERT INTO overlay_info (id, next_inode_number, clean_shutdown) VALUES (1, ?, 1)
		`, int64(next)).Exec(ctx); err != nil {
			return 0, false, fmt.Errorf("seed overlay_info: %w", errors.Join(err, common.ErrIO))
		}
	case scanErr != nil:
		return 0, false, fmt.Errorf("read overlay_info: %w", errors.Join(scanErr, common.ErrIO))
	default:
		next = model.InodeNumber(nextRaw.Int64)
		cleanShutdown = clean.Int64 != 0
	}

	if !cleanShutdown && readRepair {
		observed, err := b.maxObservedInode(ctx)
		if err != nil {
			return 0, false, fmt.Errorf("recompute next inode number: %w", err)
		}
		if recomputed := observed + 1; recomputed > next {
			log.WithFields(log.Fields{
				"stored":     uint64(next),
				"recomputed": uint64(recomputed),
			}).Warn("overlay: unclean shutdown, advancing next_inode_number from scan")
			next = recomputed
		}
	}

	if _, err := b.bunDB.NewRaw(`
		UPDATE overlay_info SET clean_shutdown = 0 WHERE id = 1
	`).Exec(ctx); err != nil {
		return 0, false, fmt.Errorf("mark overlay open: %w", errors.Join(err, common.ErrIO))
	}

	return next, cleanShutdown, nil
}

// maxObservedInode returns the maximum inode number found in
// dir_records, inode_metadata or file_bodies, or model.RootInode if none
// of them has any rows above it. Init adds one to get the next number.
func (b *BackingOverlay) maxObservedInode(ctx context.Context) (model.InodeNumber, error) {
	max := model.RootInode

	var dirMax sql.NullInt64
	if err := b.bunDB.NewRaw(`SELECT MAX(inode) FROM dir_records`).Scan(ctx, &dirMax); err != nil {
		return 0, fmt.Errorf("scan dir_records: %w", errors.Join(err, common.ErrIO))
	}
	if dirMax.Valid && model.InodeNumber(dirMax.Int64) > max {
		max = model.InodeNumber(dirMax.Int64)
	}

	if metaMax, ok, err := b.meta.MaxInode(ctx); err != nil {
		return 0, err
	} else if ok && metaMax > max {
		max = metaMax
	}

	var bodyMax sql.NullInt64
	if err := b.bunDB.NewRaw(`SELECT MAX(inode) FROM file_bodies`).Scan(ctx, &bodyMax); err != nil {
		return 0, fmt.Errorf("scan file_bodies: %w", errors.Join(err, common.ErrIO))
	}
	if bodyMax.Valid && model.InodeNumber(bodyMax.Int64) > max {
		max = model.InodeNumber(bodyMax.Int64)
	}

	return max, nil
}

// Close marks the overlay as cleanly shut down, recording next as the
// inode number to resume allocation from on the next Init, then closes
// the database handle.
func (b *BackingOverlay) Close(ctx context.Context, next model.InodeNumber) error {
	_, err := b.bunDB.NewRaw(`
		UPDATE overlay_info SET next_inode_number = ?, clean_shutdown = 1 WHERE id = 1
	`, int64(next)).Exec(ctx)
	closeErr := b.sqlDB.Close()
	if err != nil {
		return fmt.Errorf("record clean shutdown: %w", errors.Join(err, common.ErrIO))
	}
	if closeErr != nil {
		return fmt.Errorf("close overlay database: %w", errors.Join(closeErr, common.ErrIO))
	}
	return nil
}

// CloseReadOnly closes the database handle without touching overlay_info.
// It exists for diagnostic tools such as fsck and stat that open the
// database directly for inspection and must never advance or clear the
// clean_shutdown marker the real Overlay owns.
func (b *BackingOverlay) CloseReadOnly() error {
	if err := b.sqlDB.Close(); err != nil {
		return fmt.Errorf("close overlay database: %w", errors.Join(err, common.ErrIO))
	}
	return nil
}

// LoadDir returns the materialized directory contents for ino. It
// returns common.ErrNotFound if ino has no directory record.
func (b *BackingOverlay) LoadDir(ctx context.Context, ino model.InodeNumber) (*model.DirContents, error) {
	return util.RetryWithResult(ctx, func() (*model.DirContents, error) {
		return b.loadDirInternal(ctx, ino)
	}, util.DatabaseRetryOptions(ctx)...)
}

func (b *BackingOverlay) loadDirInternal(ctx context.Context, ino model.InodeNumber) (*model.DirContents, error) {
	var data []byte
	row := b.sqlDB.QueryRowContext(ctx, `SELECT entries FROM dir_records WHERE inode = ?`, int64(ino))
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("load dir %d: %w", ino, common.ErrNotFound)
		}
		return nil, fmt.Errorf("load dir %d: %w", ino, errors.Join(err, common.ErrIO))
	}

	dir, err := decodeDirRecord(data)
	if err != nil {
		return nil, fmt.Errorf("load dir %d: %w", ino, err)
	}
	return dir, nil
}

// SaveDir persists dir as the directory record for ino, overwriting any
// existing record.
func (b *BackingOverlay) SaveDir(ctx context.Context, ino model.InodeNumber, dir *model.DirContents) error {
	if !ino.Valid() && ino != model.RootInode {
		return fmt.Errorf("save dir: %w: inode %d is not allocatable", common.ErrInvariantViolation, ino)
	}
	return util.Retry(ctx, func() error {
		data := encodeDirRecord(dir)
		_, err := b.bunDB.NewRaw(`
			INSERT INTO dir_records (inode, entries) VALUES (?, ?)
			ON CONFLICT(inode) DO UPDATE SET entries = excluded.entries
		`, int64(ino), data).Exec(ctx)
		if err != nil {
			return fmt.Errorf("save dir %d: %w", ino, errors.Join(err, common.ErrIO))
		}
		return nil
	}, util.DatabaseRetryOptions(ctx)...)
}

// ListDirInodes returns every inode number with a directory record, in
// no particular order. OverlayChecker uses this to enumerate records
// without requiring each one to decode successfully.
func (b *BackingOverlay) ListDirInodes(ctx context.Context) ([]model.InodeNumber, error) {
	return b.listInodes(ctx, `SELECT inode FROM dir_records`)
}

// ListFileInodes returns every inode number with a file body, in no
// particular order.
func (b *BackingOverlay) ListFileInodes(ctx context.Context) ([]model.InodeNumber, error) {
	return b.listInodes(ctx, `SELECT inode FROM file_bodies`)
}

func (b *BackingOverlay) listInodes(ctx context.Context, query string) ([]model.InodeNumber, error) {
	rows, err := b.sqlDB.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list inodes: %w", errors.Join(err, common.ErrIO))
	}
	defer rows.Close()

	var out []model.InodeNumber
	for rows.Next() {
		var raw int64
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("list inodes: %w", errors.Join(err, common.ErrIO))
		}
		out = append(out, model.InodeNumber(raw))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list inodes: %w", errors.Join(err, common.ErrIO))
	}
	return out, nil
}

// HasInode reports whether ino has either a directory record or a file
// body, without distinguishing which.
func (b *BackingOverlay) HasInode(ctx context.Context, ino model.InodeNumber) (bool, error) {
	var exists int
	row := b.sqlDB.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM dir_records WHERE inode = ?)
		    OR EXISTS(SELECT 1 FROM file_bodies WHERE inode = ?)
	`, int64(ino), int64(ino))
	if err := row.Scan(&exists); err != nil {
		return false, fmt.Errorf("check inode %d: %w", ino, errors.Join(err, common.ErrIO))
	}
	return exists != 0, nil
}

// RemoveInode deletes any directory record, file body, and metadata row
// for ino. It is not recursive: removing a directory's children is the
// caller's responsibility, mirroring removeOverlayData's contract of
// removing exactly one inode's own data.
func (b *BackingOverlay) RemoveInode(ctx context.Context, ino model.InodeNumber) error {
	return util.Retry(ctx, func() error {
		if _, err := b.bunDB.NewRaw(`DELETE FROM dir_records WHERE inode = ?`, int64(ino)).Exec(ctx); err != nil {
			return fmt.Errorf("remove dir record %d: %w", ino, errors.Join(err, common.ErrIO))
		}
		if _, err := b.bunDB.NewRaw(`DELETE FROM file_bodies WHERE inode = ?`, int64(ino)).Exec(ctx); err != nil {
			return fmt.Errorf("remove file body %d: %w", ino, errors.Join(err, common.ErrIO))
		}
		if err := b.meta.FreeInode(ctx, ino); err != nil {
			return fmt.Errorf("remove inode %d: %w", ino, err)
		}
		return nil
	}, util.DatabaseRetryOptions(ctx)...)
}

// CreateFile writes data as the file body for ino, overwriting any
// existing body, and records mode/timestamps via the InodeMetadataTable.
func (b *BackingOverlay) CreateFile(ctx context.Context, ino model.InodeNumber, data []byte, meta InodeEntry) error {
	if data == nil {
		data = []byte{}
	}
	return util.Retry(ctx, func() error {
		_, err := b.bunDB.NewRaw(`
			INSERT INTO file_bodies (inode, data) VALUES (?, ?)
			ON CONFLICT(inode) DO UPDATE SET data = excluded.data
		`, int64(ino), data).Exec(ctx)
		if err != nil {
			return fmt.Errorf("create file %d: %w", ino, errors.Join(err, common.ErrIO))
		}
		if err := b.meta.SetEntry(ctx, ino, meta); err != nil {
			return fmt.Errorf("create file %d: %w", ino, err)
		}
		return nil
	}, util.DatabaseRetryOptions(ctx)...)
}

// OpenFile returns the file body for ino, failing with common.ErrNotFound
// if it has none.
func (b *BackingOverlay) OpenFile(ctx context.Context, ino model.InodeNumber) ([]byte, error) {
	return b.openFile(ctx, ino)
}

// OpenFileNoVerify is identical to OpenFile: this layer has no checksum
// to skip. It exists so callers porting the same two-variant call
// pattern from InodeContentStore-style APIs have a stable name for
// "skip the verification this layer does not perform".
func (b *BackingOverlay) OpenFileNoVerify(ctx context.Context, ino model.InodeNumber) ([]byte, error) {
	return b.openFile(ctx, ino)
}

func (b *BackingOverlay) openFile(ctx context.Context, ino model.InodeNumber) ([]byte, error) {
	var data []byte
	row := b.sqlDB.QueryRowContext(ctx, `SELECT data FROM file_bodies WHERE inode = ?`, int64(ino))
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("open file %d: %w", ino, common.ErrNotFound)
		}
		return nil, fmt.Errorf("open file %d: %w", ino, errors.Join(err, common.ErrIO))
	}
	return data, nil
}

// FSStat summarizes overlay occupancy, the supplemented StatFS feature
// (SPEC_FULL.md §7) absent from spec.md's own interface list.
type FSStat struct {
	DirRecords int64
	FileBodies int64
	TotalBytes int64
	NextInode  model.InodeNumber
}

// StatFS reports directory and file body counts and total file body
// bytes, plus the next inode number that would be allocated.
func (b *BackingOverlay) StatFS(ctx context.Context) (FSStat, error) {
	var stat FSStat

	if err := b.bunDB.NewRaw(`SELECT COUNT(*) FROM dir_records`).Scan(ctx, &stat.DirRecords); err != nil {
		return FSStat{}, fmt.Errorf("statfs dir_records: %w", errors.Join(err, common.ErrIO))
	}

	var totalBytes sql.NullInt64
	if err := b.bunDB.NewRaw(`SELECT COUNT(*), COALESCE(SUM(LENGTH(data)), 0) FROM file_bodies`).Scan(ctx, &stat.FileBodies, &totalBytes); err != nil {
		return FSStat{}, fmt.Errorf("statfs file_bodies: %w", errors.Join(err, common.ErrIO))
	}
	stat.TotalBytes = totalBytes.Int64

	var next sql.NullInt64
	if err := b.bunDB.NewRaw(`SELECT next_inode_number FROM overlay_info WHERE id = 1`).Scan(ctx, &next); err != nil {
		return FSStat{}, fmt.Errorf("statfs overlay_info: %w", errors.Join(err, common.ErrIO))
	}
	stat.NextInode = model.InodeNumber(next.Int64)

	return stat, nil
}

// Path returns the filesystem path of the overlay database, used by the
// OverlayChecker to open its own read path and by diagnostics.
func (b *BackingOverlay) Path() string {
	return b.path
}
