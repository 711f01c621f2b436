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
	"errors"

	log "github.com/sirupsen/logrus"

	"vcsoverlay/internal/common"
	"vcsoverlay/internal/model"
)

// gcLoop blocks on the queue's condition variable until there is work
// or a stop has been requested, drains a batch, and processes it. It
// is the only background mutator of BackingOverlay: user operations
// and GC never race on the same inode, because RecursivelyRemove
// deletes the parent inode before this loop ever sees its children.
func (o *Overlay) gcLoop(ctx context.Context) {
	for {
		batch, stopped := o.gcQueue.waitBatch()
		for _, item := range batch {
			o.processGCItem(ctx, item)
		}
		if stopped && len(batch) == 0 {
			return
		}
	}
}

func (o *Overlay) processGCItem(ctx context.Context, item gcItem) {
	switch item.kind {
	case gcFlush:
		item.future.complete(nil)
	case gcDirRecord:
		o.gcWalkDir(ctx, item.dir)
	}
}

// gcWalkDir recursively removes every inode reachable from dir's
// entries. It is a local FIFO walk, not recursion, so it does not
// blow the stack on a pathologically deep tree: directories are
// pushed for later expansion, non-directories are removed immediately.
// Removal errors are logged and swallowed — one bad inode never aborts
// the rest of the sweep.
func (o *Overlay) gcWalkDir(ctx context.Context, dir *model.DirContents) {
	var queue []model.InodeNumber

	for _, e := range dir.Entries() {
		if model.IsDirMode(e.InitialMode) {
			queue = append(queue, e.InodeNumber)
			continue
		}
		o.gcRemove(ctx, e.InodeNumber)
	}

	for len(queue) > 0 {
		ino := queue[0]
		queue = queue[1:]

		child, err := o.backing.LoadDir(ctx, ino)
		if err != nil {
			if !errors.Is(err, common.ErrNotFound) {
				log.WithError(err).WithField("inode", uint64(ino)).Warn("overlay gc: failed to load directory, skipping")
			}
			continue
		}

		o.gcRemove(ctx, ino)

		for _, e := range child.Entries() {
			if model.IsDirMode(e.InitialMode) {
				queue = append(queue, e.InodeNumber)
				continue
			}
			o.gcRemove(ctx, e.InodeNumber)
		}
	}
}

func (o *Overlay) gcRemove(ctx context.Context, ino model.InodeNumber) {
	if err := o.backing.RemoveInode(ctx, ino); err != nil {
		log.WithError(err).WithField("inode", uint64(ino)).Warn("overlay gc: failed to remove inode")
	}
}
