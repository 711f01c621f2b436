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

	"vcsoverlay/internal/common"
	"vcsoverlay/internal/model"
	"vcsoverlay/internal/storage"
)

// File is a handle to one inode's file body. It holds the Overlay's
// generation counter at the time it was issued instead of a strong
// reference: Go has no weak pointer, so a bumped generation after
// Close is this handle's signal that the Overlay it was issued from is
// gone, the same role EdenFS gives a weak_ptr upgrade failure.
type File struct {
	overlay    *Overlay
	inode      model.InodeNumber
	generation uint64
}

func (f *File) valid() bool {
	return f.overlay.generation.Load() == f.generation
}

// Inode returns the inode number this handle refers to.
func (f *File) Inode() model.InodeNumber {
	return f.inode
}

// Read returns the file's current content.
func (f *File) Read(ctx context.Context) ([]byte, error) {
	if !f.valid() {
		return nil, common.ErrOverlayClosed
	}
	if !f.overlay.gate.enter() {
		return nil, common.ErrOverlayClosed
	}
	defer f.overlay.gate.exit()
	return f.overlay.backing.OpenFile(ctx, f.inode)
}

// Write overwrites the file's content and metadata.
func (f *File) Write(ctx context.Context, data []byte, meta storage.InodeEntry) error {
	if !f.valid() {
		return common.ErrOverlayClosed
	}
	if !f.overlay.gate.enter() {
		return common.ErrOverlayClosed
	}
	defer f.overlay.gate.exit()
	return f.overlay.backing.CreateFile(ctx, f.inode, data, meta)
}
