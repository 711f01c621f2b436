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

package common

import "errors"

var (
	// ErrNotFound is returned when a directory record, file body, or
	// inode metadata entry does not exist.
	ErrNotFound = errors.New("not found")

	// ErrIO is returned for unexpected storage failures that are not one
	// of the more specific sentinels below.
	ErrIO = errors.New("I/O error")

	// ErrOverlayClosed is returned when a storage operation races a
	// shutdown: the I/O gate's closed bit was already set when the
	// operation tried to acquire a slot.
	ErrOverlayClosed = errors.New("overlay closed")

	// ErrCorruption is returned when a persisted record fails structural
	// validation (bad framing, truncated entry, duplicate name, etc).
	ErrCorruption = errors.New("corrupt overlay record")

	// ErrObjectLoad is returned when an ObjectStore call fails. Callers
	// wrap it with a stage tag via fmt.Errorf("%s: %w", stage, err).
	ErrObjectLoad = errors.New("object load failed")

	// ErrInvariantViolation is returned when a runtime contract is
	// breached, e.g. save_dir called with an unallocated child inode
	// number, or allocate_inode_number called before initialization.
	ErrInvariantViolation = errors.New("invariant violation")
)
