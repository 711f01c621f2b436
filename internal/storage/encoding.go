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
	"encoding/binary"
	"fmt"

	"vcsoverlay/internal/common"
	"vcsoverlay/internal/model"
)

// encodeDirRecord frames a DirContents into the stable on-disk layout
// described by SPEC_FULL.md: a count, followed by one record per entry
// of (name, initial mode, inode number, hash). The format is explicit
// and length-prefixed rather than reflection-based so it never breaks
// across Go versions or struct field reordering, the same bias the
// teacher shows toward raw SQL/explicit byte layouts over reflection in
// internal/storage/bundb.go's chunked content handling.
func encodeDirRecord(dir *model.DirContents) []byte {
	entries := dir.Entries()

	size := 4
	for _, e := range entries {
		size += 4 + len(e.Name) + 4 + 8 + 4 + len(e.Hash)
	}

	buf := make([]byte, size)
	off := 0
	binary.BigEndian.PutUint32(buf[off:], uint32(len(entries)))
	off += 4

	for _, e := range entries {
		binary.BigEndian.PutUint32(buf[off:], uint32(len(e.Name)))
		off += 4
		off += copy(buf[off:], e.Name)

		binary.BigEndian.PutUint32(buf[off:], e.InitialMode)
		off += 4

		binary.BigEndian.PutUint64(buf[off:], uint64(e.InodeNumber))
		off += 8

		binary.BigEndian.PutUint32(buf[off:], uint32(len(e.Hash)))
		off += 4
		off += copy(buf[off:], e.Hash)
	}

	return buf
}

// decodeDirRecord parses the framing written by encodeDirRecord. It
// returns common.ErrCorruption (wrapped with detail) on any malformed
// or truncated input, matching spec.md §7's contract that a record
// which fails to parse is Corruption, not a generic IOError.
func decodeDirRecord(data []byte) (*model.DirContents, error) {
	dir := model.NewDirContents()

	off := 0
	readUint32 := func(field string) (uint32, error) {
		if off+4 > len(data) {
			return 0, fmt.Errorf("%s: %w: truncated while reading %s", "decodeDirRecord", common.ErrCorruption, field)
		}
		v := binary.BigEndian.Uint32(data[off:])
		off += 4
		return v, nil
	}
	readUint64 := func(field string) (uint64, error) {
		if off+8 > len(data) {
			return 0, fmt.Errorf("%s: %w: truncated while reading %s", "decodeDirRecord", common.ErrCorruption, field)
		}
		v := binary.BigEndian.Uint64(data[off:])
		off += 8
		return v, nil
	}
	readBytes := func(n uint32, field string) ([]byte, error) {
		if off+int(n) > len(data) {
			return nil, fmt.Errorf("%s: %w: truncated while reading %s", "decodeDirRecord", common.ErrCorruption, field)
		}
		b := make([]byte, n)
		copy(b, data[off:off+int(n)])
		off += int(n)
		return b, nil
	}

	count, err := readUint32("entry count")
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, count)
	for i := uint32(0); i < count; i++ {
		nameLen, err := readUint32("name length")
		if err != nil {
			return nil, err
		}
		nameBytes, err := readBytes(nameLen, "name")
		if err != nil {
			return nil, err
		}
		name := string(nameBytes)
		if !model.ValidName(name) {
			return nil, fmt.Errorf("decodeDirRecord: %w: invalid entry name %q", common.ErrCorruption, name)
		}
		if seen[name] {
			return nil, fmt.Errorf("decodeDirRecord: %w: duplicate entry name %q", common.ErrCorruption, name)
		}
		seen[name] = true

		mode, err := readUint32("mode")
		if err != nil {
			return nil, err
		}
		inoRaw, err := readUint64("inode number")
		if err != nil {
			return nil, err
		}
		hashLen, err := readUint32("hash length")
		if err != nil {
			return nil, err
		}
		hashBytes, err := readBytes(hashLen, "hash")
		if err != nil {
			return nil, err
		}
		var hash model.Hash
		if len(hashBytes) > 0 {
			hash = hashBytes
		}

		dir.Put(model.DirEntry{
			Name:        name,
			InitialMode: mode,
			InodeNumber: model.InodeNumber(inoRaw),
			Hash:        hash,
		})
	}

	if off != len(data) {
		return nil, fmt.Errorf("decodeDirRecord: %w: trailing %d bytes", common.ErrCorruption, len(data)-off)
	}

	return dir, nil
}
