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

package commands

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vcsoverlay/internal/model"
	"vcsoverlay/internal/storage"
)

func TestRunStatReportsOccupancy(t *testing.T) {
	dir := setupOverlayDir(t, 7, func(b *storage.BackingOverlay) {
		require.NoError(t, b.SaveDir(context.Background(), model.RootInode, model.NewDirContents()))
		require.NoError(t, b.CreateFile(context.Background(), 2, []byte("hello"), storage.InodeEntry{}))
	})

	cmd := &cobra.Command{}
	assert.NoError(t, runStat(cmd, []string{dir}))
}

func TestRunStatDoesNotDisturbOverlayInfo(t *testing.T) {
	dir := setupOverlayDir(t, 99, func(b *storage.BackingOverlay) {
		require.NoError(t, b.CreateFile(context.Background(), 3, []byte("x"), storage.InodeEntry{}))
	})
	require.Equal(t, model.InodeNumber(99), readNextInode(t, dir))

	cmd := &cobra.Command{}
	require.NoError(t, runStat(cmd, []string{dir}))

	assert.Equal(t, model.InodeNumber(99), readNextInode(t, dir))
}

func TestRunStatRejectsMissingDirectory(t *testing.T) {
	cmd := &cobra.Command{}
	err := runStat(cmd, []string{filepath.Join(t.TempDir(), "does-not-exist")})
	assert.Error(t, err)
}
