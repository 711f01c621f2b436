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
	"fmt"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"vcsoverlay/internal/storage"
)

var statCmd = &cobra.Command{
	Use:   "stat <overlay-dir>",
	Short: "Report occupancy for a BackingOverlay directory",
	Args:  cobra.ExactArgs(1),
	RunE:  runStat,
}

func init() {
	rootCmd.AddCommand(statCmd)
}

func runStat(cmd *cobra.Command, args []string) error {
	dbPath := filepath.Join(args[0], "overlay.db")
	lockPath := filepath.Join(args[0], "overlay.lock")

	lock := flock.New(lockPath)
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire overlay lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("overlay at %s is in use by another process", args[0])
	}
	defer lock.Unlock()

	backing, err := storage.OpenBackingOverlay(dbPath)
	if err != nil {
		return fmt.Errorf("open backing overlay: %w", err)
	}
	defer backing.CloseReadOnly()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	stat, err := backing.StatFS(ctx)
	if err != nil {
		return fmt.Errorf("statfs: %w", err)
	}

	fmt.Printf("directory records: %d\n", stat.DirRecords)
	fmt.Printf("file bodies:       %d\n", stat.FileBodies)
	fmt.Printf("total bytes:       %d\n", stat.TotalBytes)
	fmt.Printf("next inode:        %d\n", stat.NextInode)
	return nil
}
