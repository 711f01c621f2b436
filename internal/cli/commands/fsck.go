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

	"vcsoverlay/internal/model"
	"vcsoverlay/internal/overlaycheck"
	"vcsoverlay/internal/storage"
)

var fsckRepair bool

var fsckCmd = &cobra.Command{
	Use:   "fsck <overlay-dir>",
	Short: "Scan a BackingOverlay for anomalies, optionally repairing them",
	Long: `fsck opens the SQLite database under overlay-dir directly, runs the same
scan the background worker runs after an unclean shutdown, and prints every
anomaly it finds. Orphaned file bodies and dangling directory references are
auto-repairable with --repair; inode collisions and corrupt records are
reported but never repaired automatically.`,
	Args: cobra.ExactArgs(1),
	RunE: runFsck,
}

func init() {
	fsckCmd.Flags().BoolVar(&fsckRepair, "repair", false, "apply auto-repairable fixes after scanning")
	rootCmd.AddCommand(fsckCmd)
}

func runFsck(cmd *cobra.Command, args []string) error {
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

	checker := overlaycheck.New(backing)
	anomalies, err := checker.Scan(ctx, func(ino model.InodeNumber) {})
	if err != nil {
		return fmt.Errorf("scan: %w", err)
	}

	if len(anomalies) == 0 {
		fmt.Println("no anomalies found")
	} else {
		fmt.Printf("%d anomalies found:\n", len(anomalies))
		for _, a := range anomalies {
			fmt.Printf("  [%s] inode=%d parent=%d name=%q %s\n", a.Kind, a.Inode, a.Parent, a.Name, a.Detail)
		}
	}
	fmt.Printf("next inode number: %d\n", checker.NextInodeNumber())

	if fsckRepair {
		if err := checker.Repair(ctx); err != nil {
			return fmt.Errorf("repair: %w", err)
		}
		fmt.Println("repair complete")
	}

	return nil
}
