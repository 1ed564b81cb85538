package housekeeping

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"unicorn/internal/credentials"
	"unicorn/internal/logging"
)

// Checkpointer is the part of the store the checkpoint task needs.
type Checkpointer interface {
	Checkpoint(ctx context.Context) error
}

// StoreCheckpoint persists the store every interval.
func StoreCheckpoint(s Checkpointer, interval time.Duration) Task {
	return Task{Name: "store-checkpoint", Interval: interval, Run: s.Checkpoint}
}

// PreKeyCleanup removes pre-key files from credsDir while connected()
// reports true.
func PreKeyCleanup(credsDir string, interval time.Duration, connected func() bool) Task {
	return Task{
		Name:     "prekey-cleanup",
		Interval: interval,
		Run: func(context.Context) error {
			if connected != nil && !connected() {
				return nil
			}
			n, err := credentials.CleanPreKeys(credsDir)
			if err != nil {
				return err
			}
			if n > 0 {
				logging.Get(logging.CategoryHousekeeping).Infow("session pre-keys cleared", "removed", n)
			}
			return nil
		},
	}
}

// TempCleanup removes entries of dir older than maxAge.
func TempCleanup(dir string, interval, maxAge time.Duration, now func() time.Time) Task {
	return Task{
		Name:     "tmp-cleanup",
		Interval: interval,
		Run: func(context.Context) error {
			_, err := CleanDir(dir, maxAge, now())
			return err
		},
	}
}

// CleanDir removes files and directories in dir whose modification time is
// more than maxAge before now. It returns how many were removed; a missing
// dir is empty.
func CleanDir(dir string, maxAge time.Duration, now time.Time) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	removed := 0
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) < maxAge {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}
