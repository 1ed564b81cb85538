package credentials

import (
	"os"
	"path/filepath"
	"strings"
)

const preKeyPrefix = "pre-key-"

// CleanPreKeys removes the pre-key-* files in dir and returns how many were
// removed. A missing dir is not an error.
func CleanPreKeys(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), preKeyPrefix) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}
