package state

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dmitrijs2005/mailvault/internal/common"
	"github.com/dmitrijs2005/mailvault/internal/filex"
)

// LockStaleAfter bounds how long a lock file left behind by a dead process
// can block new runs.
const LockStaleAfter = 2 * time.Hour

// AcquireRunLock takes the single-runner lock for a state directory and
// returns a release function. A fresh lock held elsewhere surfaces as
// common.ErrLocked; a lock older than LockStaleAfter is taken over.
func AcquireRunLock(dir string) (func(), error) {
	if err := filex.EnsureDir(dir); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, "run.lock")

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if err == nil {
			fmt.Fprintf(f, "%d %d\n", os.Getpid(), time.Now().Unix())
			_ = f.Close()
			return func() { _ = os.Remove(path) }, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("acquire run lock: %w", err)
		}

		info, statErr := os.Stat(path)
		if statErr != nil {
			if os.IsNotExist(statErr) {
				continue // released between our attempts
			}
			return nil, fmt.Errorf("acquire run lock: %w", statErr)
		}
		if time.Since(info.ModTime()) <= LockStaleAfter {
			return nil, common.ErrLocked
		}
		_ = os.Remove(path)
	}
	return nil, common.ErrLocked
}
