package checkpoint

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"printavo-archive/pkg/fsutil"

	"github.com/shirou/gopsutil/v4/process"
)

var ErrLocked = errors.New("another run holds the lock")

const (
	lockDirName   = ".run.lock"
	lockOwnerFile = "owner.json"
)

type Lock struct {
	lockDir string
}

type lockOwner struct {
	PID       int    `json:"pid"`
	CreatedAt string `json:"created_at"`
	Hostname  string `json:"hostname,omitempty"`
}

func hostname() string {
	host, _ := os.Hostname()
	return strings.TrimSpace(host)
}

// abandoned reports whether owner is a run on this host whose process is
// gone, like one that was killed before it could release the lock.
func (owner lockOwner) abandoned() bool {
	if owner.PID <= 0 || owner.Hostname != hostname() {
		return false
	}
	alive, err := process.PidExists(int32(owner.PID))
	return err == nil && !alive
}

// AcquireLock makes sure only one run works on a data directory at a time.
// mkdir is atomic so whoever creates the lock directory owns it. A lock left
// behind by a dead process on this host is taken over.
func AcquireLock(dir string) (Lock, error) {
	err := os.MkdirAll(dir, 0755)
	if err != nil {
		return Lock{}, fmt.Errorf("create data dir: %w", err)
	}

	lockDir := filepath.Join(dir, lockDirName)
	ownerPath := filepath.Join(lockDir, lockOwnerFile)
	err = os.Mkdir(lockDir, 0755)
	if os.IsExist(err) {
		var owner lockOwner
		readErr := fsutil.ReadJSON(ownerPath, &owner)
		if readErr == nil && owner.abandoned() {
			err = os.RemoveAll(lockDir)
			if err != nil {
				return Lock{}, fmt.Errorf("remove abandoned lock %s: %w", lockDir, err)
			}
			err = os.Mkdir(lockDir, 0755)
		}
	}
	if os.IsExist(err) {
		var owner lockOwner
		readErr := fsutil.ReadJSON(ownerPath, &owner)
		if readErr == nil && owner.PID > 0 {
			return Lock{}, fmt.Errorf(
				"%w: %s (pid=%d created_at=%s host=%s)",
				ErrLocked, dir, owner.PID, owner.CreatedAt, owner.Hostname,
			)
		}
		return Lock{}, fmt.Errorf("%w: %s", ErrLocked, dir)
	}
	if err != nil {
		return Lock{}, fmt.Errorf("acquire lock for %s: %w", dir, err)
	}

	owner := lockOwner{
		PID:       os.Getpid(),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		Hostname:  hostname(),
	}
	err = fsutil.WriteJSON(ownerPath, owner)
	if err != nil {
		_ = os.RemoveAll(lockDir)
		return Lock{}, fmt.Errorf("write lock owner: %w", err)
	}
	return Lock{lockDir: lockDir}, nil
}

func (l Lock) Release() error {
	if l.lockDir == "" {
		return nil
	}
	err := os.RemoveAll(l.lockDir)
	if err != nil {
		return fmt.Errorf("release lock %s: %w", l.lockDir, err)
	}
	return nil
}

// Held reports whether some run currently owns the lock of dir.
func Held(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, lockDirName))
	return err == nil
}
