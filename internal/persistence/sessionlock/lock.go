package sessionlock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const FileName = "session.lock"

// ErrLocked means another process holds the world.
var ErrLocked = errors.New("sessionlock: world is in use by another process")

// Lock is an exclusive hold on a world directory.
type Lock struct {
	f *os.File
}

// Acquire locks <root>/session.lock without blocking.
func Acquire(root string) (*Lock, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(root, FileName), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if err := tryLock(f); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %v", ErrLocked, err)
	}
	// Vanilla tooling expects a snowman in the file.
	if err := f.Truncate(0); err == nil {
		_, _ = f.WriteAt([]byte("☃"), 0)
	}
	return &Lock{f: f}, nil
}

func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = unlock(l.f)
	err := l.f.Close()
	l.f = nil
	return err
}
