//go:build unix

package sessionlock

import (
	"errors"
	"testing"
)

func TestAcquire_Exclusive(t *testing.T) {
	root := t.TempDir()
	l, err := Acquire(root)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := Acquire(root); !errors.Is(err, ErrLocked) {
		t.Fatalf("second Acquire err=%v want ErrLocked", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	l2, err := Acquire(root)
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	_ = l2.Release()
	_ = l2.Release()
}
