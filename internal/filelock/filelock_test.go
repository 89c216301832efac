package filelock

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestLockUnlock(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "test.lock")
	lock := NewFileLock(lockPath)

	if err := lock.Lock(context.Background()); err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	if err := lock.Unlock(); err != nil {
		t.Fatalf("Failed to release lock: %v", err)
	}
}

func TestTryLockHeldElsewhere(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "test.lock")

	holder := NewFileLock(lockPath)
	if err := holder.Lock(context.Background()); err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}

	other := NewFileLock(lockPath)
	acquired, err := other.TryLock()
	if err != nil {
		t.Fatalf("TryLock returned error: %v", err)
	}
	if acquired {
		t.Fatal("TryLock should fail while another handle holds the lock")
	}

	if err := holder.Unlock(); err != nil {
		t.Fatalf("Failed to release lock: %v", err)
	}
	acquired, err = other.TryLock()
	if err != nil || !acquired {
		t.Fatalf("TryLock after release: acquired=%v err=%v", acquired, err)
	}
	other.Unlock()
}

func TestLockHonoursContext(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "test.lock")

	holder := NewFileLock(lockPath)
	if err := holder.Lock(context.Background()); err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	defer holder.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := NewFileLock(lockPath).Lock(ctx)
	if err == nil {
		t.Fatal("Expected lock to fail while held")
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("Lock did not return promptly after context deadline")
	}
}

func TestAtomicWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "out.json")

	if err := AtomicWrite(path, []byte("first")); err != nil {
		t.Fatalf("AtomicWrite failed: %v", err)
	}
	if err := AtomicWrite(path, []byte("second")); err != nil {
		t.Fatalf("AtomicWrite failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(data) != "second" {
		t.Errorf("Expected %q, got %q", "second", data)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if info.Mode().Perm() != 0644 {
		t.Errorf("Expected mode 0644, got %v", info.Mode().Perm())
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	for _, e := range entries {
		if filepath.Ext(e.Name()) != ".json" {
			t.Errorf("Unexpected leftover file %s", e.Name())
		}
	}
}

func TestWriteJSONConcurrent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := WriteJSON(context.Background(), path, map[string]int{"writer": i}); err != nil {
				t.Errorf("WriteJSON failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	var got map[string]int
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("snapshot is not valid JSON: %v (%s)", err, data)
	}
	if _, ok := got["writer"]; !ok {
		t.Errorf("snapshot missing writer key: %s", data)
	}
}

func TestKeyLocks(t *testing.T) {
	locks := NewKeyLocks()

	var mu sync.Mutex
	inside := map[string]int{}
	maxInside := map[string]int{}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		key := "a"
		if i%2 == 1 {
			key = "b"
		}
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			unlock := locks.Lock(key)
			defer unlock()

			mu.Lock()
			inside[key]++
			if inside[key] > maxInside[key] {
				maxInside[key] = inside[key]
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inside[key]--
			mu.Unlock()
		}(key)
	}
	wg.Wait()

	if maxInside["a"] != 1 || maxInside["b"] != 1 {
		t.Errorf("Expected exclusive access per key, got %v", maxInside)
	}
	if n := locks.Len(); n != 0 {
		t.Errorf("Expected released keys to be dropped, %d remain", n)
	}
}

func TestKeyLocksIndependentKeys(t *testing.T) {
	locks := NewKeyLocks()
	unlockA := locks.Lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := locks.Lock("b")
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Lock on a different key should not block")
	}
}
