package fdtable

import (
	"testing"

	"github.com/Meesho/BharatMLStack/flashfs/internal/filetable"
)

func TestTable_AcquireRelease(t *testing.T) {
	table := NewTable(2)
	entry := &filetable.Entry{Name: "a.txt"}

	fd, err := table.Acquire(entry, Read)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if fd != 0 {
		t.Errorf("first handle = %d, want 0", fd)
	}
	if entry.OpenReaders != 1 {
		t.Errorf("OpenReaders = %d, want 1", entry.OpenReaders)
	}

	if err := table.Release(fd); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if entry.OpenReaders != 0 {
		t.Errorf("OpenReaders after release = %d, want 0", entry.OpenReaders)
	}
	if _, err := table.Get(fd); err != ErrBadHandle {
		t.Errorf("Get after release: %v, want ErrBadHandle", err)
	}
}

func TestTable_Exhaustion(t *testing.T) {
	table := NewTable(2)
	entry := &filetable.Entry{Name: "a.txt"}

	if _, err := table.Acquire(entry, Read); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := table.Acquire(entry, Read); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := table.Acquire(entry, Read); err != ErrNoFreeSlots {
		t.Errorf("expected ErrNoFreeSlots, got %v", err)
	}
}

func TestTable_SlotReuse(t *testing.T) {
	table := NewTable(2)
	entry := &filetable.Entry{Name: "a.txt"}

	fd0, _ := table.Acquire(entry, Read)
	fd1, _ := table.Acquire(entry, Read)
	table.Release(fd0)

	fd, err := table.Acquire(entry, Read)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if fd != fd0 {
		t.Errorf("reused handle = %d, want %d", fd, fd0)
	}
	_ = fd1
}

func TestTable_WriterExclusion(t *testing.T) {
	table := NewTable(4)
	entry := &filetable.Entry{Name: "a.txt"}

	wfd, err := table.Acquire(entry, Write)
	if err != nil {
		t.Fatalf("Acquire writer: %v", err)
	}
	if _, err := table.Acquire(entry, Write); err != ErrBusyWriter {
		t.Errorf("second writer: %v, want ErrBusyWriter", err)
	}
	// Readers stay permitted alongside the writer.
	if _, err := table.Acquire(entry, Read); err != nil {
		t.Errorf("reader alongside writer: %v", err)
	}

	table.Release(wfd)
	if _, err := table.Acquire(entry, Write); err != nil {
		t.Errorf("writer after release: %v", err)
	}
}

func TestTable_GetOutOfRange(t *testing.T) {
	table := NewTable(2)
	for _, fd := range []int{-1, 2, 100} {
		if _, err := table.Get(fd); err != ErrBadHandle {
			t.Errorf("Get(%d): %v, want ErrBadHandle", fd, err)
		}
	}
}
