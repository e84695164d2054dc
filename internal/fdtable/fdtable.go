package fdtable

import (
	"errors"

	"github.com/Meesho/BharatMLStack/flashfs/internal/filetable"
)

var (
	ErrNoFreeSlots = errors.New("fdtable: descriptor table full")
	ErrBadHandle   = errors.New("fdtable: invalid descriptor")
	ErrBusyWriter  = errors.New("fdtable: file already open for write")
)

// Open flags.
const (
	Read   uint32 = 1 << 0
	Write  uint32 = 1 << 1
	Create uint32 = 1 << 2
)

// FD is the in-RAM state of one open file.
type FD struct {
	Entry  *filetable.Entry
	Flags  uint32
	Offset int64
	Size   uint32
	Dirty  bool
}

// Table is a fixed-capacity slot array indexed by the handle returned to
// callers. A free slot is scanned linearly; there is nothing cleverer to
// do at this size.
type Table struct {
	slots []*FD
}

func NewTable(capacity int) *Table {
	return &Table{slots: make([]*FD, capacity)}
}

// Acquire binds an entry to a free slot. A single writer per file is
// allowed; concurrent readers are fine.
func (t *Table) Acquire(entry *filetable.Entry, flags uint32) (int, error) {
	if flags&Write != 0 && entry.OpenWriters > 0 {
		return -1, ErrBusyWriter
	}
	for fd, slot := range t.slots {
		if slot != nil {
			continue
		}
		t.slots[fd] = &FD{
			Entry: entry,
			Flags: flags,
			Size:  entry.Size,
		}
		if flags&Write != 0 {
			entry.OpenWriters++
		} else {
			entry.OpenReaders++
		}
		return fd, nil
	}
	return -1, ErrNoFreeSlots
}

func (t *Table) Get(fd int) (*FD, error) {
	if fd < 0 || fd >= len(t.slots) || t.slots[fd] == nil {
		return nil, ErrBadHandle
	}
	return t.slots[fd], nil
}

func (t *Table) Release(fd int) error {
	slot, err := t.Get(fd)
	if err != nil {
		return err
	}
	if slot.Flags&Write != 0 {
		slot.Entry.OpenWriters--
	} else {
		slot.Entry.OpenReaders--
	}
	t.slots[fd] = nil
	return nil
}
