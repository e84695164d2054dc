package filetable

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Meesho/BharatMLStack/flashfs/internal/blocks"
	"github.com/Meesho/BharatMLStack/flashfs/internal/flash"
	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog/log"
)

// The root directory's first block carries a magic record in slot 0. Its
// name starts with a control byte so no user-created entry can shadow it.
const magicName = "\x01flashfs10"

var (
	ErrNotFound     = errors.New("filetable: entry not found")
	ErrExists       = errors.New("filetable: entry already exists")
	ErrInvalidName  = errors.New("filetable: invalid name")
	ErrInvalidPath  = errors.New("filetable: invalid path")
	ErrNotEmpty     = errors.New("filetable: directory not empty")
	ErrOpenHandles  = errors.New("filetable: entry has open descriptors")
	ErrNoFilesystem = errors.New("filetable: no filesystem on device")
	ErrCorrupt      = errors.New("filetable: file table corrupt")
)

// Table is the directory layer: named records packed into block chains,
// rooted at the first data block. Records are never mutated in place
// except for bit-clearing size updates; everything else goes through
// append-then-supersede.
type Table struct {
	dev      flash.Device
	geometry flash.Geometry
	alloc    *blocks.Allocator
	root     blocks.BlockID
	cache    map[string]*Entry
}

func NewTable(dev flash.Device, geometry flash.Geometry, alloc *blocks.Allocator) *Table {
	return &Table{
		dev:      dev,
		geometry: geometry,
		alloc:    alloc,
		cache:    make(map[string]*Entry),
	}
}

func (t *Table) slotsPerBlock() int {
	return t.geometry.BlockSize / EntrySize
}

func (t *Table) recordAddr(b blocks.BlockID, slot int) int {
	return t.alloc.BlockAddr(b) + slot*EntrySize
}

func (t *Table) readRecord(b blocks.BlockID, slot int) (record, error) {
	buf := make([]byte, EntrySize)
	if err := t.dev.ReadBlock(t.recordAddr(b, slot), buf); err != nil {
		return record{}, err
	}
	return decodeRecord(buf), nil
}

// Format stamps a blank region: the allocator hands out the first data
// block for the root directory and the magic record is committed into
// slot 0.
func (t *Table) Format() error {
	root, err := t.alloc.Allocate()
	if err != nil {
		return err
	}
	if root != t.alloc.FirstData() {
		return fmt.Errorf("%w: root landed on block %d", ErrCorrupt, root)
	}
	if err := t.writeRecord(root, 0, magicName, root, 0, true); err != nil {
		return err
	}
	t.root = root
	t.cache = make(map[string]*Entry)
	return nil
}

// Mount validates the magic record. A blank slot means no filesystem
// (callers may format); anything else that fails validation is corruption.
func (t *Table) Mount() error {
	root := t.alloc.FirstData()
	r, err := t.readRecord(root, 0)
	if err != nil {
		return err
	}
	if r.free() {
		return ErrNoFilesystem
	}
	if !r.valid() || string(r.name) != magicName || r.hash != xxhash.Sum64String(magicName) {
		return ErrCorrupt
	}
	t.root = root
	t.cache = make(map[string]*Entry)
	return nil
}

// Root returns a synthetic entry for the root directory.
func (t *Table) Root() *Entry {
	return &Entry{Dir: true, First: t.root}
}

func splitPath(path string) ([]string, error) {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil, ErrInvalidPath
	}
	parts := strings.Split(trimmed, "/")
	for _, p := range parts {
		if !ValidName(p) {
			return nil, ErrInvalidName
		}
	}
	return parts, nil
}

// Resolve walks path components from the root. Entries are cached by full
// path so every caller shares one Entry per file.
func (t *Table) Resolve(path string) (*Entry, error) {
	parts, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	return t.resolveParts(parts)
}

func (t *Table) resolveParts(parts []string) (*Entry, error) {
	dir := t.root
	for i, name := range parts {
		key := strings.Join(parts[:i+1], "/")
		if e, ok := t.cache[key]; ok {
			if i == len(parts)-1 {
				return e, nil
			}
			if !e.Dir {
				return nil, ErrNotFound
			}
			dir = e.First
			continue
		}
		e, err := t.lookup(dir, name)
		if err != nil {
			return nil, err
		}
		e.Path = key
		t.cache[key] = e
		if i == len(parts)-1 {
			return e, nil
		}
		if !e.Dir {
			return nil, ErrNotFound
		}
		dir = e.First
	}
	return nil, ErrNotFound
}

func (t *Table) lookup(dirFirst blocks.BlockID, name string) (*Entry, error) {
	hash := xxhash.Sum64String(name)
	b := dirFirst
	for {
		for slot := 0; slot < t.slotsPerBlock(); slot++ {
			r, err := t.readRecord(b, slot)
			if err != nil {
				return nil, err
			}
			if !r.valid() || r.hash != hash {
				continue
			}
			if string(r.name) != name {
				log.Warn().Msgf("hash collision or corrupt record in block %d slot %d", b, slot)
				continue
			}
			return &Entry{
				Name:    name,
				Dir:     r.directory(),
				First:   blocks.BlockID(r.first),
				Size:    logicalSize(r.size),
				sizeRaw: r.size,
				block:   b,
				slot:    slot,
				parent:  dirFirst,
			}, nil
		}
		next, more, err := t.alloc.Next(b)
		if err != nil {
			return nil, err
		}
		if !more {
			return nil, ErrNotFound
		}
		b = next
	}
}

// Create adds a new entry under path's parent directory, allocating the
// entry's first data block. The record payload is written before the
// commit bit is cleared, so a crash mid-create leaves a dead slot, never
// a half-valid entry.
func (t *Table) Create(path string, dir bool) (*Entry, error) {
	parts, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	parent := t.root
	if len(parts) > 1 {
		pe, err := t.resolveParts(parts[:len(parts)-1])
		if err != nil {
			return nil, err
		}
		if !pe.Dir {
			return nil, ErrInvalidPath
		}
		parent = pe.First
	}
	name := parts[len(parts)-1]
	if _, err := t.lookup(parent, name); err == nil {
		return nil, ErrExists
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	first, err := t.alloc.Allocate()
	if err != nil {
		return nil, err
	}
	b, slot, err := t.findFreeSlot(parent)
	if err != nil {
		t.alloc.Free(first)
		return nil, err
	}
	if err := t.writeRecord(b, slot, name, first, sizeUnset, dir); err != nil {
		t.alloc.Free(first)
		return nil, err
	}

	e := &Entry{
		Name:    name,
		Path:    strings.Join(parts, "/"),
		Dir:     dir,
		First:   first,
		Size:    0,
		sizeRaw: sizeUnset,
		block:   b,
		slot:    slot,
		parent:  parent,
	}
	t.cache[e.Path] = e
	return e, nil
}

// findFreeSlot scans the directory chain for an erased record, extending
// the chain by one block when every slot is taken.
func (t *Table) findFreeSlot(dirFirst blocks.BlockID) (blocks.BlockID, int, error) {
	b := dirFirst
	for {
		startSlot := 0
		if b == t.root {
			startSlot = 1 // slot 0 is the magic record
		}
		for slot := startSlot; slot < t.slotsPerBlock(); slot++ {
			r, err := t.readRecord(b, slot)
			if err != nil {
				return 0, 0, err
			}
			if r.free() {
				return b, slot, nil
			}
		}
		next, more, err := t.alloc.Next(b)
		if err != nil {
			return 0, 0, err
		}
		if !more {
			grown, err := t.alloc.Allocate()
			if err != nil {
				return 0, 0, err
			}
			if err := t.alloc.Extend(b, grown); err != nil {
				return 0, 0, err
			}
			return grown, 0, nil
		}
		b = next
	}
}

func (t *Table) writeRecord(b blocks.BlockID, slot int, name string, first blocks.BlockID, size uint32, dir bool) error {
	payload := encodePayload(name, first, size)
	if err := t.dev.WriteBlock(t.recordAddr(b, slot), payload); err != nil {
		return err
	}
	flags := flagsFree &^ flagCommitted
	if dir {
		flags &^= flagDirectory
	}
	return t.writeFlags(b, slot, flags)
}

func (t *Table) writeFlags(b blocks.BlockID, slot int, flags uint16) error {
	buf := []byte{byte(flags), byte(flags >> 8)}
	return t.dev.WriteBlock(t.recordAddr(b, slot)+offFlags, buf)
}

// Remove frees the entry's block chain and clears the record's deleted
// bit. Directories must be empty; callers enforce the no-open-handles
// rule before getting here.
func (t *Table) Remove(e *Entry) error {
	if e.Open() {
		return ErrOpenHandles
	}
	if e.Dir {
		empty, err := t.dirEmpty(e.First)
		if err != nil {
			return err
		}
		if !empty {
			return ErrNotEmpty
		}
	}
	if err := t.alloc.Free(e.First); err != nil {
		return err
	}
	if err := t.markDeleted(e.block, e.slot); err != nil {
		return err
	}
	delete(t.cache, e.Path)
	return nil
}

func (t *Table) dirEmpty(dirFirst blocks.BlockID) (bool, error) {
	b := dirFirst
	for {
		startSlot := 0
		if b == t.root {
			startSlot = 1
		}
		for slot := startSlot; slot < t.slotsPerBlock(); slot++ {
			r, err := t.readRecord(b, slot)
			if err != nil {
				return false, err
			}
			if r.valid() {
				return false, nil
			}
		}
		next, more, err := t.alloc.Next(b)
		if err != nil {
			return false, err
		}
		if !more {
			return true, nil
		}
		b = next
	}
}

func (t *Table) markDeleted(b blocks.BlockID, slot int) error {
	r, err := t.readRecord(b, slot)
	if err != nil {
		return err
	}
	return t.writeFlags(b, slot, r.flags&^flagDeleted)
}

// UpdateSize persists a new size. The field starts erased, so the first
// flush programs it in place; later updates that only clear bits are also
// in-place. Anything else supersedes the record: the replacement is fully
// committed in a fresh slot before the old record is marked deleted, so a
// crash leaves the old or the new version valid, never neither.
func (t *Table) UpdateSize(e *Entry, size uint32) error {
	if e.sizeRaw == size {
		return nil
	}
	if size&e.sizeRaw == size {
		var buf [4]byte
		buf[0] = byte(size)
		buf[1] = byte(size >> 8)
		buf[2] = byte(size >> 16)
		buf[3] = byte(size >> 24)
		if err := t.dev.WriteBlock(t.recordAddr(e.block, e.slot)+offSize, buf[:]); err != nil {
			return err
		}
		e.sizeRaw = size
		e.Size = logicalSize(size)
		return nil
	}

	nb, nslot, err := t.findFreeSlot(e.parent)
	if err != nil {
		return err
	}
	if err := t.writeRecord(nb, nslot, e.Name, e.First, size, e.Dir); err != nil {
		return err
	}
	if err := t.markDeleted(e.block, e.slot); err != nil {
		return err
	}
	e.block = nb
	e.slot = nslot
	e.sizeRaw = size
	e.Size = logicalSize(size)
	return nil
}

// Relocate repoints an entry at a new first block. The first field is
// never rewritable in place, so this always supersedes: fresh record
// first, old record marked deleted after.
func (t *Table) Relocate(e *Entry, first blocks.BlockID) error {
	nb, nslot, err := t.findFreeSlot(e.parent)
	if err != nil {
		return err
	}
	if err := t.writeRecord(nb, nslot, e.Name, first, e.sizeRaw, e.Dir); err != nil {
		return err
	}
	if err := t.markDeleted(e.block, e.slot); err != nil {
		return err
	}
	e.block = nb
	e.slot = nslot
	e.First = first
	return nil
}
