package internal

import (
	"errors"
	"fmt"
	"sync"

	"github.com/Meesho/BharatMLStack/flashfs/internal/blocks"
	"github.com/Meesho/BharatMLStack/flashfs/internal/config"
	"github.com/Meesho/BharatMLStack/flashfs/internal/fdtable"
	"github.com/Meesho/BharatMLStack/flashfs/internal/filetable"
	"github.com/Meesho/BharatMLStack/flashfs/internal/flash"
	"github.com/rs/zerolog/log"
)

// Engine-level error taxonomy. The facade maps these to its negative
// status codes; everything a public operation returns wraps one of them.
var (
	ErrNotSupported     = errors.New("flashfs: filesystem not initialised")
	ErrInvalidParameter = errors.New("flashfs: invalid parameter")
	ErrNoResources      = errors.New("flashfs: no resources")
	ErrCancelled        = errors.New("flashfs: conflicting operation")
)

// Seek bases.
const (
	SeekSet = 0
	SeekCur = 1
	SeekEnd = 2
)

// FileSystem orchestrates the allocator, file table and descriptor table
// over one flash device. All public operations are critical sections
// behind a single mutex: the map mirror and the entry cache are shared
// mutable state with no internal synchronisation.
type FileSystem struct {
	mu       sync.Mutex
	dev      flash.Device
	geometry flash.Geometry
	alloc    *blocks.Allocator
	table    *filetable.Table
	fds      *fdtable.Table
	mounted  bool
}

func NewFileSystem(dev flash.Device, cfg config.Config) (*FileSystem, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	geometry := cfg.Geometry()
	alloc := blocks.NewAllocator(dev, geometry, cfg.LowWaterBlocks)
	return &FileSystem{
		dev:      dev,
		geometry: geometry,
		alloc:    alloc,
		table:    filetable.NewTable(dev, geometry, alloc),
		fds:      fdtable.NewTable(cfg.MaxDescriptors),
	}, nil
}

// ensureMounted performs the one-time lazy mount: load the block map and
// validate the magic record, formatting a blank region. Idempotent; a
// corrupt table leaves the engine unusable rather than silently
// reformatted.
func (fs *FileSystem) ensureMounted() error {
	if fs.mounted {
		return nil
	}
	if err := fs.alloc.Load(); err != nil {
		return fmt.Errorf("%w: %v", ErrNotSupported, err)
	}
	err := fs.table.Mount()
	if errors.Is(err, filetable.ErrNoFilesystem) {
		log.Info().Msg("blank flash region, formatting")
		if err := fs.alloc.Format(); err != nil {
			return fmt.Errorf("%w: %v", ErrNotSupported, err)
		}
		err = fs.table.Format()
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotSupported, err)
	}
	fs.mounted = true
	return nil
}

// mapErr folds component sentinels into the public taxonomy.
func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotSupported),
		errors.Is(err, ErrInvalidParameter),
		errors.Is(err, ErrNoResources),
		errors.Is(err, ErrCancelled):
		return err
	case errors.Is(err, filetable.ErrNotFound),
		errors.Is(err, filetable.ErrExists),
		errors.Is(err, filetable.ErrInvalidName),
		errors.Is(err, filetable.ErrInvalidPath),
		errors.Is(err, filetable.ErrNotEmpty),
		errors.Is(err, fdtable.ErrBadHandle):
		return fmt.Errorf("%w: %v", ErrInvalidParameter, err)
	case errors.Is(err, filetable.ErrOpenHandles),
		errors.Is(err, fdtable.ErrBusyWriter):
		return fmt.Errorf("%w: %v", ErrCancelled, err)
	case errors.Is(err, blocks.ErrNoFreeBlocks),
		errors.Is(err, fdtable.ErrNoFreeSlots),
		errors.Is(err, flash.ErrWriteFail):
		return fmt.Errorf("%w: %v", ErrNoResources, err)
	default:
		return fmt.Errorf("%w: %v", ErrNoResources, err)
	}
}

// Open resolves filename, creating it when the Create flag is set, and
// binds a descriptor.
func (fs *FileSystem) Open(filename string, flags uint32) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.ensureMounted(); err != nil {
		return -1, err
	}

	entry, err := fs.table.Resolve(filename)
	if errors.Is(err, filetable.ErrNotFound) && flags&fdtable.Create != 0 {
		entry, err = fs.table.Create(filename, false)
	}
	if err != nil {
		return -1, mapErr(err)
	}
	if entry.Dir {
		return -1, fmt.Errorf("%w: %s is a directory", ErrInvalidParameter, filename)
	}
	fd, err := fs.fds.Acquire(entry, flags)
	if err != nil {
		return -1, mapErr(err)
	}
	return fd, nil
}

// Read copies up to len(buf) bytes from the descriptor's offset, bounded
// by the cached size. Short reads at end of file are normal.
func (fs *FileSystem) Read(fd int, buf []byte) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.ensureMounted(); err != nil {
		return -1, err
	}

	slot, err := fs.fds.Get(fd)
	if err != nil {
		return -1, mapErr(err)
	}
	if slot.Flags&fdtable.Read == 0 {
		return -1, fmt.Errorf("%w: descriptor not open for read", ErrInvalidParameter)
	}

	remaining := int64(slot.Size) - slot.Offset
	if remaining <= 0 || len(buf) == 0 {
		return 0, nil
	}
	n := len(buf)
	if int64(n) > remaining {
		n = int(remaining)
	}

	read := 0
	for read < n {
		b, err := fs.blockAt(slot.Entry, slot.Offset)
		if err != nil {
			return read, mapErr(err)
		}
		inBlock := int(slot.Offset % int64(fs.geometry.BlockSize))
		chunk := fs.geometry.BlockSize - inBlock
		if chunk > n-read {
			chunk = n - read
		}
		addr := fs.alloc.BlockAddr(b) + inBlock
		if err := fs.dev.ReadBlock(addr, buf[read:read+chunk]); err != nil {
			return read, mapErr(err)
		}
		read += chunk
		slot.Offset += int64(chunk)
	}
	return read, nil
}

// Write programs buf at the descriptor's offset, extending the block
// chain as needed. A range that already holds conflicting bits cannot be
// programmed over, so those blocks are rewritten copy-on-write. On
// mid-write exhaustion the successfully written prefix is retained and
// offset/size reflect it.
func (fs *FileSystem) Write(fd int, buf []byte) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.ensureMounted(); err != nil {
		return -1, err
	}

	slot, err := fs.fds.Get(fd)
	if err != nil {
		return -1, mapErr(err)
	}
	if slot.Flags&fdtable.Write == 0 {
		return -1, fmt.Errorf("%w: descriptor not open for write", ErrNoResources)
	}

	written := 0
	for written < len(buf) {
		b, err := fs.blockAtExtend(slot.Entry, slot.Offset)
		if err != nil {
			return written, mapErr(err)
		}
		idx := int(slot.Offset / int64(fs.geometry.BlockSize))
		inBlock := int(slot.Offset % int64(fs.geometry.BlockSize))
		chunk := fs.geometry.BlockSize - inBlock
		if chunk > len(buf)-written {
			chunk = len(buf) - written
		}
		data := buf[written : written+chunk]
		addr := fs.alloc.BlockAddr(b) + inBlock
		cur := make([]byte, chunk)
		if err := fs.dev.ReadBlock(addr, cur); err != nil {
			return written, mapErr(err)
		}
		if programmable(cur, data) {
			if err := fs.dev.WriteBlock(addr, data); err != nil {
				return written, mapErr(err)
			}
		} else if err := fs.rewriteBlock(slot.Entry, b, idx, inBlock, data); err != nil {
			return written, mapErr(err)
		}
		written += chunk
		slot.Offset += int64(chunk)
		if slot.Offset > int64(slot.Size) {
			slot.Size = uint32(slot.Offset)
		}
		slot.Dirty = true
	}
	return written, nil
}

// programmable reports whether data can be programmed over cur with
// bit-clearing writes only.
func programmable(cur, data []byte) bool {
	for i := range data {
		if cur[i]&data[i] != data[i] {
			return false
		}
	}
	return true
}

// rewriteBlock replaces programmed bytes: the block is copied to a fresh
// one with data overlaid, the chain is relinked around it and the old
// block is discarded. The old copy stays intact until the relink lands,
// so a crash leaves one complete version reachable.
func (fs *FileSystem) rewriteBlock(e *filetable.Entry, old blocks.BlockID, idx, inBlock int, data []byte) error {
	image := make([]byte, fs.geometry.BlockSize)
	if err := fs.dev.ReadBlock(fs.alloc.BlockAddr(old), image); err != nil {
		return err
	}
	copy(image[inBlock:], data)

	fresh, err := fs.alloc.Allocate()
	if err != nil {
		return err
	}
	if err := fs.dev.WriteBlock(fs.alloc.BlockAddr(fresh), image); err != nil {
		return err
	}
	next, more, err := fs.alloc.Next(old)
	if err != nil {
		return err
	}
	if more {
		if err := fs.alloc.Extend(fresh, next); err != nil {
			return err
		}
	}
	if idx == 0 {
		if err := fs.table.Relocate(e, fresh); err != nil {
			return err
		}
	} else {
		prev, err := fs.blockAt(e, int64(idx-1)*int64(fs.geometry.BlockSize))
		if err != nil {
			return err
		}
		if err := fs.alloc.Rewrite(prev, uint16(fresh)); err != nil {
			return err
		}
	}
	return fs.alloc.Discard(old)
}

// blockAt walks the chain to the block covering byte offset off.
func (fs *FileSystem) blockAt(e *filetable.Entry, off int64) (blocks.BlockID, error) {
	idx := int(off / int64(fs.geometry.BlockSize))
	b := e.First
	for i := 0; i < idx; i++ {
		next, more, err := fs.alloc.Next(b)
		if err != nil {
			return 0, err
		}
		if !more {
			return 0, blocks.ErrBadChain
		}
		b = next
	}
	return b, nil
}

// blockAtExtend is blockAt for writers: chain links are allocated up to
// the target block, which persists the chain in the block map
// immediately (size persistence is deferred to flush/close). Gaps left by
// seeks past end of file stay erased; sparse bytes are unspecified, not
// zero.
func (fs *FileSystem) blockAtExtend(e *filetable.Entry, off int64) (blocks.BlockID, error) {
	idx := int(off / int64(fs.geometry.BlockSize))
	b := e.First
	for i := 0; i < idx; i++ {
		next, more, err := fs.alloc.Next(b)
		if err != nil {
			return 0, err
		}
		if !more {
			grown, err := fs.alloc.Allocate()
			if err != nil {
				return 0, err
			}
			if err := fs.alloc.Extend(b, grown); err != nil {
				return 0, err
			}
			next = grown
		}
		b = next
	}
	return b, nil
}

// Seek repositions the descriptor. Results beyond end of file are
// permitted; negative results are not.
func (fs *FileSystem) Seek(fd int, offset int64, whence int) (int64, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.ensureMounted(); err != nil {
		return -1, err
	}

	slot, err := fs.fds.Get(fd)
	if err != nil {
		return -1, mapErr(err)
	}
	var base int64
	switch whence {
	case SeekSet:
		base = 0
	case SeekCur:
		base = slot.Offset
	case SeekEnd:
		base = int64(slot.Size)
	default:
		return -1, fmt.Errorf("%w: unknown seek base %d", ErrInvalidParameter, whence)
	}
	pos := base + offset
	if pos < 0 {
		return -1, fmt.Errorf("%w: negative seek position %d", ErrInvalidParameter, pos)
	}
	slot.Offset = pos
	return pos, nil
}

// Flush forces the cached size into the file table without closing.
// Idempotent: a clean descriptor writes nothing.
func (fs *FileSystem) Flush(fd int) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.ensureMounted(); err != nil {
		return err
	}

	slot, err := fs.fds.Get(fd)
	if err != nil {
		return mapErr(err)
	}
	return mapErr(fs.flushSlot(slot))
}

func (fs *FileSystem) flushSlot(slot *fdtable.FD) error {
	if !slot.Dirty {
		return nil
	}
	if err := fs.table.UpdateSize(slot.Entry, slot.Size); err != nil {
		return err
	}
	slot.Dirty = false
	return nil
}

// Close flushes and releases the descriptor. Skipping Close risks a stale
// size field after power loss.
func (fs *FileSystem) Close(fd int) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.ensureMounted(); err != nil {
		return err
	}

	slot, err := fs.fds.Get(fd)
	if err != nil {
		return mapErr(err)
	}
	if err := fs.flushSlot(slot); err != nil {
		return mapErr(err)
	}
	return mapErr(fs.fds.Release(fd))
}

// Remove deletes a file (or empty directory). Open descriptors make the
// operation a conflict the caller can retry after closing them.
func (fs *FileSystem) Remove(filename string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.ensureMounted(); err != nil {
		return err
	}

	entry, err := fs.table.Resolve(filename)
	if err != nil {
		return mapErr(err)
	}
	return mapErr(fs.table.Remove(entry))
}

// CreateDirectory adds a directory entry at the given path.
func (fs *FileSystem) CreateDirectory(name string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.ensureMounted(); err != nil {
		return err
	}

	_, err := fs.table.Create(name, true)
	return mapErr(err)
}

// Stat reports an entry's size and kind without opening it.
func (fs *FileSystem) Stat(name string) (size uint32, dir bool, err error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.ensureMounted(); err != nil {
		return 0, false, err
	}

	entry, err := fs.table.Resolve(name)
	if err != nil {
		return 0, false, mapErr(err)
	}
	return entry.Size, entry.Dir, nil
}

// FreeBlocks reports the allocator's free pool, mainly for harnesses.
func (fs *FileSystem) FreeBlocks() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.alloc.FreeCount()
}
