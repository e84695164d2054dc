// Package flashfs exposes the flash filesystem engine through the legacy
// integer-code surface: non-negative results on success, negative status
// codes on failure.
package flashfs

import (
	"errors"

	"github.com/Meesho/BharatMLStack/flashfs/internal"
	"github.com/Meesho/BharatMLStack/flashfs/internal/config"
	"github.com/Meesho/BharatMLStack/flashfs/internal/fdtable"
	"github.com/Meesho/BharatMLStack/flashfs/internal/flash"
)

// Open flags.
const (
	ReadFlag   = fdtable.Read
	WriteFlag  = fdtable.Write
	CreateFlag = fdtable.Create
)

// Seek bases.
const (
	SeekSet uint8 = internal.SeekSet
	SeekCur uint8 = internal.SeekCur
	SeekEnd uint8 = internal.SeekEnd
)

// Status codes. Success results (handles, byte counts, offsets) are
// always >= 0, so the codes stay negative.
const (
	StatusOK               = 0
	StatusInvalidParameter = -1001
	StatusNotSupported     = -1005
	StatusCancelled        = -1008
	StatusNoResources      = -1027
)

func statusOf(err error) int {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, internal.ErrInvalidParameter):
		return StatusInvalidParameter
	case errors.Is(err, internal.ErrCancelled):
		return StatusCancelled
	case errors.Is(err, internal.ErrNoResources):
		return StatusNoResources
	default:
		return StatusNotSupported
	}
}

// FileSystem is the compatibility handle around one engine instance.
// Construct it once and pass it around; there is no process-wide default.
type FileSystem struct {
	engine *internal.FileSystem
}

func New(dev flash.Device, cfg config.Config) (*FileSystem, error) {
	engine, err := internal.NewFileSystem(dev, cfg)
	if err != nil {
		return nil, err
	}
	return &FileSystem{engine: engine}, nil
}

// Open returns a file handle >= 0, or a negative status code. Create
// makes missing files; without it a missing file is a parameter error.
func (f *FileSystem) Open(filename string, flags uint32) int {
	fd, err := f.engine.Open(filename, flags)
	if err != nil {
		return statusOf(err)
	}
	return fd
}

// Read returns the number of bytes copied, advancing the handle's offset.
// Short reads at end of file are normal.
func (f *FileSystem) Read(fd int, buf []byte) int {
	n, err := f.engine.Read(fd, buf)
	if err != nil {
		return statusOf(err)
	}
	return n
}

// Write returns the number of bytes written. On exhaustion mid-write the
// prefix already written is retained and the call reports the failure.
func (f *FileSystem) Write(fd int, buf []byte) int {
	n, err := f.engine.Write(fd, buf)
	if err != nil {
		return statusOf(err)
	}
	return n
}

// Seek returns the new offset from the given base (SeekSet, SeekCur,
// SeekEnd).
func (f *FileSystem) Seek(fd int, offset int, whence uint8) int {
	pos, err := f.engine.Seek(fd, int64(offset), int(whence))
	if err != nil {
		return statusOf(err)
	}
	return int(pos)
}

// Flush writes the handle's cached state back to flash, leaving it open.
func (f *FileSystem) Flush(fd int) int {
	return statusOf(f.engine.Flush(fd))
}

// Close flushes and releases the handle. Close must be called for the
// recorded file size to be durable.
func (f *FileSystem) Close(fd int) int {
	return statusOf(f.engine.Close(fd))
}

// Remove deletes the named file and returns its blocks to the allocator.
// A file with open handles reports StatusCancelled until they close.
func (f *FileSystem) Remove(filename string) int {
	return statusOf(f.engine.Remove(filename))
}

// CreateDirectory creates a directory at the given path.
func (f *FileSystem) CreateDirectory(name string) int {
	return statusOf(f.engine.CreateDirectory(name))
}
