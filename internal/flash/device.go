package flash

import (
	"errors"
	"fmt"
)

const (
	// Chain words in the block map reserve the high nibble patterns, so
	// block ids must stay below 0x1000.
	MaxBlocks = 4096

	DefaultPageSize  = 4096
	DefaultBlockSize = 512
)

var (
	ErrOutOfRange = errors.New("flash: address out of range")
	ErrUnaligned  = errors.New("flash: address not page aligned")
	ErrWriteFail  = errors.New("flash: program failed")
)

// Device is the raw flash adapter the engine runs on. Program operations
// may only clear bits (1 -> 0); ErasePage resets a whole page to 0xFF.
type Device interface {
	ErasePage(addr int) error
	WriteBlock(addr int, buf []byte) error
	ReadBlock(addr int, buf []byte) error
}

// Geometry describes the erasable region a Device exposes.
type Geometry struct {
	PageSize  int
	BlockSize int
	Pages     int
}

func (g Geometry) Validate() error {
	if g.PageSize <= 0 || g.BlockSize <= 0 || g.Pages <= 0 {
		return fmt.Errorf("flash: non-positive geometry %+v", g)
	}
	if g.PageSize%g.BlockSize != 0 {
		return fmt.Errorf("flash: block size %d does not divide page size %d", g.BlockSize, g.PageSize)
	}
	if g.BlockSize < 64 {
		return fmt.Errorf("flash: block size %d below minimum 64", g.BlockSize)
	}
	if g.TotalBlocks() > MaxBlocks {
		return fmt.Errorf("flash: %d blocks exceeds addressable limit %d", g.TotalBlocks(), MaxBlocks)
	}
	if g.Pages < 4 {
		return fmt.Errorf("flash: %d pages below minimum 4", g.Pages)
	}
	return nil
}

func (g Geometry) TotalBytes() int {
	return g.PageSize * g.Pages
}

func (g Geometry) TotalBlocks() int {
	return g.TotalBytes() / g.BlockSize
}

func (g Geometry) BlocksPerPage() int {
	return g.PageSize / g.BlockSize
}

// PageOf returns the page-aligned base address of the page holding addr.
func (g Geometry) PageOf(addr int) int {
	return addr - addr%g.PageSize
}
