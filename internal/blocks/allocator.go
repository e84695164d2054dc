package blocks

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/Meesho/BharatMLStack/flashfs/internal/flash"
	"github.com/rs/zerolog/log"
)

// The block map keeps one word per block. A word is the id of the next
// block in its file chain, or one of the markers below. Every legal
// transition only clears bits: Free -> EOF, Free -> next, EOF -> next
// (block ids stay below 0x1000), anything -> Deleted.
const (
	Free    uint16 = 0xFFFF
	EOF     uint16 = 0xEFFF
	Deleted uint16 = 0x0000
)

var (
	ErrNoFreeBlocks = errors.New("blocks: region exhausted")
	ErrBadChain     = errors.New("blocks: corrupt block chain")
)

type BlockID uint16

// Allocator owns the block map: the first pages of the region hold the
// map words, the last page is scratch for map-page recycling, everything
// in between is the allocatable data pool.
type Allocator struct {
	dev       flash.Device
	geometry  flash.Geometry
	words     []uint16
	bad       map[BlockID]struct{}
	mapPages  int
	firstData BlockID
	dataEnd   BlockID
	cursor    BlockID
	lowWater  int
	freeCount int
}

func NewAllocator(dev flash.Device, geometry flash.Geometry, lowWater int) *Allocator {
	total := geometry.TotalBlocks()
	mapBlocks := (total*2 + geometry.BlockSize - 1) / geometry.BlockSize
	mapPages := (mapBlocks + geometry.BlocksPerPage() - 1) / geometry.BlocksPerPage()

	a := &Allocator{
		dev:       dev,
		geometry:  geometry,
		words:     make([]uint16, total),
		bad:       make(map[BlockID]struct{}),
		mapPages:  mapPages,
		firstData: BlockID(mapPages * geometry.BlocksPerPage()),
		dataEnd:   BlockID(total - geometry.BlocksPerPage()),
		lowWater:  lowWater,
	}
	a.cursor = a.firstData
	return a
}

// FirstData is the id of the first allocatable block.
func (a *Allocator) FirstData() BlockID {
	return a.firstData
}

// BlockAddr translates a block id into its byte address on the device.
func (a *Allocator) BlockAddr(b BlockID) int {
	return int(b) * a.geometry.BlockSize
}

func (a *Allocator) scratchAddr() int {
	return (a.geometry.Pages - 1) * a.geometry.PageSize
}

func (a *Allocator) wordAddr(b BlockID) int {
	return int(b) * 2
}

// Load mirrors the on-flash map into RAM. Called once at mount. A map
// page left blank by an interrupted recycle is restored from scratch
// first.
func (a *Allocator) Load() error {
	if err := a.recoverMapPages(); err != nil {
		return err
	}
	buf := make([]byte, len(a.words)*2)
	if err := a.dev.ReadBlock(0, buf); err != nil {
		return err
	}
	a.freeCount = 0
	for i := range a.words {
		a.words[i] = binary.LittleEndian.Uint16(buf[i*2:])
		if BlockID(i) >= a.firstData && BlockID(i) < a.dataEnd && a.words[i] == Free {
			a.freeCount++
		}
	}
	return nil
}

// Format erases the whole region, leaving every word Free.
func (a *Allocator) Format() error {
	for page := 0; page < a.geometry.Pages; page++ {
		if err := a.dev.ErasePage(page * a.geometry.PageSize); err != nil {
			return err
		}
	}
	for i := range a.words {
		a.words[i] = Free
	}
	a.freeCount = int(a.dataEnd - a.firstData)
	a.cursor = a.firstData
	return nil
}

// setWord programs a map word in place. Callers must only request legal
// 1 -> 0 transitions.
func (a *Allocator) setWord(b BlockID, v uint16) error {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	if err := a.dev.WriteBlock(a.wordAddr(b), buf[:]); err != nil {
		return err
	}
	a.words[b] = v
	return nil
}

// Word returns the current map word of a block.
func (a *Allocator) Word(b BlockID) uint16 {
	return a.words[b]
}

// Next follows a chain link. The second return is false at the chain tail.
func (a *Allocator) Next(b BlockID) (BlockID, bool, error) {
	w := a.words[b]
	switch {
	case w == EOF:
		return 0, false, nil
	case w == Free || w == Deleted:
		return 0, false, ErrBadChain
	case BlockID(w) >= a.dataEnd:
		return 0, false, ErrBadChain
	default:
		return BlockID(w), true, nil
	}
}

// Allocate returns one free block marked as a chain tail. Reclamation runs
// proactively below the low-water mark and synchronously before giving up.
// A block that fails to program is marked bad and the scan moves on.
func (a *Allocator) Allocate() (BlockID, error) {
	if a.freeCount <= a.lowWater {
		if _, err := a.Reclaim(); err != nil {
			return 0, err
		}
	}
	for {
		b, ok := a.scanFree()
		if !ok {
			if _, err := a.Reclaim(); err != nil {
				return 0, err
			}
			if b, ok = a.scanFree(); !ok {
				return 0, ErrNoFreeBlocks
			}
		}
		if err := a.setWord(b, EOF); err != nil {
			a.markBad(b)
			continue
		}
		a.freeCount--
		a.cursor = b + 1
		if a.cursor >= a.dataEnd {
			a.cursor = a.firstData
		}
		return b, nil
	}
}

func (a *Allocator) scanFree() (BlockID, bool) {
	n := int(a.dataEnd - a.firstData)
	b := a.cursor
	for i := 0; i < n; i++ {
		if b >= a.dataEnd {
			b = a.firstData
		}
		if _, isBad := a.bad[b]; a.words[b] == Free && !isBad {
			return b, true
		}
		b++
	}
	return 0, false
}

// Extend links next behind the current chain tail.
func (a *Allocator) Extend(tail, next BlockID) error {
	if a.words[tail] != EOF {
		return ErrBadChain
	}
	if err := a.setWord(tail, uint16(next)); err != nil {
		return fmt.Errorf("blocks: chain link %d -> %d: %w", tail, next, flash.ErrWriteFail)
	}
	return nil
}

// Free walks the chain from head marking every block Deleted. Blocks are
// reclaimed lazily: the page is erased only once all of its blocks are
// dead.
func (a *Allocator) Free(head BlockID) error {
	b := head
	for {
		next, more, err := a.Next(b)
		if err != nil {
			return err
		}
		if err := a.setWord(b, Deleted); err != nil {
			return fmt.Errorf("blocks: mark deleted %d: %w", b, flash.ErrWriteFail)
		}
		if !more {
			return nil
		}
		b = next
	}
}

// markBad takes a block out of circulation after a failed program. The
// bad set lives in RAM only: a remount starts with a clean slate and the
// block gets one more chance to fail.
func (a *Allocator) markBad(b BlockID) {
	log.Error().Msgf("marking bad block %d", b)
	if _, dup := a.bad[b]; dup {
		return
	}
	a.bad[b] = struct{}{}
	if a.words[b] == Free {
		a.freeCount--
	}
	if err := a.setWord(b, Deleted); err != nil {
		a.words[b] = Deleted
	}
}

// Discard marks a single block Deleted without touching the rest of its
// chain. Used when a block is replaced during a rewrite.
func (a *Allocator) Discard(b BlockID) error {
	if err := a.setWord(b, Deleted); err != nil {
		return fmt.Errorf("blocks: discard %d: %w", b, flash.ErrWriteFail)
	}
	return nil
}

// Rewrite sets a map word to an arbitrary value. When the transition
// needs bits raised back to 1 the word's map page is recycled through
// scratch instead of programmed in place.
func (a *Allocator) Rewrite(b BlockID, v uint16) error {
	if v&a.words[b] == v {
		return a.setWord(b, v)
	}
	a.words[b] = v
	return a.recycleMapPage(a.wordAddr(b) / a.geometry.PageSize)
}

// FreeCount reports the number of allocatable blocks.
func (a *Allocator) FreeCount() int {
	return a.freeCount
}

// Reclaim erases every data page whose blocks are all Deleted (or Free
// with at least one Deleted) and returns their map words to Free. Map
// words need 0 -> 1 transitions, so each affected map page is recycled
// through the scratch page: the updated image is programmed to scratch
// before the live map page is erased and reprogrammed.
func (a *Allocator) Reclaim() (int, error) {
	bpp := a.geometry.BlocksPerPage()
	firstDataPage := int(a.firstData) / bpp
	lastDataPage := int(a.dataEnd) / bpp

	reclaimed := 0
	touched := map[int]bool{}
	for page := firstDataPage; page < lastDataPage; page++ {
		deleted := 0
		blank := 0
		reclaimable := 0
		for i := 0; i < bpp; i++ {
			b := BlockID(page*bpp + i)
			switch a.words[b] {
			case Deleted:
				deleted++
				if _, isBad := a.bad[b]; !isBad {
					reclaimable++
				}
			case Free:
				blank++
			}
		}
		if reclaimable == 0 || deleted+blank != bpp {
			continue
		}
		if err := a.dev.ErasePage(page * a.geometry.PageSize); err != nil {
			return reclaimed, err
		}
		for i := 0; i < bpp; i++ {
			b := BlockID(page*bpp + i)
			if _, isBad := a.bad[b]; isBad {
				continue
			}
			if a.words[b] == Deleted {
				a.freeCount++
			}
			a.words[b] = Free
			touched[a.wordAddr(b)/a.geometry.PageSize] = true
		}
		reclaimed++
	}
	if reclaimed == 0 {
		return 0, nil
	}
	for mapPage := range touched {
		if err := a.recycleMapPage(mapPage); err != nil {
			return reclaimed, err
		}
	}
	log.Debug().Msgf("reclaimed %d pages, free blocks now %d", reclaimed, a.freeCount)
	return reclaimed, nil
}

func (a *Allocator) recycleMapPage(mapPage int) error {
	image := make([]byte, a.geometry.PageSize)
	for i := range image {
		image[i] = 0xFF
	}
	firstWord := mapPage * a.geometry.PageSize / 2
	for i := 0; i < a.geometry.PageSize/2; i++ {
		w := firstWord + i
		if w >= len(a.words) {
			break
		}
		binary.LittleEndian.PutUint16(image[i*2:], a.words[w])
	}

	// Scratch holds a durable copy while the live page is blank, and is
	// erased again once the live page is whole so that a non-blank
	// scratch at mount always means an interrupted recycle.
	if err := a.dev.ErasePage(a.scratchAddr()); err != nil {
		return err
	}
	if err := a.dev.WriteBlock(a.scratchAddr(), image); err != nil {
		return err
	}
	if err := a.dev.ErasePage(mapPage * a.geometry.PageSize); err != nil {
		return err
	}
	if err := a.dev.WriteBlock(mapPage*a.geometry.PageSize, image); err != nil {
		return err
	}
	return a.dev.ErasePage(a.scratchAddr())
}

// recoverMapPages finishes an interrupted map-page recycle: a non-blank
// scratch with a blank map page means the crash fell between the erase
// and the reprogram of the live page. Map page 0 always carries the root
// directory word on a formatted region, so a blank page 0 is never a
// fresh-region false positive; higher pages can only be blank when every
// word they hold is Free, in which case restoring a stale image is the
// worst case and costs leaked blocks, not data.
func (a *Allocator) recoverMapPages() error {
	scratch := make([]byte, a.geometry.PageSize)
	if err := a.dev.ReadBlock(a.scratchAddr(), scratch); err != nil {
		return err
	}
	if allErased(scratch) {
		return nil
	}
	page := make([]byte, a.geometry.PageSize)
	for p := 0; p < a.mapPages; p++ {
		if err := a.dev.ReadBlock(p*a.geometry.PageSize, page); err != nil {
			return err
		}
		if !allErased(page) {
			continue
		}
		log.Warn().Msgf("restoring interrupted map page %d from scratch", p)
		if err := a.dev.WriteBlock(p*a.geometry.PageSize, scratch); err != nil {
			return err
		}
		break
	}
	return a.dev.ErasePage(a.scratchAddr())
}

func allErased(buf []byte) bool {
	for _, b := range buf {
		if b != 0xFF {
			return false
		}
	}
	return true
}
