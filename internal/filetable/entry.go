package filetable

import (
	"bytes"
	"encoding/binary"

	"github.com/Meesho/BharatMLStack/flashfs/internal/blocks"
	"github.com/cespare/xxhash/v2"
)

const (
	// On-flash record: name[16] | flags u16 | first block u16 | size u32 |
	// xxhash64(name) u64.
	EntrySize     = 32
	MaxNameLength = 16

	offFlags = 16
	offFirst = 18
	offSize  = 20
	offHash  = 24

	// Erased size field; reads back as logical size zero until the first
	// flush programs it.
	sizeUnset = 0xFFFFFFFF
)

// Flag bits start erased (1) and are cleared to take effect.
const (
	flagCommitted uint16 = 1 << 15
	flagDeleted   uint16 = 1 << 14
	flagDirectory uint16 = 1 << 13

	flagsFree uint16 = 0xFFFF
)

// Entry is the in-RAM view of one file-table record. All descriptors open
// on the same file share one Entry, so the open-handle counts live here.
type Entry struct {
	Name  string
	Path  string
	Dir   bool
	First blocks.BlockID
	Size  uint32

	sizeRaw uint32
	block   blocks.BlockID // record location
	slot    int
	parent  blocks.BlockID // first block of the owning directory chain

	OpenReaders int
	OpenWriters int
}

func (e *Entry) Open() bool {
	return e.OpenReaders > 0 || e.OpenWriters > 0
}

type record struct {
	name  []byte
	flags uint16
	first uint16
	size  uint32
	hash  uint64
}

// free requires the hash field to be erased too: a record whose payload
// was programmed but never committed (crash mid-create) stays dead
// instead of being reused and ANDed over.
func (r record) free() bool {
	return r.flags == flagsFree && r.hash == ^uint64(0)
}

func (r record) valid() bool {
	return r.flags&flagCommitted == 0 && r.flags&flagDeleted != 0
}

func (r record) directory() bool {
	return r.flags&flagDirectory == 0
}

func decodeRecord(buf []byte) record {
	name := buf[:MaxNameLength]
	if i := bytes.IndexByte(name, 0x00); i >= 0 {
		name = name[:i]
	}
	return record{
		name:  name,
		flags: binary.LittleEndian.Uint16(buf[offFlags:]),
		first: binary.LittleEndian.Uint16(buf[offFirst:]),
		size:  binary.LittleEndian.Uint32(buf[offSize:]),
		hash:  binary.LittleEndian.Uint64(buf[offHash:]),
	}
}

// encodePayload lays out everything but the flags word, which is
// programmed separately as the commit step.
func encodePayload(name string, first blocks.BlockID, size uint32) []byte {
	buf := make([]byte, EntrySize)
	for i := range buf {
		buf[i] = 0xFF
	}
	copy(buf[:MaxNameLength], name)
	for i := len(name); i < MaxNameLength; i++ {
		buf[i] = 0x00
	}
	binary.LittleEndian.PutUint16(buf[offFirst:], uint16(first))
	binary.LittleEndian.PutUint32(buf[offSize:], size)
	binary.LittleEndian.PutUint64(buf[offHash:], xxhash.Sum64String(name))
	return buf
}

// ValidName accepts non-empty printable-ASCII names that fit the record.
func ValidName(name string) bool {
	if len(name) == 0 || len(name) > MaxNameLength {
		return false
	}
	for i := 0; i < len(name); i++ {
		if name[i] < 0x20 || name[i] > 0x7E || name[i] == '/' {
			return false
		}
	}
	return true
}

func logicalSize(raw uint32) uint32 {
	if raw == sizeUnset {
		return 0
	}
	return raw
}
