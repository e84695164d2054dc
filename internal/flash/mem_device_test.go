package flash

import (
	"bytes"
	"testing"
)

func testGeometry() Geometry {
	return Geometry{PageSize: 4096, BlockSize: 512, Pages: 8}
}

func TestGeometry_Validate(t *testing.T) {
	tests := []struct {
		name     string
		geometry Geometry
		wantErr  bool
	}{
		{
			name:     "default geometry",
			geometry: testGeometry(),
			wantErr:  false,
		},
		{
			name:     "block size does not divide page size",
			geometry: Geometry{PageSize: 4096, BlockSize: 500, Pages: 8},
			wantErr:  true,
		},
		{
			name:     "too many blocks",
			geometry: Geometry{PageSize: 4096, BlockSize: 64, Pages: 128},
			wantErr:  true,
		},
		{
			name:     "too few pages",
			geometry: Geometry{PageSize: 4096, BlockSize: 512, Pages: 2},
			wantErr:  true,
		},
		{
			name:     "zero sizes",
			geometry: Geometry{},
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.geometry.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMemDevice_ErasedState(t *testing.T) {
	dev, err := NewMemDevice(testGeometry())
	if err != nil {
		t.Fatalf("NewMemDevice: %v", err)
	}

	buf := make([]byte, 512)
	if err := dev.ReadBlock(0, buf); err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	for i, b := range buf {
		if b != 0xFF {
			t.Fatalf("byte %d not erased: %#x", i, b)
		}
	}
}

func TestMemDevice_ProgramClearsBitsOnly(t *testing.T) {
	dev, err := NewMemDevice(testGeometry())
	if err != nil {
		t.Fatalf("NewMemDevice: %v", err)
	}

	if err := dev.WriteBlock(100, []byte{0xF0}); err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}
	// Programming 0x0F over 0xF0 must AND, not overwrite.
	if err := dev.WriteBlock(100, []byte{0x0F}); err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}

	buf := make([]byte, 1)
	if err := dev.ReadBlock(100, buf); err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	if buf[0] != 0x00 {
		t.Errorf("expected 0x00 after overlapping programs, got %#x", buf[0])
	}
}

func TestMemDevice_EraseRestoresPage(t *testing.T) {
	g := testGeometry()
	dev, err := NewMemDevice(g)
	if err != nil {
		t.Fatalf("NewMemDevice: %v", err)
	}

	payload := []byte("flash payload")
	if err := dev.WriteBlock(g.PageSize, payload); err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}
	if err := dev.ErasePage(g.PageSize); err != nil {
		t.Fatalf("ErasePage: %v", err)
	}

	buf := make([]byte, len(payload))
	if err := dev.ReadBlock(g.PageSize, buf); err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	if !bytes.Equal(buf, bytes.Repeat([]byte{0xFF}, len(payload))) {
		t.Errorf("page not erased: %v", buf)
	}
}

func TestMemDevice_EraseUnaligned(t *testing.T) {
	dev, err := NewMemDevice(testGeometry())
	if err != nil {
		t.Fatalf("NewMemDevice: %v", err)
	}
	if err := dev.ErasePage(100); err != ErrUnaligned {
		t.Errorf("expected ErrUnaligned, got %v", err)
	}
}

func TestMemDevice_OutOfRange(t *testing.T) {
	g := testGeometry()
	dev, err := NewMemDevice(g)
	if err != nil {
		t.Fatalf("NewMemDevice: %v", err)
	}
	if err := dev.WriteBlock(g.TotalBytes()-1, []byte{0, 0}); err != ErrOutOfRange {
		t.Errorf("expected ErrOutOfRange on write, got %v", err)
	}
	if err := dev.ReadBlock(-1, make([]byte, 1)); err != ErrOutOfRange {
		t.Errorf("expected ErrOutOfRange on read, got %v", err)
	}
	if err := dev.ErasePage(g.TotalBytes()); err != ErrOutOfRange {
		t.Errorf("expected ErrOutOfRange on erase, got %v", err)
	}
}
