package flash

// MemDevice is a RAM-backed Device with NOR program semantics: a program
// ANDs the new bytes into the existing ones, an erase refills the page
// with 0xFF. Used by tests and the load harness.
type MemDevice struct {
	geometry Geometry
	memory   []byte
}

func NewMemDevice(geometry Geometry) (*MemDevice, error) {
	if err := geometry.Validate(); err != nil {
		return nil, err
	}
	d := &MemDevice{
		geometry: geometry,
		memory:   make([]byte, geometry.TotalBytes()),
	}
	for i := range d.memory {
		d.memory[i] = 0xFF
	}
	return d, nil
}

func (d *MemDevice) Geometry() Geometry {
	return d.geometry
}

func (d *MemDevice) ErasePage(addr int) error {
	if addr%d.geometry.PageSize != 0 {
		return ErrUnaligned
	}
	if addr < 0 || addr+d.geometry.PageSize > len(d.memory) {
		return ErrOutOfRange
	}
	for i := addr; i < addr+d.geometry.PageSize; i++ {
		d.memory[i] = 0xFF
	}
	return nil
}

func (d *MemDevice) WriteBlock(addr int, buf []byte) error {
	if addr < 0 || addr+len(buf) > len(d.memory) {
		return ErrOutOfRange
	}
	for i, b := range buf {
		d.memory[addr+i] &= b
	}
	return nil
}

func (d *MemDevice) ReadBlock(addr int, buf []byte) error {
	if addr < 0 || addr+len(buf) > len(d.memory) {
		return ErrOutOfRange
	}
	copy(buf, d.memory[addr:addr+len(buf)])
	return nil
}
