//go:build linux
// +build linux

package flash

import (
	"os"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

const fileMode = 0644

// FileDevice persists the flash image in a single host file, programming
// through pread/pwrite so NOR semantics survive process restarts. Opened
// with O_DSYNC so a completed program is on stable storage, falling back
// to a plain descriptor where the filesystem rejects it.
type FileDevice struct {
	geometry Geometry
	fd       int
	file     *os.File
}

func NewFileDevice(filename string, geometry Geometry) (*FileDevice, error) {
	if err := geometry.Validate(); err != nil {
		return nil, err
	}

	flags := unix.O_RDWR | unix.O_CREAT | unix.O_DSYNC
	fd, err := unix.Open(filename, flags, fileMode)
	if err != nil {
		log.Warn().Msgf("O_DSYNC not supported, falling back to regular flags: %v", err)
		flags = unix.O_RDWR | unix.O_CREAT
		fd, err = unix.Open(filename, flags, fileMode)
		if err != nil {
			return nil, err
		}
	}
	file := os.NewFile(uintptr(fd), filename)

	d := &FileDevice{
		geometry: geometry,
		fd:       fd,
		file:     file,
	}
	if err := d.ensureBlank(); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

// ensureBlank grows a fresh image to the full region size in the erased
// state. An existing image of the right size is kept as-is.
func (d *FileDevice) ensureBlank() error {
	var st unix.Stat_t
	if err := unix.Fstat(d.fd, &st); err != nil {
		return err
	}
	if st.Size == int64(d.geometry.TotalBytes()) {
		return nil
	}
	blank := make([]byte, d.geometry.PageSize)
	for i := range blank {
		blank[i] = 0xFF
	}
	for page := 0; page < d.geometry.Pages; page++ {
		if _, err := unix.Pwrite(d.fd, blank, int64(page*d.geometry.PageSize)); err != nil {
			return err
		}
	}
	return nil
}

func (d *FileDevice) Geometry() Geometry {
	return d.geometry
}

func (d *FileDevice) ErasePage(addr int) error {
	if addr%d.geometry.PageSize != 0 {
		return ErrUnaligned
	}
	if addr < 0 || addr+d.geometry.PageSize > d.geometry.TotalBytes() {
		return ErrOutOfRange
	}
	blank := make([]byte, d.geometry.PageSize)
	for i := range blank {
		blank[i] = 0xFF
	}
	_, err := unix.Pwrite(d.fd, blank, int64(addr))
	return err
}

func (d *FileDevice) WriteBlock(addr int, buf []byte) error {
	if addr < 0 || addr+len(buf) > d.geometry.TotalBytes() {
		return ErrOutOfRange
	}
	current := make([]byte, len(buf))
	if _, err := unix.Pread(d.fd, current, int64(addr)); err != nil {
		return err
	}
	for i, b := range buf {
		current[i] &= b
	}
	_, err := unix.Pwrite(d.fd, current, int64(addr))
	return err
}

func (d *FileDevice) ReadBlock(addr int, buf []byte) error {
	if addr < 0 || addr+len(buf) > d.geometry.TotalBytes() {
		return ErrOutOfRange
	}
	_, err := unix.Pread(d.fd, buf, int64(addr))
	return err
}

func (d *FileDevice) Close() {
	unix.Close(d.fd)
}
