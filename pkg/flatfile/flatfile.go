package flatfile

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"syscall"
)

// fileMagic identifies a flat file belonging to this package. Stored as the
// first four header bytes, little-endian.
const fileMagic uint32 = 0x62634D4B

// headerSize is the fixed size of the per-file header: a 4-byte magic, a
// 4-byte logical end-of-data offset, and 8 reserved bytes.
const headerSize = 16

const (
	offMagic = 0
	offSize  = 4
)

// ErrBadMagic is returned when an existing file's header magic does not
// match [fileMagic].
var ErrBadMagic = fmt.Errorf("flatfile: bad header magic")

// ErrFileTooSmall is returned when an existing file is shorter than its
// configured capacity.
var ErrFileTooSmall = fmt.Errorf("flatfile: file shorter than configured capacity")

// flatFile is a single memory-mapped, fixed-capacity file within a [Set].
//
// The logical end of written data ("size") is tracked both as an in-process
// atomic counter, for ordering between the writer and concurrent readers in
// this process, and mirrored into the mmap'd header for the benefit of a
// process that reopens the file later. Only the owning [Set], under its
// writer's per-file lock, ever advances it.
type flatFile struct {
	fileno   int16
	fd       int
	data     []byte
	capacity uint32

	size atomic.Uint32
}

// createFlatFile creates and maps a new file at path, preallocated to
// capacity bytes, with a freshly initialised header.
func createFlatFile(path string, fileno int16, capacity uint32) (*flatFile, error) {
	if capacity < headerSize {
		return nil, fmt.Errorf("flatfile: capacity %d smaller than header size %d", capacity, headerSize)
	}

	fd, err := syscall.Open(path, syscall.O_RDWR|syscall.O_CREAT|syscall.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("flatfile: create %s: %w", path, err)
	}

	if err := syscall.Ftruncate(fd, int64(capacity)); err != nil {
		syscall.Close(fd)
		syscall.Unlink(path)

		return nil, fmt.Errorf("flatfile: ftruncate %s: %w", path, err)
	}

	var header [headerSize]byte
	binary.LittleEndian.PutUint32(header[offMagic:], fileMagic)
	binary.LittleEndian.PutUint32(header[offSize:], headerSize)

	if _, err := syscall.Pwrite(fd, header[:], 0); err != nil {
		syscall.Close(fd)
		syscall.Unlink(path)

		return nil, fmt.Errorf("flatfile: write header %s: %w", path, err)
	}

	if err := syscall.Fsync(fd); err != nil {
		syscall.Close(fd)
		syscall.Unlink(path)

		return nil, fmt.Errorf("flatfile: fsync %s: %w", path, err)
	}

	data, err := syscall.Mmap(fd, 0, int(capacity), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		syscall.Close(fd)

		return nil, fmt.Errorf("flatfile: mmap %s: %w", path, err)
	}

	f := &flatFile{fileno: fileno, fd: fd, data: data, capacity: capacity}
	f.size.Store(headerSize)

	return f, nil
}

// openFlatFile opens and maps an existing file at path, validating its
// header against the expected capacity.
func openFlatFile(path string, fileno int16, capacity uint32) (*flatFile, error) {
	fd, err := syscall.Open(path, syscall.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("flatfile: open %s: %w", path, err)
	}

	var stat syscall.Stat_t
	if err := syscall.Fstat(fd, &stat); err != nil {
		syscall.Close(fd)

		return nil, fmt.Errorf("flatfile: stat %s: %w", path, err)
	}

	if stat.Size < int64(capacity) {
		syscall.Close(fd)

		return nil, fmt.Errorf("%w: %s has %d bytes, want %d", ErrFileTooSmall, path, stat.Size, capacity)
	}

	data, err := syscall.Mmap(fd, 0, int(capacity), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		syscall.Close(fd)

		return nil, fmt.Errorf("flatfile: mmap %s: %w", path, err)
	}

	if binary.LittleEndian.Uint32(data[offMagic:]) != fileMagic {
		syscall.Munmap(data)
		syscall.Close(fd)

		return nil, fmt.Errorf("%w: %s", ErrBadMagic, path)
	}

	f := &flatFile{fileno: fileno, fd: fd, data: data, capacity: capacity}
	f.size.Store(binary.LittleEndian.Uint32(data[offSize:]))

	return f, nil
}

// Size returns the current logical end of written data, acquired from the
// in-process atomic counter.
func (f *flatFile) Size() uint32 {
	return f.size.Load()
}

// growAndSetSize advances the logical end of data to newSize. Callers must
// have already written the payload bytes below newSize; this store is the
// release that makes them visible to any reader that observes the new size.
func (f *flatFile) growAndSetSize(newSize uint32) {
	binary.LittleEndian.PutUint32(f.data[offSize:], newSize)
	f.size.Store(newSize)
}

// writeAt copies b into the mapped region starting at pos. The caller is
// responsible for ensuring pos+len(b) does not exceed capacity.
func (f *flatFile) writeAt(pos uint32, b []byte) {
	copy(f.data[pos:], b)
}

// readAt returns a copy of n bytes starting at pos.
func (f *flatFile) readAt(pos uint32, n int) []byte {
	out := make([]byte, n)
	copy(out, f.data[pos:uint32(n)+pos])

	return out
}

func putUint32(b []byte, v uint32) {
	binary.LittleEndian.PutUint32(b, v)
}

func getUint32(b []byte) uint32 {
	return binary.LittleEndian.Uint32(b)
}

func (f *flatFile) close() error {
	var err error
	if f.data != nil {
		err = syscall.Munmap(f.data)
		f.data = nil
	}

	if cerr := syscall.Close(f.fd); cerr != nil && err == nil {
		err = cerr
	}

	return err
}
