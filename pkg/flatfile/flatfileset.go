// Package flatfile implements an append-only, page-capped sequence of
// fixed-capacity, memory-mapped files sharing a common directory and
// filename prefix.
//
// A [Set] is the unit callers open: it discovers existing files on disk,
// lazily maps them as they are touched, and transparently rolls over to a
// new file once the current tail approaches its configured capacity. Every
// payload written to a [Set] is addressed by the [FilePtr] returned from the
// write call; that pointer is the only way to read the payload back.
package flatfile

import (
	"fmt"
	"sync"

	internalfs "github.com/joeldejesus1/bitcrust/internal/fs"
)

// Set is a directory of flat files sharing dir+prefix.
//
// All exported methods are safe for concurrent use. Appends are serialized
// by [internalfs.FS.Lock] on the tail file, which excludes other writers in
// this process and in other processes alike, matching the "single
// in-flight append per tail file" rule described for the on-disk layout;
// the internal mutex guards only the Set's table of open files.
type Set struct {
	fsys   internalfs.FS
	dir    string
	prefix string

	// startSize is the capacity a freshly created file is preallocated to.
	// maxSize is the write-position threshold past which the Set rolls over
	// to a new tail file rather than risk a write landing outside the
	// mapped region; it must be safely below startSize.
	startSize uint32
	maxSize   uint32

	mu        sync.Mutex
	firstFile int16
	lastFile  int16 // one past the current tail file number
	files     map[int16]*flatFile
}

// Open discovers or initializes a [Set] rooted at dir, whose files are named
// prefix followed by 4 hex digits. startSize is the capacity new files are
// created with; maxSize is the threshold (must be < startSize) past which a
// write rolls over to a new file instead of risking overrun.
func Open(fsys internalfs.FS, dir, prefix string, startSize, maxSize uint32) (*Set, error) {
	if maxSize >= startSize {
		return nil, fmt.Errorf("flatfile: maxSize %d must be less than startSize %d", maxSize, startSize)
	}

	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("flatfile: mkdir %s: %w", dir, err)
	}

	entries, err := fsys.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("flatfile: readdir %s: %w", dir, err)
	}

	var (
		haveAny      bool
		minNo, maxNo int16
	)

	for _, e := range entries {
		if e.IsDir() {
			continue
		}

		fileno, err := filenameToFileno(prefix, e.Name())
		if err != nil {
			// Not one of ours; skip silently per the filename-parse rule.
			continue
		}

		if !haveAny {
			minNo, maxNo = fileno, fileno
			haveAny = true

			continue
		}

		if fileno < minNo {
			minNo = fileno
		}

		if fileno > maxNo {
			maxNo = fileno
		}
	}

	s := &Set{
		fsys:      fsys,
		dir:       dir,
		prefix:    prefix,
		startSize: startSize,
		maxSize:   maxSize,
		files:     make(map[int16]*flatFile),
	}

	if haveAny {
		s.firstFile = minNo
		s.lastFile = maxNo + 1
	}

	return s, nil
}

// Close unmaps and closes every file this Set has opened.
func (s *Set) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var first error

	for _, f := range s.files {
		if err := f.close(); err != nil && first == nil {
			first = err
		}
	}

	s.files = make(map[int16]*flatFile)

	return first
}

// getFileLocked lazily opens fileno, which must already exist on disk
// (within [firstFile, lastFile)). s.mu must be held.
func (s *Set) getFileLocked(fileno int16) (*flatFile, error) {
	if f, ok := s.files[fileno]; ok {
		return f, nil
	}

	path := filenoToPath(s.dir, s.prefix, fileno)

	f, err := openFlatFile(path, fileno, s.startSize)
	if err != nil {
		return nil, err
	}

	s.files[fileno] = f

	return f, nil
}

// createTailFileLocked creates the file numbered s.lastFile, advances
// lastFile past it, and caches the mapping. s.mu must be held.
func (s *Set) createTailFileLocked() (*flatFile, error) {
	fileno := s.lastFile
	path := filenoToPath(s.dir, s.prefix, fileno)

	f, err := createFlatFile(path, fileno, s.startSize)
	if err != nil {
		return nil, err
	}

	s.files[fileno] = f
	s.lastFile++

	return f, nil
}

// tailFileLocked returns the current tail file, creating file 0 if the Set
// is empty. s.mu must be held.
func (s *Set) tailFileLocked() (*flatFile, error) {
	if s.firstFile == s.lastFile {
		if _, err := s.createTailFileLocked(); err != nil {
			return nil, err
		}
	}

	return s.getFileLocked(s.lastFile - 1)
}

// lockTail acquires the cross-process advisory lock on f's backing file,
// guarding the single in-flight append this package's write path performs.
func (s *Set) lockTail(f *flatFile) (internalfs.Locker, error) {
	return s.fsys.Lock(filenoToPath(s.dir, s.prefix, f.fileno))
}

// appendLocked writes payload to the current tail file, rolling over to a
// fresh file first if this write would end past maxSize. If framed, a 4-byte
// little-endian length prefix precedes payload and the returned FilePtr
// addresses the payload (not the prefix); otherwise payload is written
// verbatim and the pointer addresses its first byte.
func (s *Set) appendLocked(framed bool, payload []byte) (FilePtr, error) {
	for {
		s.mu.Lock()
		f, err := s.tailFileLocked()
		if err != nil {
			s.mu.Unlock()

			return FilePtr{}, err
		}
		s.mu.Unlock()

		lock, err := s.lockTail(f)
		if err != nil {
			return FilePtr{}, fmt.Errorf("flatfile: lock tail file %d: %w", f.fileno, err)
		}

		pos := f.Size()

		prefixLen := uint32(0)
		if framed {
			prefixLen = 4
		}

		need := prefixLen + uint32(len(payload))

		if pos+need > s.maxSize {
			// Roll over: create the next file while still holding this
			// file's lock, then retry against the new tail.
			s.mu.Lock()
			_, err := s.createTailFileLocked()
			s.mu.Unlock()

			lock.Close()

			if err != nil {
				return FilePtr{}, err
			}

			continue
		}

		payloadPos := pos + prefixLen

		if framed {
			var lenBuf [4]byte
			putUint32(lenBuf[:], uint32(len(payload)))
			f.writeAt(pos, lenBuf[:])
		}

		f.writeAt(payloadPos, payload)
		f.growAndSetSize(payloadPos + uint32(len(payload)))

		lock.Close()

		return FilePtr{FileNo: f.fileno, Pos: payloadPos}, nil
	}
}

// Write appends payload, framed with a 4-byte length prefix, and returns a
// FilePtr to the start of the payload.
func (s *Set) Write(payload []byte) (FilePtr, error) {
	return s.appendLocked(true, payload)
}

// WriteRaw appends payload verbatim, with no length framing, and returns a
// FilePtr to its first byte. Used for fixed-size records laid end-to-end.
func (s *Set) WriteRaw(payload []byte) (FilePtr, error) {
	return s.appendLocked(false, payload)
}

// Read returns a copy of the length-framed payload addressed by ptr, as
// returned by [Set.Write].
func (s *Set) Read(ptr FilePtr) ([]byte, error) {
	s.mu.Lock()
	f, err := s.getFileLocked(ptr.FileNo)
	s.mu.Unlock()

	if err != nil {
		return nil, err
	}

	if ptr.Pos < 4 {
		return nil, fmt.Errorf("flatfile: read %s: position precedes length prefix", ptr)
	}

	n := getUint32(f.data[ptr.Pos-4:])

	return f.readAt(ptr.Pos, int(n)), nil
}

// ReadAt returns a copy of n unframed bytes starting at ptr, as written by
// [Set.WriteRaw].
func (s *Set) ReadAt(ptr FilePtr, n int) ([]byte, error) {
	s.mu.Lock()
	f, err := s.getFileLocked(ptr.FileNo)
	s.mu.Unlock()

	if err != nil {
		return nil, err
	}

	return f.readAt(ptr.Pos, n), nil
}

// WriteAt overwrites len(payload) bytes of already-written data starting at
// ptr. Used to mutate in-place fields of fixed records (e.g. a record's
// previous pointer or skip slots) after they were first appended.
func (s *Set) WriteAt(ptr FilePtr, payload []byte) error {
	s.mu.Lock()
	f, err := s.getFileLocked(ptr.FileNo)
	s.mu.Unlock()

	if err != nil {
		return err
	}

	if ptr.Pos+uint32(len(payload)) > f.Size() {
		return fmt.Errorf("flatfile: write-at %s: past current size %d", ptr, f.Size())
	}

	f.writeAt(ptr.Pos, payload)

	return nil
}

// FileRange returns the inclusive-exclusive [first, last) file numbers
// currently known to the Set. last == first when the Set is empty.
func (s *Set) FileRange() (first, last int16) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.firstFile, s.lastFile
}
