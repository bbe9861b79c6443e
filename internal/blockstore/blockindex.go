package blockstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/natefinch/atomic"

	"github.com/joeldejesus1/bitcrust/pkg/record"
)

// blockIndexEntry is one pointer recorded at a block hash: either a guard
// (a not-yet-connected child's start-of-block record) or the concrete
// end-of-block record of a connected block. Any number of guards may be
// recorded at a hash that has no concrete entry; binding the one concrete
// entry displaces them.
type blockIndexEntry struct {
	Ptr     record.RecordPtr
	IsGuard bool
}

// BlockHashIndex maps a block hash to the set of spent-tree pointers
// claiming it: guards from not-yet-connected children, and at most one
// concrete pointer once the block itself is stored and connected.
type BlockHashIndex struct {
	mu      sync.Mutex
	entries map[[32]byte][]blockIndexEntry
}

// NewBlockHashIndex returns an empty block-hash index.
func NewBlockHashIndex() *BlockHashIndex {
	return &BlockHashIndex{entries: make(map[[32]byte][]blockIndexEntry)}
}

// Get returns every pointer currently recorded at hash, guard or concrete.
func (idx *BlockHashIndex) Get(hash [32]byte) []record.RecordPtr {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	out := make([]record.RecordPtr, len(idx.entries[hash]))
	for i, e := range idx.entries[hash] {
		out[i] = e.Ptr
	}

	return out
}

// Concrete reports whether hash already has a concrete (connected) entry,
// and returns its pointer.
func (idx *BlockHashIndex) Concrete(hash [32]byte) (record.RecordPtr, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	for _, e := range idx.entries[hash] {
		if !e.IsGuard {
			return e.Ptr, true
		}
	}

	return record.RecordPtr{}, false
}

// GetOrSet returns hash's existing concrete pointer if one exists;
// otherwise it adds guardPtr as a guard entry at hash and returns
// (zero, false). This is the CAS-style "claim the parent or learn it is
// already known" operation that lets an arriving block register itself
// against a parent hash that may or may not be stored yet.
func (idx *BlockHashIndex) GetOrSet(hash [32]byte, guardPtr record.RecordPtr) (record.RecordPtr, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	for _, e := range idx.entries[hash] {
		if !e.IsGuard {
			return e.Ptr, true
		}
	}

	idx.entries[hash] = append(idx.entries[hash], blockIndexEntry{Ptr: guardPtr, IsGuard: true})

	return record.RecordPtr{}, false
}

// Set attempts to bind hash to concretePtr, atomically displacing exactly
// the guard entries named in solvedGuards. It fails (returning false) if
// the current guard set at hash is not exactly solvedGuards — meaning a
// new guard has appeared concurrently — so the caller can re-read and
// retry.
func (idx *BlockHashIndex) Set(hash [32]byte, concretePtr record.RecordPtr, solvedGuards []record.RecordPtr) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	current := idx.entries[hash]

	var currentGuards []record.RecordPtr

	for _, e := range current {
		if e.IsGuard {
			currentGuards = append(currentGuards, e.Ptr)
		} else if e.Ptr != concretePtr {
			// A different concrete entry already exists; never overwrite.
			return false
		}
	}

	if !sameGuardSet(currentGuards, solvedGuards) {
		return false
	}

	idx.entries[hash] = []blockIndexEntry{{Ptr: concretePtr, IsGuard: false}}

	return true
}

func sameGuardSet(a, b []record.RecordPtr) bool {
	if len(a) != len(b) {
		return false
	}

	seen := make(map[record.RecordPtr]int, len(a))
	for _, p := range a {
		seen[p]++
	}

	for _, p := range b {
		if seen[p] == 0 {
			return false
		}

		seen[p]--
	}

	return true
}

type blockIndexSnapshotEntry struct {
	Hash    [32]byte `json:"hash"`
	FileNo  int16    `json:"file_no"`
	Pos     uint32   `json:"pos"`
	IsGuard bool     `json:"is_guard"`
}

// Save snapshots the index to path, atomically.
func (idx *BlockHashIndex) Save(path string) error {
	idx.mu.Lock()

	var snap []blockIndexSnapshotEntry

	for hash, entries := range idx.entries {
		for _, e := range entries {
			snap = append(snap, blockIndexSnapshotEntry{
				Hash: hash, FileNo: e.Ptr.FileNo, Pos: e.Ptr.Pos, IsGuard: e.IsGuard,
			})
		}
	}
	idx.mu.Unlock()

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("blockstore: marshal block index: %w", err)
	}

	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("blockstore: save block index: %w", err)
	}

	return nil
}

// Load restores the index from a snapshot written by [BlockHashIndex.Save].
// A missing file is not an error.
func (idx *BlockHashIndex) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return fmt.Errorf("blockstore: load block index: %w", err)
	}

	var snap []blockIndexSnapshotEntry
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("blockstore: unmarshal block index: %w", err)
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.entries = make(map[[32]byte][]blockIndexEntry, len(snap))
	for _, e := range snap {
		ptr := record.RecordPtr{FileNo: e.FileNo, Pos: e.Pos}
		idx.entries[e.Hash] = append(idx.entries[e.Hash], blockIndexEntry{Ptr: ptr, IsGuard: e.IsGuard})
	}

	return nil
}
