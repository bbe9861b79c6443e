package blockstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/natefinch/atomic"

	"github.com/joeldejesus1/bitcrust/pkg/flatfile"
)

// TxIndex maps a transaction hash to the Transaction-kind content pointer
// recorded for it. It satisfies [spenttree.HashLookup] via [TxIndex.Lookup].
type TxIndex struct {
	mu      sync.RWMutex
	entries map[[32]byte]flatfile.FilePtr
}

// NewTxIndex returns an empty in-memory transaction-hash index.
func NewTxIndex() *TxIndex {
	return &TxIndex{entries: make(map[[32]byte]flatfile.FilePtr)}
}

// Get reports the content pointer recorded for hash, if any.
func (idx *TxIndex) Get(hash [32]byte) (flatfile.FilePtr, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	ptr, ok := idx.entries[hash]

	return ptr, ok
}

// Lookup adapts Get to [pkg/spenttree.HashLookup]'s signature.
func (idx *TxIndex) Lookup(hash [32]byte) (flatfile.FilePtr, bool) {
	return idx.Get(hash)
}

// Set records ptr for hash, overwriting any previous entry. Callers
// deduplicate transactions by hash before calling this.
func (idx *TxIndex) Set(hash [32]byte, ptr flatfile.FilePtr) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.entries[hash] = ptr
}

type txIndexEntry struct {
	Hash   [32]byte `json:"hash"`
	FileNo int16    `json:"file_no"`
	Pos    uint32   `json:"pos"`
}

// Save snapshots the index to path using an atomic rename-based write.
func (idx *TxIndex) Save(path string) error {
	idx.mu.RLock()
	entries := make([]txIndexEntry, 0, len(idx.entries))

	for h, ptr := range idx.entries {
		entries = append(entries, txIndexEntry{Hash: h, FileNo: ptr.FileNo, Pos: ptr.Pos})
	}
	idx.mu.RUnlock()

	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("blockstore: marshal tx index: %w", err)
	}

	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("blockstore: save tx index: %w", err)
	}

	return nil
}

// Load restores the index from a snapshot written by [TxIndex.Save]. A
// missing file is not an error: it means the index starts empty.
func (idx *TxIndex) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return fmt.Errorf("blockstore: load tx index: %w", err)
	}

	var entries []txIndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("blockstore: unmarshal tx index: %w", err)
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.entries = make(map[[32]byte]flatfile.FilePtr, len(entries))
	for _, e := range entries {
		idx.entries[e.Hash] = flatfile.FilePtr{FileNo: e.FileNo, Pos: e.Pos}
	}

	return nil
}
