// Package spenttree implements the content-addressed, record-oriented
// spent-tree: a singly-linked chain of fixed-size records, stored in a
// memory-mapped flat-file arena, used to validate blocks arriving
// out-of-order and detect double spends via a parallel backward scan.
package spenttree

import (
	"fmt"
	"sync"

	internalfs "github.com/joeldejesus1/bitcrust/internal/fs"
	"github.com/joeldejesus1/bitcrust/pkg/flatfile"
	"github.com/joeldejesus1/bitcrust/pkg/record"
)

// ContentStore resolves a content-store pointer (the Address carried by a
// record's [record.ContentPtr]) to the raw bytes it addresses. It is
// satisfied by internal/blockstore's BlockContent.
type ContentStore interface {
	Get(ptr flatfile.FilePtr) ([]byte, error)
}

// BlockPtr is the pair of record pointers [SpentTree.StoreBlock] returns:
// the block's start-of-block guard and, once known, its end-of-block
// header.
type BlockPtr struct {
	Start record.RecordPtr
	End   record.RecordPtr
}

// ToGuard returns the pointer placed in the block-hash index while this
// block's parent is not yet connected.
func (b BlockPtr) ToGuard() record.RecordPtr { return b.Start }

// ToEnd returns the pointer bound in the block-hash index once this block
// is fully connected.
func (b BlockPtr) ToEnd() record.RecordPtr { return b.End }

// TxInput describes one transaction input in terms the spent-tree needs at
// store time: which prior transaction and output it claims to spend.
type TxInput struct {
	PrevTxHash [32]byte
	PrevIndex  uint16
}

// TxSpec is one transaction's worth of input to [SpentTree.StoreBlock]: its
// own content-store pointer (where its raw bytes live) and the inputs it
// spends.
type TxSpec struct {
	ContentPtr flatfile.FilePtr
	Inputs     []TxInput
}

// HashLookup resolves a transaction hash to the Transaction-kind content
// pointer recorded for it, if the transaction is already known.
type HashLookup func(hash [32]byte) (flatfile.FilePtr, bool)

// pendingOutput records, for one not-yet-resolvable output record, which
// transaction and output index it spends. It waits here, keyed by the
// output record's own pointer, until [SpentTree.ResolveOrphanPointers] is
// given a lookup that can resolve prevHash to a Transaction-kind content
// pointer.
//
// An alternative design re-parses the raw transaction bytes at resolve time
// to recover this information; this package keeps it alongside the record
// instead, since transaction wire-format parsing belongs to the
// block-content collaborator, not this package (see DESIGN.md).
type pendingOutput struct {
	prevHash  [32]byte
	prevIndex uint16
}

// SpentTree owns a [flatfile.Set] of fixed-size records and implements the
// store/connect/resolve/find-end operations over it.
type SpentTree struct {
	arena   *flatfile.Set
	content ContentStore

	pendingMu sync.Mutex
	pending   map[record.RecordPtr]pendingOutput

	statsMu sync.Mutex
	stats   Stats
}

// Open opens or creates a spent-tree record arena rooted at dir, backed by
// content for dereferencing transaction/header bytes.
func Open(fsys internalfs.FS, dir string, fileSize, maxRecordBytesPerFile uint32, content ContentStore) (*SpentTree, error) {
	arena, err := flatfile.Open(fsys, dir, "st-", fileSize, maxRecordBytesPerFile)
	if err != nil {
		return nil, fmt.Errorf("spenttree: open arena: %w", err)
	}

	return &SpentTree{arena: arena, content: content, pending: make(map[record.RecordPtr]pendingOutput)}, nil
}

// Close releases the underlying record arena.
func (st *SpentTree) Close() error {
	return st.arena.Close()
}

// Stats returns a copy of the running totals accumulated by ConnectBlock.
func (st *SpentTree) Stats() Stats {
	st.statsMu.Lock()
	defer st.statsMu.Unlock()

	return st.stats
}

func (st *SpentTree) getRecord(ptr record.RecordPtr) (record.Record, error) {
	b, err := st.arena.ReadAt(ptr, record.Size)
	if err != nil {
		return record.Record{}, fmt.Errorf("spenttree: read record %s: %w", ptr, err)
	}

	return record.Decode(b), nil
}

func (st *SpentTree) setPrevious(ptr record.RecordPtr, prev record.RecordPtr) error {
	b := make([]byte, record.PtrFieldSize)
	record.EncodeRecordPtr(prev, b)

	return st.arena.WriteAt(ptr.Offset(int32(record.PreviousOffset)), b)
}

func (st *SpentTree) setSkip(ptr record.RecordPtr, bucket int, target record.RecordPtr) error {
	b := make([]byte, record.PtrFieldSize)
	record.EncodeRecordPtr(target, b)

	return st.arena.WriteAt(ptr.Offset(int32(record.SkipOffset(bucket))), b)
}

// clearSkips resets every skip slot of ptr to [record.Unconnected]. Called
// by FindEnd on records of a block still mid-connection (see DESIGN.md).
func (st *SpentTree) clearSkips(ptr record.RecordPtr) error {
	for b := 0; b < record.SkipWidth; b++ {
		if err := st.setSkip(ptr, b, record.Unconnected); err != nil {
			return err
		}
	}

	return nil
}

func (st *SpentTree) setContentPtr(ptr record.RecordPtr, c record.ContentPtr) error {
	rec, err := st.getRecord(ptr)
	if err != nil {
		return err
	}

	rec.Content = c

	return st.arena.WriteAt(ptr, record.Encode(rec))
}

// Record returns the decoded record at ptr, for inspection tooling (see
// cmd/spentstored's "inspect" subcommand).
func (st *SpentTree) Record(ptr record.RecordPtr) (record.Record, error) {
	return st.getRecord(ptr)
}

// ContentBytes resolves a spent-tree record pointer straight through to the
// underlying block-content bytes it addresses.
func (st *SpentTree) ContentBytes(ptr record.RecordPtr) ([]byte, error) {
	rec, err := st.getRecord(ptr)
	if err != nil {
		return nil, err
	}

	return st.content.Get(rec.Content.Address)
}
