package spenttree

import (
	"fmt"

	"github.com/joeldejesus1/bitcrust/pkg/flatfile"
	"github.com/joeldejesus1/bitcrust/pkg/record"
)

// StoreBlock converts one block's transactions into the spent-tree's record
// layout and appends them to the arena in a single call:
//
//	[guard-header] [tx1] [out1,1] ... [tx2] ... [header]
//
// headerContentPtr addresses the block header's bytes in the block-content
// store; it is carried by both the guard and the closing header record.
// lookup resolves a spent transaction's hash to its Transaction-kind
// content pointer; inputs it cannot resolve are left null and registered
// for later resolution by [SpentTree.ResolveOrphanPointers] — the block is
// born an orphan in that case.
//
// The returned BlockPtr's Start guard has its Previous field left
// unconnected; only [SpentTree.ConnectBlock] assigns it.
func (st *SpentTree) StoreBlock(headerContentPtr flatfile.FilePtr, txs []TxSpec, lookup HashLookup) (BlockPtr, error) {
	type orphanBuild struct {
		childIdx  int
		prevHash  [32]byte
		prevIndex uint16
	}

	var (
		children []record.ContentPtr
		orphans  []orphanBuild
	)

	for _, tx := range txs {
		children = append(children, record.NewTransaction(tx.ContentPtr))

		for _, in := range tx.Inputs {
			if txAddr, ok := lookup(in.PrevTxHash); ok {
				out, err := record.NewOutput(txAddr, in.PrevIndex)
				if err != nil {
					return BlockPtr{}, fmt.Errorf("spenttree: store block: %w", err)
				}

				children = append(children, out)

				continue
			}

			orphans = append(orphans, orphanBuild{
				childIdx:  len(children),
				prevHash:  in.PrevTxHash,
				prevIndex: in.PrevIndex,
			})
			children = append(children, record.ContentPtr{Kind: record.Output, Address: flatfile.Null, OutputIndex: in.PrevIndex})
		}
	}

	total := len(children) + 2
	recs := make([]record.Record, total)
	recs[0] = record.New(record.NewGuardHeader(headerContentPtr))

	for i, c := range children {
		recs[i+1] = record.New(c)
	}

	recs[total-1] = record.New(record.NewHeader(headerContentPtr))

	buf := make([]byte, total*record.Size)
	for i, r := range recs {
		record.EncodeInto(r, buf[i*record.Size:])
	}

	start, err := st.arena.WriteRaw(buf)
	if err != nil {
		return BlockPtr{}, fmt.Errorf("spenttree: store block: %w", err)
	}

	end := start.Offset(int32((total - 1) * record.Size))

	// Every interior record's Previous is simply its immediate predecessor
	// in this contiguous run; only the guard's Previous is left Unconnected,
	// to be set once by ConnectBlock.
	for i := 1; i < total; i++ {
		ptr := start.Offset(int32(i * record.Size))
		if err := st.setPrevious(ptr, record.PrevInBlock(ptr)); err != nil {
			return BlockPtr{}, fmt.Errorf("spenttree: store block: link interior record: %w", err)
		}
	}

	if len(orphans) > 0 {
		st.pendingMu.Lock()
		for _, o := range orphans {
			ptr := start.Offset(int32((o.childIdx + 1) * record.Size))
			st.pending[ptr] = pendingOutput{prevHash: o.prevHash, prevIndex: o.prevIndex}
		}
		st.pendingMu.Unlock()
	}

	return BlockPtr{Start: start, End: end}, nil
}

// ResolveOrphanPointers fills in the null output content pointers left by
// [SpentTree.StoreBlock] for a block whose ancestors were not yet known.
// lookup must now be able to resolve every such input's previous-transaction
// hash; callers are expected to invoke this after the ancestor chain has
// become known but before [SpentTree.ConnectBlock].
func (st *SpentTree) ResolveOrphanPointers(targetStart record.RecordPtr, lookup HashLookup) error {
	cur := targetStart

	startRec, err := st.getRecord(cur)
	if err != nil {
		return fmt.Errorf("spenttree: resolve orphan pointers: %w", err)
	}

	if startRec.Content.Kind != record.GuardHeader {
		return fmt.Errorf("spenttree: resolve orphan pointers: %s is not a guard-header", cur)
	}

	for {
		cur = record.NextInBlock(cur)

		rec, err := st.getRecord(cur)
		if err != nil {
			return fmt.Errorf("spenttree: resolve orphan pointers: %w", err)
		}

		if rec.Content.Kind == record.Header {
			return nil
		}

		if rec.Content.Kind != record.Output || !rec.Content.IsNull() {
			continue
		}

		st.pendingMu.Lock()
		pend, ok := st.pending[cur]
		st.pendingMu.Unlock()

		if !ok {
			return fmt.Errorf("spenttree: resolve orphan pointers: %s has no pending resolution", cur)
		}

		txAddr, ok := lookup(pend.prevHash)
		if !ok {
			return fmt.Errorf("spenttree: resolve orphan pointers: %s: referenced transaction still unknown", cur)
		}

		resolved, err := record.NewOutput(txAddr, pend.prevIndex)
		if err != nil {
			return fmt.Errorf("spenttree: resolve orphan pointers: %w", err)
		}

		if err := st.setContentPtr(cur, resolved); err != nil {
			return fmt.Errorf("spenttree: resolve orphan pointers: %w", err)
		}

		st.pendingMu.Lock()
		delete(st.pending, cur)
		st.pendingMu.Unlock()
	}
}

// FindEnd walks forward from a block's start-of-block guard until it
// reaches the closing Header record, clearing skip slots on every record it
// passes through along the way. Skips accumulated while a block was still
// mid-connection (or unconnected) must not be trusted once the branch is
// finalized; this is safe by construction here because an unconnected
// block's records are unreachable from any already-connected branch's scan.
func (st *SpentTree) FindEnd(start record.RecordPtr) (record.RecordPtr, error) {
	cur := start

	for {
		cur = record.NextInBlock(cur)

		rec, err := st.getRecord(cur)
		if err != nil {
			return record.RecordPtr{}, fmt.Errorf("spenttree: find end: %w", err)
		}

		if rec.Content.Kind == record.Header {
			if err := st.setPrevious(cur, record.PrevInBlock(cur)); err != nil {
				return record.RecordPtr{}, fmt.Errorf("spenttree: find end: %w", err)
			}

			return cur, nil
		}

		if err := st.clearSkips(cur); err != nil {
			return record.RecordPtr{}, fmt.Errorf("spenttree: find end: %w", err)
		}
	}
}
