package spenttree

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/joeldejesus1/bitcrust/pkg/record"
)

// ConnectBlock links thisStart's branch onto previousEnd and verifies every
// output record within the block by running a parallel backward scan from
// each. On success it returns the block's end-of-block header pointer. On a
// spending failure the link to previousEnd is NOT undone — the block's
// records remain in the arena and may be referenced by a future connection
// on an alternate branch — but the caller must not treat the block as
// connected: it returns the lowest-indexed [SpendingError] among all
// failing outputs.
func (st *SpentTree) ConnectBlock(previousEnd, thisStart record.RecordPtr) (record.RecordPtr, error) {
	if err := st.setPrevious(thisStart, previousEnd); err != nil {
		return record.RecordPtr{}, fmt.Errorf("spenttree: connect block: %w", err)
	}

	// FindEnd locates this block's header and clears any skip state left
	// over from a previous, aborted connection attempt on this same block
	// (see its doc comment) before the scan below recomputes it from
	// scratch.
	end, err := st.FindEnd(thisStart)
	if err != nil {
		return record.RecordPtr{}, fmt.Errorf("spenttree: connect block: %w", err)
	}

	var outputs []record.RecordPtr

	cur := thisStart

	for cur != end {
		cur = record.NextInBlock(cur)

		if cur == end {
			break
		}

		rec, err := st.getRecord(cur)
		if err != nil {
			return record.RecordPtr{}, fmt.Errorf("spenttree: connect block: %w", err)
		}

		if rec.Content.Kind == record.Output {
			outputs = append(outputs, cur)
		}
	}

	type scanResult struct {
		stats Stats
		err   *SpendingError
	}

	results := make([]scanResult, len(outputs))

	g, _ := errgroup.WithContext(context.Background())

	for i, ptr := range outputs {
		i, ptr := i, ptr

		g.Go(func() error {
			stats, serr, ioErr := st.seekAndSet(i, ptr)
			if ioErr != nil {
				return ioErr
			}

			results[i] = scanResult{stats: stats, err: serr}

			return nil
		})
	}

	// A non-nil error here is a mapped-memory I/O failure, not a spending
	// verdict; it is fatal and propagated to the caller rather than folded
	// into the per-output SpendingError results.
	if err := g.Wait(); err != nil {
		return record.RecordPtr{}, fmt.Errorf("spenttree: connect block: %w", err)
	}

	var (
		total Stats
		first *SpendingError
	)

	for _, r := range results {
		total.Add(r.stats)

		if r.err != nil && (first == nil || r.err.OutputIndex < first.OutputIndex) {
			first = r.err
		}
	}

	total.Blocks = 1
	total.Inputs = int64(len(outputs))

	st.statsMu.Lock()
	st.stats.Add(total)
	st.statsMu.Unlock()

	if first != nil {
		return record.RecordPtr{}, first
	}

	if err := st.setPrevious(end, record.PrevInBlock(end)); err != nil {
		return record.RecordPtr{}, fmt.Errorf("spenttree: connect block: %w", err)
	}

	return end, nil
}

// seekAndSet runs the backward scan for one output record at position
// outputIdx within the block currently being connected. It walks the
// Previous chain from the output's own predecessor, accepting when it finds
// the spent transaction's record, rejecting with ErrOutputAlreadySpent when
// it finds the same (transaction, index) pair spent earlier, and rejecting
// with ErrOutputNotFound when the walk runs off the root of the branch.
//
// Skips are neither read nor written while the walk is still inside the
// block currently being connected: that block's own guard record is the one
// whose Previous this very call just (re)wrote, and a failed connection
// attempt leaves that link in place for a future retry against a different
// parent (see ConnectBlock's doc comment) — a skip cached on one of these
// records could point across that guard into the wrong branch. Once the walk
// crosses the guard into already-connected ancestor territory, that
// territory's own guards are immutable (an ancestor block's Previous is set
// exactly once, by its own successful connection), so skips there are safe
// to trust and to grow: every further hop accumulates real distance onto
// crossPoint, the record the walk landed on right after leaving its own
// block, so crossPoint's skip array ends up spanning whatever distance this
// scan actually covered. A later scan reaching crossPoint — another output
// in the same block, or a retry of a sibling block sharing the same
// parent — can then jump the whole stretch in one hop.
//
// Any two scans racing to write the same skip slot may compute different
// (but always genuinely ancestral) values, since each walks toward its own
// target; skips are hints only; a reader that lands on a stale-but-valid
// ancestor just falls back to walking from there, still correct, just
// slower. So writes here need no additional synchronization beyond
// flatfile.Set's own per-write atomicity.
func (st *SpentTree) seekAndSet(outputIdx int, outputPtr record.RecordPtr) (Stats, *SpendingError, error) {
	var stats Stats

	outRec, err := st.getRecord(outputPtr)
	if err != nil {
		return stats, nil, fmt.Errorf("read output record %s: %w", outputPtr, err)
	}

	target := outRec.Content.Address
	index := outRec.Content.OutputIndex

	cur := outRec.Previous
	crossed := false
	crossPoint := cur

	for {
		if cur.IsNull() {
			return stats, &SpendingError{OutputIndex: outputIdx, Record: outputPtr, Err: ErrOutputNotFound}, nil
		}

		curRec, err := st.getRecord(cur)
		if err != nil {
			return stats, nil, fmt.Errorf("read record %s: %w", cur, err)
		}

		if curRec.Content.References(target) {
			return stats, nil, nil
		}

		if curRec.Content.SpendsOutput(target, index) {
			return stats, &SpendingError{OutputIndex: outputIdx, Record: outputPtr, Err: ErrOutputAlreadySpent}, nil
		}

		stats.Seeks++

		next := curRec.Previous

		if crossed {
			for b := record.SkipWidth - 1; b >= 0; b-- {
				if s := curRec.Skips[b]; !s.IsNull() && record.Distance(cur, s) > 0 {
					next = s
					stats.Jumps++
					stats.SkipBucketHits[b]++

					break
				}
			}
		}

		if !crossed && curRec.Content.Kind == record.GuardHeader {
			crossed = true
			crossPoint = next
		} else if crossed {
			if dist := record.Distance(crossPoint, next); dist > 1 {
				bucket := record.SkipBucket(dist)
				if err := st.setSkip(crossPoint, bucket, next); err != nil {
					return stats, nil, fmt.Errorf("set skip on %s: %w", crossPoint, err)
				}
			}
		}

		cur = next
	}
}
