package blockadd

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/joeldejesus1/bitcrust/internal/blockmodel"
	"github.com/joeldejesus1/bitcrust/pkg/record"
	"github.com/joeldejesus1/bitcrust/pkg/spenttree"
)

// parallelHashingThreshold is the transaction count at or above which
// verifyAndStoreTransactions fans its hashing out across goroutines: small
// blocks are not worth the goroutine overhead.
const parallelHashingThreshold = 16

// AddBlock parses raw, stores its transactions and header, links it into the
// spent-tree, and connects it (and any already-waiting descendants) to its
// parent, handling out-of-order arrival.
//
// A block already connected (its hash bound to a concrete entry in the
// block-hash index) is accepted idempotently: AddBlock returns nil without
// creating any new records. A block that is stored but not connected is
// stored again on a repeated call. A block whose parent is not yet
// known is stored as an orphan guard and AddBlock returns nil; it will be
// connected automatically once its parent (or an ancestor chain reaching a
// known block) arrives.
func (s *Store) AddBlock(raw []byte) error {
	block, err := blockmodel.DecodeBlock(raw)
	if err != nil {
		return fmt.Errorf("blockadd: parse block: %w", err)
	}

	blockHash := block.Header.Hash()

	if _, ok := s.BlockIndex.Concrete(blockHash); ok {
		s.Logger.Debug("add_block: already connected, skipping", "hash", hex(blockHash))
		return nil
	}

	specs, err := s.verifyAndStoreTransactions(block, raw)
	if err != nil {
		return err
	}

	headerPtr, err := s.Content.Write(block.Header.Encode())
	if err != nil {
		return fmt.Errorf("blockadd: store header: %w", err)
	}

	blockPtr, err := s.SpentTree.StoreBlock(headerPtr, specs, s.TxIndex.Lookup)
	if err != nil {
		return fmt.Errorf("blockadd: store block: %w", err)
	}

	if blockHash == s.cfg.GenesisHash {
		s.Logger.Info("add_block: connecting genesis block", "hash", hex(blockHash))
		return s.connectChain(blockHash, nil, blockPtr)
	}

	parentEnd, known := s.BlockIndex.GetOrSet(block.Header.PrevHash, blockPtr.ToGuard())
	if !known {
		s.Logger.Debug("add_block: parent unknown, stored as orphan", "hash", hex(blockHash), "prev", hex(block.Header.PrevHash))
		return nil
	}

	return s.connectChain(blockHash, &parentEnd, blockPtr)
}

// verifyAndStoreTransactions checks raw against the configured size cap,
// hashes and stores (or deduplicates) every transaction, verifies the
// block's declared merkle root, and returns the [spenttree.TxSpec] slice
// ready for [spenttree.SpentTree.StoreBlock].
func (s *Store) verifyAndStoreTransactions(block blockmodel.Block, raw []byte) ([]spenttree.TxSpec, error) {
	if s.cfg.MaxBlockSize > 0 && len(raw) > s.cfg.MaxBlockSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds cap of %d", ErrBlockTooLarge, len(raw), s.cfg.MaxBlockSize)
	}

	specs := make([]spenttree.TxSpec, len(block.Txs))

	if len(block.Txs) < parallelHashingThreshold {
		for i, tx := range block.Txs {
			spec, err := s.storeOneTx(tx)
			if err != nil {
				return nil, err
			}

			specs[i] = spec
		}
	} else {
		g, _ := errgroup.WithContext(context.Background())

		for i, tx := range block.Txs {
			i, tx := i, tx

			g.Go(func() error {
				spec, err := s.storeOneTx(tx)
				if err != nil {
					return err
				}

				specs[i] = spec

				return nil
			})
		}

		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	if got, want := blockmodel.MerkleRoot(block.Txs), block.Header.MerkleRoot; got != want {
		return nil, fmt.Errorf("%w: computed %x, header declares %x", ErrMerkleRootMismatch, got, want)
	}

	return specs, nil
}

// storeOneTx writes tx's raw bytes to the content store (unless a prior
// transaction with the same hash is already stored, in which case its
// pointer is reused) and records it in the transaction-hash index.
func (s *Store) storeOneTx(tx blockmodel.Tx) (spenttree.TxSpec, error) {
	hash := tx.Hash()

	ptr, ok := s.TxIndex.Get(hash)
	if !ok {
		var err error

		ptr, err = s.Content.Write(tx.Encode())
		if err != nil {
			return spenttree.TxSpec{}, fmt.Errorf("blockadd: store transaction: %w", err)
		}

		s.TxIndex.Set(hash, ptr)
	}

	inputs := make([]spenttree.TxInput, len(tx.Inputs))
	for i, in := range tx.Inputs {
		inputs[i] = spenttree.TxInput{PrevTxHash: in.PrevTxHash, PrevIndex: in.PrevIndex}
	}

	return spenttree.TxSpec{ContentPtr: ptr, Inputs: inputs}, nil
}

// pendingConnect is one item of the LIFO todo stack driving the block-hash
// index binding loop.
type pendingConnect struct {
	hash         [32]byte
	start        record.RecordPtr
	end          record.RecordPtr
	solvedGuards []record.RecordPtr
}

// connectChain connects thisBlock to previousEnd (nil for the genesis
// block), then repeatedly attempts to bind thisHash into the block-hash
// index, connecting any guard entries (children that arrived before it) it
// discovers along the way, until every reachable block is bound.
//
// The loop is iterative, not recursive, deliberately: an adversarial or
// merely very long chain of out-of-order arrivals must not grow the Go call
// stack.
func (s *Store) connectChain(thisHash [32]byte, previousEnd *record.RecordPtr, thisBlock spenttree.BlockPtr) error {
	end := thisBlock.End

	if previousEnd != nil {
		connected, err := s.SpentTree.ConnectBlock(*previousEnd, thisBlock.Start)
		if err != nil {
			return fmt.Errorf("blockadd: connect block %s: %w", hex(thisHash), err)
		}

		end = connected
	}

	todo := []pendingConnect{{hash: thisHash, start: thisBlock.Start, end: end}}

	for len(todo) > 0 {
		cur := todo[len(todo)-1]
		todo = todo[:len(todo)-1]

		if s.BlockIndex.Set(cur.hash, cur.end, cur.solvedGuards) {
			continue
		}

		if _, ok := s.BlockIndex.Concrete(cur.hash); ok {
			// A concurrent caller already bound this hash; nothing left for
			// us to do with this branch.
			continue
		}

		guards := s.BlockIndex.Get(cur.hash)
		todo = append(todo, pendingConnect{hash: cur.hash, start: cur.start, end: cur.end, solvedGuards: guards})

		for _, g := range guards {
			if containsPtr(cur.solvedGuards, g) {
				continue
			}

			childHash, err := s.blockHashOf(g)
			if err != nil {
				return fmt.Errorf("blockadd: resolve guard hash: %w", err)
			}

			if err := s.SpentTree.ResolveOrphanPointers(g, s.TxIndex.Lookup); err != nil {
				return fmt.Errorf("blockadd: resolve orphan pointers for %s: %w", hex(childHash), err)
			}

			childEnd, err := s.SpentTree.ConnectBlock(cur.end, g)
			if err != nil {
				var spendErr *spenttree.SpendingError
				if errors.As(err, &spendErr) {
					s.Logger.Warn("connect_block: child failed spend validation, leaving orphan",
						"hash", hex(childHash), "err", err)

					continue
				}

				return fmt.Errorf("blockadd: connect block %s: %w", hex(childHash), err)
			}

			todo = append(todo, pendingConnect{hash: childHash, start: g, end: childEnd})
		}
	}

	return nil
}

// blockHashOf recovers the block hash a guard or end-of-block record
// belongs to, by reading the header bytes its content pointer addresses and
// hashing them — a block's start-guard and its closing header record both
// carry the block's header content pointer (see
// [spenttree.SpentTree.StoreBlock]), so this works for guards and concrete
// entries alike without a separate reverse index.
func (s *Store) blockHashOf(ptr record.RecordPtr) ([32]byte, error) {
	raw, err := s.SpentTree.ContentBytes(ptr)
	if err != nil {
		return [32]byte{}, err
	}

	header, err := blockmodel.DecodeHeader(raw)
	if err != nil {
		return [32]byte{}, fmt.Errorf("blockadd: decode header at %s: %w", ptr, err)
	}

	return header.Hash(), nil
}

func containsPtr(haystack []record.RecordPtr, needle record.RecordPtr) bool {
	for _, p := range haystack {
		if p == needle {
			return true
		}
	}

	return false
}

func hex(h [32]byte) string {
	return fmt.Sprintf("%x", h[:])
}
