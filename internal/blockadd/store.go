// Package blockadd drives the out-of-order block arrival protocol: parse,
// verify and store transactions, store the block's spent-tree records, then
// connect it (and any descendants already waiting on it) to its parent.
package blockadd

import (
	"errors"
	"log/slog"

	"github.com/joeldejesus1/bitcrust/internal/blockstore"
	"github.com/joeldejesus1/bitcrust/pkg/spenttree"
)

// ErrBlockTooLarge is returned when a raw block exceeds [Config.MaxBlockSize].
var ErrBlockTooLarge = errors.New("blockadd: block exceeds maximum size")

// ErrMerkleRootMismatch is returned when a block's declared merkle root
// does not match the one computed from its transactions.
var ErrMerkleRootMismatch = errors.New("blockadd: merkle root mismatch")

// Config holds the orchestrator's tunables. GenesisHash identifies the one
// block connected with no parent; it is configuration, not a compiled-in
// constant, since this is a library rather than a fixed-chain node.
type Config struct {
	MaxBlockSize int
	GenesisHash  [32]byte
}

// Store aggregates the spent-tree and its collaborator stores into the one
// handle [AddBlock]'s operations take: every piece of node state is reached
// through this struct, never a package-level global.
type Store struct {
	Logger *slog.Logger

	SpentTree  *spenttree.SpentTree
	Content    *blockstore.BlockContent
	TxIndex    *blockstore.TxIndex
	BlockIndex *blockstore.BlockHashIndex

	cfg Config
}

// NewStore assembles a Store from its already-open collaborators.
func NewStore(
	logger *slog.Logger,
	st *spenttree.SpentTree,
	content *blockstore.BlockContent,
	txIndex *blockstore.TxIndex,
	blockIndex *blockstore.BlockHashIndex,
	cfg Config,
) *Store {
	if logger == nil {
		logger = slog.Default()
	}

	return &Store{
		Logger:     logger,
		SpentTree:  st,
		Content:    content,
		TxIndex:    txIndex,
		BlockIndex: blockIndex,
		cfg:        cfg,
	}
}
