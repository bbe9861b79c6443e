// Package blockstore provides the collaborator stores the spent-tree core
// consumes but does not itself define: a block-content blob store and the
// two hash indexes (transaction-hash and block-hash) that the orchestrator
// in internal/blockadd drives.
package blockstore

import (
	"fmt"

	internalfs "github.com/joeldejesus1/bitcrust/internal/fs"
	"github.com/joeldejesus1/bitcrust/pkg/flatfile"
)

// BlockContent is the append-only store for raw block-header and
// transaction bytes, addressed by [flatfile.FilePtr]. It satisfies
// [spenttree.ContentStore].
type BlockContent struct {
	arena *flatfile.Set
}

// OpenBlockContent opens or creates a block-content store rooted at dir.
func OpenBlockContent(fsys internalfs.FS, dir string, fileSize, maxContentSize uint32) (*BlockContent, error) {
	arena, err := flatfile.Open(fsys, dir, "bc-", fileSize, maxContentSize)
	if err != nil {
		return nil, fmt.Errorf("blockstore: open content store: %w", err)
	}

	return &BlockContent{arena: arena}, nil
}

// Write appends raw bytes (a serialized header or transaction) and returns
// the pointer addressing it.
func (c *BlockContent) Write(raw []byte) (flatfile.FilePtr, error) {
	ptr, err := c.arena.Write(raw)
	if err != nil {
		return flatfile.FilePtr{}, fmt.Errorf("blockstore: write content: %w", err)
	}

	return ptr, nil
}

// Get returns the raw bytes addressed by ptr.
func (c *BlockContent) Get(ptr flatfile.FilePtr) ([]byte, error) {
	b, err := c.arena.Read(ptr)
	if err != nil {
		return nil, fmt.Errorf("blockstore: read content %s: %w", ptr, err)
	}

	return b, nil
}

// Close releases the underlying arena.
func (c *BlockContent) Close() error {
	return c.arena.Close()
}
