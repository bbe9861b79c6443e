package blockstore

import (
	"testing"

	"github.com/stretchr/testify/require"

	internalfs "github.com/joeldejesus1/bitcrust/internal/fs"
)

func TestBlockContent_WriteGet_RoundTrip(t *testing.T) {
	c, err := OpenBlockContent(internalfs.NewReal(), t.TempDir(), 4096, 4096-256)
	require.NoError(t, err)

	t.Cleanup(func() { _ = c.Close() })

	ptr, err := c.Write([]byte("hello block"))
	require.NoError(t, err)

	got, err := c.Get(ptr)
	require.NoError(t, err)
	require.Equal(t, []byte("hello block"), got)
}

func TestBlockContent_MultipleWrites_DistinctPointers(t *testing.T) {
	c, err := OpenBlockContent(internalfs.NewReal(), t.TempDir(), 4096, 4096-256)
	require.NoError(t, err)

	t.Cleanup(func() { _ = c.Close() })

	p1, err := c.Write([]byte("first"))
	require.NoError(t, err)

	p2, err := c.Write([]byte("second"))
	require.NoError(t, err)

	require.NotEqual(t, p1, p2)

	got1, err := c.Get(p1)
	require.NoError(t, err)
	require.Equal(t, []byte("first"), got1)

	got2, err := c.Get(p2)
	require.NoError(t, err)
	require.Equal(t, []byte("second"), got2)
}
