package blockmodel

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTx_EncodeDecode_RoundTrip(t *testing.T) {
	tx := Tx{
		Nonce: 42,
		Inputs: []TxInput{
			{PrevTxHash: [32]byte{1, 2, 3}, PrevIndex: 5},
			{PrevTxHash: [32]byte{9}, PrevIndex: 0},
		},
		NumOutputs: 2,
	}

	got, err := DecodeTx(tx.Encode())
	require.NoError(t, err)
	require.Equal(t, tx, got)
}

func TestTx_Hash_Deterministic(t *testing.T) {
	tx := Tx{Nonce: 7, NumOutputs: 1}

	require.Equal(t, tx.Hash(), tx.Hash())

	other := Tx{Nonce: 8, NumOutputs: 1}
	require.NotEqual(t, tx.Hash(), other.Hash())
}

func TestDecodeTx_Truncated(t *testing.T) {
	_, err := DecodeTx([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestHeader_EncodeDecode_RoundTrip(t *testing.T) {
	h := Header{PrevHash: [32]byte{1}, MerkleRoot: [32]byte{2}, Nonce: 99}

	got, err := DecodeHeader(h.Encode())
	require.NoError(t, err)
	require.Equal(t, h, got)
}

func TestBlock_EncodeDecode_RoundTrip(t *testing.T) {
	txs := []Tx{
		{Nonce: 1, NumOutputs: 1},
		{Nonce: 2, Inputs: []TxInput{{PrevTxHash: [32]byte{1}, PrevIndex: 0}}, NumOutputs: 1},
	}

	block := Block{
		Header: Header{PrevHash: [32]byte{0xAA}, MerkleRoot: MerkleRoot(txs)},
		Txs:    txs,
	}

	got, err := DecodeBlock(block.Encode())
	require.NoError(t, err)
	require.Equal(t, block, got)
}

func TestMerkleRoot_Deterministic_And_OrderSensitive(t *testing.T) {
	a := Tx{Nonce: 1, NumOutputs: 1}
	b := Tx{Nonce: 2, NumOutputs: 1}

	root1 := MerkleRoot([]Tx{a, b})
	root2 := MerkleRoot([]Tx{a, b})
	require.Equal(t, root1, root2)

	reversed := MerkleRoot([]Tx{b, a})
	require.NotEqual(t, root1, reversed)
}

func TestMerkleRoot_OddCount_DuplicatesLast(t *testing.T) {
	a := Tx{Nonce: 1, NumOutputs: 1}
	b := Tx{Nonce: 2, NumOutputs: 1}
	c := Tx{Nonce: 3, NumOutputs: 1}

	root := MerkleRoot([]Tx{a, b, c})
	dup := MerkleRoot([]Tx{a, b, c, c})
	require.Equal(t, dup, root)
}

func TestMerkleRoot_Empty(t *testing.T) {
	require.Equal(t, [32]byte{}, MerkleRoot(nil))
}
