// Package blockmodel is a minimal stand-in for a real network protocol's
// block and transaction wire format. Parsing full scripts, signature
// verification and proof-of-work are out of scope; this package exists
// only so internal/blockadd and cmd/spentstored have something concrete to
// parse, hash, and merkle-verify when driving the spent-tree core
// end-to-end.
package blockmodel

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// doubleSHA256 hashes b with SHA-256 applied twice.
func doubleSHA256(b []byte) [32]byte {
	first := sha256.Sum256(b)
	second := sha256.Sum256(first[:])

	return second
}

// TxInput identifies the previous output one transaction input spends.
type TxInput struct {
	PrevTxHash [32]byte
	PrevIndex  uint16
}

// Tx is a minimal transaction: a nonce for uniqueness (standing in for the
// script/amount fields this repo does not model), the outputs it spends,
// and how many outputs it creates.
type Tx struct {
	Nonce      uint64
	Inputs     []TxInput
	NumOutputs uint16
}

// Encode serializes t to its raw wire form.
func (t Tx) Encode() []byte {
	buf := make([]byte, 8+4+len(t.Inputs)*34+2)

	off := 0
	binary.LittleEndian.PutUint64(buf[off:], t.Nonce)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(t.Inputs)))
	off += 4

	for _, in := range t.Inputs {
		copy(buf[off:], in.PrevTxHash[:])
		off += 32
		binary.LittleEndian.PutUint16(buf[off:], in.PrevIndex)
		off += 2
	}

	binary.LittleEndian.PutUint16(buf[off:], t.NumOutputs)

	return buf
}

// DecodeTx parses a transaction previously produced by [Tx.Encode].
func DecodeTx(b []byte) (Tx, error) {
	if len(b) < 14 {
		return Tx{}, fmt.Errorf("blockmodel: transaction too short (%d bytes)", len(b))
	}

	var t Tx

	off := 0
	t.Nonce = binary.LittleEndian.Uint64(b[off:])
	off += 8

	n := binary.LittleEndian.Uint32(b[off:])
	off += 4

	want := off + int(n)*34 + 2
	if len(b) < want {
		return Tx{}, fmt.Errorf("blockmodel: transaction truncated: have %d bytes, want %d", len(b), want)
	}

	t.Inputs = make([]TxInput, n)

	for i := range t.Inputs {
		copy(t.Inputs[i].PrevTxHash[:], b[off:off+32])
		off += 32
		t.Inputs[i].PrevIndex = binary.LittleEndian.Uint16(b[off:])
		off += 2
	}

	t.NumOutputs = binary.LittleEndian.Uint16(b[off:])

	return t, nil
}

// Hash returns the double-SHA256 of t's encoded bytes.
func (t Tx) Hash() [32]byte {
	return doubleSHA256(t.Encode())
}

// Header is a block header: the parent's hash and the merkle root
// committing to the block's transactions.
type Header struct {
	PrevHash   [32]byte
	MerkleRoot [32]byte
	Nonce      uint64
}

const headerSize = 32 + 32 + 8

// Encode serializes h to its raw wire form.
func (h Header) Encode() []byte {
	buf := make([]byte, headerSize)
	copy(buf[0:32], h.PrevHash[:])
	copy(buf[32:64], h.MerkleRoot[:])
	binary.LittleEndian.PutUint64(buf[64:72], h.Nonce)

	return buf
}

// DecodeHeader parses a header previously produced by [Header.Encode].
func DecodeHeader(b []byte) (Header, error) {
	if len(b) != headerSize {
		return Header{}, fmt.Errorf("blockmodel: header must be %d bytes, got %d", headerSize, len(b))
	}

	var h Header
	copy(h.PrevHash[:], b[0:32])
	copy(h.MerkleRoot[:], b[32:64])
	h.Nonce = binary.LittleEndian.Uint64(b[64:72])

	return h, nil
}

// Hash returns the double-SHA256 of h's encoded bytes: the block hash.
func (h Header) Hash() [32]byte {
	return doubleSHA256(h.Encode())
}

// Block is a header plus its transactions, in order (coinbase first).
type Block struct {
	Header Header
	Txs    []Tx
}

// Encode serializes b to its raw wire form: the header, a 4-byte
// little-endian transaction count, then each transaction length-prefixed.
func (b Block) Encode() []byte {
	buf := make([]byte, 0, headerSize+4+len(b.Txs)*64)
	buf = append(buf, b.Header.Encode()...)

	var countBuf [4]byte
	binary.LittleEndian.PutUint32(countBuf[:], uint32(len(b.Txs)))
	buf = append(buf, countBuf[:]...)

	for _, tx := range b.Txs {
		raw := tx.Encode()

		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(raw)))
		buf = append(buf, lenBuf[:]...)
		buf = append(buf, raw...)
	}

	return buf
}

// DecodeBlock parses a block previously produced by [Block.Encode].
func DecodeBlock(raw []byte) (Block, error) {
	if len(raw) < headerSize+4 {
		return Block{}, fmt.Errorf("blockmodel: block too short (%d bytes)", len(raw))
	}

	header, err := DecodeHeader(raw[:headerSize])
	if err != nil {
		return Block{}, err
	}

	off := headerSize
	count := binary.LittleEndian.Uint32(raw[off:])
	off += 4

	txs := make([]Tx, count)

	for i := range txs {
		if off+4 > len(raw) {
			return Block{}, fmt.Errorf("blockmodel: truncated transaction length at tx %d", i)
		}

		n := binary.LittleEndian.Uint32(raw[off:])
		off += 4

		if off+int(n) > len(raw) {
			return Block{}, fmt.Errorf("blockmodel: truncated transaction body at tx %d", i)
		}

		tx, err := DecodeTx(raw[off : off+int(n)])
		if err != nil {
			return Block{}, fmt.Errorf("blockmodel: decode tx %d: %w", i, err)
		}

		txs[i] = tx
		off += int(n)
	}

	return Block{Header: header, Txs: txs}, nil
}

// MerkleRoot computes the merkle root over b's transaction hashes, in the
// usual bitcoin-style pairwise double-SHA256 tree (duplicating the last
// node of an odd-sized level).
func MerkleRoot(txs []Tx) [32]byte {
	if len(txs) == 0 {
		return [32]byte{}
	}

	level := make([][32]byte, len(txs))
	for i, tx := range txs {
		level[i] = tx.Hash()
	}

	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}

		next := make([][32]byte, len(level)/2)

		for i := range next {
			var pair [64]byte
			copy(pair[0:32], level[2*i][:])
			copy(pair[32:64], level[2*i+1][:])
			next[i] = doubleSHA256(pair[:])
		}

		level = next
	}

	return level[0]
}
