// Package record defines the fixed-size spent-tree record, its tagged
// content pointer, and the record-pointer arithmetic the scan algorithm in
// pkg/spenttree runs over.
package record

import (
	"encoding/binary"
	"fmt"

	"github.com/joeldejesus1/bitcrust/pkg/flatfile"
)

// Kind tags what a [ContentPtr] refers to.
type Kind uint8

const (
	// GuardHeader marks the start-of-block sentinel record. Its Address
	// points at the same block-content bytes as the block's Header record.
	GuardHeader Kind = iota
	// Header marks the end-of-block sentinel record.
	Header
	// Transaction marks a record for one transaction in the block.
	Transaction
	// Output marks a record for one transaction input, addressing the
	// output it spends via Address (the spent transaction's content
	// pointer) plus OutputIndex.
	Output
)

func (k Kind) String() string {
	switch k {
	case GuardHeader:
		return "guard-header"
	case Header:
		return "header"
	case Transaction:
		return "transaction"
	case Output:
		return "output"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// maxOutputIndex is the largest output index representable in the 14 bits
// ContentPtr reserves for it alongside the 2-bit kind tag.
const maxOutputIndex = 1<<14 - 1

// ContentPtr is the tagged pointer carried by every [Record].
//
// For GuardHeader, Header and Transaction records, Address is a pointer
// into the block-content store (raw header/transaction bytes). For Output
// records, Address is instead the Transaction-kind ContentPtr's Address of
// the transaction being spent, i.e. two ContentPtr values compare equal
// exactly when seek_and_set's backward scan should treat them as
// referring to the same transaction or the same previously-spent output.
type ContentPtr struct {
	Kind        Kind
	Address     flatfile.FilePtr
	OutputIndex uint16
}

// NewGuardHeader returns a GuardHeader-kind pointer to addr.
func NewGuardHeader(addr flatfile.FilePtr) ContentPtr {
	return ContentPtr{Kind: GuardHeader, Address: addr}
}

// NewHeader returns a Header-kind pointer to addr.
func NewHeader(addr flatfile.FilePtr) ContentPtr {
	return ContentPtr{Kind: Header, Address: addr}
}

// NewTransaction returns a Transaction-kind pointer to addr.
func NewTransaction(addr flatfile.FilePtr) ContentPtr {
	return ContentPtr{Kind: Transaction, Address: addr}
}

// NewOutput returns an Output-kind pointer identifying output index idx of
// the transaction whose content pointer is txAddr. txAddr must be the
// Address of that transaction's own Transaction-kind ContentPtr.
func NewOutput(txAddr flatfile.FilePtr, idx uint16) (ContentPtr, error) {
	if idx > maxOutputIndex {
		return ContentPtr{}, fmt.Errorf("record: output index %d exceeds maximum %d", idx, maxOutputIndex)
	}

	return ContentPtr{Kind: Output, Address: txAddr, OutputIndex: idx}, nil
}

// IsNull reports whether p has never been set to a real address. Orphan
// blocks leave the output ContentPtr of unresolved inputs null until
// [pkg/spenttree.SpentTree.ResolveOrphanPointers] fills it in.
func (p ContentPtr) IsNull() bool {
	return p.Address.IsNull()
}

// References reports whether p identifies the same transaction as a
// Transaction-kind pointer addr (ignoring any output index): this is the
// "found T" comparison seek_and_set performs while walking backward.
func (p ContentPtr) References(addr flatfile.FilePtr) bool {
	return p.Kind == Transaction && p.Address == addr
}

// SpendsOutput reports whether p is the specific (transaction, index) pair
// identified by addr and idx: the "found (T, k)" comparison seek_and_set
// performs to detect a double spend.
func (p ContentPtr) SpendsOutput(addr flatfile.FilePtr, idx uint16) bool {
	return p.Kind == Output && p.Address == addr && p.OutputIndex == idx
}

const contentPtrSize = 8

func encodeContentPtr(p ContentPtr, b []byte) {
	binary.LittleEndian.PutUint16(b[0:2], uint16(p.Address.FileNo))
	binary.LittleEndian.PutUint32(b[2:6], p.Address.Pos)

	flags := uint16(p.Kind&0x3) << 14
	flags |= p.OutputIndex & maxOutputIndex
	binary.LittleEndian.PutUint16(b[6:8], flags)
}

func decodeContentPtr(b []byte) ContentPtr {
	fileno := int16(binary.LittleEndian.Uint16(b[0:2]))
	pos := binary.LittleEndian.Uint32(b[2:6])
	flags := binary.LittleEndian.Uint16(b[6:8])

	return ContentPtr{
		Kind:        Kind(flags >> 14),
		Address:     flatfile.FilePtr{FileNo: fileno, Pos: pos},
		OutputIndex: flags & maxOutputIndex,
	}
}
