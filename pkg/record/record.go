package record

import (
	"encoding/binary"
	"math/bits"

	"github.com/joeldejesus1/bitcrust/pkg/flatfile"
)

// SkipWidth is the number of skip-pointer buckets carried by each [Record].
// Bucket b holds a hint for a predecessor roughly 2^b records back, giving
// an unrolled skip list with O(log n) expected jumps per backward scan.
const SkipWidth = 5

// RecordPtr addresses one record slot in a spent-tree's record arena. It is
// the same FilePtr used throughout pkg/flatfile: records from one block are
// always written in a single contiguous append (see
// pkg/spenttree.SpentTree.StoreBlock), so a FilePtr into the arena doubles
// as a stable, file-rollover-safe record index without needing a second
// addressing scheme.
type RecordPtr = flatfile.FilePtr

// Unconnected is the sentinel "no predecessor" value: the previous field of
// an orphan block's start-guard, and the initial value of every skip slot
// before it is first populated. Test with [flatfile.FilePtr.IsNull].
var Unconnected = flatfile.Null

const filePtrSize = 6 // 2-byte file number + 4-byte position

func encodeRecordPtr(p RecordPtr, b []byte) {
	binary.LittleEndian.PutUint16(b[0:2], uint16(p.FileNo))
	binary.LittleEndian.PutUint32(b[2:6], p.Pos)
}

func decodeRecordPtr(b []byte) RecordPtr {
	return RecordPtr{
		FileNo: int16(binary.LittleEndian.Uint16(b[0:2])),
		Pos:    binary.LittleEndian.Uint32(b[2:6]),
	}
}

// Size is the fixed on-disk size of an encoded Record: an 8-byte
// ContentPtr, a 6-byte Previous pointer, and SkipWidth 6-byte skip
// pointers.
const Size = contentPtrSize + filePtrSize + SkipWidth*filePtrSize

// PtrFieldSize is the encoded width, in bytes, of a single RecordPtr field
// (Previous or one Skips slot), for callers that patch a field in place
// rather than rewriting the whole record.
const PtrFieldSize = filePtrSize

// PreviousOffset is the byte offset of the Previous field within an
// encoded Record.
const PreviousOffset = contentPtrSize

// SkipOffset is the byte offset of skip slot bucket within an encoded
// Record. bucket must be in [0, SkipWidth).
func SkipOffset(bucket int) int {
	return contentPtrSize + filePtrSize + bucket*filePtrSize
}

// EncodeRecordPtr writes p into a PtrFieldSize-byte buffer, the same
// encoding [Encode] uses for the Previous and Skips fields. Used to patch a
// single field of an already-written record without rewriting the rest.
func EncodeRecordPtr(p RecordPtr, b []byte) {
	encodeRecordPtr(p, b)
}

// DecodeRecordPtr reads a RecordPtr out of a PtrFieldSize-byte buffer, the
// inverse of [EncodeRecordPtr].
func DecodeRecordPtr(b []byte) RecordPtr {
	return decodeRecordPtr(b)
}

// Record is the fixed-size unit appended to a spent-tree's record arena.
//
// Skips are hints only: a scan that follows a stale skip backs off to the
// plain previous-chain walk and is still correct, just slower. Writers may
// update a record's skip slots any number of times after it is first
// written. The Previous field of every record after the start-guard is
// linked to its predecessor when the block is stored; the start-guard's
// Previous is written by each ConnectBlock call on that block.
type Record struct {
	Content  ContentPtr
	Previous RecordPtr
	Skips    [SkipWidth]RecordPtr
}

// New constructs a record of the kind implied by content's tag, with all
// skip slots set to [Unconnected] ("unset") and Previous left unconnected
// until the caller links it.
func New(content ContentPtr) Record {
	r := Record{Content: content, Previous: Unconnected}

	for i := range r.Skips {
		r.Skips[i] = Unconnected
	}

	return r
}

// Encode writes r into a Size-byte buffer.
func Encode(r Record) []byte {
	b := make([]byte, Size)
	EncodeInto(r, b)

	return b
}

// EncodeInto writes r into b, which must be at least Size bytes long.
func EncodeInto(r Record, b []byte) {
	encodeContentPtr(r.Content, b[0:contentPtrSize])

	off := contentPtrSize
	encodeRecordPtr(r.Previous, b[off:])
	off += filePtrSize

	for _, s := range r.Skips {
		encodeRecordPtr(s, b[off:])
		off += filePtrSize
	}
}

// Decode reads a Record out of a Size-byte buffer.
func Decode(b []byte) Record {
	content := decodeContentPtr(b[0:contentPtrSize])

	off := contentPtrSize
	previous := decodeRecordPtr(b[off:])
	off += filePtrSize

	var skips [SkipWidth]RecordPtr
	for i := range skips {
		skips[i] = decodeRecordPtr(b[off:])
		off += filePtrSize
	}

	return Record{Content: content, Previous: previous, Skips: skips}
}

// NextInBlock returns the pointer one record slot after p, valid only while
// p and its successor are known to lie in the same contiguous block append
// (see [flatfile.FilePtr.Offset]'s same-file caveat).
func NextInBlock(p RecordPtr) RecordPtr {
	return p.Offset(int32(Size))
}

// PrevInBlock returns the pointer one record slot before p, under the same
// same-file caveat as [NextInBlock].
func PrevInBlock(p RecordPtr) RecordPtr {
	return p.Offset(-int32(Size))
}

// Distance estimates, in record-slot units, how far back from is relative
// to to, for skip-bucket selection. Pointers in different files (a file
// rollover occurred between them) are reported as 1<<32 slots apart, which
// [SkipBucket] maps to its highest bucket.
func Distance(from, to RecordPtr) int64 {
	if from.FileNo != to.FileNo {
		return 1 << 32
	}

	return (int64(from.Pos) - int64(to.Pos)) / Size
}

// SkipBucket returns the skip-slot index a backward jump of dist records
// should be recorded in or read from. dist must be positive.
func SkipBucket(dist int64) int {
	if dist <= 0 {
		return 0
	}

	b := bits.Len64(uint64(dist)) - 1
	if b >= SkipWidth {
		b = SkipWidth - 1
	}

	return b
}
