package record

import (
	"testing"

	"github.com/joeldejesus1/bitcrust/pkg/flatfile"
)

func TestRecord_EncodeDecode_RoundTrip(t *testing.T) {
	out, err := NewOutput(flatfile.FilePtr{FileNo: 7, Pos: 12345}, 3)
	if err != nil {
		t.Fatalf("NewOutput: %v", err)
	}

	r := New(out)
	r.Previous = flatfile.FilePtr{FileNo: 0, Pos: 16}
	r.Skips[0] = flatfile.FilePtr{FileNo: 0, Pos: Size + 16}
	r.Skips[1] = flatfile.FilePtr{FileNo: 0, Pos: 2*Size + 16}

	b := Encode(r)
	if len(b) != Size {
		t.Fatalf("Encode length = %d, want %d", len(b), Size)
	}

	got := Decode(b)

	if got.Content != r.Content {
		t.Fatalf("Content = %+v, want %+v", got.Content, r.Content)
	}

	if got.Previous != r.Previous {
		t.Fatalf("Previous = %+v, want %+v", got.Previous, r.Previous)
	}

	if got.Skips != r.Skips {
		t.Fatalf("Skips = %v, want %v", got.Skips, r.Skips)
	}
}

func TestRecord_New_SkipsUnset(t *testing.T) {
	r := New(NewGuardHeader(flatfile.FilePtr{FileNo: 0, Pos: 16}))

	if !r.Previous.IsNull() {
		t.Fatalf("new record's Previous is not Unconnected: %+v", r.Previous)
	}

	for i, s := range r.Skips {
		if !s.IsNull() {
			t.Fatalf("skip slot %d is not Unconnected: %+v", i, s)
		}
	}
}

func TestContentPtr_ReferencesAndSpendsOutput(t *testing.T) {
	txAddr := flatfile.FilePtr{FileNo: 2, Pos: 900}

	tx := NewTransaction(txAddr)
	if !tx.References(txAddr) {
		t.Fatalf("Transaction pointer does not reference its own address")
	}

	out, err := NewOutput(txAddr, 5)
	if err != nil {
		t.Fatalf("NewOutput: %v", err)
	}

	if !out.SpendsOutput(txAddr, 5) {
		t.Fatalf("Output pointer does not match its own (address, index)")
	}

	if out.SpendsOutput(txAddr, 6) {
		t.Fatalf("Output pointer matched the wrong index")
	}

	if out.References(txAddr) {
		t.Fatalf("Output-kind pointer must not satisfy References")
	}
}

func TestContentPtr_OutputIndexOverflow(t *testing.T) {
	if _, err := NewOutput(flatfile.FilePtr{}, maxOutputIndex+1); err == nil {
		t.Fatalf("expected error for out-of-range output index")
	}
}

func TestSkipBucket_Monotonic(t *testing.T) {
	prev := -1
	for _, dist := range []int64{1, 2, 3, 4, 7, 8, 15, 16, 1000} {
		b := SkipBucket(dist)

		if b < 0 || b >= SkipWidth {
			t.Fatalf("SkipBucket(%d) = %d out of range [0,%d)", dist, b, SkipWidth)
		}

		if b < prev {
			t.Fatalf("SkipBucket(%d) = %d, decreased from previous bucket %d", dist, b, prev)
		}

		prev = b
	}
}

func TestRecordPtr_Unconnected(t *testing.T) {
	if !Unconnected.IsNull() {
		t.Fatalf("Unconnected.IsNull() = false")
	}

	if (flatfile.FilePtr{FileNo: 0, Pos: 0}).IsNull() {
		t.Fatalf("zero-value FilePtr.IsNull() = true, want false")
	}
}
