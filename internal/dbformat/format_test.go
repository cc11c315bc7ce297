package dbformat

import (
	"errors"
	"io"
	"testing"
)

func TestAddressRoundTrip(t *testing.T) {
	tests := []struct {
		ordinal uint16
		off     int64
	}{
		{1, 16},
		{7, 123456},
		{MaxOrdinal, MaxOffset},
	}
	for _, tt := range tests {
		a := MakeAddress(tt.ordinal, tt.off)
		if a.Ordinal() != tt.ordinal || a.Offset() != tt.off {
			t.Errorf("MakeAddress(%d, %d) decodes to (%d, %d)", tt.ordinal, tt.off, a.Ordinal(), a.Offset())
		}
	}
}

func TestAddressOrderingAcrossSegments(t *testing.T) {
	// A small offset in a later segment sorts after a large offset in an
	// earlier one.
	early := MakeAddress(1, MaxOffset)
	late := MakeAddress(2, 16)
	if !(early < late) {
		t.Errorf("%v should sort before %v", early, late)
	}
	if !MakeAddress(0, 0).IsNil() {
		t.Error("0:0 should be the nil address")
	}
	if got := MakeAddress(3, 40).String(); got != "3:40" {
		t.Errorf("String() = %q", got)
	}
}

func TestFlags(t *testing.T) {
	leafRoot := FlagIndexNode | FlagLeaf | FlagRoot
	if !leafRoot.Valid() {
		t.Error("index leaf root should be valid")
	}
	if (FlagLeaf).Valid() {
		t.Error("leaf without index node should be invalid")
	}
	if Flags(0x80).Valid() {
		t.Error("unknown bit should be invalid")
	}
	if got := (leafRoot | FlagGarbage).String(); got != "node|leaf|root|garbage" {
		t.Errorf("String() = %q", got)
	}
	if got := Flags(0).String(); got != "data" {
		t.Errorf("String() = %q", got)
	}
}

func TestCatalogueSize(t *testing.T) {
	if got := CatalogueSize(1); got != SegmentHeaderSize {
		t.Errorf("CatalogueSize(1) = %d", got)
	}
	if got := CatalogueSize(3); got != SegmentHeaderSize+16 {
		t.Errorf("CatalogueSize(3) = %d", got)
	}
}

func TestStorageError(t *testing.T) {
	err := StorageError("read segment 3", io.ErrUnexpectedEOF)
	if !errors.Is(err, ErrStorage) || !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("StorageError should wrap both ErrStorage and the cause: %v", err)
	}
	if StorageError("noop", nil) != nil {
		t.Error("StorageError(nil) should be nil")
	}
}
