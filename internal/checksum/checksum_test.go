package checksum

import (
	"testing"
)

func TestSum64Deterministic(t *testing.T) {
	a := Sum64([]byte("segment catalogue"))
	b := Sum64([]byte("segment catalogue"))
	if a != b {
		t.Fatalf("Sum64 not deterministic: %x != %x", a, b)
	}
	if a == Sum64([]byte("segment catalogue!")) {
		t.Error("Sum64 collision on single-byte extension")
	}
}

func TestFold16(t *testing.T) {
	if got := Fold16(0x0001000200040008); got != 0x000F {
		t.Errorf("Fold16 = %#x, want 0xF", got)
	}
	if got := Fold16(0); got != 0 {
		t.Errorf("Fold16(0) = %#x, want 0", got)
	}
}

func TestSum16Excluding(t *testing.T) {
	region := []byte{1, 2, 3, 4, 0xAA, 0xBB, 7, 8}
	zeroed := []byte{1, 2, 3, 4, 0, 0, 7, 8}

	if got, want := Sum16Excluding(region, 4), Sum16(zeroed); got != want {
		t.Errorf("Sum16Excluding = %#x, want %#x", got, want)
	}
	if region[4] != 0xAA || region[5] != 0xBB {
		t.Error("Sum16Excluding modified its input")
	}
}
