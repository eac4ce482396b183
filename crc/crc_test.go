package crc_test

import (
	"testing"

	"github.com/lustre-project/ldiskfs/crc"
)

func TestCRC16Deterministic(t *testing.T) {
	a := crc.CRC16(^uint16(0), []byte("ldiskfs-group-descriptor"))
	b := crc.CRC16(^uint16(0), []byte("ldiskfs-group-descriptor"))
	if a != b {
		t.Fatalf("crc16 not deterministic: %x != %x", a, b)
	}
}

func TestCRC16SeedMatters(t *testing.T) {
	b := []byte{1, 2, 3, 4}
	a := crc.CRC16(^uint16(0), b)
	z := crc.CRC16(0, b)
	if a == z {
		t.Fatalf("expected different seeds to produce different checksums")
	}
}

func TestCRC32cKnownVector(t *testing.T) {
	// "123456789" is the standard CRC-32C (Castagnoli) test vector.
	got := crc.CRC32c(0, []byte("123456789"))
	const want = 0xE3069283
	if got != want {
		t.Fatalf("CRC32c(\"123456789\") = %x, want %x", got, want)
	}
}
