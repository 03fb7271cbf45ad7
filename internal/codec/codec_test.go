package codec

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestNewDispatch(t *testing.T) {
	for _, name := range []string{"", "none", "identity", "lz4"} {
		if _, err := New(name); err != nil {
			t.Errorf("New(%q) failed: %v", name, err)
		}
	}
	if _, err := New("zstd"); err == nil {
		t.Error("expected error for unknown codec name")
	}
}

func TestIdentityRoundTrip(t *testing.T) {
	c := Identity{}
	data := []byte("raw capture bytes")

	enc, err := c.Encode(data)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if !bytes.Equal(enc, data) {
		t.Error("identity encode changed the bytes")
	}

	dec, err := c.Decode(enc)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !bytes.Equal(dec, data) {
		t.Error("identity round-trip mismatch")
	}

	// Output must be a copy, not an alias.
	enc[0] = 'X'
	if data[0] == 'X' {
		t.Error("encode aliased its input")
	}
}

func TestLZ4RoundTripCompressible(t *testing.T) {
	c := LZ4{}
	data := bytes.Repeat([]byte("spillway"), 4096)

	enc, err := c.Encode(data)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if len(enc) >= len(data) {
		t.Errorf("repetitive input did not shrink: %d -> %d", len(data), len(enc))
	}

	dec, err := c.Decode(enc)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !bytes.Equal(dec, data) {
		t.Error("lz4 round-trip mismatch")
	}
}

func TestLZ4RoundTripIncompressible(t *testing.T) {
	c := LZ4{}
	rng := rand.New(rand.NewSource(7))
	data := make([]byte, 64*1024)
	rng.Read(data)

	enc, err := c.Encode(data)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	dec, err := c.Decode(enc)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !bytes.Equal(dec, data) {
		t.Error("lz4 raw-path round-trip mismatch")
	}
}

func TestLZ4RoundTripEmpty(t *testing.T) {
	c := LZ4{}
	enc, err := c.Encode(nil)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	dec, err := c.Decode(enc)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(dec) != 0 {
		t.Errorf("empty round-trip returned %d bytes", len(dec))
	}
}

func TestLZ4DecodeTruncated(t *testing.T) {
	c := LZ4{}
	if _, err := c.Decode([]byte{0x01, 0x02}); err == nil {
		t.Error("expected error for truncated frame")
	}
}

func TestLZ4DecodeOversizedHeader(t *testing.T) {
	// A corrupt header declaring an absurd size must fail cleanly instead
	// of attempting the allocation.
	frame := []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0x00}
	c := LZ4{}
	if _, err := c.Decode(frame); err == nil {
		t.Error("expected error for oversized declared length")
	}
}
