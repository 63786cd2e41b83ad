package codec

import (
	"bytes"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

func TestCompressRoundTrip(testContext *testing.T) {
	inputs := [][]byte{
		{},
		[]byte("a"),
		bytes.Repeat([]byte("collaborative "), 512),
		{0x00, 0x1f, 0x8b, 0xff},
	}
	for _, input := range inputs {
		compressed, err := Compress(input)
		if err != nil {
			testContext.Fatalf("compress failed: %v", err)
		}
		decoded, err := Decompress(compressed)
		if err != nil {
			testContext.Fatalf("decompress failed: %v", err)
		}
		if !bytes.Equal(decoded, input) {
			testContext.Fatalf("round trip mismatch for %d bytes", len(input))
		}
	}
}

func TestDecompressRejectsGarbage(testContext *testing.T) {
	if _, err := Decompress([]byte("not gzip")); !errors.Is(err, ErrCorruptBlob) {
		testContext.Fatalf("expected corrupt blob error, got %v", err)
	}
}

func TestEncodeWireCompressesAboveThreshold(testContext *testing.T) {
	small := []byte("tiny")
	payload, err := EncodeWire(small, 16)
	if err != nil {
		testContext.Fatalf("encode failed: %v", err)
	}
	if payload.Gzip {
		testContext.Fatalf("expected small payload to stay uncompressed")
	}

	large := bytes.Repeat([]byte{0x42}, 64)
	payload, err = EncodeWire(large, 16)
	if err != nil {
		testContext.Fatalf("encode failed: %v", err)
	}
	if !payload.Gzip {
		testContext.Fatalf("expected large payload to be gzipped")
	}
	decoded, err := DecodeWire(payload.Base64, 0)
	if err != nil {
		testContext.Fatalf("decode failed: %v", err)
	}
	if !bytes.Equal(decoded, large) {
		testContext.Fatalf("decoded payload mismatch")
	}
}

func TestDecodeWireEnforcesCeiling(testContext *testing.T) {
	plain := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{1}, 33))
	if _, err := DecodeWire(plain, 32); !errors.Is(err, ErrPayloadTooLarge) {
		testContext.Fatalf("expected too large error, got %v", err)
	}

	compressed, err := Compress(bytes.Repeat([]byte{1}, 4096))
	if err != nil {
		testContext.Fatalf("compress failed: %v", err)
	}
	encoded := base64.StdEncoding.EncodeToString(compressed)
	if len(compressed) >= 4096 {
		testContext.Fatalf("expected compression to shrink payload")
	}
	if _, err := DecodeWire(encoded, 1024); !errors.Is(err, ErrPayloadTooLarge) {
		testContext.Fatalf("expected decompressed ceiling to apply, got %v", err)
	}
}

func TestDecodeWireRejectsMalformedInput(testContext *testing.T) {
	if _, err := DecodeWire("   ", 0); !errors.Is(err, ErrEmptyPayload) {
		testContext.Fatalf("expected empty payload error, got %v", err)
	}
	if _, err := DecodeWire("%%%", 0); !errors.Is(err, ErrInvalidEncoding) {
		testContext.Fatalf("expected invalid encoding error, got %v", err)
	}
}

func TestChecksumIsStable(testContext *testing.T) {
	first := Checksum([]byte("state"))
	second := Checksum([]byte("state"))
	if first != second || len(first) != 64 {
		testContext.Fatalf("unexpected checksum %q / %q", first, second)
	}
	if strings.EqualFold(first, Checksum([]byte("other"))) {
		testContext.Fatalf("expected distinct checksums")
	}
}
