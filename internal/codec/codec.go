package codec

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
)

var (
	// ErrEmptyPayload indicates that a wire payload carried no bytes.
	ErrEmptyPayload = errors.New("codec: empty payload")
	// ErrInvalidEncoding indicates that a wire payload was not valid base64.
	ErrInvalidEncoding = errors.New("codec: invalid base64")
	// ErrPayloadTooLarge indicates that a decoded payload exceeded the configured ceiling.
	ErrPayloadTooLarge = errors.New("codec: payload too large")
	// ErrCorruptBlob indicates that a stored blob could not be decompressed.
	ErrCorruptBlob = errors.New("codec: corrupt blob")
)

var gzipMagic = []byte{0x1f, 0x8b}

// Compress gzips a blob for storage.
func Compress(data []byte) ([]byte, error) {
	var buffer bytes.Buffer
	writer := gzip.NewWriter(&buffer)
	if _, err := writer.Write(data); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}

// Decompress reverses Compress.
func Decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptBlob, err)
	}
	defer reader.Close()
	decoded, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptBlob, err)
	}
	return decoded, nil
}

// Checksum returns the hex sha256 of a decompressed canonical state.
func Checksum(state []byte) string {
	sum := sha256.Sum256(state)
	return hex.EncodeToString(sum[:])
}

// IsGzip reports whether data starts with the gzip magic header.
func IsGzip(data []byte) bool {
	return len(data) >= len(gzipMagic) && bytes.Equal(data[:len(gzipMagic)], gzipMagic)
}

// WirePayload is a binary payload as it travels inside a JSON frame.
type WirePayload struct {
	Base64 string `json:"b64"`
	Gzip   bool   `json:"gz"`
}

// EncodeWire base64-encodes data, gzipping it first when it reaches threshold bytes.
// A non-positive threshold disables compression.
func EncodeWire(data []byte, threshold int) (WirePayload, error) {
	if threshold > 0 && len(data) >= threshold {
		compressed, err := Compress(data)
		if err != nil {
			return WirePayload{}, err
		}
		return WirePayload{Base64: base64.StdEncoding.EncodeToString(compressed), Gzip: true}, nil
	}
	return WirePayload{Base64: base64.StdEncoding.EncodeToString(data)}, nil
}

// DecodeWire decodes a base64 payload, transparently gunzipping it, and enforces maxBytes
// on the decoded size. A non-positive maxBytes disables the ceiling.
func DecodeWire(encoded string, maxBytes int) ([]byte, error) {
	trimmed := strings.TrimSpace(encoded)
	if trimmed == "" {
		return nil, ErrEmptyPayload
	}
	raw, err := base64.StdEncoding.DecodeString(trimmed)
	if err != nil {
		return nil, ErrInvalidEncoding
	}
	if !IsGzip(raw) {
		if maxBytes > 0 && len(raw) > maxBytes {
			return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(raw))
		}
		if len(raw) == 0 {
			return nil, ErrEmptyPayload
		}
		return raw, nil
	}
	reader, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}
	defer reader.Close()
	var source io.Reader = reader
	if maxBytes > 0 {
		source = io.LimitReader(reader, int64(maxBytes)+1)
	}
	decoded, err := io.ReadAll(source)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}
	if maxBytes > 0 && len(decoded) > maxBytes {
		return nil, fmt.Errorf("%w: exceeds %d bytes", ErrPayloadTooLarge, maxBytes)
	}
	if len(decoded) == 0 {
		return nil, ErrEmptyPayload
	}
	return decoded, nil
}

// DecodeVector decodes an optional base64 state vector; an empty string yields nil.
func DecodeVector(encoded string) ([]byte, error) {
	trimmed := strings.TrimSpace(encoded)
	if trimmed == "" {
		return nil, nil
	}
	raw, err := base64.StdEncoding.DecodeString(trimmed)
	if err != nil {
		return nil, ErrInvalidEncoding
	}
	return raw, nil
}
