// Package webp validates RIFF/WEBP containers and enforces the lossless-only
// texture policy. Validation is a manual chunk walk rather than a full
// decode: policy decisions only need the container structure and the codec
// chunk tag, and a hand-rolled walk gives exact error codes for each way a
// buffer can be wrong.
package webp

import (
	"bytes"
	"encoding/binary"

	"github.com/homewalk/tourforge/internal/errs"
)

// Compression types reported by Validate.
const (
	CompressionLossless = "lossless"
	CompressionLossy    = "lossy"
	CompressionUnknown  = "unknown"
)

// EnforceLossless error codes.
const (
	CodeNotWebP     = "not_webp"
	CodeLossyWebP   = "lossy_webp"
	CodeCorruptWebP = "corrupt_webp"
)

// Info is the result of validating a buffer.
type Info struct {
	IsValid         bool   `json:"is_valid"`
	IsWebP          bool   `json:"is_webp"`
	CompressionType string `json:"compression_type"`
	IsLossless      bool   `json:"is_lossless"`
	Width           int    `json:"width,omitempty"`
	Height          int    `json:"height,omitempty"`
	Err             string `json:"error,omitempty"`
}

func invalid(isWebP bool, msg string) Info {
	return Info{IsWebP: isWebP, CompressionType: CompressionUnknown, Err: msg}
}

// Validate walks buf as a RIFF/WEBP container and classifies its codec
// chunk. It never decodes pixel data.
func Validate(buf []byte) Info {
	if len(buf) < 12 || !bytes.Equal(buf[0:4], []byte("RIFF")) || !bytes.Equal(buf[8:12], []byte("WEBP")) {
		return invalid(false, "not a RIFF/WEBP container")
	}
	declared := binary.LittleEndian.Uint32(buf[4:8])
	if int(declared) > len(buf)-8 {
		return invalid(true, "declared RIFF size exceeds buffer")
	}

	info := Info{IsWebP: true, CompressionType: CompressionUnknown}
	off := 12
	for off < len(buf) {
		if off+8 > len(buf) {
			return invalid(true, "truncated chunk header")
		}
		tag := string(buf[off : off+4])
		size := int(binary.LittleEndian.Uint32(buf[off+4 : off+8]))
		data := off + 8
		if data+size > len(buf) {
			return invalid(true, "chunk size exceeds buffer")
		}
		chunk := buf[data : data+size]

		switch tag {
		case "VP8L":
			return classifyLossless(info, chunk)
		case "VP8 ":
			return classifyLossy(info, chunk)
		case "VP8X":
			// Extended header: take canvas dimensions, keep scanning for
			// the codec chunk.
			if size < 10 {
				return invalid(true, "short VP8X chunk")
			}
			info.Width = int(uint32(chunk[4])|uint32(chunk[5])<<8|uint32(chunk[6])<<16) + 1
			info.Height = int(uint32(chunk[7])|uint32(chunk[8])<<8|uint32(chunk[9])<<16) + 1
		}

		off = data + size
		if size%2 == 1 {
			off++ // chunks are 2-byte aligned
		}
	}
	return invalid(true, "no image chunk found")
}

func classifyLossless(info Info, chunk []byte) Info {
	info.CompressionType = CompressionLossless
	info.IsLossless = true
	if len(chunk) < 5 || chunk[0] != 0x2F {
		info.Err = "malformed VP8L signature"
		return info
	}
	// 14-bit fields packed after the signature byte.
	v := binary.LittleEndian.Uint32(chunk[1:5])
	info.Width = int(v&0x3FFF) + 1
	info.Height = int((v>>14)&0x3FFF) + 1
	info.IsValid = true
	return info
}

func classifyLossy(info Info, chunk []byte) Info {
	info.CompressionType = CompressionLossy
	info.IsLossless = false
	if len(chunk) < 10 || chunk[3] != 0x9D || chunk[4] != 0x01 || chunk[5] != 0x2A {
		info.Err = "malformed VP8 keyframe header"
		return info
	}
	info.Width = int(binary.LittleEndian.Uint16(chunk[6:8]) & 0x3FFF)
	info.Height = int(binary.LittleEndian.Uint16(chunk[8:10]) & 0x3FFF)
	info.IsValid = true
	return info
}

// EnforceLossless returns nil only for a well-formed lossless WebP buffer.
// Each rejection carries a stable code so callers can branch without string
// matching.
func EnforceLossless(buf []byte) error {
	info := Validate(buf)
	switch {
	case !info.IsWebP:
		return &errs.Error{Kind: errs.KindValidation, Code: CodeNotWebP, Message: "buffer is not a WEBP image"}
	case info.CompressionType == CompressionLossy:
		return &errs.Error{Kind: errs.KindValidation, Code: CodeLossyWebP, Message: "lossy WEBP rejected: textures must be lossless"}
	case !info.IsValid:
		return &errs.Error{Kind: errs.KindValidation, Code: CodeCorruptWebP, Message: "corrupt WEBP container: " + info.Err}
	default:
		return nil
	}
}
