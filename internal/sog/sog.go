// Package sog reads and writes the 16-byte SOG container header that fronts
// converted Gaussian-splat tours.
//
// Layout, all little-endian:
//
//	offset 0  magic   "SOG\0" (53 4F 47 00)
//	offset 4  u32     format version, currently 1
//	offset 8  u32     gaussian count
//	offset 12 [4]byte reserved, zero
package sog

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/homewalk/tourforge/internal/errs"
)

const (
	// HeaderSize is the fixed byte length of the header.
	HeaderSize = 16
	// Version is the only format version this code reads or writes.
	Version = 1
)

var magic = [4]byte{'S', 'O', 'G', 0}

// Header is the decoded SOG file header.
type Header struct {
	Version       uint32 `json:"version"`
	GaussianCount uint32 `json:"gaussian_count"`
}

// WriteHeader writes the header for count gaussians to w.
func WriteHeader(w io.Writer, count uint32) error {
	var buf [HeaderSize]byte
	copy(buf[0:4], magic[:])
	binary.LittleEndian.PutUint32(buf[4:8], Version)
	binary.LittleEndian.PutUint32(buf[8:12], count)
	if _, err := w.Write(buf[:]); err != nil {
		return errs.IO("write sog header", err)
	}
	return nil
}

// ReadHeader decodes a header from r.
func ReadHeader(r io.Reader) (Header, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Header{}, errs.Validation(fmt.Sprintf("short sog header: %v", err))
	}
	if buf[0] != magic[0] || buf[1] != magic[1] || buf[2] != magic[2] || buf[3] != magic[3] {
		return Header{}, errs.Validation("bad sog magic")
	}
	h := Header{
		Version:       binary.LittleEndian.Uint32(buf[4:8]),
		GaussianCount: binary.LittleEndian.Uint32(buf[8:12]),
	}
	if h.Version != Version {
		return Header{}, errs.Validation(fmt.Sprintf("unsupported sog version %d", h.Version))
	}
	return h, nil
}

// Sniff opens path and decodes its header.
func Sniff(path string) (Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, errs.IO("open sog file", err)
	}
	defer f.Close()
	return ReadHeader(f)
}
