// Package digest computes the SHA-256 digests used across provenance and
// integrity checks. All digests are lowercase hex of the full 32-byte sum.
package digest

import (
	"encoding/hex"
	"io"
	"os"
	"strings"

	sha256 "github.com/minio/sha256-simd"

	"github.com/homewalk/tourforge/internal/errs"
)

const chunkSize = 256 * 1024

// Bytes returns the hex SHA-256 of b.
func Bytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// File streams path through SHA-256 in 256 KiB chunks and returns the hex
// digest plus the byte count hashed. Failures come back as errs.IO.
func File(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, errs.IO("open for digest", err)
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, chunkSize)
	var size int64
	for {
		n, rerr := f.Read(buf)
		if n > 0 {
			size += int64(n)
			h.Write(buf[:n])
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return "", 0, errs.IO("read for digest", rerr)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), size, nil
}

// VerifyFile reports whether path hashes to expected. The compare is
// case-insensitive so digests from other tooling verify cleanly.
func VerifyFile(path, expected string) (bool, error) {
	got, _, err := File(path)
	if err != nil {
		return false, err
	}
	return strings.EqualFold(got, expected), nil
}
