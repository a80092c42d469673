package dal

import (
	"context"
	"crypto/md5"  //nolint:gosec // MD5 used for checksum verification, not security
	"crypto/sha1" //nolint:gosec // SHA1 used for checksum verification, not security
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"hash"
	"hash/crc32"
	"io"

	"github.com/cespare/xxhash/v2"
)

// ChecksumAlgorithm names a supported digest
type ChecksumAlgorithm string

const (
	ChecksumMD5    ChecksumAlgorithm = "md5"
	ChecksumSHA1   ChecksumAlgorithm = "sha1"
	ChecksumSHA256 ChecksumAlgorithm = "sha256"
	ChecksumSHA512 ChecksumAlgorithm = "sha512"
	// ChecksumCRC32 is CRC32 IEEE, for integrity only
	ChecksumCRC32 ChecksumAlgorithm = "crc32"
	// ChecksumXXHash is 64-bit xxHash, the fastest option
	ChecksumXXHash ChecksumAlgorithm = "xxhash"
)

// NewHasher creates a new hash.Hash for the given algorithm.
func NewHasher(algorithm ChecksumAlgorithm) (hash.Hash, error) {
	switch algorithm {
	case ChecksumMD5:
		return md5.New(), nil //nolint:gosec
	case ChecksumSHA1:
		return sha1.New(), nil //nolint:gosec
	case ChecksumSHA256:
		return sha256.New(), nil
	case ChecksumSHA512:
		return sha512.New(), nil
	case ChecksumCRC32:
		return crc32.NewIEEE(), nil
	case ChecksumXXHash:
		return xxhash.New(), nil
	default:
		return nil, Errorf(KindUnsupported, "checksum", "", "unsupported checksum algorithm %q", algorithm)
	}
}

// CalculateChecksums reads r once and returns a hex digest per algorithm.
func CalculateChecksums(r io.Reader, algorithms ...ChecksumAlgorithm) (map[ChecksumAlgorithm]string, error) {
	if len(algorithms) == 0 {
		return nil, Errorf(KindInvalidInput, "checksum", "", "no algorithms specified")
	}
	hashers := make(map[ChecksumAlgorithm]hash.Hash, len(algorithms))
	writers := make([]io.Writer, 0, len(algorithms))
	for _, algo := range algorithms {
		h, err := NewHasher(algo)
		if err != nil {
			return nil, err
		}
		hashers[algo] = h
		writers = append(writers, h)
	}
	if _, err := io.Copy(io.MultiWriter(writers...), r); err != nil {
		return nil, WrapError("checksum", "", err)
	}
	out := make(map[ChecksumAlgorithm]string, len(hashers))
	for algo, h := range hashers {
		out[algo] = hex.EncodeToString(h.Sum(nil))
	}
	return out, nil
}

// Checksum streams path through the digest for algorithm.
func (o *Operator) Checksum(ctx context.Context, path string, algorithm ChecksumAlgorithm) (string, error) {
	sums, err := o.Checksums(ctx, path, algorithm)
	if err != nil {
		return "", err
	}
	return sums[algorithm], nil
}

// Checksums computes several digests of path in one read pass.
func (o *Operator) Checksums(ctx context.Context, path string, algorithms ...ChecksumAlgorithm) (map[ChecksumAlgorithm]string, error) {
	rc, _, err := o.Reader(ctx, path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	sums, err := CalculateChecksums(rc, algorithms...)
	if err != nil {
		return nil, pathed(err, path)
	}
	return sums, nil
}

// VerifyChecksum reports whether the digest of path equals expected.
func (o *Operator) VerifyChecksum(ctx context.Context, path, expected string, algorithm ChecksumAlgorithm) (bool, error) {
	actual, err := o.Checksum(ctx, path, algorithm)
	if err != nil {
		return false, err
	}
	return actual == expected, nil
}
