package ioutils

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"
)

const (
	SHA256 = "SHA256"
	SHA1   = "SHA1"
	MD5    = "MD5"
)

// ChkSumCalc interface is used to calculate the checksum of a text or file
type ChkSumCalc interface {
	// Calculate calculates the checksum of the message
	Calculate(content string) (string, error)
	// Verify verifies the checksum of the message
	Verify(content, sum string) (bool, error)
	// CalculateFile calculates the checksum of a file
	CalculateFile(file string) (string, error)
	// VerifyFile verifies the checksum of a file
	VerifyFile(file, sum string) (bool, error)
	// CalculateFor calculates the checksum of the reader
	CalculateFor(reader io.Reader) (string, error)
	// VerifyFor verifies the checksum of the reader
	VerifyFor(reader io.Reader, sum string) (bool, error)
	// Type returns the type of the checksum
	Type() string
}

// hashChecksum is a ChkSumCalc backed by any stdlib hash.Hash constructor,
// so SHA256/SHA1/MD5 share one implementation instead of one struct per
// algorithm.
type hashChecksum struct {
	algo    string
	newHash func() hash.Hash
}

// Sha256Checksum is a checksum that uses the SHA256 algorithm. Kept as a
// named type for callers that constructed it directly before NewChkSumCalc
// grew MD5/SHA1 support.
type Sha256Checksum = hashChecksum

// Calculate calculates the checksum of the message
func (s *hashChecksum) Calculate(content string) (chksum string, err error) {
	h := s.newHash()
	_, err = io.Copy(h, strings.NewReader(content))
	if err == nil {
		chksum = fmt.Sprintf("%x", h.Sum(nil))
	}
	return
}

// Verify verifies the checksum of the message
func (s *hashChecksum) Verify(content, sum string) (b bool, err error) {
	var calcSum string
	calcSum, err = s.Calculate(content)
	b = err == nil && sum == calcSum
	return
}

// CalculateFile calculates the checksum of a file
func (s *hashChecksum) CalculateFile(file string) (chksum string, err error) {
	h := s.newHash()
	var f *os.File
	f, err = os.Open(file)
	if err != nil {
		return
	}
	defer CloserFunc(f)
	_, err = io.Copy(h, f)
	if err != nil {
		return
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// VerifyFile verifies the checksum of a file
func (s *hashChecksum) VerifyFile(file, sum string) (b bool, err error) {
	var calcSum string
	calcSum, err = s.CalculateFile(file)
	b = err == nil && sum == calcSum
	return
}

// CalculateFor calculates the checksum of the reader
func (s *hashChecksum) CalculateFor(reader io.Reader) (chksum string, err error) {
	h := s.newHash()
	_, err = io.Copy(h, reader)
	if err == nil {
		chksum = fmt.Sprintf("%x", h.Sum(nil))
	}
	return
}

// VerifyFor verifies the checksum of the reader
func (s *hashChecksum) VerifyFor(reader io.Reader, sum string) (b bool, err error) {
	var calcSum string
	calcSum, err = s.CalculateFor(reader)
	b = err == nil && sum == calcSum
	return
}

// Type returns the type of the checksum
func (s *hashChecksum) Type() string {
	return s.algo
}

// NewChkSumCalc creates a new checksum calculator for t (one of SHA256,
// SHA1, MD5), or nil if t is unrecognized.
func NewChkSumCalc(t string) ChkSumCalc {
	switch t {
	case SHA256:
		return &hashChecksum{algo: SHA256, newHash: sha256.New}
	case SHA1:
		return &hashChecksum{algo: SHA1, newHash: sha1.New}
	case MD5:
		return &hashChecksum{algo: MD5, newHash: md5.New}
	default:
		return nil
	}
}
