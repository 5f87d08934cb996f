// Package stage implements the five pipeline-stage workers (dump, transfer,
// restore, release, delete) described in spec.md §4.3. Each worker claims
// its jobs via jobstore.Store.FindAndAdvance, drives one external operation
// per job under a supervisor.Supervisor, and advances or fails the job
// strictly through from_state-guarded UpdateJob/JobError calls — a worker
// never retries locally.
package stage

import (
	"fmt"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/openafs-contrib/cellcc/ioutils"
	"github.com/openafs-contrib/cellcc/l3"
	"github.com/openafs-contrib/cellcc/uuid"
)

var logger = l3.Get()

// scratchFile builds a scratch-directory path unique to one job, so
// concurrent workers on the same host never collide without locking
// (spec.md §5's shared-resource policy).
func scratchFile(scratchDir, prefix string, jobID int64) string {
	id, err := uuid.V4()
	suffix := "norand"
	if err == nil {
		suffix = id.String()
	}
	return filepath.Join(scratchDir, fmt.Sprintf("%s-%d-%s", prefix, jobID, suffix))
}

// freeBytes reports the free space available on the filesystem containing
// path, via statfs. A variable so tests can simulate a full scratch disk.
var freeBytes = func(path string) (uint64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, fmt.Errorf("stage: statfs %q: %w", path, err)
	}
	return stat.Bavail * uint64(stat.Bsize), nil
}

// ChecksumAlgo names a supported checksum algorithm, prefixed onto the
// stored checksum string (e.g. "SHA256:<hex>") so the transfer stage can
// pick the matching ioutils.ChkSumCalc without a side-channel.
type ChecksumAlgo string

const (
	AlgoMD5    ChecksumAlgo = ioutils.MD5
	AlgoSHA1   ChecksumAlgo = ioutils.SHA1
	AlgoSHA256 ChecksumAlgo = ioutils.SHA256
)

// checksumFile computes the prefixed checksum string ("ALGO:hexdigest") for
// the file at path, using ioutils.NewChkSumCalc.
func checksumFile(path string, algo ChecksumAlgo) (string, error) {
	algoName := algo
	if algoName == "" {
		algoName = AlgoSHA256
	}
	calc := ioutils.NewChkSumCalc(string(algoName))
	if calc == nil {
		return "", fmt.Errorf("stage: unsupported checksum algorithm %q", algo)
	}
	sum, err := calc.CalculateFile(path)
	if err != nil {
		return "", fmt.Errorf("stage: checksumming %q: %w", path, err)
	}
	return fmt.Sprintf("%s:%s", algoName, sum), nil
}

// verifyChecksum recomputes path's checksum and compares it against want,
// which is expected in "ALGO:hexdigest" form.
func verifyChecksum(path, want string) (bool, error) {
	parts := strings.SplitN(want, ":", 2)
	algoName := string(AlgoSHA256)
	sum := want
	if len(parts) == 2 {
		algoName = parts[0]
		sum = parts[1]
	}
	calc := ioutils.NewChkSumCalc(algoName)
	if calc == nil {
		return false, fmt.Errorf("stage: unsupported checksum algorithm %q", algoName)
	}
	return calc.VerifyFile(path, sum)
}

// progressDescription formats the running-transfer description spec.md
// §4.3's dump stage requires: "transferred X / Y at R per second".
func progressDescription(transferred, total int64, elapsed time.Duration) string {
	rate := float64(0)
	if elapsed > 0 {
		rate = float64(transferred) / elapsed.Seconds()
	}
	return fmt.Sprintf("transferred %d / %d at %.0f per second", transferred, total, rate)
}

func strPtr(s string) *string { return &s }
func int64Ptr(n int64) *int64 { return &n }
func intPtr(n int) *int       { return &n }
