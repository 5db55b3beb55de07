// Package integrity computes running digests over streamed data.
package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"sync"

	"golang.org/x/crypto/blake2b"
)

type Algorithm string

const (
	SHA256  Algorithm = "sha256"
	BLAKE2b Algorithm = "blake2b"
)

type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type Violation struct {
	ChunkIndex  uint64   `json:"chunk_index"`
	Type        string   `json:"type"`
	Severity    Severity `json:"severity"`
	Description string   `json:"description"`
}

// Report is the finalized summary of a checked stream.
type Report struct {
	Algorithm       Algorithm   `json:"algorithm"`
	TotalBytes      uint64      `json:"total_bytes"`
	ChunksProcessed uint64      `json:"chunks_processed"`
	Checksum        string      `json:"checksum"`
	ChunkChecksums  []string    `json:"chunk_checksums"`
	Violations      []Violation `json:"violations"`
	Score           float64     `json:"score"`
}

// Checker keeps one digest over the whole stream plus one per chunk.
// It is safe for concurrent use.
type Checker struct {
	mu sync.Mutex

	alg     Algorithm
	newHash func() hash.Hash
	overall hash.Hash

	totalBytes     uint64
	chunks         uint64
	chunkChecksums []string
	violations     []Violation
}

func NewChecker(alg Algorithm) (*Checker, error) {
	var newHash func() hash.Hash
	switch alg {
	case SHA256, "":
		alg = SHA256
		newHash = sha256.New
	case BLAKE2b:
		newHash = func() hash.Hash {
			h, _ := blake2b.New256(nil) // only fails for oversized keys
			return h
		}
	default:
		return nil, fmt.Errorf("unknown digest algorithm %q", alg)
	}
	return &Checker{
		alg:     alg,
		newHash: newHash,
		overall: newHash(),
	}, nil
}

// ProcessChunk folds p into the stream digest and records its own digest.
func (c *Checker) ProcessChunk(p []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.overall.Write(p)

	h := c.newHash()
	h.Write(p)
	c.chunkChecksums = append(c.chunkChecksums, hex.EncodeToString(h.Sum(nil)))

	if len(p) == 0 {
		c.violations = append(c.violations, Violation{
			ChunkIndex:  c.chunks,
			Type:        "empty_chunk",
			Severity:    SeverityMedium,
			Description: "chunk carried no data",
		})
	}

	c.totalBytes += uint64(len(p))
	c.chunks++
}

// Finalize returns the report. The checker may keep receiving chunks;
// a later Finalize covers everything seen so far.
func (c *Checker) Finalize() Report {
	c.mu.Lock()
	defer c.mu.Unlock()

	sum := c.overall.Sum(nil)
	r := Report{
		Algorithm:       c.alg,
		TotalBytes:      c.totalBytes,
		ChunksProcessed: c.chunks,
		Checksum:        hex.EncodeToString(sum),
		ChunkChecksums:  append([]string(nil), c.chunkChecksums...),
		Violations:      append([]Violation(nil), c.violations...),
	}
	r.Score = score(r.Violations, r.ChunksProcessed)
	return r
}

func score(violations []Violation, chunks uint64) float64 {
	if len(violations) == 0 || chunks == 0 {
		return 1.0
	}
	var critical, high int
	for _, v := range violations {
		switch v.Severity {
		case SeverityCritical:
			critical++
		case SeverityHigh:
			high++
		}
	}
	s := 1.0 - (float64(critical)*0.5+float64(high)*0.2)/float64(chunks)
	return max(0, s)
}
