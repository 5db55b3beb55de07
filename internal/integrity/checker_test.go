package integrity

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func TestCheckerNonEmptyChunks(t *testing.T) {
	c, err := NewChecker(SHA256)
	require.NoError(t, err)

	chunks := [][]byte{[]byte("alpha"), []byte("beta"), []byte("gamma-delta")}
	var all []byte
	for _, ch := range chunks {
		c.ProcessChunk(ch)
		all = append(all, ch...)
	}

	r := c.Finalize()
	assert.Equal(t, uint64(3), r.ChunksProcessed)
	assert.Equal(t, uint64(len(all)), r.TotalBytes)
	assert.Equal(t, sha256Hex(all), r.Checksum)
	assert.Equal(t, []string{sha256Hex(chunks[0]), sha256Hex(chunks[1]), sha256Hex(chunks[2])}, r.ChunkChecksums)
	assert.Empty(t, r.Violations)
	assert.Equal(t, 1.0, r.Score)
}

func TestCheckerEmptyChunkViolation(t *testing.T) {
	c, err := NewChecker("")
	require.NoError(t, err)

	c.ProcessChunk([]byte("data"))
	c.ProcessChunk(nil)

	r := c.Finalize()
	assert.Equal(t, SHA256, r.Algorithm)
	require.Len(t, r.Violations, 1)
	assert.Equal(t, Violation{
		ChunkIndex:  1,
		Type:        "empty_chunk",
		Severity:    SeverityMedium,
		Description: "chunk carried no data",
	}, r.Violations[0])
	// Medium findings do not reduce the score.
	assert.Equal(t, 1.0, r.Score)
}

func TestScore(t *testing.T) {
	tests := []struct {
		name       string
		violations []Violation
		chunks     uint64
		want       float64
	}{
		{"none", nil, 4, 1.0},
		{"one high", []Violation{{Severity: SeverityHigh}}, 4, 0.95},
		{"one critical", []Violation{{Severity: SeverityCritical}}, 2, 0.75},
		{"floored", []Violation{{Severity: SeverityCritical}, {Severity: SeverityCritical}, {Severity: SeverityCritical}}, 1, 0},
		{"low only", []Violation{{Severity: SeverityLow}}, 1, 1.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, score(tt.violations, tt.chunks), 1e-9)
		})
	}
}

func TestBlake2bDigest(t *testing.T) {
	c, err := NewChecker(BLAKE2b)
	require.NoError(t, err)
	c.ProcessChunk([]byte("abc"))

	r := c.Finalize()
	assert.Len(t, r.Checksum, 64)
	assert.NotEqual(t, sha256Hex([]byte("abc")), r.Checksum)

	_, err = NewChecker("md5")
	assert.Error(t, err)
}

func TestStreamDecoratorsShareChecker(t *testing.T) {
	c, err := NewChecker(SHA256)
	require.NoError(t, err)

	src := strings.Repeat("x", 10_000)
	var sink bytes.Buffer
	_, err = io.Copy(NewWriter(&sink, c), NewReader(strings.NewReader(src), c))
	require.NoError(t, err)

	r := c.Finalize()
	assert.Equal(t, uint64(2*len(src)), r.TotalBytes)
	assert.Equal(t, src, sink.String())
	assert.Equal(t, 1.0, r.Score)
}
