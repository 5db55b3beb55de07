package processor

import (
	"encoding/binary"
	"fmt"
	"runtime"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/cespare/xxhash/v2"

	"github.com/coffersTech/allocq/internal/integrity"
)

type TransformKind string

const (
	TransformNone TransformKind = "none"
	TransformZstd TransformKind = "zstd"
	TransformSeal TransformKind = "seal"
)

// Config holds the processing knobs. Presets are plain values.
type Config struct {
	MaxMemory     datasize.ByteSize   `yaml:"max_memory"`
	ChunkSize     datasize.ByteSize   `yaml:"chunk_size"`
	Workers       int                 `yaml:"workers"`
	MonitorMemory bool                `yaml:"monitor_memory"`
	Timeout       time.Duration       `yaml:"timeout"`
	Validate      bool                `yaml:"validate"`
	IOBufferSize  datasize.ByteSize   `yaml:"io_buffer_size"`
	Transform     TransformKind       `yaml:"transform"`
	Integrity     integrity.Algorithm `yaml:"integrity_algorithm"`
}

func DefaultConfig() Config {
	return Config{
		MaxMemory:     512 * datasize.MB,
		ChunkSize:     256 * datasize.KB,
		Workers:       runtime.NumCPU(),
		MonitorMemory: true,
		Timeout:       300 * time.Second,
		Validate:      true,
		IOBufferSize:  64 * datasize.KB,
		Transform:     TransformNone,
		Integrity:     integrity.SHA256,
	}
}

// FastConfig trades safety checks for throughput.
func FastConfig() Config {
	return Config{
		MaxMemory:     256 * datasize.MB,
		ChunkSize:     64 * datasize.KB,
		Workers:       runtime.NumCPU() * 2,
		MonitorMemory: false,
		Timeout:       60 * time.Second,
		Validate:      false,
		IOBufferSize:  32 * datasize.KB,
		Transform:     TransformNone,
		Integrity:     integrity.SHA256,
	}
}

// MemoryEfficientConfig keeps every buffer small.
func MemoryEfficientConfig() Config {
	return Config{
		MaxMemory:     64 * datasize.MB,
		ChunkSize:     16 * datasize.KB,
		Workers:       2,
		MonitorMemory: true,
		Timeout:       600 * time.Second,
		Validate:      true,
		IOBufferSize:  8 * datasize.KB,
		Transform:     TransformNone,
		Integrity:     integrity.SHA256,
	}
}

// Preset returns the named preset: "default", "fast" or "memory-efficient".
func Preset(name string) (Config, error) {
	switch name {
	case "", "default":
		return DefaultConfig(), nil
	case "fast":
		return FastConfig(), nil
	case "memory-efficient":
		return MemoryEfficientConfig(), nil
	}
	return Config{}, fmt.Errorf("unknown processing preset %q", name)
}

func (c Config) Check() error {
	if c.MaxMemory == 0 {
		return fmt.Errorf("max_memory must be positive")
	}
	if c.ChunkSize == 0 {
		return fmt.Errorf("chunk_size must be positive")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", c.Timeout)
	}
	if c.IOBufferSize == 0 {
		return fmt.Errorf("io_buffer_size must be positive")
	}
	switch c.Transform {
	case "", TransformNone, TransformZstd, TransformSeal:
	default:
		return fmt.Errorf("unknown transform %q", c.Transform)
	}
	switch c.Integrity {
	case "", integrity.SHA256, integrity.BLAKE2b:
	default:
		return fmt.Errorf("unknown integrity algorithm %q", c.Integrity)
	}
	return nil
}

// Hash fingerprints the sizing knobs that affect output layout.
func (c Config) Hash() uint64 {
	var buf [24]byte
	binary.LittleEndian.PutUint64(buf[0:], uint64(c.MaxMemory))
	binary.LittleEndian.PutUint64(buf[8:], uint64(c.ChunkSize))
	binary.LittleEndian.PutUint64(buf[16:], uint64(c.Workers))
	return xxhash.Sum64(buf[:])
}
