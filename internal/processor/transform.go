package processor

import (
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/coffersTech/allocq/internal/pkg/security"
)

// transformer is applied to the encoded dataset after serialization.
type transformer interface {
	Apply(data []byte) ([]byte, error)
	Revert(data []byte) ([]byte, error)
	Close()
	kind() TransformKind
}

func newTransformer(kind TransformKind, sealKey []byte) (transformer, error) {
	switch kind {
	case "", TransformNone:
		return identity{}, nil
	case TransformZstd:
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
		if err != nil {
			return nil, err
		}
		dec, err := zstd.NewReader(nil)
		if err != nil {
			enc.Close()
			return nil, err
		}
		return &zstdTransform{enc: enc, dec: dec}, nil
	case TransformSeal:
		if sealKey == nil {
			return nil, fmt.Errorf("transform %q requires a key", kind)
		}
		s, err := security.NewSealer(sealKey)
		if err != nil {
			return nil, err
		}
		return sealTransform{s}, nil
	}
	return nil, fmt.Errorf("unknown transform %q", kind)
}

type identity struct{}

func (identity) Apply(data []byte) ([]byte, error)  { return data, nil }
func (identity) Revert(data []byte) ([]byte, error) { return data, nil }
func (identity) Close()                             {}
func (identity) kind() TransformKind                { return TransformNone }

type zstdTransform struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func (t *zstdTransform) Apply(data []byte) ([]byte, error) {
	return t.enc.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
}

func (t *zstdTransform) Revert(data []byte) ([]byte, error) {
	return t.dec.DecodeAll(data, nil)
}

func (t *zstdTransform) kind() TransformKind { return TransformZstd }

func (t *zstdTransform) Close() {
	t.enc.Close()
	t.dec.Close()
}

type sealTransform struct {
	sealer *security.Sealer
}

func (t sealTransform) Apply(data []byte) ([]byte, error)  { return t.sealer.Seal(data) }
func (t sealTransform) Revert(data []byte) ([]byte, error) { return t.sealer.Open(data) }
func (sealTransform) Close()                               {}
func (sealTransform) kind() TransformKind                  { return TransformSeal }
