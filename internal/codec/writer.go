// Package codec implements the framed binary encoding of UnifiedDataset.
//
// An encoded stream is a sequence of self-delimiting frames:
//
//	[Magic "AQFR"][Kind uint8][PayloadLen uint32][Payload]
//
// A header frame carries the dataset metadata, call stacks, regions and
// lifecycle section as JSON. A record frame carries a columnar block of
// allocation records, each column zstd-compressed behind a uint32 size
// prefix. Decoding concatenates record frames in stream order, so any
// split of the record sequence into frames decodes to the same dataset.
package codec

import (
	"bytes"
	"encoding/binary"
	"slices"

	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"

	"github.com/coffersTech/allocq/internal/errs"
	"github.com/coffersTech/allocq/internal/model"
)

var MagicHeader = []byte("AQFR")

// FormatName identifies this encoding in processing metadata.
const FormatName = "allocq-frames/v1"

type FrameKind uint8

const (
	FrameHeader  FrameKind = 1
	FrameRecords FrameKind = 2
)

func (k FrameKind) String() string {
	switch k {
	case FrameHeader:
		return "header"
	case FrameRecords:
		return "records"
	default:
		return "unknown"
	}
}

const frameOverhead = 4 + 1 + 4

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type headerFrame struct {
	Metadata   model.Metadata    `json:"metadata"`
	CallStacks []model.CallStack `json:"call_stacks"`
	Regions    []model.Region    `json:"regions"`
	Lifecycle  *model.Lifecycle  `json:"lifecycle,omitempty"`
}

// Codec is safe for concurrent use; the zstd encoder and decoder only
// serve stateless EncodeAll/DecodeAll calls.
type Codec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func New() (*Codec, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, err
	}
	return &Codec{encoder: enc, decoder: dec}, nil
}

func (c *Codec) Close() {
	c.encoder.Close()
	c.decoder.Close()
}

// Encode writes the header frame followed by a single record frame.
func (c *Codec) Encode(ds *model.UnifiedDataset) ([]byte, error) {
	header, err := c.EncodeHeader(ds)
	if err != nil {
		return nil, err
	}
	records, err := c.EncodeRecords(ds.Records)
	if err != nil {
		return nil, err
	}
	return append(header, records...), nil
}

// EncodeHeader encodes everything except the records.
func (c *Codec) EncodeHeader(ds *model.UnifiedDataset) ([]byte, error) {
	h := headerFrame{
		Metadata:  ds.Metadata,
		Regions:   ds.Regions,
		Lifecycle: ds.Lifecycle,
	}
	h.CallStacks = make([]model.CallStack, 0, len(ds.CallStacks))
	for _, cs := range ds.CallStacks {
		h.CallStacks = append(h.CallStacks, cs)
	}
	slices.SortFunc(h.CallStacks, func(a, b model.CallStack) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})

	raw, err := json.Marshal(&h)
	if err != nil {
		return nil, errs.Serialization("encode header", err)
	}
	frame, err := appendFrame(nil, FrameHeader, c.compress(raw))
	if err != nil {
		return nil, errs.Serialization("encode header", err)
	}
	return frame, nil
}

// EncodeRecords encodes one record frame.
func (c *Codec) EncodeRecords(records []model.AllocationRecord) ([]byte, error) {
	rows := len(records)
	if uint64(rows) > uint64(^uint32(0)) {
		return nil, errs.Serialization("encode records", errors.Errorf("too many rows: %d", rows))
	}

	ids := NewUint64Column(rows)
	addrs := NewUint64Column(rows)
	sizes := NewUint64Column(rows)
	stamps := NewUint64Column(rows)
	hasStack := NewFlagColumn(rows)
	stacks := NewUint64Column(rows)
	threads := NewUint64Column(rows)
	types := NewBytesColumn(rows * 16)

	for i := range records {
		r := &records[i]
		ids.Append(r.ID)
		addrs.Append(r.Address)
		sizes.Append(r.Size)
		stamps.Append(uint64(r.Timestamp))
		hasStack.Append(r.HasCallStack)
		stacks.Append(r.CallStackID)
		threads.Append(r.ThreadID)
		types.AppendString(r.TypeName)
	}

	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, uint32(rows))
	for _, raw := range [][]byte{
		ids.Raw(), addrs.Raw(), sizes.Raw(), stamps.Raw(),
		hasStack.Raw(), stacks.Raw(), threads.Raw(), types.Raw(),
	} {
		if err := c.writeBlock(buf, raw); err != nil {
			return nil, errs.Serialization("encode records", err)
		}
	}

	frame, err := appendFrame(nil, FrameRecords, buf.Bytes())
	if err != nil {
		return nil, errs.Serialization("encode records", err)
	}
	return frame, nil
}

// writeBlock writes [size uint32][zstd data]. Empty columns get size 0.
func (c *Codec) writeBlock(buf *bytes.Buffer, raw []byte) error {
	if len(raw) == 0 {
		return binary.Write(buf, binary.LittleEndian, uint32(0))
	}
	compressed := c.compress(raw)
	n, err := payloadLen(uint64(len(compressed)))
	if err != nil {
		return err
	}
	binary.Write(buf, binary.LittleEndian, n)
	buf.Write(compressed)
	return nil
}

func (c *Codec) compress(raw []byte) []byte {
	return c.encoder.EncodeAll(raw, make([]byte, 0, len(raw)))
}

func appendFrame(dst []byte, kind FrameKind, payload []byte) ([]byte, error) {
	n, err := payloadLen(uint64(len(payload)))
	if err != nil {
		return nil, err
	}
	dst = slices.Grow(dst, frameOverhead+len(payload))
	dst = append(dst, MagicHeader...)
	dst = append(dst, byte(kind))
	dst = binary.LittleEndian.AppendUint32(dst, n)
	return append(dst, payload...), nil
}

const maxPayload = 1<<32 - 1

// payloadLen checks that n fits a uint32 length prefix.
func payloadLen(n uint64) (uint32, error) {
	if n > maxPayload {
		return 0, errors.Errorf("payload of %d bytes exceeds the %d byte frame limit", n, uint64(maxPayload))
	}
	return uint32(n), nil
}
