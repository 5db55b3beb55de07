package codec

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/coffersTech/allocq/internal/errs"
	"github.com/coffersTech/allocq/internal/model"
)

var ErrInvalidHeader = errors.New("invalid frame magic")

type Frame struct {
	Kind    FrameKind
	Payload []byte
}

// FrameIterator walks the frames of an encoded buffer without copying.
type FrameIterator struct {
	data []byte
	off  int
	cur  Frame
	err  error
}

func NewFrameIterator(data []byte) *FrameIterator {
	return &FrameIterator{data: data}
}

func (it *FrameIterator) Next() bool {
	if it.err != nil || it.off >= len(it.data) {
		return false
	}
	rest := it.data[it.off:]
	if len(rest) < frameOverhead {
		it.err = errors.Wrapf(io.ErrUnexpectedEOF, "frame at offset %d", it.off)
		return false
	}
	if !bytes.Equal(rest[:len(MagicHeader)], MagicHeader) {
		it.err = errors.Wrapf(ErrInvalidHeader, "frame at offset %d", it.off)
		return false
	}
	kind := FrameKind(rest[4])
	size := int(binary.LittleEndian.Uint32(rest[5:9]))
	if len(rest)-frameOverhead < size {
		it.err = errors.Wrapf(io.ErrUnexpectedEOF, "frame at offset %d declares %d bytes", it.off, size)
		return false
	}
	it.cur = Frame{Kind: kind, Payload: rest[frameOverhead : frameOverhead+size]}
	it.off += frameOverhead + size
	return true
}

func (it *FrameIterator) Frame() Frame {
	return it.cur
}

func (it *FrameIterator) Error() error {
	return it.err
}

// Decode rebuilds a dataset from any sequence of frames. At most one
// header frame is allowed; it may appear anywhere in the stream.
func (c *Codec) Decode(data []byte) (*model.UnifiedDataset, error) {
	ds := &model.UnifiedDataset{
		Records:    make([]model.AllocationRecord, 0),
		CallStacks: make(map[uint64]model.CallStack),
	}
	seenHeader := false

	it := NewFrameIterator(data)
	for it.Next() {
		f := it.Frame()
		switch f.Kind {
		case FrameHeader:
			if seenHeader {
				return nil, errs.Serialization("decode", errors.New("duplicate header frame"))
			}
			seenHeader = true
			if err := c.decodeHeader(f.Payload, ds); err != nil {
				return nil, errs.Serialization("decode header", err)
			}
		case FrameRecords:
			recs, err := c.decodeRecords(f.Payload)
			if err != nil {
				return nil, errs.Serialization("decode records", err)
			}
			ds.Records = append(ds.Records, recs...)
		default:
			return nil, errs.Serialization("decode", errors.Errorf("unknown frame kind %d", f.Kind))
		}
	}
	if err := it.Error(); err != nil {
		return nil, errs.Serialization("decode", err)
	}
	return ds, nil
}

// DecodeRecords decodes a buffer holding only record frames.
func (c *Codec) DecodeRecords(data []byte) ([]model.AllocationRecord, error) {
	out := make([]model.AllocationRecord, 0)
	it := NewFrameIterator(data)
	for it.Next() {
		f := it.Frame()
		if f.Kind != FrameRecords {
			return nil, errs.Serialization("decode records", errors.Errorf("unexpected %s frame", f.Kind))
		}
		recs, err := c.decodeRecords(f.Payload)
		if err != nil {
			return nil, errs.Serialization("decode records", err)
		}
		out = append(out, recs...)
	}
	if err := it.Error(); err != nil {
		return nil, errs.Serialization("decode records", err)
	}
	return out, nil
}

func (c *Codec) decodeHeader(payload []byte, ds *model.UnifiedDataset) error {
	raw, err := c.decoder.DecodeAll(payload, nil)
	if err != nil {
		return errors.Wrap(err, "decompress")
	}
	var h headerFrame
	if err := json.Unmarshal(raw, &h); err != nil {
		return errors.Wrap(err, "unmarshal")
	}
	ds.Metadata = h.Metadata
	ds.Regions = h.Regions
	ds.Lifecycle = h.Lifecycle
	for _, cs := range h.CallStacks {
		ds.CallStacks[cs.ID] = cs
	}
	return nil
}

func (c *Codec) decodeRecords(payload []byte) ([]model.AllocationRecord, error) {
	r := bytes.NewReader(payload)
	var rowCount uint32
	if err := binary.Read(r, binary.LittleEndian, &rowCount); err != nil {
		return nil, errors.Wrap(err, "row count")
	}
	rows := int(rowCount)

	blocks := make([][]byte, 8)
	for i := range blocks {
		raw, err := c.readAndDecompress(r)
		if err != nil {
			return nil, errors.Wrapf(err, "column %d", i)
		}
		blocks[i] = raw
	}
	if r.Len() != 0 {
		return nil, errors.Errorf("%d trailing bytes in record frame", r.Len())
	}

	ids, err := decodeUint64Column(blocks[0], rows)
	if err != nil {
		return nil, err
	}
	addrs, err := decodeUint64Column(blocks[1], rows)
	if err != nil {
		return nil, err
	}
	sizes, err := decodeUint64Column(blocks[2], rows)
	if err != nil {
		return nil, err
	}
	stamps, err := decodeUint64Column(blocks[3], rows)
	if err != nil {
		return nil, err
	}
	hasStack, err := decodeFlagColumn(blocks[4], rows)
	if err != nil {
		return nil, err
	}
	stacks, err := decodeUint64Column(blocks[5], rows)
	if err != nil {
		return nil, err
	}
	threads, err := decodeUint64Column(blocks[6], rows)
	if err != nil {
		return nil, err
	}
	types, err := decodeStringColumn(blocks[7], rows)
	if err != nil {
		return nil, err
	}

	out := make([]model.AllocationRecord, rows)
	for i := range out {
		out[i] = model.AllocationRecord{
			ID:           ids[i],
			Address:      addrs[i],
			Size:         sizes[i],
			Timestamp:    int64(stamps[i]),
			CallStackID:  stacks[i],
			HasCallStack: hasStack[i],
			ThreadID:     threads[i],
			TypeName:     types[i],
		}
	}
	return out, nil
}

// readAndDecompress reads a compressed block (size + data) and decompresses it.
func (c *Codec) readAndDecompress(r *bytes.Reader) ([]byte, error) {
	var size uint32
	if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, nil
	}
	if int(size) > r.Len() {
		return nil, io.ErrUnexpectedEOF
	}

	compressed := make([]byte, size)
	if _, err := io.ReadFull(r, compressed); err != nil {
		return nil, err
	}
	return c.decoder.DecodeAll(compressed, nil)
}
