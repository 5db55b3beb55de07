package codec

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Uint64Column stores fixed-width values (ids, addresses, sizes, thread ids).
type Uint64Column struct {
	Data []uint64
}

func NewUint64Column(capacity int) *Uint64Column {
	return &Uint64Column{Data: make([]uint64, 0, capacity)}
}

func (c *Uint64Column) Append(v uint64) {
	c.Data = append(c.Data, v)
}

// Raw serializes the column as little-endian words.
func (c *Uint64Column) Raw() []byte {
	buf := make([]byte, 0, len(c.Data)*8)
	for _, v := range c.Data {
		buf = binary.LittleEndian.AppendUint64(buf, v)
	}
	return buf
}

func decodeUint64Column(raw []byte, rows int) ([]uint64, error) {
	if len(raw) != rows*8 {
		return nil, errors.Errorf("uint64 column: expected %d bytes, got %d", rows*8, len(raw))
	}
	out := make([]uint64, rows)
	for i := range out {
		out[i] = binary.LittleEndian.Uint64(raw[i*8:])
	}
	return out, nil
}

// FlagColumn stores one byte per row.
type FlagColumn struct {
	Data []byte
}

func NewFlagColumn(capacity int) *FlagColumn {
	return &FlagColumn{Data: make([]byte, 0, capacity)}
}

func (c *FlagColumn) Append(v bool) {
	var b byte
	if v {
		b = 1
	}
	c.Data = append(c.Data, b)
}

func (c *FlagColumn) Raw() []byte {
	return c.Data
}

func decodeFlagColumn(raw []byte, rows int) ([]bool, error) {
	if len(raw) != rows {
		return nil, errors.Errorf("flag column: expected %d bytes, got %d", rows, len(raw))
	}
	out := make([]bool, rows)
	for i, b := range raw {
		out[i] = b != 0
	}
	return out, nil
}

// BytesColumn stores variable-length strings in a flat buffer.
// Serialized form: [Len uint32][Bytes]...
type BytesColumn struct {
	Data []byte
	rows int
}

func NewBytesColumn(dataCap int) *BytesColumn {
	return &BytesColumn{Data: make([]byte, 0, dataCap)}
}

func (c *BytesColumn) AppendString(v string) {
	c.Data = binary.LittleEndian.AppendUint32(c.Data, uint32(len(v)))
	c.Data = append(c.Data, v...)
	c.rows++
}

func (c *BytesColumn) Size() int {
	return c.rows
}

func (c *BytesColumn) Raw() []byte {
	return c.Data
}

func decodeStringColumn(raw []byte, rows int) ([]string, error) {
	out := make([]string, 0, rows)
	for off := 0; off < len(raw); {
		if len(raw)-off < 4 {
			return nil, errors.New("string column: truncated length prefix")
		}
		n := int(binary.LittleEndian.Uint32(raw[off:]))
		off += 4
		if len(raw)-off < n {
			return nil, errors.Errorf("string column: value of %d bytes overruns block", n)
		}
		out = append(out, string(raw[off:off+n]))
		off += n
	}
	if len(out) != rows {
		return nil, errors.Errorf("string column: expected %d rows, got %d", rows, len(out))
	}
	return out, nil
}
