package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/schemacollab/liveshare-core/internal/v1/types"
)

// ErrCodec wraps any encode/decode failure in the binary codec.
var ErrCodec = errors.New("codec")

const codecVersion = uint8(1)

const (
	flagPrimaryKey = 1 << 0
	flagNullable   = 1 << 1
	flagUnique     = 1 << 2
	flagHasFkRef   = 1 << 3
)

// EncodeGraphState serializes a GraphState into the compact, length-
// prefixed, little-endian, deterministic-field-order binary wire format
// used for SnapshotRecovery and full GraphState transport. It is a
// bijection on the data model modulo field ordering: DecodeGraphState
// always reconstructs an equal GraphState.
func EncodeGraphState(state types.GraphState) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(codecVersion)

	writeUint32(&buf, uint32(len(state.Tables)))
	for _, t := range state.Tables {
		writeUint64(&buf, uint64(t.NodeId))
		writeString(&buf, t.Name)
		writeFloat64(&buf, t.Position.X)
		writeFloat64(&buf, t.Position.Y)
		writeUint64(&buf, t.Version)
		writeUint32(&buf, uint32(len(t.Columns)))
		for _, c := range t.Columns {
			writeString(&buf, c.Name)
			writeString(&buf, c.Type)
			var flags byte
			if c.Flags.PrimaryKey {
				flags |= flagPrimaryKey
			}
			if c.Flags.Nullable {
				flags |= flagNullable
			}
			if c.Flags.Unique {
				flags |= flagUnique
			}
			if c.Flags.ForeignKeyRef != "" {
				flags |= flagHasFkRef
			}
			buf.WriteByte(flags)
			if flags&flagHasFkRef != 0 {
				writeString(&buf, c.Flags.ForeignKeyRef)
			}
		}
	}

	writeUint32(&buf, uint32(len(state.Relationships)))
	for _, r := range state.Relationships {
		writeUint64(&buf, uint64(r.EdgeId))
		writeUint64(&buf, uint64(r.FromNode))
		writeUint64(&buf, uint64(r.ToNode))
		writeString(&buf, r.FromColumn)
		writeString(&buf, r.ToColumn)
		writeString(&buf, string(r.Kind))
		writeUint64(&buf, r.Version)
	}

	return buf.Bytes(), nil
}

// DecodeGraphState is the inverse of EncodeGraphState.
func DecodeGraphState(data []byte) (types.GraphState, error) {
	r := bytes.NewReader(data)

	version, err := r.ReadByte()
	if err != nil {
		return types.GraphState{}, fmt.Errorf("%w: reading version: %v", ErrCodec, err)
	}
	if version != codecVersion {
		return types.GraphState{}, fmt.Errorf("%w: unsupported codec version %d", ErrCodec, version)
	}

	tableCount, err := readUint32(r)
	if err != nil {
		return types.GraphState{}, fmt.Errorf("%w: reading table count: %v", ErrCodec, err)
	}

	tables := make([]types.Table, 0, tableCount)
	for i := uint32(0); i < tableCount; i++ {
		var t types.Table
		nodeId, err := readUint64(r)
		if err != nil {
			return types.GraphState{}, fmt.Errorf("%w: table %d node id: %v", ErrCodec, i, err)
		}
		t.NodeId = types.NodeId(nodeId)

		if t.Name, err = readString(r); err != nil {
			return types.GraphState{}, fmt.Errorf("%w: table %d name: %v", ErrCodec, i, err)
		}
		if t.Position.X, err = readFloat64(r); err != nil {
			return types.GraphState{}, fmt.Errorf("%w: table %d position.x: %v", ErrCodec, i, err)
		}
		if t.Position.Y, err = readFloat64(r); err != nil {
			return types.GraphState{}, fmt.Errorf("%w: table %d position.y: %v", ErrCodec, i, err)
		}
		if t.Version, err = readUint64(r); err != nil {
			return types.GraphState{}, fmt.Errorf("%w: table %d version: %v", ErrCodec, i, err)
		}

		colCount, err := readUint32(r)
		if err != nil {
			return types.GraphState{}, fmt.Errorf("%w: table %d column count: %v", ErrCodec, i, err)
		}
		t.Columns = make([]types.Column, 0, colCount)
		for j := uint32(0); j < colCount; j++ {
			var c types.Column
			if c.Name, err = readString(r); err != nil {
				return types.GraphState{}, fmt.Errorf("%w: table %d column %d name: %v", ErrCodec, i, j, err)
			}
			if c.Type, err = readString(r); err != nil {
				return types.GraphState{}, fmt.Errorf("%w: table %d column %d type: %v", ErrCodec, i, j, err)
			}
			flags, err := r.ReadByte()
			if err != nil {
				return types.GraphState{}, fmt.Errorf("%w: table %d column %d flags: %v", ErrCodec, i, j, err)
			}
			c.Flags.PrimaryKey = flags&flagPrimaryKey != 0
			c.Flags.Nullable = flags&flagNullable != 0
			c.Flags.Unique = flags&flagUnique != 0
			if flags&flagHasFkRef != 0 {
				if c.Flags.ForeignKeyRef, err = readString(r); err != nil {
					return types.GraphState{}, fmt.Errorf("%w: table %d column %d fk ref: %v", ErrCodec, i, j, err)
				}
			}
			t.Columns = append(t.Columns, c)
		}
		tables = append(tables, t)
	}

	relCount, err := readUint32(r)
	if err != nil {
		return types.GraphState{}, fmt.Errorf("%w: reading relationship count: %v", ErrCodec, err)
	}
	rels := make([]types.Relationship, 0, relCount)
	for i := uint32(0); i < relCount; i++ {
		var rel types.Relationship
		edgeId, err := readUint64(r)
		if err != nil {
			return types.GraphState{}, fmt.Errorf("%w: relationship %d edge id: %v", ErrCodec, i, err)
		}
		rel.EdgeId = types.EdgeId(edgeId)
		fromNode, err := readUint64(r)
		if err != nil {
			return types.GraphState{}, fmt.Errorf("%w: relationship %d from node: %v", ErrCodec, i, err)
		}
		rel.FromNode = types.NodeId(fromNode)
		toNode, err := readUint64(r)
		if err != nil {
			return types.GraphState{}, fmt.Errorf("%w: relationship %d to node: %v", ErrCodec, i, err)
		}
		rel.ToNode = types.NodeId(toNode)
		if rel.FromColumn, err = readString(r); err != nil {
			return types.GraphState{}, fmt.Errorf("%w: relationship %d from column: %v", ErrCodec, i, err)
		}
		if rel.ToColumn, err = readString(r); err != nil {
			return types.GraphState{}, fmt.Errorf("%w: relationship %d to column: %v", ErrCodec, i, err)
		}
		kind, err := readString(r)
		if err != nil {
			return types.GraphState{}, fmt.Errorf("%w: relationship %d kind: %v", ErrCodec, i, err)
		}
		rel.Kind = types.RelationshipKind(kind)
		if rel.Version, err = readUint64(r); err != nil {
			return types.GraphState{}, fmt.Errorf("%w: relationship %d version: %v", ErrCodec, i, err)
		}
		rels = append(rels, rel)
	}

	return types.GraphState{Tables: tables, Relationships: rels}, nil
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	buf.Write(tmp[:])
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	buf.Write(tmp[:])
}

func writeFloat64(buf *bytes.Buffer, v float64) {
	writeUint64(buf, math.Float64bits(v))
}

func writeString(buf *bytes.Buffer, s string) {
	writeUint32(buf, uint32(len(s)))
	buf.WriteString(s)
}

func readUint32(r io.Reader) (uint32, error) {
	var tmp [4]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(tmp[:]), nil
}

func readUint64(r io.Reader) (uint64, error) {
	var tmp [8]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(tmp[:]), nil
}

func readFloat64(r io.Reader) (float64, error) {
	bits, err := readUint64(r)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(bits), nil
}

func readString(r io.Reader) (string, error) {
	n, err := readUint32(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
