package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"time"

	"github.com/snehjoshi/epochdist/internal/types"
)

// recordVersion is written as the first byte of every entry.
const recordVersion byte = 1

// Entry layout (all integers big-endian):
//
//	[version     : 1 byte          ]
//	[attempts    : 4 bytes, int32  ]
//	[enteredNano : 8 bytes, int64  ]  unix nanoseconds
//	[idLen       : 2 bytes, uint16 ]
//	[typeLen     : 2 bytes, uint16 ]
//	[reqTypeLen  : 2 bytes, uint16 ]
//	[queueLen    : 2 bytes, uint16 ]
//	[pathCount   : 4 bytes, uint32 ]
//	[propsLen    : 4 bytes, uint32 ]
//	[id | type | reqType | queue  ]
//	[pathCount × (len uint16 | path)]
//	[props       : JSON object     ]
//	[crc32       : 4 bytes         ]  IEEE, over everything before it
const fixedHeaderSize = 1 + 4 + 8 + 2 + 2 + 2 + 2 + 4 + 4

// EncodeEntry serialises a queue entry into its on-disk form.
func EncodeEntry(e types.QueueEntry) ([]byte, error) {
	var props []byte
	if len(e.Item.Info.Properties) > 0 {
		var err error
		props, err = json.Marshal(e.Item.Info.Properties)
		if err != nil {
			return nil, fmt.Errorf("storage: encode properties: %w", err)
		}
	}

	id := []byte(e.Item.ID)
	typ := []byte(e.Item.Type)
	reqType := []byte(e.Item.Info.RequestType)
	q := []byte(e.Item.Info.Queue)
	for _, f := range [][]byte{id, typ, reqType, q} {
		if len(f) > 0xFFFF {
			return nil, fmt.Errorf("storage: field of %d bytes exceeds limit", len(f))
		}
	}

	size := fixedHeaderSize + len(id) + len(typ) + len(reqType) + len(q) + len(props) + 4
	for _, p := range e.Item.Info.Paths {
		if len(p) > 0xFFFF {
			return nil, fmt.Errorf("storage: path of %d bytes exceeds limit", len(p))
		}
		size += 2 + len(p)
	}

	w := &byteWriter{buf: make([]byte, 0, size)}
	w.writeByte(recordVersion)
	w.writeUint32(uint32(int32(e.Status.Attempts)))
	w.writeUint64(uint64(e.Status.Entered.UnixNano()))
	w.writeUint16(uint16(len(id)))
	w.writeUint16(uint16(len(typ)))
	w.writeUint16(uint16(len(reqType)))
	w.writeUint16(uint16(len(q)))
	w.writeUint32(uint32(len(e.Item.Info.Paths)))
	w.writeUint32(uint32(len(props)))
	w.write(id)
	w.write(typ)
	w.write(reqType)
	w.write(q)
	for _, p := range e.Item.Info.Paths {
		w.writeUint16(uint16(len(p)))
		w.write([]byte(p))
	}
	w.write(props)

	w.writeUint32(crc32.ChecksumIEEE(w.buf))
	return w.buf, nil
}

// DecodeEntry deserialises a buffer written by EncodeEntry. The returned
// entry's Status carries only Attempts and Entered; State and QueueName are
// owned by the queue that stored it.
func DecodeEntry(buf []byte) (types.QueueEntry, error) {
	if len(buf) < fixedHeaderSize+4 {
		return types.QueueEntry{}, fmt.Errorf("storage: entry too short (%d bytes): %w", len(buf), ErrCorrupted)
	}
	stored := binary.BigEndian.Uint32(buf[len(buf)-4:])
	computed := crc32.ChecksumIEEE(buf[:len(buf)-4])
	if stored != computed {
		return types.QueueEntry{}, fmt.Errorf("storage: checksum mismatch (stored=%x computed=%x): %w",
			stored, computed, ErrCorrupted)
	}

	r := &byteReader{buf: buf[:len(buf)-4]}
	if v := r.readByte(); v != recordVersion {
		return types.QueueEntry{}, fmt.Errorf("storage: unsupported version %d: %w", v, ErrCorrupted)
	}

	var e types.QueueEntry
	e.Status.Attempts = int(int32(r.readUint32()))
	e.Status.Entered = time.Unix(0, int64(r.readUint64()))

	idLen := int(r.readUint16())
	typLen := int(r.readUint16())
	reqLen := int(r.readUint16())
	qLen := int(r.readUint16())
	pathCount := int(r.readUint32())
	propsLen := int(r.readUint32())

	if r.remaining() < idLen+typLen+reqLen+qLen {
		return types.QueueEntry{}, fmt.Errorf("storage: header lengths exceed buffer: %w", ErrCorrupted)
	}
	e.Item.ID = string(r.read(idLen))
	e.Item.Type = string(r.read(typLen))
	e.Item.Info.RequestType = types.RequestType(r.read(reqLen))
	e.Item.Info.Queue = string(r.read(qLen))

	if pathCount > 0 {
		e.Item.Info.Paths = make([]string, 0, min(pathCount, r.remaining()/2))
	}
	for i := 0; i < pathCount; i++ {
		if r.remaining() < 2 {
			return types.QueueEntry{}, fmt.Errorf("storage: truncated path table: %w", ErrCorrupted)
		}
		n := int(r.readUint16())
		if r.remaining() < n {
			return types.QueueEntry{}, fmt.Errorf("storage: path length %d exceeds buffer: %w", n, ErrCorrupted)
		}
		e.Item.Info.Paths = append(e.Item.Info.Paths, string(r.read(n)))
	}

	if propsLen > 0 {
		if r.remaining() < propsLen {
			return types.QueueEntry{}, fmt.Errorf("storage: properties length %d exceeds buffer: %w", propsLen, ErrCorrupted)
		}
		if err := json.Unmarshal(r.read(propsLen), &e.Item.Info.Properties); err != nil {
			return types.QueueEntry{}, fmt.Errorf("storage: decode properties: %w", err)
		}
	}
	return e, nil
}

// ---- minimal byte-level writer / reader ------------------------------------

type byteWriter struct{ buf []byte }

func (w *byteWriter) writeByte(v byte)     { w.buf = append(w.buf, v) }
func (w *byteWriter) write(v []byte)       { w.buf = append(w.buf, v...) }
func (w *byteWriter) writeUint16(v uint16) { w.buf = binary.BigEndian.AppendUint16(w.buf, v) }
func (w *byteWriter) writeUint32(v uint32) { w.buf = binary.BigEndian.AppendUint32(w.buf, v) }
func (w *byteWriter) writeUint64(v uint64) { w.buf = binary.BigEndian.AppendUint64(w.buf, v) }

type byteReader struct {
	buf    []byte
	offset int
}

func (r *byteReader) remaining() int { return len(r.buf) - r.offset }

func (r *byteReader) readByte() byte {
	v := r.buf[r.offset]
	r.offset++
	return v
}
func (r *byteReader) read(n int) []byte {
	v := r.buf[r.offset : r.offset+n]
	r.offset += n
	return v
}
func (r *byteReader) readUint16() uint16 {
	v := binary.BigEndian.Uint16(r.buf[r.offset:])
	r.offset += 2
	return v
}
func (r *byteReader) readUint32() uint32 {
	v := binary.BigEndian.Uint32(r.buf[r.offset:])
	r.offset += 4
	return v
}
func (r *byteReader) readUint64() uint64 {
	v := binary.BigEndian.Uint64(r.buf[r.offset:])
	r.offset += 8
	return v
}
