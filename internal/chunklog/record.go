package chunklog

import (
	"encoding/binary"
	"hash/crc32"
	"time"

	"github.com/rzbill/relay/internal/message"
)

// Chunk record layout, integers big-endian:
//
//	u32 index | i64 timestamp ms | u8 flags | u8 typeLen | type |
//	u8 roleLen | role | content | u32 crc32c
//
// The crc covers everything before it. The message id lives in the key, not
// the record.

const recordFlagFinal = 0x01

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

func EncodeRecord(c message.StreamChunk) []byte {
	typ := string(c.Type)
	role := c.Role
	out := make([]byte, 0, 4+8+1+1+len(typ)+1+len(role)+len(c.Content)+4)

	var tmp [8]byte
	binary.BigEndian.PutUint32(tmp[:4], uint32(c.Index))
	out = append(out, tmp[:4]...)
	binary.BigEndian.PutUint64(tmp[:], uint64(c.Timestamp.UnixMilli()))
	out = append(out, tmp[:]...)

	var flags byte
	if c.IsFinal {
		flags |= recordFlagFinal
	}
	out = append(out, flags, byte(len(typ)))
	out = append(out, typ...)
	out = append(out, byte(len(role)))
	out = append(out, role...)
	out = append(out, c.Content...)

	binary.BigEndian.PutUint32(tmp[:4], crc32.Checksum(out, castagnoli))
	return append(out, tmp[:4]...)
}

// DecodeRecord rebuilds a chunk from its stored record. Returns false on a
// truncated or corrupt record.
func DecodeRecord(messageID string, b []byte) (message.StreamChunk, bool) {
	// index + timestamp + flags + typeLen + roleLen + crc
	if len(b) < 4+8+1+1+1+4 {
		return message.StreamChunk{}, false
	}
	body := b[:len(b)-4]
	if crc32.Checksum(body, castagnoli) != binary.BigEndian.Uint32(b[len(b)-4:]) {
		return message.StreamChunk{}, false
	}

	index := binary.BigEndian.Uint32(body[0:4])
	ts := int64(binary.BigEndian.Uint64(body[4:12]))
	flags := body[12]

	p := 14
	tlen := int(body[13])
	if p+tlen+1 > len(body) {
		return message.StreamChunk{}, false
	}
	typ := string(body[p : p+tlen])
	p += tlen

	rlen := int(body[p])
	p++
	if p+rlen > len(body) {
		return message.StreamChunk{}, false
	}
	role := string(body[p : p+rlen])
	p += rlen

	return message.StreamChunk{
		MessageID: messageID,
		Index:     int(index),
		Content:   string(body[p:]),
		Type:      message.ChunkType(typ),
		Timestamp: time.UnixMilli(ts),
		Role:      role,
		IsFinal:   flags&recordFlagFinal != 0,
	}, true
}
