package protocol

import (
	"encoding/binary"

	"github.com/chatrelay/chatrelay/chaterr"
)

// Chunk is one piece of a file transfer, carried inside a FrameFileChunk
// frame. transferId is sender-chosen and server-opaque; seq is informational
// only - the relay never reorders.
type Chunk struct {
	TransferID string
	Seq        int32
	Data       []byte
}

// encodeChunk lays out a Chunk as:
//
//	u16 transferId-utf8-length | utf8 transferId | u32 seq | u32 chunkLen | bytes[chunkLen]
func encodeChunk(c Chunk) []byte {
	idBytes := []byte(c.TransferID)
	buf := make([]byte, 2+len(idBytes)+4+4+len(c.Data))

	off := 0
	binary.BigEndian.PutUint16(buf[off:], uint16(len(idBytes)))
	off += 2
	copy(buf[off:], idBytes)
	off += len(idBytes)
	binary.BigEndian.PutUint32(buf[off:], uint32(c.Seq))
	off += 4
	binary.BigEndian.PutUint32(buf[off:], uint32(len(c.Data)))
	off += 4
	copy(buf[off:], c.Data)

	return buf
}

// DecodeChunk is the inverse of encodeChunk. FrameCodec.Decode itself never
// calls this - a FILE_CHUNK frame decodes to a RawMessage carrying the
// payload untouched, so the relay path can forward it without paying for a
// structural parse it doesn't need. The one caller that wants the parsed
// fields is the receiving end of a transfer (client.Session.handleChunk);
// the relay only wants the transferId, via PeekTransferID.
func DecodeChunk(payload []byte) (Chunk, error) {
	if len(payload) < 2 {
		return Chunk{}, chaterr.New(chaterr.Protocol, op, "chunk payload shorter than transferId length prefix")
	}
	idLen := int(binary.BigEndian.Uint16(payload[0:2]))
	off := 2

	if len(payload) < off+idLen+4+4 {
		return Chunk{}, chaterr.New(chaterr.Protocol, op, "chunk payload truncated")
	}
	transferID := string(payload[off : off+idLen])
	off += idLen

	seq := int32(binary.BigEndian.Uint32(payload[off:]))
	off += 4

	chunkLen := int(binary.BigEndian.Uint32(payload[off:]))
	off += 4

	if len(payload) < off+chunkLen {
		return Chunk{}, chaterr.New(chaterr.Protocol, op, "chunk payload shorter than declared chunkLen")
	}
	data := payload[off : off+chunkLen]

	return Chunk{TransferID: transferID, Seq: seq, Data: data}, nil
}

// PeekTransferID extracts just the transferId from a raw FILE_CHUNK
// payload, without allocating a Data slice. The relay uses this to route a
// chunk to its target without fully decoding it.
func PeekTransferID(payload []byte) (string, error) {
	if len(payload) < 2 {
		return "", chaterr.New(chaterr.Protocol, op, "chunk payload shorter than transferId length prefix")
	}
	idLen := int(binary.BigEndian.Uint16(payload[0:2]))
	if len(payload) < 2+idLen {
		return "", chaterr.New(chaterr.Protocol, op, "chunk payload truncated")
	}
	return string(payload[2 : 2+idLen]), nil
}
