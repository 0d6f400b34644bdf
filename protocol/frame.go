package protocol

// FrameType identifies the payload carried by one wire frame. It is the
// first byte of every frame: type|u32 length|payload.
type FrameType byte

const (
	// FrameJSONPacket carries a Packet (control message).
	FrameJSONPacket FrameType = 0x01
	// FrameFileChunk carries a Chunk (binary file data).
	FrameFileChunk FrameType = 0x02
	// FrameFileControl is reserved for a future revision; frames of this
	// type are read and discarded, never produced.
	FrameFileControl FrameType = 0x03
	// FrameHeartbeat is reserved for a future revision; frames of this
	// type are read and discarded, never produced.
	FrameHeartbeat FrameType = 0x04
)

func (t FrameType) String() string {
	switch t {
	case FrameJSONPacket:
		return "json_packet"
	case FrameFileChunk:
		return "file_chunk"
	case FrameFileControl:
		return "file_control"
	case FrameHeartbeat:
		return "heartbeat"
	default:
		return "unknown"
	}
}

// frameHeaderSize is the type byte plus the u32 length prefix.
const frameHeaderSize = 1 + 4
