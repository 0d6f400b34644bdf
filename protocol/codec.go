// Package protocol implements the wire-level Framer and Codec: the
// length-prefixed frame envelope, the JSON control Packet, and the binary
// FileChunk layout. It is the concrete transport.Codec this repo plugs into
// package transport's connection and server primitives.
package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/chatrelay/chatrelay/chaterr"
	"github.com/chatrelay/chatrelay/transport"
)

const op = "protocol"

func errMissingField(name string) error {
	return chaterr.New(chaterr.Protocol, op, fmt.Sprintf("missing required field %q", name))
}

// Message is what every value flowing through a transport.Conn in this
// module actually is: something transport.Message-shaped that also knows
// which frame type it belongs in.
type Message interface {
	Length() int
	Body() []byte
	FrameType() FrameType
}

// Packet is the decoded {typeCode, body} pair carried inside a
// FrameJSONPacket frame.
type Packet struct {
	TypeCode PacketType
	Body     []byte // raw JSON
}

// Unmarshal decodes a Packet's body into a concrete DTO.
func Unmarshal(p Packet, out interface{}) error {
	if err := json.Unmarshal(p.Body, out); err != nil {
		return chaterr.Wrap(chaterr.Protocol, op, err)
	}
	return nil
}

// validator is implemented by DTOs that need a required-field check beyond
// what json.Unmarshal already gives them for free.
type validator interface {
	Validate() error
}

// validateBody decodes body into the DTO matching typeCode purely to run
// its Validate method, surfacing a chaterr.Protocol error on a missing
// required field.
func validateBody(typeCode PacketType, body []byte) error {
	var v validator
	switch typeCode {
	case RegisterName:
		var b RegisterNameBody
		if err := json.Unmarshal(body, &b); err != nil {
			return chaterr.Wrap(chaterr.Protocol, op, err)
		}
		v = b
	case UpdateName:
		var b UpdateNameBody
		if err := json.Unmarshal(body, &b); err != nil {
			return chaterr.Wrap(chaterr.Protocol, op, err)
		}
		v = b
	case Whisper:
		var b WhisperBody
		if err := json.Unmarshal(body, &b); err != nil {
			return chaterr.Wrap(chaterr.Protocol, op, err)
		}
		v = b
	case FileSendRequest:
		var b FileSendRequestBody
		if err := json.Unmarshal(body, &b); err != nil {
			return chaterr.Wrap(chaterr.Protocol, op, err)
		}
		v = b
	case FileSendComplete:
		var b FileSendCompleteBody
		if err := json.Unmarshal(body, &b); err != nil {
			return chaterr.Wrap(chaterr.Protocol, op, err)
		}
		v = b
	default:
		return nil
	}
	return v.Validate()
}

// PacketMessage is a Message wrapping one Packet, ready to hand to
// transport.Conn.WriteTimeout (outbound) or produced by FrameCodec.Decode
// (inbound).
type PacketMessage struct {
	Packet Packet
	raw    []byte // length|typeCode|body, precomputed
}

// NewPacket builds a PacketMessage from a typeCode and a DTO, marshaling
// dto to JSON once at construction so Length/Body are free thereafter.
func NewPacket(typeCode PacketType, dto interface{}) (*PacketMessage, error) {
	body, err := json.Marshal(dto)
	if err != nil {
		return nil, chaterr.Wrap(chaterr.Protocol, op, err)
	}
	return &PacketMessage{
		Packet: Packet{TypeCode: typeCode, Body: body},
		raw:    encodePacket(typeCode, body),
	}, nil
}

func encodePacket(typeCode PacketType, body []byte) []byte {
	// length = 8 (the length field itself + the typeCode field) + len(body)
	length := 8 + len(body)
	buf := make([]byte, length)
	binary.BigEndian.PutUint32(buf[0:4], uint32(length))
	binary.BigEndian.PutUint32(buf[4:8], uint32(typeCode))
	copy(buf[8:], body)
	return buf
}

func (m *PacketMessage) Length() int          { return len(m.raw) }
func (m *PacketMessage) Body() []byte         { return m.raw }
func (m *PacketMessage) FrameType() FrameType { return FrameJSONPacket }

// HighPriority reports true for control frames (name registration, chat,
// whisper, FILE_SEND_REQUEST, DISCONNECT_INFO), which belong on
// transport.Conn's control queue. FILE_SEND_COMPLETE reports false: it goes
// on the bulk queue behind the transfer's chunks, so it never reaches the
// wire ahead of them.
func (m *PacketMessage) HighPriority() bool { return m.Packet.TypeCode != FileSendComplete }

// ChunkMessage is a Message wrapping one outbound Chunk. FrameCodec.Decode
// never produces one - an inbound FILE_CHUNK frame decodes to a RawMessage
// instead, since the only inbound consumers are the relay (wants just the
// transferId) and the receiving client (wants the fully parsed Chunk); this
// type exists purely so the sending side can build a frame from Chunk
// fields without hand-rolling encodeChunk at every call site.
type ChunkMessage struct {
	Chunk Chunk
	Raw   []byte // Chunk laid out by encodeChunk: the frame payload to send
}

func (m *ChunkMessage) Length() int          { return len(m.Raw) }
func (m *ChunkMessage) Body() []byte         { return m.Raw }
func (m *ChunkMessage) FrameType() FrameType { return FrameFileChunk }

// HighPriority reports false: a chunk is bulk file-transfer data and must
// queue behind any pending control traffic, never ahead of it.
func (m *ChunkMessage) HighPriority() bool { return false }

// NewChunk builds an outbound ChunkMessage from its fields.
func NewChunk(transferID string, seq int32, data []byte) *ChunkMessage {
	c := Chunk{TransferID: transferID, Seq: seq, Data: data}
	return &ChunkMessage{Chunk: c, Raw: encodeChunk(c)}
}

// RawMessage carries a frame's payload verbatim, without re-encoding it.
// The relay path uses this to forward a FILE_CHUNK frame byte-for-byte:
// the server never re-parses or reconstructs chunk payloads it forwards.
type RawMessage struct {
	FT      FrameType
	Payload []byte
}

func (m RawMessage) Length() int          { return len(m.Payload) }
func (m RawMessage) Body() []byte         { return m.Payload }
func (m RawMessage) FrameType() FrameType { return m.FT }

// HighPriority defers to the frame type actually carried: session.relayChunk
// also sends RawMessage for FILE_CHUNK forwarding, so only a wrapped
// FrameJSONPacket payload counts as control traffic here.
func (m RawMessage) HighPriority() bool { return m.FT == FrameJSONPacket }

// ReservedMessage represents a FILE_CONTROL or HEARTBEAT frame: recognized
// well enough to skip cleanly, never acted upon.
type ReservedMessage struct {
	FT      FrameType
	Payload []byte
}

func (m ReservedMessage) Length() int          { return len(m.Payload) }
func (m ReservedMessage) Body() []byte         { return m.Payload }
func (m ReservedMessage) FrameType() FrameType { return m.FT }

// HighPriority reports false: reserved frames are never produced outbound
// by this repo, but if one ever were, it is not chat/whisper control
// traffic and does not need to preempt a chunk backlog.
func (m ReservedMessage) HighPriority() bool { return false }

// FrameCodec implements transport.Codec for the wire format in full: the
// outer type|length|payload envelope, the JSON Packet envelope nested
// inside a FrameJSONPacket frame, and the binary Chunk layout nested inside
// a FrameFileChunk frame.
type FrameCodec struct{}

// Decode reads exactly one frame from r. It never returns a partial frame:
// either the whole envelope is read and parsed, or an error is returned and
// the stream is considered unusable (io.EOF/io.ErrUnexpectedEOF surface as
// chaterr.IO; anything about the bytes not making sense as a frame
// surfaces as chaterr.Protocol).
func (FrameCodec) Decode(r io.Reader) (transport.Message, error) {
	header, err := readExact(r, frameHeaderSize)
	if err != nil {
		return nil, err
	}

	ft := FrameType(header[0])
	rawLen := binary.BigEndian.Uint32(header[1:5])
	if int32(rawLen) < 0 {
		return nil, chaterr.New(chaterr.Protocol, op, "negative frame length")
	}

	payload, err := readExact(r, int(rawLen))
	if err != nil {
		return nil, err
	}

	switch ft {
	case FrameJSONPacket:
		return decodePacketPayload(payload)
	case FrameFileChunk:
		// A FILE_CHUNK frame decodes to its raw payload, not a parsed Chunk:
		// every relayed chunk passes through here once per hop, and the
		// relay (session.relayChunk) only ever needs the transferId, peeled
		// off with PeekTransferID. Parsing the full Chunk - and paying for
		// the structural checks that come with it - is deferred to the one
		// place that actually reassembles a file: client.Session.handleChunk.
		return RawMessage{FT: FrameFileChunk, Payload: payload}, nil
	case FrameFileControl, FrameHeartbeat:
		return ReservedMessage{FT: ft, Payload: payload}, nil
	default:
		return nil, chaterr.New(chaterr.Protocol, op, fmt.Sprintf("unknown frame type 0x%02x", byte(ft)))
	}
}

// Encode produces the complete wire bytes (type|length|payload) for msg.
// msg must be one of this package's Message implementations - anything
// else is a programmer error, since only this package's types know their
// own FrameType.
func (FrameCodec) Encode(msg transport.Message) ([]byte, error) {
	fm, ok := msg.(Message)
	if !ok {
		return nil, chaterr.New(chaterr.Protocol, op, fmt.Sprintf("cannot encode message of type %T", msg))
	}

	body := fm.Body()
	out := make([]byte, frameHeaderSize+len(body))
	out[0] = byte(fm.FrameType())
	binary.BigEndian.PutUint32(out[1:5], uint32(len(body)))
	copy(out[5:], body)
	return out, nil
}

func decodePacketPayload(payload []byte) (*PacketMessage, error) {
	if len(payload) < 8 {
		return nil, chaterr.New(chaterr.Protocol, op, "packet payload shorter than envelope")
	}

	innerLen := binary.BigEndian.Uint32(payload[0:4])
	if int(innerLen) != len(payload) {
		return nil, chaterr.New(chaterr.Protocol, op, "packet length field does not match payload size")
	}

	typeCode := PacketType(int32(binary.BigEndian.Uint32(payload[4:8])))
	if !knownTypes[typeCode] {
		return nil, chaterr.New(chaterr.Protocol, op, fmt.Sprintf("unknown packet typeCode %d", typeCode))
	}

	body := payload[8:]
	if err := validateBody(typeCode, body); err != nil {
		return nil, err
	}

	return &PacketMessage{Packet: Packet{TypeCode: typeCode, Body: body}, raw: payload}, nil
}

// readExact grows its buffer as bytes arrive instead of allocating n up
// front, so a forged length costs no more memory than the bytes actually read.
func readExact(r io.Reader, n int) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := io.CopyN(&buf, r, int64(n)); err != nil {
		if err == io.EOF && buf.Len() > 0 {
			err = io.ErrUnexpectedEOF
		}
		return nil, chaterr.Wrap(chaterr.IO, op, err)
	}
	return buf.Bytes(), nil
}
