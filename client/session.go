// Package client implements the client-side mirror of the server's session
// state machine: it tracks local registration state, reassembles incoming
// file transfers by transferId, turns operator input into outbound control
// messages, and streams outbound files in fixed-size chunks. It knows the
// same wire protocol as package session but never the registry - a client
// only ever sees its own connection.
package client

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/chatrelay/chatrelay/chaterr"
	"github.com/chatrelay/chatrelay/config"
	"github.com/chatrelay/chatrelay/protocol"
	"github.com/chatrelay/chatrelay/transport"
)

const op = "client"

// CommandSource yields the next operator command, or ("", false) when there
// is nothing left to send (EOF on stdin, a closed test channel, ...).
type CommandSource func() (string, bool)

// incomingTransfer tracks reassembly bookkeeping for one FILE_CHUNK stream
// this client is receiving. It does not buffer chunk data itself - that is
// the OnChunk callback's job (typically: write straight to a file).
type incomingTransfer struct {
	fileName      string
	totalSize     int64
	receivedSize  int64
}

// Session is the client-side state machine for one connection. It runs
// entirely on that connection's reader goroutine, same as session.Session.
type Session struct {
	conn   *transport.Conn
	cfg    config.Client
	logger transport.Logger

	mu         sync.Mutex
	registered bool
	name       string
	incoming   map[string]*incomingTransfer

	onPacket    func(protocol.Packet)
	onChunk     func(transferID string, seq int32, data []byte, done bool)
	fileCommand func(target, path string) error
}

// NewSession builds a client Session ready to be driven by transport.Conn.Run.
// Callers must call OnPacket/OnChunk before Run to receive anything useful;
// both default to no-ops.
func NewSession(cfg config.Client, logger transport.Logger) *Session {
	return &Session{
		cfg:      cfg,
		logger:   logger,
		incoming: make(map[string]*incomingTransfer),
		onPacket: func(protocol.Packet) {},
		onChunk:  func(string, int32, []byte, bool) {},
		fileCommand: func(string, string) error {
			return chaterr.New(chaterr.Validation, op, "/f is not configured on this session")
		},
	}
}

// OnFileCommand registers the hook invoked for a "/f <target> <path>"
// command. cmd/chatclient wires this to a Sender.Send call; tests can stub
// it to observe which files were requested without touching a filesystem.
func (s *Session) OnFileCommand(fn func(target, path string) error) {
	s.fileCommand = fn
}

// OnPacket registers the hook invoked once per decoded control Packet
// (including the ones this Session itself interprets, like
// REGISTER_NAME_SUCCESS - the reference terminal renderer prints everything).
func (s *Session) OnPacket(fn func(protocol.Packet)) {
	s.onPacket = fn
}

// OnChunk registers the hook invoked once per received file-transfer slice.
// done is true on the call that observed receivedSize >= totalSize.
func (s *Session) OnChunk(fn func(transferID string, seq int32, data []byte, done bool)) {
	s.onChunk = fn
}

// Dial connects to addr and returns a Session wrapping the resulting
// transport.Conn. Run has not been called yet.
func Dial(addr string, cfg config.Client, logger transport.Logger) (*Session, error) {
	raddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, chaterr.Wrap(chaterr.IO, op, err)
	}
	raw, err := net.DialTCP("tcp", nil, raddr)
	if err != nil {
		return nil, chaterr.Wrap(chaterr.IO, op, err)
	}

	s := NewSession(cfg, logger)
	conn, err := transport.NewConn(raw,
		transport.ConnOptionsForClient(cfg, protocol.FrameCodec{}, s.onMessage, logger)...,
	)
	if err != nil {
		raw.Close()
		return nil, err
	}
	s.conn = conn
	return s, nil
}

// Run blocks running the connection's read/write loops until the server
// closes the connection or ctx is cancelled.
func (s *Session) Run(ctx context.Context) error {
	return s.conn.Run(ctx)
}

// Registered reports whether REGISTER_NAME_SUCCESS has been observed.
func (s *Session) Registered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registered
}

// Name returns the last name this client successfully registered or renamed
// to, or "" before the first REGISTER_NAME_SUCCESS.
func (s *Session) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

func (s *Session) onMessage(msg transport.Message) error {
	switch m := msg.(type) {
	case *protocol.PacketMessage:
		s.handlePacket(m.Packet)
		return nil
	case protocol.RawMessage:
		chunk, err := protocol.DecodeChunk(m.Payload)
		if err != nil {
			return err
		}
		s.handleChunk(chunk)
		return nil
	case protocol.ReservedMessage:
		s.logger.Debug("ignoring reserved frame", "type", m.FT)
		return nil
	default:
		return chaterr.New(chaterr.Protocol, op, fmt.Sprintf("unrecognized message type %T", msg))
	}
}

func (s *Session) handlePacket(p protocol.Packet) {
	switch p.TypeCode {
	case protocol.RegisterNameSuccess:
		var body protocol.RegisterNameSuccessBody
		if err := protocol.Unmarshal(p, &body); err == nil {
			s.mu.Lock()
			s.registered = true
			s.name = body.Name
			s.mu.Unlock()
		}
	case protocol.UpdateNameSuccess:
		var body protocol.UpdateNameSuccessBody
		if err := protocol.Unmarshal(p, &body); err == nil {
			s.mu.Lock()
			s.name = body.NewName
			s.mu.Unlock()
		}
	case protocol.FileSendRequest:
		var body protocol.FileSendRequestBody
		if err := protocol.Unmarshal(p, &body); err == nil {
			s.mu.Lock()
			s.incoming[body.TransferID] = &incomingTransfer{fileName: body.FileName, totalSize: body.FileSize}
			s.mu.Unlock()
		}
	case protocol.FileSendComplete:
		var body protocol.FileSendCompleteBody
		if err := protocol.Unmarshal(p, &body); err == nil {
			s.mu.Lock()
			delete(s.incoming, body.TransferID)
			s.mu.Unlock()
		}
	}
	s.onPacket(p)
}

func (s *Session) handleChunk(c protocol.Chunk) {
	s.mu.Lock()
	t, ok := s.incoming[c.TransferID]
	done := false
	if ok {
		t.receivedSize += int64(len(c.Data))
		if t.receivedSize >= t.totalSize {
			done = true
			delete(s.incoming, c.TransferID)
		}
	}
	s.mu.Unlock()

	s.onChunk(c.TransferID, c.Seq, c.Data, done)
}

// Send delivers one command produced by a CommandSource. It splits on the
// first token per the reference client's rules: "/n <name>" registers or
// renames, "/w <name> <msg>" whispers, "/f <name> <path>" starts a file
// send, "exit" requests a graceful disconnect, anything else is a broadcast
// chat message. Validation here is local-only convenience (an empty target)
// - the server is authoritative for every business rule.
func (s *Session) Send(line string) error {
	fields := strings.SplitN(strings.TrimSpace(line), " ", 2)
	cmd := fields[0]

	switch cmd {
	case "exit":
		return s.sendPacket(protocol.DisconnectRequest, protocol.DisconnectRequestBody{})

	case "/n":
		if len(fields) < 2 || strings.TrimSpace(fields[1]) == "" {
			return chaterr.New(chaterr.Validation, op, "/n requires a name")
		}
		name := strings.TrimSpace(fields[1])
		if s.Registered() {
			return s.sendPacket(protocol.UpdateName, protocol.UpdateNameBody{NewName: name})
		}
		return s.sendPacket(protocol.RegisterName, protocol.RegisterNameBody{Name: name})

	case "/w":
		if len(fields) < 2 {
			return chaterr.New(chaterr.Validation, op, "/w requires a target and a message")
		}
		rest := strings.SplitN(fields[1], " ", 2)
		if len(rest) < 2 {
			return chaterr.New(chaterr.Validation, op, "/w requires a target and a message")
		}
		return s.sendPacket(protocol.Whisper, protocol.WhisperBody{Target: rest[0], Message: rest[1]})

	case "/f":
		if len(fields) < 2 {
			return chaterr.New(chaterr.Validation, op, "/f requires a target and a file path")
		}
		rest := strings.SplitN(fields[1], " ", 2)
		if len(rest) < 2 {
			return chaterr.New(chaterr.Validation, op, "/f requires a target and a file path")
		}
		return s.fileCommand(rest[0], rest[1])

	default:
		return s.sendPacket(protocol.ChatMessage, protocol.ChatMessageBody{Message: line})
	}
}

func (s *Session) sendPacket(typeCode protocol.PacketType, dto interface{}) error {
	msg, err := protocol.NewPacket(typeCode, dto)
	if err != nil {
		return err
	}
	return s.conn.WriteTimeout(msg, s.cfg.BackpressureTimeout)
}

// RunCommands drains src until it is exhausted or ctx is cancelled, calling
// Send for every non-empty line. Errors from an individual Send are logged
// and do not stop the loop - a single malformed command should not kill an
// interactive session.
func (s *Session) RunCommands(ctx context.Context, src CommandSource) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, ok := src()
		if !ok {
			return
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		if err := s.Send(line); err != nil {
			s.logger.Warn("command failed", "error", err)
		}
		if line == "exit" {
			return
		}
	}
}
