// Package session implements the server-side per-client state machine:
// name registration, chat fan-out, whisper routing, file-relay routing and
// disconnect accounting. A Session owns exactly one transport.Conn and one
// registry.ClientData; it runs entirely on that connection's reader
// goroutine (see transport.Conn.Run), so nothing here needs to guard its
// own state against concurrent callers except the registry it shares with
// every other Session and the per-Session transferTable (see its own doc).
package session

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/chatrelay/chatrelay/chaterr"
	"github.com/chatrelay/chatrelay/config"
	"github.com/chatrelay/chatrelay/protocol"
	"github.com/chatrelay/chatrelay/registry"
	"github.com/chatrelay/chatrelay/transport"
)

const op = "session"

// errDisconnectRequested is returned by the DISCONNECT_REQUEST handler to
// unwind the read loop without treating the disconnect as a failure.
var errDisconnectRequested = chaterr.New(chaterr.IO, op, "client requested disconnect")

// Session is the server-side state machine for one connected client. Its
// state (UNNAMED vs NAMED) is just registry.ClientData.HasName(); CLOSING
// and CLOSED are represented implicitly by closeOnce having (not) run.
type Session struct {
	id            string
	conn          *transport.Conn
	registry      *registry.Registry
	client        *registry.ClientData
	transferTable *transferTable
	logger        transport.Logger
	cfg           config.Server

	closeOnce sync.Once
}

// Manager implements transport.Handler: it builds a fresh Session for every
// accepted connection and registers it before the connection starts
// exchanging frames.
type Manager struct {
	Registry *registry.Registry
	Config   config.Server
	Logger   transport.Logger
}

// NewManager builds a Manager ready to hand to transport.Server.Serve.
func NewManager(reg *registry.Registry, cfg config.Server, logger transport.Logger) *Manager {
	return &Manager{Registry: reg, Config: cfg, Logger: logger}
}

// Handle is called once per accepted connection. It builds the Session,
// enters it into the registry, sends CONNECT_SUCCESS, then blocks running
// the connection's read/write loops until the client disconnects or a
// fatal error occurs - at which point the finally-equivalent cleanup
// (registry removal, DISCONNECT_INFO broadcast, connection close) always
// runs, exactly once.
func (m *Manager) Handle(raw *net.TCPConn) {
	s := &Session{
		id:            uuid.NewString(),
		registry:      m.Registry,
		transferTable: newTransferTable(),
		logger:        m.Logger,
		cfg:           m.Config,
	}
	s.client = registry.NewClientData(s.id, nil)

	conn, err := transport.NewConn(raw,
		transport.ConnOptionsForServer(m.Config, protocol.FrameCodec{}, s.onMessage, m.Logger)...,
	)
	if err != nil {
		m.Logger.Error("failed to build connection", "error", err)
		raw.Close()
		return
	}

	s.conn = conn
	s.client.Conn = conn
	m.Registry.Add(s.client)

	if hello, err := protocol.NewPacket(protocol.ConnectSuccess, protocol.ConnectSuccessBody{
		Message: "connected",
	}); err == nil {
		_ = s.conn.WriteTimeout(hello, m.Config.BackpressureTimeout)
	}

	runErr := conn.Run(context.Background())
	s.disconnect(runErr)
}

// disconnect performs the distilled spec's disconnect procedure exactly
// once, however the Session ended: peer close, explicit DISCONNECT_REQUEST,
// or a fatal read/write error.
func (s *Session) disconnect(cause error) {
	s.closeOnce.Do(func() {
		name := s.client.Name()
		sent := s.client.Sent()
		received := s.client.Received()

		s.registry.Remove(s.id)

		if cause != nil && cause != errDisconnectRequested {
			s.logger.Info("session ended with error", "id", s.id, "name", name, "error", cause)
		} else {
			s.logger.Info("session ended", "id", s.id, "name", name)
		}

		if name != "" {
			info, err := protocol.NewPacket(protocol.DisconnectInfo, protocol.DisconnectInfoBody{
				Target:   name,
				Sent:     sent,
				Received: received,
			})
			if err == nil {
				// Best-effort: by this point s.conn is usually already
				// closed (transport.Conn.Run closes it before returning),
				// so this call typically fails - that is expected, not a
				// bug, and is exactly the "best-effort; may fail" case the
				// distilled spec calls out.
				_ = s.conn.WriteTimeout(info, s.cfg.BackpressureTimeout)

				for _, other := range s.registry.SnapshotExcept(s.id) {
					if err := other.Conn.WriteTimeout(info, s.cfg.BackpressureTimeout); err != nil {
						other.Conn.Close()
					}
				}
			}
		}

		s.conn.Close()
	})
}

// onMessage is the transport.Conn message handler: it is called once per
// decoded frame, on the connection's own reader goroutine.
func (s *Session) onMessage(msg transport.Message) error {
	switch m := msg.(type) {
	case *protocol.PacketMessage:
		return s.dispatchPacket(m.Packet)
	case protocol.RawMessage:
		return s.relayChunk(m)
	case protocol.ReservedMessage:
		s.logger.Debug("ignoring reserved frame", "type", m.FT)
		return nil
	default:
		return chaterr.New(chaterr.Protocol, op, fmt.Sprintf("unrecognized message type %T", msg))
	}
}

func (s *Session) sendSelf(typeCode protocol.PacketType, dto interface{}) {
	msg, err := protocol.NewPacket(typeCode, dto)
	if err != nil {
		s.logger.Warn("failed to encode outbound packet", "type", typeCode, "error", err)
		return
	}
	if err := s.conn.WriteTimeout(msg, s.cfg.BackpressureTimeout); err != nil {
		s.logger.Debug("failed to deliver packet to self", "type", typeCode, "error", err)
	}
}
