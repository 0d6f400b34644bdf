package session

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/chatrelay/chatrelay/config"
	"github.com/chatrelay/chatrelay/protocol"
	"github.com/chatrelay/chatrelay/registry"
)

// testLogger discards everything - the transport.Logger interface requires
// an implementation, and the tests care about wire behavior, not logs.
type testLogger struct{}

func (testLogger) Debug(string, ...any) {}
func (testLogger) Info(string, ...any)  {}
func (testLogger) Warn(string, ...any)  {}
func (testLogger) Error(string, ...any) {}

// peer is a raw TCP client used to drive a Session from the outside,
// encoding and decoding frames with the same protocol.FrameCodec the
// Session itself uses.
type peer struct {
	t    *testing.T
	conn *net.TCPConn
	r    *bufio.Reader
}

func newPeer(t *testing.T, conn *net.TCPConn) *peer {
	return &peer{t: t, conn: conn, r: bufio.NewReader(conn)}
}

func (p *peer) close() { p.conn.Close() }

func (p *peer) send(msg protocol.Message) {
	p.t.Helper()
	data, err := protocol.FrameCodec{}.Encode(msg)
	if err != nil {
		p.t.Fatalf("encode failed: %v", err)
	}
	if _, err := p.conn.Write(data); err != nil {
		p.t.Fatalf("write failed: %v", err)
	}
}

func (p *peer) sendPacket(typeCode protocol.PacketType, dto interface{}) {
	p.t.Helper()
	msg, err := protocol.NewPacket(typeCode, dto)
	if err != nil {
		p.t.Fatalf("NewPacket failed: %v", err)
	}
	p.send(msg)
}

func (p *peer) recvPacket() protocol.Packet {
	p.t.Helper()
	p.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	msg, err := protocol.FrameCodec{}.Decode(p.r)
	if err != nil {
		p.t.Fatalf("decode failed: %v", err)
	}
	pm, ok := msg.(*protocol.PacketMessage)
	if !ok {
		p.t.Fatalf("decoded type = %T, want *protocol.PacketMessage", msg)
	}
	return pm.Packet
}

func (p *peer) recvUntil(typeCode protocol.PacketType) protocol.Packet {
	p.t.Helper()
	for i := 0; i < 10; i++ {
		pkt := p.recvPacket()
		if pkt.TypeCode == typeCode {
			return pkt
		}
	}
	p.t.Fatalf("did not observe packet type %v within 10 frames", typeCode)
	return protocol.Packet{}
}

func (p *peer) recvChunk() protocol.Chunk {
	p.t.Helper()
	p.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	msg, err := protocol.FrameCodec{}.Decode(p.r)
	if err != nil {
		p.t.Fatalf("decode failed: %v", err)
	}
	rm, ok := msg.(protocol.RawMessage)
	if !ok {
		p.t.Fatalf("decoded type = %T, want protocol.RawMessage", msg)
	}
	chunk, err := protocol.DecodeChunk(rm.Payload)
	if err != nil {
		p.t.Fatalf("DecodeChunk failed: %v", err)
	}
	return chunk
}

// testServer wires a fresh Manager to a real TCP listener so tests can dial
// in as ordinary peers.
type testServer struct {
	t        *testing.T
	registry *registry.Registry
	addr     *net.TCPAddr
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	listener, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}

	reg := registry.New()
	cfg := config.DefaultServer()
	cfg.BackpressureTimeout = time.Second
	manager := NewManager(reg, cfg, testLogger{})

	go func() {
		for {
			conn, err := listener.AcceptTCP()
			if err != nil {
				return
			}
			go manager.Handle(conn)
		}
	}()

	t.Cleanup(func() { listener.Close() })

	return &testServer{t: t, registry: reg, addr: listener.Addr().(*net.TCPAddr)}
}

func (s *testServer) connect() *peer {
	s.t.Helper()
	conn, err := net.DialTCP("tcp", nil, s.addr)
	if err != nil {
		s.t.Fatalf("dial failed: %v", err)
	}
	p := newPeer(s.t, conn)
	hello := p.recvUntil(protocol.ConnectSuccess)
	if hello.TypeCode != protocol.ConnectSuccess {
		s.t.Fatalf("expected CONNECT_SUCCESS, got %v", hello.TypeCode)
	}
	return p
}
