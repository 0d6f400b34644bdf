package session

import (
	"fmt"

	"github.com/chatrelay/chatrelay/protocol"
	"github.com/chatrelay/chatrelay/registry"
)

// packetHandler processes one decoded Packet on the owning Session's
// reader goroutine.
type packetHandler func(*Session, protocol.Packet) error

// dispatch is the typeCode-to-handler table the distilled spec's own design
// notes ask for in place of a long switch or a virtual-hierarchy dispatch.
// Packet types this server only ever sends (CONNECT_SUCCESS,
// REGISTER_NAME_SUCCESS, SERVER_INFO, ...) have no entry here; receiving
// one from a client is off-protocol but not fatal, so it is logged and
// dropped in dispatchPacket rather than added to this table.
var dispatch = map[protocol.PacketType]packetHandler{
	protocol.RegisterName:      (*Session).handleRegisterName,
	protocol.UpdateName:        (*Session).handleUpdateName,
	protocol.DisconnectRequest: (*Session).handleDisconnectRequest,
	protocol.ChatMessage:       (*Session).handleChatMessage,
	protocol.Whisper:           (*Session).handleWhisper,
	protocol.FileSendRequest:   (*Session).handleFileSendRequest,
	protocol.FileSendComplete:  (*Session).handleFileSendComplete,
}

func (s *Session) dispatchPacket(p protocol.Packet) error {
	handler, ok := dispatch[p.TypeCode]
	if !ok {
		s.logger.Debug("ignoring packet with no server-side handler", "type", p.TypeCode)
		return nil
	}
	return handler(s, p)
}

func (s *Session) handleRegisterName(p protocol.Packet) error {
	var body protocol.RegisterNameBody
	if err := protocol.Unmarshal(p, &body); err != nil {
		return err
	}

	if s.client.HasName() {
		s.logger.Debug("ignoring REGISTER_NAME on an already-named session", "id", s.id)
		return nil
	}

	if registry.IsBlank(body.Name) {
		s.sendSelf(protocol.NameCannotBeBlank, protocol.NameCannotBeBlankBody{
			Message: "name cannot be blank",
		})
		return nil
	}

	if !s.registry.TryClaimName(s.client, body.Name) {
		s.sendSelf(protocol.NameCannotBeDuplicated, protocol.NameCannotBeDuplicatedBody{
			Message: fmt.Sprintf("name %q is already taken", body.Name),
		})
		return nil
	}

	s.sendSelf(protocol.RegisterNameSuccess, protocol.RegisterNameSuccessBody{
		ID:   s.id,
		Name: body.Name,
	})

	entered, err := protocol.NewPacket(protocol.UserEntered, protocol.UserEnteredBody{
		ID:   s.id,
		Name: body.Name,
	})
	if err == nil {
		s.broadcast(entered)
	}
	return nil
}

func (s *Session) handleUpdateName(p protocol.Packet) error {
	var body protocol.UpdateNameBody
	if err := protocol.Unmarshal(p, &body); err != nil {
		return err
	}

	if !s.client.HasName() {
		s.logger.Debug("ignoring UPDATE_NAME on an unnamed session", "id", s.id)
		return nil
	}

	oldName := s.client.Name()

	if registry.IsBlank(body.NewName) {
		s.sendSelf(protocol.NameCannotBeBlank, protocol.NameCannotBeBlankBody{
			Message: "name cannot be blank",
		})
		return nil
	}

	if !s.registry.TryClaimName(s.client, body.NewName) {
		s.sendSelf(protocol.NameCannotBeDuplicated, protocol.NameCannotBeDuplicatedBody{
			Message: fmt.Sprintf("name %q is already taken", body.NewName),
		})
		return nil
	}

	success, err := protocol.NewPacket(protocol.UpdateNameSuccess, protocol.UpdateNameSuccessBody{
		OldName: oldName,
		NewName: body.NewName,
	})
	if err != nil {
		return err
	}

	if err := s.conn.WriteTimeout(success, s.cfg.BackpressureTimeout); err != nil {
		s.logger.Debug("failed to deliver UPDATE_NAME_SUCCESS to self", "error", err)
	}
	s.broadcast(success)
	return nil
}

func (s *Session) handleDisconnectRequest(p protocol.Packet) error {
	return errDisconnectRequested
}

func (s *Session) handleChatMessage(p protocol.Packet) error {
	if !s.client.HasName() {
		return nil
	}

	var body protocol.ChatMessageBody
	if err := protocol.Unmarshal(p, &body); err != nil {
		return err
	}

	out, err := protocol.NewPacket(protocol.ChatMessage, protocol.ChatMessageBody{
		Sender:  s.client.Name(),
		Message: body.Message,
	})
	if err != nil {
		return err
	}

	s.client.IncSent()
	s.broadcast(out)
	return nil
}

// broadcast enqueues msg onto every other connected client's outbound
// queue, incrementing each recipient's received counter on success and
// closing any peer whose queue stays full past the backpressure timeout
// (per §7: a BACKPRESSURE peer is treated as unhealthy).
func (s *Session) broadcast(msg *protocol.PacketMessage) {
	for _, other := range s.registry.SnapshotExcept(s.id) {
		if err := other.Conn.WriteTimeout(msg, s.cfg.BackpressureTimeout); err != nil {
			s.logger.Warn("closing unresponsive peer", "id", other.ID, "error", err)
			other.Conn.Close()
			continue
		}
		other.IncReceived()
	}
}

func (s *Session) handleWhisper(p protocol.Packet) error {
	if !s.client.HasName() {
		return nil
	}

	var body protocol.WhisperBody
	if err := protocol.Unmarshal(p, &body); err != nil {
		return err
	}

	target := s.registry.FindByName(body.Target)
	if target == nil {
		s.sendSelf(protocol.UserNotExists, protocol.UserNotExistsBody{
			Message: fmt.Sprintf("user %q does not exist", body.Target),
		})
		return nil
	}

	sender := s.client.Name()

	toTarget, err := protocol.NewPacket(protocol.WhisperToTarget, protocol.WhisperToTargetBody{
		Sender:  sender,
		Target:  body.Target,
		Message: body.Message,
	})
	if err != nil {
		return err
	}
	toSender, err := protocol.NewPacket(protocol.WhisperToSender, protocol.WhisperToSenderBody{
		Sender:  sender,
		Target:  body.Target,
		Message: body.Message,
	})
	if err != nil {
		return err
	}

	s.client.IncSent()

	if err := target.Conn.WriteTimeout(toTarget, s.cfg.BackpressureTimeout); err != nil {
		s.logger.Warn("closing unresponsive whisper target", "id", target.ID, "error", err)
		target.Conn.Close()
	} else {
		target.IncReceived()
	}

	if err := s.conn.WriteTimeout(toSender, s.cfg.BackpressureTimeout); err != nil {
		s.logger.Debug("failed to deliver WHISPER_TO_SENDER to self", "error", err)
	}
	return nil
}

func (s *Session) handleFileSendRequest(p protocol.Packet) error {
	if !s.client.HasName() {
		return nil
	}

	var body protocol.FileSendRequestBody
	if err := protocol.Unmarshal(p, &body); err != nil {
		return err
	}

	target := s.registry.FindByName(body.Target)
	if target == nil {
		s.sendSelf(protocol.UserNotExists, protocol.UserNotExistsBody{
			Message: fmt.Sprintf("user %q does not exist", body.Target),
		})
		return nil
	}

	s.transferTable.set(body.TransferID, target.ID)

	forward, err := protocol.NewPacket(protocol.FileSendRequest, body)
	if err != nil {
		return err
	}
	if err := target.Conn.WriteTimeout(forward, s.cfg.BackpressureTimeout); err != nil {
		s.logger.Warn("closing unresponsive file-transfer target", "id", target.ID, "error", err)
		target.Conn.Close()
	}
	return nil
}

func (s *Session) handleFileSendComplete(p protocol.Packet) error {
	var body protocol.FileSendCompleteBody
	if err := protocol.Unmarshal(p, &body); err != nil {
		return err
	}

	targetID, ok := s.transferTable.get(body.TransferID)
	if !ok {
		s.logger.Debug("FILE_SEND_COMPLETE for unknown transferId", "transferId", body.TransferID)
		return nil
	}
	s.transferTable.delete(body.TransferID)

	target := s.registry.Lookup(targetID)
	if target == nil {
		return nil
	}

	forward, err := protocol.NewPacket(protocol.FileSendComplete, body)
	if err != nil {
		return err
	}
	if err := target.Conn.WriteTimeout(forward, s.cfg.BackpressureTimeout); err != nil {
		s.logger.Warn("closing unresponsive file-transfer target", "id", target.ID, "error", err)
		target.Conn.Close()
	}
	return nil
}

// relayChunk forwards one FILE_CHUNK frame's payload byte-for-byte to the
// session that owns its transferId, without re-encoding it. It never parses
// the chunk beyond peeling off the transferId prefix - the relay does not
// care about seq or the data length, only where the bytes go. An unknown
// transferId (transfer never requested, already completed, or the sender
// is confused) is dropped silently and logged - there is no control
// channel to report a chunk-level error back on, per §7.
func (s *Session) relayChunk(m protocol.RawMessage) error {
	transferID, err := protocol.PeekTransferID(m.Payload)
	if err != nil {
		s.logger.Debug("dropping malformed file chunk", "error", err)
		return nil
	}

	targetID, ok := s.transferTable.get(transferID)
	if !ok {
		s.logger.Debug("dropping file chunk with unknown transferId", "transferId", transferID)
		return nil
	}

	target := s.registry.Lookup(targetID)
	if target == nil {
		s.logger.Debug("dropping file chunk: target no longer connected", "transferId", transferID)
		return nil
	}

	if err := target.Conn.WriteTimeout(m, s.cfg.BackpressureTimeout); err != nil {
		s.logger.Warn("closing unresponsive file-transfer target", "id", target.ID, "error", err)
		target.Conn.Close()
	}
	return nil
}
