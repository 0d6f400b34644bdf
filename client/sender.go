package client

import (
	"io"
	"os"

	"github.com/google/uuid"

	"github.com/chatrelay/chatrelay/chaterr"
	"github.com/chatrelay/chatrelay/protocol"
)

// Sender implements the "/f" file-streaming procedure against a Session's
// connection: FILE_SEND_REQUEST, then the file's bytes as fixed-size
// FILE_CHUNK frames with increasing seq, then FILE_SEND_COMPLETE. Chat sends
// issued from another goroutine may freely interleave, because every write
// goes through the same transport.Conn queue and single writer.
type Sender struct {
	session   *Session
	chunkSize int
}

// NewSender builds a Sender bound to session, chunking at chunkSize bytes.
func NewSender(session *Session, chunkSize int) *Sender {
	return &Sender{session: session, chunkSize: chunkSize}
}

// Send streams the file at path to target, generating a fresh transferId.
// It returns once FILE_SEND_COMPLETE has been queued, not once the server
// has relayed every chunk - delivery confirmation is out of scope, per the
// wire protocol's fire-and-forget file relay.
func (s *Sender) Send(target, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return chaterr.Wrap(chaterr.IO, op, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return chaterr.Wrap(chaterr.IO, op, err)
	}

	transferID := uuid.NewString()

	if err := s.session.sendPacket(protocol.FileSendRequest, protocol.FileSendRequestBody{
		Target:     target,
		TransferID: transferID,
		FileName:   info.Name(),
		FileSize:   info.Size(),
	}); err != nil {
		return err
	}

	buf := make([]byte, s.chunkSize)
	var seq int32
	for {
		n, err := f.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			chunk := protocol.NewChunk(transferID, seq, data)
			if werr := s.session.conn.WriteTimeout(chunk, s.session.cfg.BackpressureTimeout); werr != nil {
				return werr
			}
			seq++
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return chaterr.Wrap(chaterr.IO, op, err)
		}
	}

	return s.session.sendPacket(protocol.FileSendComplete, protocol.FileSendCompleteBody{
		TransferID: transferID,
	})
}
