package server

import (
	"fmt"

	"github.com/mpavel/chatrelay/pkg/protocol"
)

// relayPhase tracks a session's position in the two-phase file transfer.
type relayPhase uint8

const (
	relayIdle        relayPhase = iota
	relayAwaitingAck            // initiate validated, begin notice not yet sent
	relayActive                 // chunks stream to the target until transfer end
)

// relayState is the sending side of a file transfer. The server never
// touches the file contents; it forwards chunks verbatim between the two
// sessions.
type relayState struct {
	phase  relayPhase
	target *Session
	file   string
}

// armRelay records the destination for a validated transfer request.
func (s *Server) armRelay(sess *Session, target *Session, file string) {
	sess.relay = relayState{phase: relayAwaitingAck, target: target, file: file}
}

// beginRelay forwards the transfer-begin notice carrying the file name to
// the destination and opens the chunk stream.
func (s *Server) beginRelay(sess *Session) error {
	rs := &sess.relay
	if rs.phase != relayAwaitingAck {
		return nil
	}
	if err := rs.target.Conn.SendText(protocol.CmdFileBegin, rs.file); err != nil {
		sess.relay = relayState{}
		return fmt.Errorf("failed to forward transfer begin: %w", err)
	}
	rs.phase = relayActive
	return nil
}

// relayChunk forwards one chunk verbatim to the armed destination. A chunk
// with no transfer armed is dropped; the sender may still be streaming after
// the relay was torn down underneath it.
func (s *Server) relayChunk(sess *Session, payload []byte) error {
	if len(payload) > protocol.MaxChunkSize {
		return fmt.Errorf("file chunk of %d bytes exceeds the %d byte limit",
			len(payload), protocol.MaxChunkSize)
	}

	rs := &sess.relay
	if rs.phase != relayActive {
		s.debugf("slot %d: dropping stray file chunk (%d bytes)", sess.Slot, len(payload))
		return nil
	}
	if err := rs.target.Conn.Send(protocol.CmdFileChunk, payload); err != nil {
		sess.relay = relayState{}
		return fmt.Errorf("failed to forward file chunk: %w", err)
	}
	s.metrics.RecordRelayChunk(len(payload))
	return nil
}

// relayEnd forwards the completion notice, naming the sender, and disarms
// the relay.
func (s *Server) relayEnd(sess *Session) error {
	rs := &sess.relay
	if rs.phase != relayActive {
		return sess.Conn.SendText(protocol.CmdFileEnd, respNoTransfer)
	}

	username, _ := s.registry.Username(sess)
	target := rs.target
	sess.relay = relayState{}
	if err := target.Conn.SendText(protocol.CmdFileEnd, username); err != nil {
		return fmt.Errorf("failed to forward transfer end: %w", err)
	}
	return nil
}
