package server

import (
	"errors"
	"fmt"
	"log"
	"regexp"
	"strconv"
	"strings"

	"github.com/mpavel/chatrelay/pkg/protocol"
	"github.com/mpavel/chatrelay/pkg/store"
)

// Response texts sent to clients. A business-rule failure is answered as
// text and leaves the session open; only transport and storage faults are
// connection-fatal.
const (
	respAdmitted           = "OK!"
	respSuccess            = "Success\n"
	respGoodbye            = "DIE"
	respEmpty              = "\n"
	respNotLoggedIn        = "Error: No user currently logged in\n"
	respSessionBound       = "Error: Another user already logged in\n"
	respUserLoggedIn       = "Error: User already logged in\n"
	respAlreadyRegistered  = "Error: Username already registered\n"
	respInvalidCombination = "Error: Invalid username/password combination\n"
	respNoSuchUser         = "Error: No such user\n"
	respUserNotActive      = "Error: User not active\n"
	respInvalidFormat      = "Error: Invalid message format\n"
	respInvalidCount       = "Error: Invalid message count\n"
	respUnknownCommand     = "Error: Unknown command\n"
	respNoTransfer         = "Error: No file transfer in progress\n"
	respCapacityReached    = "Error: maximum concurrent connection count reached\n"
	respFatal              = "Unexpected error: you will be disconnected\n"
)

// Usernames become file names in the data directory, so the accepted
// alphabet is deliberately narrow.
var usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,32}$`)

// handlerResult tells the session loop what to do after a handler returns.
type handlerResult int

const (
	resultContinue handlerResult = iota
	resultDisconnect
	resultFileTransfer
)

// dispatch routes one decoded message to its command handler. A returned
// error is connection-fatal; business-rule failures are answered inside the
// handlers and surface as resultContinue.
func (s *Server) dispatch(sess *Session, hdr protocol.Header, payload []byte) (handlerResult, error) {
	switch hdr.Command {
	case protocol.CmdEcho:
		return resultContinue, s.handleEcho(sess, payload)
	case protocol.CmdRegister:
		return resultContinue, s.handleRegister(sess, payload)
	case protocol.CmdLogin:
		return resultContinue, s.handleLogin(sess, payload)
	case protocol.CmdLogout:
		return resultContinue, s.handleLogout(sess)
	case protocol.CmdMessage:
		return resultContinue, s.handleDirectMessage(sess, payload)
	case protocol.CmdBroadcast:
		return resultContinue, s.handleBroadcast(sess, payload)
	case protocol.CmdSendFile:
		return s.handleFileInitiate(sess, payload)
	case protocol.CmdList:
		return resultContinue, s.handleList(sess)
	case protocol.CmdExit:
		return resultDisconnect, sess.Conn.SendText(protocol.CmdExit, respGoodbye)
	case protocol.CmdHistory:
		return resultContinue, s.handleHistory(sess, payload)
	default:
		return resultContinue, sess.Conn.SendText(hdr.Command, respUnknownCommand)
	}
}

func (s *Server) handleEcho(sess *Session, payload []byte) error {
	log.Printf("Echo from slot %d: %s", sess.Slot, payload)
	return sess.Conn.Send(protocol.CmdEcho, payload)
}

func (s *Server) handleRegister(sess *Session, payload []byte) error {
	username, password, ok := splitCredentials(payload)
	if !ok {
		return sess.Conn.SendText(protocol.CmdRegister, respInvalidFormat)
	}

	err := s.store.Register(username, password)
	if errors.Is(err, store.ErrAlreadyRegistered) {
		return sess.Conn.SendText(protocol.CmdRegister, respAlreadyRegistered)
	}
	if err != nil {
		return fmt.Errorf("failed to register %q: %w", username, err)
	}

	s.debugf("slot %d: registered %q", sess.Slot, username)
	return sess.Conn.SendText(protocol.CmdRegister, respSuccess)
}

func (s *Server) handleLogin(sess *Session, payload []byte) error {
	if _, bound := s.registry.Username(sess); bound {
		return sess.Conn.SendText(protocol.CmdLogin, respSessionBound)
	}

	username, password, ok := splitCredentials(payload)
	if !ok {
		return sess.Conn.SendText(protocol.CmdLogin, respInvalidFormat)
	}
	if _, live := s.registry.FindByUsername(username); live {
		return sess.Conn.SendText(protocol.CmdLogin, respUserLoggedIn)
	}

	match, err := s.store.Authenticate(username, password)
	if err != nil {
		return fmt.Errorf("failed to authenticate %q: %w", username, err)
	}
	if !match {
		return sess.Conn.SendText(protocol.CmdLogin, respInvalidCombination)
	}

	if err := s.registry.BindUsername(sess, username); err != nil {
		if errors.Is(err, ErrUsernameTaken) {
			// Lost the race against another session logging in as the same
			// user between the check above and the bind.
			return sess.Conn.SendText(protocol.CmdLogin, respUserLoggedIn)
		}
		return err
	}
	log.Printf("Slot %d logged in as %q", sess.Slot, username)

	if err := sess.Conn.SendText(protocol.CmdLogin, respSuccess); err != nil {
		return err
	}

	// Deliver messages queued while the user was offline, oldest first. The
	// mailbox file is deleted only once every line reached the connection;
	// if a send fails the remaining mail waits for the next login.
	err = s.store.DrainMailbox(username, func(line string) error {
		if err := sess.Conn.SendText(protocol.CmdLogin, line+"\n"); err != nil {
			return err
		}
		s.metrics.RecordDelivery("mailbox")
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to drain mailbox for %q: %w", username, err)
	}
	return nil
}

func (s *Server) handleLogout(sess *Session) error {
	username, bound := s.registry.Username(sess)
	if !bound {
		return sess.Conn.SendText(protocol.CmdLogout, respNotLoggedIn)
	}

	s.registry.UnbindUsername(sess)
	log.Printf("Slot %d logged out %q", sess.Slot, username)
	return sess.Conn.SendText(protocol.CmdLogout, respSuccess)
}

func (s *Server) handleDirectMessage(sess *Session, payload []byte) error {
	sender, bound := s.registry.Username(sess)
	if !bound {
		return sess.Conn.SendText(protocol.CmdMessage, respNotLoggedIn)
	}

	recipient, body, ok := splitRecipient(payload)
	if !ok {
		return sess.Conn.SendText(protocol.CmdMessage, respInvalidFormat)
	}
	if uint32(len(body)) > s.config.MaxMessageLength {
		return sess.Conn.SendText(protocol.CmdMessage,
			fmt.Sprintf("Error: Message too long (max %d bytes)\n", s.config.MaxMessageLength))
	}

	exists, err := s.store.UserExists(recipient)
	if err != nil {
		return err
	}
	if !exists {
		return sess.Conn.SendText(protocol.CmdMessage, respNoSuchUser)
	}

	if err := s.store.AppendHistory(sender, recipient, "From "+sender+": "+body); err != nil {
		return err
	}

	full := "Message from " + sender + ": " + body
	target, live := s.registry.FindByUsername(recipient)
	if live && target != sess {
		if err := target.Conn.SendText(protocol.CmdMessage, full+"\n"); err != nil {
			// The recipient's connection is dying; its own read loop will
			// reap it. Queue the message so it is not lost.
			s.debugf("slot %d: live delivery to %q failed: %v", sess.Slot, recipient, err)
			if err := s.store.QueueMailbox(recipient, full); err != nil {
				return err
			}
			s.metrics.RecordDelivery("mailbox")
		} else {
			s.metrics.RecordDelivery("live")
		}
	} else {
		if err := s.store.QueueMailbox(recipient, full); err != nil {
			return err
		}
		s.metrics.RecordDelivery("mailbox")
	}

	return sess.Conn.SendText(protocol.CmdMessage, respSuccess)
}

func (s *Server) handleBroadcast(sess *Session, payload []byte) error {
	sender, bound := s.registry.Username(sess)
	if !bound {
		return sess.Conn.SendText(protocol.CmdBroadcast, respNotLoggedIn)
	}

	body := strings.TrimRight(string(payload), "\r\n")
	if body == "" {
		return sess.Conn.SendText(protocol.CmdBroadcast, respInvalidFormat)
	}
	if uint32(len(body)) > s.config.MaxMessageLength {
		return sess.Conn.SendText(protocol.CmdBroadcast,
			fmt.Sprintf("Error: Message too long (max %d bytes)\n", s.config.MaxMessageLength))
	}

	full := "Broadcast from " + sender + ": " + body + "\n"
	delivered := 0
	for _, conn := range s.registry.Connections(sess) {
		if err := conn.SendText(protocol.CmdBroadcast, full); err != nil {
			// Dead peer; its own read loop reaps it.
			s.debugf("slot %d: broadcast delivery failed: %v", sess.Slot, err)
			continue
		}
		delivered++
	}
	s.metrics.RecordBroadcast(delivered)

	return sess.Conn.SendText(protocol.CmdBroadcast, respSuccess)
}

func (s *Server) handleList(sess *Session) error {
	users := s.registry.ListAuthenticated()
	if len(users) == 0 {
		return sess.Conn.SendText(protocol.CmdList, respEmpty)
	}

	var b strings.Builder
	for _, u := range users {
		b.WriteString(u)
		b.WriteByte('\n')
	}
	return sess.Conn.SendText(protocol.CmdList, b.String())
}

func (s *Server) handleHistory(sess *Session, payload []byte) error {
	requester, bound := s.registry.Username(sess)
	if !bound {
		return sess.Conn.SendText(protocol.CmdHistory, respNotLoggedIn)
	}

	text := strings.TrimRight(string(payload), "\r\n")
	other, countText, found := strings.Cut(text, " ")
	if !found || !usernameRegex.MatchString(other) {
		return sess.Conn.SendText(protocol.CmdHistory, respInvalidFormat)
	}
	count, err := strconv.Atoi(countText)
	if err != nil || count < 1 {
		return sess.Conn.SendText(protocol.CmdHistory, respInvalidCount)
	}

	exists, err := s.store.UserExists(other)
	if err != nil {
		return err
	}
	if !exists {
		return sess.Conn.SendText(protocol.CmdHistory, respNoSuchUser)
	}

	lines, err := s.store.HistoryTail(requester, other, count)
	if err != nil {
		return err
	}
	if len(lines) == 0 {
		return sess.Conn.SendText(protocol.CmdHistory, respEmpty)
	}
	for _, line := range lines {
		if err := sess.Conn.SendText(protocol.CmdHistory, line+"\n"); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) handleFileInitiate(sess *Session, payload []byte) (handlerResult, error) {
	if _, bound := s.registry.Username(sess); !bound {
		return resultContinue, sess.Conn.SendText(protocol.CmdSendFile, respNotLoggedIn)
	}

	text := strings.TrimRight(string(payload), "\r\n")
	recipient, fileName, found := strings.Cut(text, " ")
	if !found || fileName == "" || !usernameRegex.MatchString(recipient) {
		return resultContinue, sess.Conn.SendText(protocol.CmdSendFile, respInvalidFormat)
	}

	exists, err := s.store.UserExists(recipient)
	if err != nil {
		return resultContinue, err
	}
	if !exists {
		return resultContinue, sess.Conn.SendText(protocol.CmdSendFile, respNoSuchUser)
	}

	target, live := s.registry.FindByUsername(recipient)
	if !live {
		return resultContinue, sess.Conn.SendText(protocol.CmdSendFile, respUserNotActive)
	}

	if err := sess.Conn.SendText(protocol.CmdSendFile, respSuccess); err != nil {
		return resultContinue, err
	}
	s.armRelay(sess, target, fileName)
	return resultFileTransfer, nil
}

// splitCredentials parses a "username password" payload. The password may
// not contain the credential log's field or record separators. The name
// "registration" is reserved: its mailbox file would collide with the
// credential log.
func splitCredentials(payload []byte) (username, password string, ok bool) {
	text := strings.TrimRight(string(payload), "\r\n")
	username, password, found := strings.Cut(text, " ")
	if !found || password == "" || !usernameRegex.MatchString(username) ||
		username == "registration" || strings.ContainsAny(password, " ,\n") {
		return "", "", false
	}
	return username, password, true
}

// splitRecipient parses a "recipient body..." payload; the body may contain
// spaces.
func splitRecipient(payload []byte) (recipient, body string, ok bool) {
	text := strings.TrimRight(string(payload), "\r\n")
	recipient, body, found := strings.Cut(text, " ")
	if !found || body == "" || !usernameRegex.MatchString(recipient) {
		return "", "", false
	}
	return recipient, body, true
}
