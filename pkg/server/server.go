// Package server implements the relay server: a bounded worker pool admits
// TCP and WebSocket connections, a fixed session registry tracks who is
// logged in where, and per-session handler goroutines decode framed
// commands, answer them and forward traffic to other live sessions.
package server

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/mpavel/chatrelay/pkg/protocol"
	"github.com/mpavel/chatrelay/pkg/store"
)

// shutdownGrace bounds how long Stop waits for in-flight handlers.
const shutdownGrace = 5 * time.Second

type Server struct {
	config   ServerConfig
	store    *store.Store
	pool     *Pool
	registry *Registry
	metrics  *Metrics

	listener     net.Listener
	httpListener net.Listener
	httpServer   *http.Server

	shutdown chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	debugLog *log.Logger
}

// NewServer creates a server with its data directory opened and its worker
// pool and session table sized to config.MaxClients.
func NewServer(config ServerConfig) (*Server, error) {
	if config.MaxClients < 1 {
		return nil, fmt.Errorf("invalid maximum number of connections: %d", config.MaxClients)
	}

	st, err := store.Open(config.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open data store: %w", err)
	}

	return &Server{
		config:   config,
		store:    st,
		pool:     NewPool(config.MaxClients),
		registry: NewRegistry(config.MaxClients),
		metrics:  NewMetrics(),
		shutdown: make(chan struct{}),
		debugLog: log.New(io.Discard, "", log.LstdFlags|log.Lmicroseconds),
	}, nil
}

// EnableDebugLogging turns on verbose per-message logging.
func (s *Server) EnableDebugLogging() {
	s.debugLog.SetOutput(os.Stderr)
}

func (s *Server) debugf(format string, args ...interface{}) {
	s.debugLog.Printf(format, args...)
}

// Start listens on the configured ports and begins accepting connections.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.TCPPort))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", s.config.TCPPort, err)
	}
	s.listener = listener
	log.Printf("TCP server listening on %s (capacity %d)", listener.Addr(), s.config.MaxClients)

	if s.config.HTTPPort >= 0 {
		if err := s.startHTTPServer(); err != nil {
			s.listener.Close()
			return err
		}
	}

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the TCP listen address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// HTTPAddr returns the WebSocket/metrics listen address, or nil when the
// HTTP listener is disabled.
func (s *Server) HTTPAddr() net.Addr {
	if s.httpListener == nil {
		return nil
	}
	return s.httpListener.Addr()
}

func (s *Server) startHTTPServer() error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.HTTPPort))
	if err != nil {
		return fmt.Errorf("failed to listen on HTTP port %d: %w", s.config.HTTPPort, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.Handle("/metrics", s.metrics.Handler())

	s.httpListener = listener
	s.httpServer = &http.Server{Handler: mux}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("HTTP server error: %v", err)
		}
	}()
	log.Printf("HTTP server listening on %s (/ws, /metrics)", listener.Addr())
	return nil
}

// Stop closes the listeners, disconnects every session and waits for
// in-flight handlers up to the shutdown grace period. Idempotent.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		close(s.shutdown)
		if s.listener != nil {
			s.listener.Close()
		}
		if s.httpServer != nil {
			s.httpServer.Close()
		}
		s.registry.CloseAll()
		s.pool.Shutdown(shutdownGrace)
		s.wg.Wait()
	})
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				log.Printf("Accept error: %v", err)
				continue
			}
		}
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetNoDelay(true)
		}
		s.admit(NewSafeConn(conn))
	}
}

// admit hands the connection to the worker pool, or refuses it with the
// capacity notice when the pool is full. Both the notice and the admission
// handshake are raw bytes; no header precedes them.
func (s *Server) admit(conn *SafeConn) {
	if err := s.pool.Submit(func() { s.serve(conn) }); err != nil {
		s.metrics.RecordRejected()
		if err := conn.SendRaw([]byte(respCapacityReached)); err != nil {
			s.debugf("failed to send capacity notice: %v", err)
		}
		conn.Close()
		return
	}
	s.metrics.RecordAdmitted()
}

// serve runs the per-connection session: handshake, then the read loop
// until exit, protocol violation or transport fault.
func (s *Server) serve(conn *SafeConn) {
	defer conn.Close()

	sess, err := s.registry.Acquire(conn)
	if err != nil {
		// Unreachable while the pool capacity matches the table size.
		log.Printf("No session slot for admitted connection: %v", err)
		conn.SendRaw([]byte(respCapacityReached))
		return
	}
	defer s.releaseSession(sess)
	s.metrics.RecordActiveSessions(s.registry.ActiveCount())

	if err := conn.SendRaw([]byte(respAdmitted)); err != nil {
		s.debugf("slot %d: handshake failed: %v", sess.Slot, err)
		return
	}
	log.Printf("New connection from %s (slot %d)", conn.RemoteAddr(), sess.Slot)

	for {
		hdr, payload, err := conn.ReadMessage()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				log.Printf("Slot %d disconnected", sess.Slot)
			} else {
				log.Printf("Slot %d read error: %v", sess.Slot, err)
			}
			return
		}
		s.debugf("slot %d recv %s len=%d", sess.Slot, hdr.Command, hdr.PayloadLen)
		s.metrics.RecordCommand(hdr.Command.String())

		var result handlerResult
		switch hdr.Command {
		case protocol.CmdFileChunk:
			err = s.relayChunk(sess, payload)
		case protocol.CmdFileEnd:
			err = s.relayEnd(sess)
		default:
			result, err = s.dispatch(sess, hdr, payload)
		}
		if err != nil {
			log.Printf("Slot %d handler error: %v", sess.Slot, err)
			conn.SendText(hdr.Command, respFatal)
			return
		}

		switch result {
		case resultDisconnect:
			log.Printf("Slot %d exited", sess.Slot)
			return
		case resultFileTransfer:
			if err := s.beginRelay(sess); err != nil {
				log.Printf("Slot %d relay error: %v", sess.Slot, err)
				conn.SendText(hdr.Command, respFatal)
				return
			}
		}
	}
}

func (s *Server) releaseSession(sess *Session) {
	s.registry.Release(sess)
	s.metrics.RecordActiveSessions(s.registry.ActiveCount())
}
