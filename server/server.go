// Package server accepts client connections and answers each with the
// orchestrator.
package server

import (
	"bufio"
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/agentuity/scylla/logger"
	"github.com/agentuity/scylla/protocol"
	"github.com/agentuity/scylla/sys"
	"github.com/cockroachdb/errors"
)

const (
	// DefaultIdleTimeout bounds how long a client may take to send its
	// request line.
	DefaultIdleTimeout = 5 * time.Minute
	// maxLineBytes caps a request line.
	maxLineBytes = 16 << 20
)

// Config holds the listener settings.
type Config struct {
	// ListenAddress is the TCP address to bind (default :30666)
	ListenAddress string
	IdleTimeout   time.Duration
}

// DefaultConfig returns the listener defaults.
func DefaultConfig() Config {
	return Config{ListenAddress: ":30666", IdleTimeout: DefaultIdleTimeout}
}

// Server reads one request line per connection, writes one answer line and
// closes the connection.
type Server struct {
	logger       logger.Logger
	config       Config
	orchestrator *Orchestrator
	listener     net.Listener
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	mu           sync.RWMutex
	running      bool
	once         sync.Once
}

// New creates a server. Call Start to begin accepting connections.
func New(ctx context.Context, log logger.Logger, config Config, o *Orchestrator) *Server {
	if config.ListenAddress == "" {
		config.ListenAddress = ":30666"
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = DefaultIdleTimeout
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Server{
		logger:       log.WithPrefix("[server]"),
		config:       config,
		orchestrator: o,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("server is already running")
	}
	if s.ctx.Err() != nil {
		return errors.New("server is stopped")
	}
	l, err := net.Listen("tcp", s.config.ListenAddress)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", s.config.ListenAddress)
	}
	s.listener = l
	s.running = true

	s.wg.Add(1)
	go s.accept()

	s.logger.Info("listening on %s", l.Addr())
	return nil
}

// Addr returns the bound address, nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// IsRunning reports whether the server is accepting connections.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Stop closes the listener and waits for open connections to be answered.
// Background queries are not affected.
func (s *Server) Stop() error {
	s.once.Do(func() {
		s.mu.Lock()
		if !s.running {
			s.mu.Unlock()
			return
		}
		s.logger.Info("stopping")
		s.running = false
		s.cancel()
		s.listener.Close()
		s.mu.Unlock()

		s.wg.Wait()
		s.logger.Info("stopped")
	})
	return nil
}

func (s *Server) accept() {
	defer s.wg.Done()

	var backoff time.Duration
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else {
				backoff = min(backoff*2, time.Second)
			}
			s.logger.Warn("accept failed, retrying in %v: %s", backoff, err)
			select {
			case <-time.After(backoff):
			case <-s.ctx.Done():
				return
			}
			continue
		}
		backoff = 0
		s.wg.Add(1)
		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()
	defer sys.RecoverPanic(s.logger)

	remote := conn.RemoteAddr().String()
	s.logger.Trace("got connection from [%s]", remote)

	if err := conn.SetReadDeadline(time.Now().Add(s.config.IdleTimeout)); err != nil {
		s.logger.Error("error setting deadline for %s: %s", remote, err)
		return
	}
	line, err := readLine(conn)
	if err != nil {
		s.logger.Warn("error reading from %s: %s", remote, err)
		return
	}

	var answer *protocol.Answer
	if len(line) == 0 {
		answer = protocol.Failure(protocol.ErrEmptyInstruction.Error())
	} else {
		answer = s.orchestrator.Handle(s.ctx, line, remote)
	}

	body := answer.Bytes()
	out := make([]byte, 0, len(body)+1)
	out = append(append(out, body...), '\n')
	if err := conn.SetWriteDeadline(time.Now().Add(s.config.IdleTimeout)); err == nil {
		if _, err := conn.Write(out); err != nil {
			s.logger.Warn("error answering %s: %s", remote, err)
		}
	}
	s.logger.Trace("closing connection from [%s]", remote)
}

// readLine returns the first line sent by the client, without its line
// terminator. A client that closes without sending anything yields an empty
// line.
func readLine(conn net.Conn) ([]byte, error) {
	r := bufio.NewReader(io.LimitReader(conn, maxLineBytes))
	line, err := r.ReadBytes('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if len(line) > 0 && line[len(line)-1] == '\n' {
		line = line[:len(line)-1]
	}
	if len(line) > 0 && line[len(line)-1] == '\r' {
		line = line[:len(line)-1]
	}
	return line, nil
}
