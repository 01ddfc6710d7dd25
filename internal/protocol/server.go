package protocol

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/gelsrv/edgecore/internal/metrics"
)

// Server is the edge connection listener: it accepts connections and
// hands each to a fresh Session on its own goroutine.
type Server struct {
	mu       sync.Mutex
	sessions map[string]*Session

	listener  net.Listener
	tlsConfig *tls.Config

	deps    func() Deps
	metrics *metrics.Collector
	log     *slog.Logger

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer constructs a Server. deps is called once per accepted
// connection to build that session's collaborators, so that a fresh
// backend connection is dialed per session while configuration and
// shared collaborators (compiler client, auth verifier, metrics) are
// reused.
func NewServer(deps func() Deps, m *metrics.Collector, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		sessions: make(map[string]*Session),
		deps:     deps,
		metrics:  m,
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// SetTLS configures the listener to wrap accepted connections in TLS.
// Must be called before Listen.
func (s *Server) SetTLS(cfg *tls.Config) { s.tlsConfig = cfg }

// Listen starts accepting connections on addr in a background goroutine.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	if s.tlsConfig != nil {
		ln = tls.NewListener(ln, s.tlsConfig)
	}
	s.listener = ln

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				s.log.Error("accept failed", "error", err)
				return
			}
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()

	sess := NewSession(conn, s.deps())
	s.track(sess)
	defer s.untrack(sess)

	sess.Run(s.ctx)
}

func (s *Server) track(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.id.String()] = sess
}

func (s *Server) untrack(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sess.id.String())
}

// ActiveSessions reports every live session's id mapped to its remote
// address, consulted by internal/status's introspection endpoint.
func (s *Server) ActiveSessions() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.sessions))
	for id, sess := range s.sessions {
		out[id] = sess.conn.RemoteAddr().String()
	}
	return out
}

// Stop closes the listener and waits for every in-flight session to
// finish unwinding.
func (s *Server) Stop() error {
	s.cancel()
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	s.wg.Wait()
	return err
}
