package smtp

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meridianmail/meridian/logger"
	"github.com/meridianmail/meridian/pkg/metrics"
	serverPkg "github.com/meridianmail/meridian/server"
	"github.com/meridianmail/meridian/server/idgen"
	"github.com/meridianmail/meridian/store"
)

type SMTPServer struct {
	addr     string
	name     string
	hostname string
	store    store.UserStore
	appCtx   context.Context
	cancel   context.CancelFunc

	// Connection counters
	totalConnections atomic.Int64

	// Connection limiting
	limiter *serverPkg.ConnectionLimiter

	// Transaction limits
	maxRecipients  int
	maxMessageSize int64

	// Idle timeout per read (0 = disabled)
	idleTimeout time.Duration

	// Active session tracking for graceful shutdown
	sessionsWg sync.WaitGroup
}

type SMTPServerOptions struct {
	MaxConnections      int
	MaxConnectionsPerIP int
	MaxRecipients       int
	MaxMessageSize      int64
	IdleTimeout         time.Duration
}

func New(appCtx context.Context, name, hostname, addr string, st store.UserStore, options SMTPServerOptions) *SMTPServer {
	serverCtx, serverCancel := context.WithCancel(appCtx)

	maxRecipients := options.MaxRecipients
	if maxRecipients <= 0 {
		maxRecipients = 30
	}
	maxMessageSize := options.MaxMessageSize
	if maxMessageSize <= 0 {
		maxMessageSize = 10 * 1024 * 1024
	}

	s := &SMTPServer{
		addr:           addr,
		name:           name,
		hostname:       hostname,
		store:          st,
		appCtx:         serverCtx,
		cancel:         serverCancel,
		maxRecipients:  maxRecipients,
		maxMessageSize: maxMessageSize,
		idleTimeout:    options.IdleTimeout,
		limiter:        serverPkg.NewConnectionLimiter("SMTP", options.MaxConnections, options.MaxConnectionsPerIP),
	}
	s.limiter.StartCleanup(serverCtx)
	return s
}

func (s *SMTPServer) Start(errChan chan error) {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.cancel()
		errChan <- err
		return
	}
	defer listener.Close()

	logger.Info("SMTP server listening", "name", s.name, "addr", s.addr, "max_recipients", s.maxRecipients, "max_message_size", s.maxMessageSize)

	go func() {
		<-s.appCtx.Done()
		logger.Debug("SMTP: stopping", "name", s.name)
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.appCtx.Done():
				logger.Info("SMTP server stopped gracefully", "name", s.name)
				return
			default:
				errChan <- err
				return
			}
		}

		releaseConn, err := s.limiter.Accept(conn.RemoteAddr())
		if err != nil {
			logger.Debug("SMTP: connection rejected", "name", s.name, "error", err)
			conn.Close()
			continue
		}

		session := s.newSession(conn, releaseConn)
		totalCount := s.totalConnections.Load()
		logger.Debug("SMTP: new connection", "name", s.name, "remote", session.RemoteIP, "total_connections", totalCount)

		s.sessionsWg.Add(1)
		go func() {
			defer s.sessionsWg.Done()
			session.handleConnection()
		}()
	}
}

// newSession wires a freshly accepted connection into a session. Tests call
// this directly with one end of a pipe.
func (s *SMTPServer) newSession(conn net.Conn, releaseConn func()) *SMTPSession {
	sessionCtx, sessionCancel := context.WithCancel(s.appCtx)

	s.totalConnections.Add(1)
	metrics.ConnectionsTotal.WithLabelValues("smtp").Inc()
	metrics.ConnectionsCurrent.WithLabelValues("smtp").Inc()

	session := &SMTPSession{
		server:      s,
		conn:        conn,
		reader:      serverPkg.NewLineBuffer(conn, MaxLineLength),
		state:       stateGreeted,
		ctx:         sessionCtx,
		cancel:      sessionCancel,
		releaseConn: releaseConn,
		startTime:   time.Now(),
	}
	session.Protocol = "SMTP"
	session.ServerName = s.name
	session.HostName = s.hostname
	session.Id = idgen.New()
	session.RemoteIP = remoteIP(conn)
	session.Stats = s
	return session
}

func remoteIP(conn net.Conn) string {
	addr := conn.RemoteAddr()
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// Close signals shutdown and waits for in-flight sessions to drain.
func (s *SMTPServer) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	s.waitForSessionsDrain(30 * time.Second)
}

func (s *SMTPServer) waitForSessionsDrain(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		s.sessionsWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Debug("SMTP: all sessions drained gracefully", "name", s.name)
	case <-time.After(timeout):
		logger.Debug("SMTP: session drain timeout, forcing shutdown", "name", s.name, "timeout", timeout)
	}
}

// GetTotalConnections returns the current total connection count
func (s *SMTPServer) GetTotalConnections() int64 {
	return s.totalConnections.Load()
}

// GetAuthenticatedConnections returns 0; SMTP submission has no
// authenticated sessions.
func (s *SMTPServer) GetAuthenticatedConnections() int64 {
	return 0
}
