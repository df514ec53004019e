package pop3

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

type POP3Server struct {
	addr     string
	name     string
	hostname string
	store    store.UserStore
	appCtx   context.Context
	cancel   context.CancelFunc

	// Connection counters
	totalConnections         atomic.Int64
	authenticatedConnections atomic.Int64

	// Connection limiting
	limiter *serverPkg.ConnectionLimiter

	// Idle timeout per read (0 = disabled)
	idleTimeout time.Duration

	// Active session tracking for graceful shutdown
	sessionsWg sync.WaitGroup
}

type POP3ServerOptions struct {
	MaxConnections      int
	MaxConnectionsPerIP int
	IdleTimeout         time.Duration
}

func New(appCtx context.Context, name, hostname, addr string, st store.UserStore, options POP3ServerOptions) *POP3Server {
	serverCtx, serverCancel := context.WithCancel(appCtx)

	s := &POP3Server{
		addr:        addr,
		name:        name,
		hostname:    hostname,
		store:       st,
		appCtx:      serverCtx,
		cancel:      serverCancel,
		idleTimeout: options.IdleTimeout,
		limiter:     serverPkg.NewConnectionLimiter("POP3", options.MaxConnections, options.MaxConnectionsPerIP),
	}
	s.limiter.StartCleanup(serverCtx)
	return s
}

func (s *POP3Server) Start(errChan chan error) {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.cancel()
		errChan <- err
		return
	}
	defer listener.Close()

	logger.Info("POP3 server listening", "name", s.name, "addr", s.addr, "idle_timeout", s.idleTimeout)

	// Close the listener when the application context is cancelled so the
	// accept loop unblocks.
	go func() {
		<-s.appCtx.Done()
		logger.Debug("POP3: stopping", "name", s.name)
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.appCtx.Done():
				logger.Info("POP3 server stopped gracefully", "name", s.name)
				return
			default:
				errChan <- err
				return
			}
		}

		releaseConn, err := s.limiter.Accept(conn.RemoteAddr())
		if err != nil {
			logger.Debug("POP3: connection rejected", "name", s.name, "error", err)
			conn.Close()
			continue
		}

		session := s.newSession(conn, releaseConn)
		totalCount := s.totalConnections.Load()
		logger.Debug("POP3: new connection", "name", s.name, "remote", session.RemoteIP, "total_connections", totalCount)

		s.sessionsWg.Add(1)
		go func() {
			defer s.sessionsWg.Done()
			session.handleConnection()
		}()
	}
}

// newSession wires a freshly accepted connection into a session. Tests call
// this directly with one end of a pipe.
func (s *POP3Server) newSession(conn net.Conn, releaseConn func()) *POP3Session {
	sessionCtx, sessionCancel := context.WithCancel(s.appCtx)

	s.totalConnections.Add(1)
	metrics.ConnectionsTotal.WithLabelValues("pop3").Inc()
	metrics.ConnectionsCurrent.WithLabelValues("pop3").Inc()

	session := &POP3Session{
		server:      s,
		conn:        conn,
		reader:      serverPkg.NewLineBuffer(conn, MaxLineLength),
		state:       stateAuthorization,
		ctx:         sessionCtx,
		cancel:      sessionCancel,
		releaseConn: releaseConn,
		startTime:   time.Now(),
	}
	session.Protocol = "POP3"
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
func (s *POP3Server) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	s.waitForSessionsDrain(30 * time.Second)
}

func (s *POP3Server) waitForSessionsDrain(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		s.sessionsWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Debug("POP3: all sessions drained gracefully", "name", s.name)
	case <-time.After(timeout):
		logger.Debug("POP3: session drain timeout, forcing shutdown", "name", s.name, "timeout", timeout)
	}
}

// GetTotalConnections returns the current total connection count
func (s *POP3Server) GetTotalConnections() int64 {
	return s.totalConnections.Load()
}

// GetAuthenticatedConnections returns the current authenticated connection count
func (s *POP3Server) GetAuthenticatedConnections() int64 {
	return s.authenticatedConnections.Load()
}
