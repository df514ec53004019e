package server

import (
	"fmt"

	"github.com/meridianmail/meridian/logger"
)

// ConnectionStatsProvider defines an interface for getting connection statistics
type ConnectionStatsProvider interface {
	GetTotalConnections() int64
	GetAuthenticatedConnections() int64
}

// Session carries the fields shared by every protocol session: identity,
// remote endpoint, and the owning server's connection counters.
type Session struct {
	Id         string
	RemoteIP   string
	Username   string // set once the peer has identified itself
	HostName   string
	ServerName string // name of the server instance (e.g. "pop3-backend")
	Protocol   string
	Stats      ConnectionStatsProvider
}

func (s *Session) logFields(format string, args []any) []any {
	user := s.Username
	if user == "" {
		user = "none"
	}

	protocolPrefix := s.Protocol
	if s.ServerName != "" {
		protocolPrefix = fmt.Sprintf("%s-%s", s.Protocol, s.ServerName)
	}

	fields := []any{
		"protocol", protocolPrefix,
		"remote", s.RemoteIP,
		"user", user,
		"session", s.Id,
	}
	if s.Stats != nil {
		fields = append(fields,
			"conn_total", s.Stats.GetTotalConnections(),
			"conn_auth", s.Stats.GetAuthenticatedConnections(),
		)
	}
	return append(fields, "msg", fmt.Sprintf(format, args...))
}

func (s *Session) Log(format string, args ...any) {
	logger.Info("Session", s.logFields(format, args)...)
}

func (s *Session) DebugLog(format string, args ...any) {
	logger.Debug("Session", s.logFields(format, args)...)
}

func (s *Session) WarnLog(format string, args ...any) {
	logger.Warn("Session", s.logFields(format, args)...)
}
