package pop3

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/meridianmail/meridian/pkg/metrics"
	"github.com/meridianmail/meridian/server"
	"github.com/meridianmail/meridian/store"
)

// MaxLineLength caps a single POP3 command line, terminator included.
const MaxLineLength = 1024

// sessionState is the POP3 state machine position. The mailbox snapshot is
// only live in stateTransaction; acceptedUsername only in stateAuthorization.
type sessionState int

const (
	stateAuthorization sessionState = iota
	stateTransaction
)

// errQuit signals a clean QUIT; it never reaches the peer.
var errQuit = errors.New("session quit")

type POP3Session struct {
	server.Session
	server           *POP3Server
	conn             net.Conn
	reader           *server.LineBuffer
	state            sessionState
	acceptedUsername string         // set by a successful USER, cleared when USER or PASS fails
	mailbox          *store.Mailbox // loaded at PASS, exclusively owned by this session
	authenticated    bool
	ctx              context.Context
	cancel           context.CancelFunc
	releaseConn      func()
	startTime        time.Time
}

func (s *POP3Session) handleConnection() {
	defer s.Close()

	if err := s.send(respBanner); err != nil {
		return
	}
	s.Log("connected")

	line := make([]byte, MaxLineLength+1)
	for {
		if s.ctx.Err() != nil {
			s.Log("context cancelled, closing session")
			return
		}
		if s.server.idleTimeout > 0 {
			s.conn.SetReadDeadline(time.Now().Add(s.server.idleTimeout))
		}

		n := s.reader.ReadLine(line)
		if n == 0 {
			s.Log("client dropped connection")
			return
		}
		if n < 0 {
			s.Log("read error or abrupt close")
			return
		}

		raw := line[:n]
		if !server.CheckLine(raw) {
			// Malformed terminator, trailing whitespace, or an over-long
			// line flushed without its CRLF.
			if err := s.send(respErr); err != nil {
				return
			}
			continue
		}

		quit, err := s.handleCommand(raw)
		if err != nil {
			return
		}
		if quit {
			return
		}
	}
}

func (s *POP3Session) handleCommand(raw []byte) (quit bool, err error) {
	cmd := server.Command(raw)
	start := time.Now()
	label := commandLabel(cmd)
	ok := false
	defer func() {
		status := "failure"
		if ok {
			status = "success"
		}
		metrics.CommandsTotal.WithLabelValues("pop3", label, status).Inc()
		metrics.CommandDuration.WithLabelValues("pop3", label).Observe(time.Since(start).Seconds())
	}()

	switch s.state {
	case stateAuthorization:
		ok, quit, err = s.handleAuthorization(cmd, raw)
	case stateTransaction:
		ok, quit, err = s.handleTransaction(cmd, raw)
	default:
		err = s.send(respErr)
	}
	if quit && err == errQuit {
		err = nil
	}
	return quit, err
}

var knownCommands = map[string]bool{
	"USER": true, "PASS": true, "QUIT": true, "STAT": true,
	"LIST": true, "RETR": true, "DELE": true, "NOOP": true, "RSET": true,
}

// commandLabel keeps metric label cardinality bounded.
func commandLabel(cmd string) string {
	if knownCommands[cmd] {
		return cmd
	}
	return "UNKNOWN"
}

func (s *POP3Session) handleAuthorization(cmd string, raw []byte) (ok, quit bool, err error) {
	switch cmd {
	case "USER":
		// A bare "USER\r\n" is six bytes; anything longer carries an argument.
		if len(raw) == 6 {
			s.acceptedUsername = ""
			return false, false, s.send(respErr)
		}
		arg, has := server.Arguments(raw)
		if !has || !s.server.store.Validate(s.ctx, arg) {
			s.acceptedUsername = ""
			return false, false, s.send(respErr)
		}
		s.acceptedUsername = arg
		return true, false, s.send(respOK)

	case "PASS":
		if s.acceptedUsername == "" || len(raw) == 6 {
			s.acceptedUsername = ""
			return false, false, s.send(respErr)
		}
		arg, has := server.Arguments(raw)
		if !has || !s.server.store.Authenticate(s.ctx, s.acceptedUsername, arg) {
			s.Log("authentication failed for %s", s.acceptedUsername)
			metrics.AuthenticationAttempts.WithLabelValues("pop3", "failure").Inc()
			s.acceptedUsername = ""
			return false, false, s.send(respErr)
		}

		mailbox, lerr := s.server.store.LoadMailbox(s.ctx, s.acceptedUsername)
		if lerr != nil {
			s.Log("failed to load mailbox for %s: %v", s.acceptedUsername, lerr)
			metrics.AuthenticationAttempts.WithLabelValues("pop3", "failure").Inc()
			s.acceptedUsername = ""
			return false, false, s.send(respErr)
		}

		s.Username = s.acceptedUsername
		s.mailbox = mailbox
		s.state = stateTransaction
		s.authenticated = true
		authCount := s.server.authenticatedConnections.Add(1)
		metrics.AuthenticationAttempts.WithLabelValues("pop3", "success").Inc()
		metrics.AuthenticatedConnectionsCurrent.WithLabelValues("pop3").Inc()
		s.Log("authenticated (messages: %d, authenticated connections: %d)", mailbox.Count(), authCount)
		return true, false, s.send(respOK)

	case "QUIT":
		if len(raw) != 6 {
			return false, false, s.send(respErr)
		}
		return true, true, s.quit()

	default:
		return false, false, s.send(respErr)
	}
}

func (s *POP3Session) handleTransaction(cmd string, raw []byte) (ok, quit bool, err error) {
	mb := s.mailbox

	switch cmd {
	case "STAT":
		if len(raw) != 6 {
			return false, false, s.send(respErr)
		}
		return true, false, s.send(respOKCount(mb.Count(), mb.TotalSize()))

	case "LIST":
		if len(raw) == 6 {
			// No argument: header plus the full scan listing.
			if err := s.send(respOKCount(mb.Count(), mb.TotalSize())); err != nil {
				return false, false, err
			}
			for _, scan := range buildScanListing(mb) {
				if err := s.send(scan); err != nil {
					return false, false, err
				}
			}
			return true, false, s.send(respEnd)
		}

		item, number := s.numberedItem(raw)
		if item == nil || item.Deleted() {
			return false, false, s.send(respErr)
		}
		return true, false, s.send(respOKCount(number, item.Size()))

	case "RETR":
		item, _ := s.numberedItem(raw)
		if item == nil || item.Deleted() {
			return false, false, s.send(respErr)
		}
		return s.retrieve(item)

	case "DELE":
		item, _ := s.numberedItem(raw)
		if item == nil {
			return false, false, s.send(respErr)
		}
		item.MarkDeleted()
		s.DebugLog("marked message %s for deletion", item.ID())
		return true, false, s.send(respOK)

	case "NOOP":
		return true, false, s.send(respOK)

	case "RSET":
		if len(raw) != 6 {
			return false, false, s.send(respErr)
		}
		mb.ResetDeletions()
		return true, false, s.send(respOKCount(mb.Count(), mb.TotalSize()))

	case "QUIT":
		if len(raw) != 6 {
			return false, false, s.send(respErr)
		}
		if err := mb.Commit(s.ctx); err != nil {
			// Deletion persistence is the store's business; the session
			// still parts cleanly.
			s.Log("error committing deletions: %v", err)
		}
		mb.Destroy()
		s.mailbox = nil
		return true, true, s.quit()

	default:
		return false, false, s.send(respErr)
	}
}

// numberedItem resolves the numeric argument of LIST/RETR/DELE to a mailbox
// item. It returns nil when the argument is missing, non-numeric, or out of
// range.
func (s *POP3Session) numberedItem(raw []byte) (*store.MailItem, int) {
	arg, has := server.Arguments(raw)
	if !has || !server.IsDigits(arg) {
		return nil, 0
	}
	number, err := strconv.Atoi(arg)
	if err != nil {
		return nil, 0
	}
	return s.mailbox.Item(number), number
}

// retrieve streams a message line by line after the +OK. The stored content
// is sent as-is; an unterminated trailing fragment is dropped, and the
// terminating ".\r\n" always follows.
func (s *POP3Session) retrieve(item *store.MailItem) (ok, quit bool, err error) {
	rc, oerr := item.Open()
	if oerr != nil {
		s.Log("failed to open message %s: %v", item.ID(), oerr)
		return false, false, s.send(respErr)
	}
	defer rc.Close()

	if err := s.send(respOK); err != nil {
		return false, false, err
	}

	br := bufio.NewReader(rc)
	for {
		chunk, rerr := br.ReadBytes('\n')
		if len(chunk) > 0 && chunk[len(chunk)-1] == '\n' {
			if _, werr := s.conn.Write(chunk); werr != nil {
				s.Log("write error: %v", werr)
				return false, false, werr
			}
		}
		if rerr != nil {
			if rerr != io.EOF {
				s.Log("error reading message %s: %v", item.ID(), rerr)
			}
			break
		}
	}

	s.DebugLog("retrieved message %s (%d octets)", item.ID(), item.Size())
	return true, false, s.send(respEnd)
}

func (s *POP3Session) quit() error {
	if err := s.send(respOK); err != nil {
		return err
	}
	s.Log("quit")
	return errQuit
}

// send writes one reply. A write failure terminates the connection; it is
// never surfaced to the peer.
func (s *POP3Session) send(resp string) error {
	if _, err := s.conn.Write([]byte(resp)); err != nil {
		s.Log("write error: %v", err)
		return err
	}
	return nil
}

func (s *POP3Session) Close() error {
	s.conn.Close()
	if s.cancel != nil {
		s.cancel()
	}
	if s.releaseConn != nil {
		s.releaseConn()
	}

	totalCount := s.server.totalConnections.Add(-1)
	authCount := s.server.authenticatedConnections.Load()
	if s.authenticated {
		authCount = s.server.authenticatedConnections.Add(-1)
		metrics.AuthenticatedConnectionsCurrent.WithLabelValues("pop3").Dec()
		s.authenticated = false
	}
	if s.mailbox != nil {
		s.mailbox.Destroy()
		s.mailbox = nil
	}

	metrics.ConnectionsCurrent.WithLabelValues("pop3").Dec()
	metrics.ConnectionDuration.WithLabelValues("pop3").Observe(time.Since(s.startTime).Seconds())

	s.Log("closed (connections: total=%d, authenticated=%d)", totalCount, authCount)
	return nil
}
