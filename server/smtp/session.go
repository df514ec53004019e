package smtp

import (
	"bytes"
	"context"
	"net"
	"time"

	"github.com/meridianmail/meridian/pkg/metrics"
	"github.com/meridianmail/meridian/server"
)

// MaxLineLength caps a single SMTP line, terminator included.
const MaxLineLength = 1024

// DataBufferInitial is the starting capacity of the message body buffer,
// sized to the RFC 5321 minimum for message content.
const DataBufferInitial = 64000

// sessionState enumerates the SMTP state machine positions. reversePath is
// live from stateMailOK on; forwardPaths from stateRcptOK on; the body
// buffer only in stateDataMode.
type sessionState int

const (
	stateGreeted sessionState = iota
	stateHeloOK
	stateMailOK
	stateRcptOK
	stateDataMode
)

// dataEnd is the end-of-data line, exactly three bytes.
var dataEnd = []byte(".\r\n")

type SMTPSession struct {
	server.Session
	server       *SMTPServer
	conn         net.Conn
	reader       *server.LineBuffer
	state        sessionState
	reversePath  string
	forwardPaths []string
	body         []byte
	bodyOverflow bool
	ctx          context.Context
	cancel       context.CancelFunc
	releaseConn  func()
	startTime    time.Time
}

func (s *SMTPSession) handleConnection() {
	defer s.Close()

	if err := s.send(respBanner(s.HostName)); err != nil {
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

		if s.state == stateDataMode {
			// Message content only needs the CRLF terminator; trailing
			// whitespace and empty lines are payload.
			if !server.CheckLineRelaxed(raw) {
				if err := s.send(respSyntax); err != nil {
					return
				}
				continue
			}
			if err := s.handleDataLine(raw); err != nil {
				return
			}
			continue
		}

		if !server.CheckLine(raw) {
			if err := s.send(respSyntax); err != nil {
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

func (s *SMTPSession) handleCommand(raw []byte) (quit bool, err error) {
	cmd := server.Command(raw)
	start := time.Now()
	label := commandLabel(cmd)
	ok := false
	defer func() {
		status := "failure"
		if ok {
			status = "success"
		}
		metrics.CommandsTotal.WithLabelValues("smtp", label, status).Inc()
		metrics.CommandDuration.WithLabelValues("smtp", label).Observe(time.Since(start).Seconds())
	}()

	// Commands honoured in every state outside of DATA transfer, evaluated
	// before the state-specific rules.
	switch cmd {
	case "NOOP":
		ok = true
		return false, s.send(respOK)
	case "QUIT":
		ok = true
		if err := s.send(respQuit); err != nil {
			return true, err
		}
		s.Log("quit")
		return true, nil
	case "EHLO", "RSET", "VRFY", "EXPN", "HELP":
		return false, s.send(respNotImpl)
	}

	switch s.state {
	case stateGreeted:
		ok, err = s.handleGreeted(cmd, raw)
	case stateHeloOK:
		ok, err = s.handleHeloOK(cmd, raw)
	case stateMailOK:
		ok, err = s.handleMailOK(cmd, raw)
	case stateRcptOK:
		ok, err = s.handleRcptOK(cmd, raw)
	default:
		err = s.send(respSyntax)
	}
	return false, err
}

var knownCommands = map[string]bool{
	"HELO": true, "EHLO": true, "MAIL": true, "RCPT": true, "DATA": true,
	"NOOP": true, "QUIT": true, "RSET": true, "VRFY": true, "EXPN": true, "HELP": true,
}

// commandLabel keeps metric label cardinality bounded.
func commandLabel(cmd string) string {
	if knownCommands[cmd] {
		return cmd
	}
	return "UNKNOWN"
}

func (s *SMTPSession) handleGreeted(cmd string, raw []byte) (bool, error) {
	switch cmd {
	case "HELO":
		s.state = stateHeloOK
		s.Log("helo accepted")
		return true, s.send(respHello(s.HostName))
	case "MAIL", "RCPT", "DATA":
		return false, s.send(respBadSeq)
	default:
		return false, s.send(respSyntax)
	}
}

func (s *SMTPSession) handleHeloOK(cmd string, raw []byte) (bool, error) {
	switch cmd {
	case "MAIL":
		args, has := server.Arguments(raw)
		if !has || !checkEnvelopeSyntax(args, "FROM:<") {
			return false, s.send(respParamError)
		}
		s.reversePath = extractAddress(args)
		s.state = stateMailOK
		s.Log("mail from=<%s> accepted", s.reversePath)
		return true, s.send(respOK)
	case "HELO", "RCPT", "DATA":
		return false, s.send(respBadSeq)
	default:
		return false, s.send(respSyntax)
	}
}

func (s *SMTPSession) handleMailOK(cmd string, raw []byte) (bool, error) {
	switch cmd {
	case "RCPT":
		return s.handleRcpt(raw)
	case "HELO", "MAIL", "DATA":
		return false, s.send(respBadSeq)
	default:
		return false, s.send(respSyntax)
	}
}

func (s *SMTPSession) handleRcptOK(cmd string, raw []byte) (bool, error) {
	switch cmd {
	case "DATA":
		if len(raw) != 6 {
			return false, s.send(respSyntax)
		}
		s.state = stateDataMode
		s.body = make([]byte, 0, DataBufferInitial)
		s.bodyOverflow = false
		return true, s.send(respStartData)
	case "RCPT":
		return s.handleRcpt(raw)
	case "HELO", "MAIL":
		return false, s.send(respBadSeq)
	default:
		return false, s.send(respSyntax)
	}
}

// handleRcpt validates one RCPT command and appends the forward path. It is
// shared by stateMailOK and stateRcptOK; a success always lands in
// stateRcptOK.
func (s *SMTPSession) handleRcpt(raw []byte) (bool, error) {
	args, has := server.Arguments(raw)
	if !has || !checkEnvelopeSyntax(args, "TO:<") {
		return false, s.send(respParamError)
	}
	address := extractAddress(args)

	if !s.server.store.Validate(s.ctx, address) {
		s.Log("recipient not recognized: %s", address)
		return false, s.send(respNoRcpt)
	}
	if len(s.forwardPaths) >= s.server.maxRecipients {
		s.Log("recipient limit reached (%d), rejecting %s", s.server.maxRecipients, address)
		return false, s.send(respAborted)
	}

	s.forwardPaths = append(s.forwardPaths, address)
	s.state = stateRcptOK
	s.Log("recipient accepted: %s (%d total)", address, len(s.forwardPaths))
	return true, s.send(respOK)
}

// handleDataLine processes one line while in DATA transfer: either the
// terminating "." line, which commits the transaction, or message content
// appended to the body buffer.
func (s *SMTPSession) handleDataLine(raw []byte) error {
	if !bytes.Equal(raw, dataEnd) {
		if s.bodyOverflow || int64(len(s.body)+len(raw)) > s.server.maxMessageSize {
			// Keep consuming so the terminator is still recognised, but
			// the transaction is already doomed.
			s.bodyOverflow = true
			return nil
		}
		s.body = append(s.body, raw...)
		return nil
	}
	return s.finishData()
}

func (s *SMTPSession) finishData() error {
	start := time.Now()
	body := s.body
	recipients := s.forwardPaths
	overflow := s.bodyOverflow

	// The transaction ends here either way; return to HELO_OK with the
	// MAIL/RCPT/DATA state cleared.
	s.state = stateHeloOK
	s.reversePath = ""
	s.forwardPaths = nil
	s.body = nil
	s.bodyOverflow = false

	if overflow {
		s.Log("message exceeds maximum size (%d), rejecting", s.server.maxMessageSize)
		metrics.MessagesDelivered.WithLabelValues("failure").Inc()
		return s.send(respAborted)
	}

	if err := s.server.store.Deliver(s.ctx, body, recipients); err != nil {
		s.Log("delivery failed: %v", err)
		metrics.MessagesDelivered.WithLabelValues("failure").Inc()
		return s.send(respAborted)
	}

	metrics.MessagesDelivered.WithLabelValues("success").Inc()
	metrics.DeliveryRecipients.Observe(float64(len(recipients)))
	metrics.DeliveryDuration.Observe(time.Since(start).Seconds())
	metrics.MessageSizeBytes.Observe(float64(len(body)))
	s.Log("message delivered (%d octets, %d recipients)", len(body), len(recipients))
	return s.send(respOK)
}

// send writes one reply. A write failure terminates the connection; it is
// never surfaced to the peer.
func (s *SMTPSession) send(resp string) error {
	if _, err := s.conn.Write([]byte(resp)); err != nil {
		s.Log("write error: %v", err)
		return err
	}
	return nil
}

func (s *SMTPSession) Close() error {
	s.conn.Close()
	if s.cancel != nil {
		s.cancel()
	}
	if s.releaseConn != nil {
		s.releaseConn()
	}

	totalCount := s.server.totalConnections.Add(-1)
	s.body = nil
	s.forwardPaths = nil

	metrics.ConnectionsCurrent.WithLabelValues("smtp").Dec()
	metrics.ConnectionDuration.WithLabelValues("smtp").Observe(time.Since(s.startTime).Seconds())

	s.Log("closed (connections: total=%d)", totalCount)
	return nil
}
