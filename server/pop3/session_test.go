package pop3

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"strings"
	"testing"

	"github.com/meridianmail/meridian/store"
	"github.com/meridianmail/meridian/store/memstore"
)

// testConn drives a live session over one end of an in-memory pipe,
// alternating strictly between sending a line and reading the reply.
type testConn struct {
	net.Conn
	br *bufio.Reader
	t  *testing.T
}

func dialSession(t *testing.T, st store.UserStore) *testConn {
	t.Helper()

	srv := New(context.Background(), "test", "testhost", ":0", st, POP3ServerOptions{})
	client, serverEnd := net.Pipe()
	session := srv.newSession(serverEnd, nil)

	done := make(chan struct{})
	go func() {
		session.handleConnection()
		close(done)
	}()
	t.Cleanup(func() {
		client.Close()
		<-done
	})

	tc := &testConn{Conn: client, br: bufio.NewReader(client), t: t}
	tc.expect("+OK POP3 Server Ready")
	return tc
}

func (c *testConn) sendLine(line string) {
	c.sendRaw(line + "\r\n")
}

func (c *testConn) sendRaw(raw string) {
	c.t.Helper()
	if _, err := c.Write([]byte(raw)); err != nil {
		c.t.Fatalf("write %q failed: %v", raw, err)
	}
}

func (c *testConn) expect(want string) {
	c.t.Helper()
	line, err := c.br.ReadString('\n')
	if err != nil {
		c.t.Fatalf("read failed (want %q): %v", want, err)
	}
	if got := strings.TrimSuffix(line, "\r\n"); got != want {
		c.t.Fatalf("got %q, want %q", got, want)
	}
}

func singleMessageStore(t *testing.T, size int) *memstore.Store {
	t.Helper()
	st := memstore.New()
	st.AddUser("alice", "pw")
	body := append(bytes.Repeat([]byte("a"), size-2), '\r', '\n')
	st.AddMessage("alice", body)
	return st
}

func TestHappyPath(t *testing.T) {
	st := singleMessageStore(t, 100)
	c := dialSession(t, st)

	c.sendLine("USER alice")
	c.expect("+OK")
	c.sendLine("PASS pw")
	c.expect("+OK")
	c.sendLine("STAT")
	c.expect("+OK 1 100")
	c.sendLine("LIST")
	c.expect("+OK 1 100")
	c.expect("1 100")
	c.expect(".")
	c.sendLine("DELE 1")
	c.expect("+OK")
	c.sendLine("STAT")
	c.expect("+OK 0 0")
	c.sendLine("RSET")
	c.expect("+OK 1 100")
	c.sendLine("QUIT")
	c.expect("+OK")
}

func TestUserArgumentRequired(t *testing.T) {
	st := memstore.New()
	st.AddUser("alice", "pw")
	c := dialSession(t, st)

	c.sendLine("USER")
	c.expect("-ERR")
	c.sendLine("USER unknown")
	c.expect("-ERR")
	c.sendLine("USER alice")
	c.expect("+OK")
}

func TestPassWithoutUser(t *testing.T) {
	st := memstore.New()
	st.AddUser("alice", "pw")
	c := dialSession(t, st)

	c.sendLine("PASS pw")
	c.expect("-ERR")
	// Still in AUTHORIZATION: a fresh USER/PASS pair succeeds.
	c.sendLine("USER alice")
	c.expect("+OK")
	c.sendLine("PASS pw")
	c.expect("+OK")
}

func TestBadPasswordClearsAcceptedUser(t *testing.T) {
	st := memstore.New()
	st.AddUser("alice", "pw")
	c := dialSession(t, st)

	c.sendLine("USER alice")
	c.expect("+OK")
	c.sendLine("PASS wrong")
	c.expect("-ERR")
	// The accepted username is gone; PASS alone must fail again.
	c.sendLine("PASS pw")
	c.expect("-ERR")
}

func TestLineAdmissibility(t *testing.T) {
	st := memstore.New()
	st.AddUser("alice", "pw")
	c := dialSession(t, st)

	// Trailing whitespace before CRLF.
	c.sendRaw("USER alice \r\n")
	c.expect("-ERR")
	// Bare CRLF.
	c.sendRaw("\r\n")
	c.expect("-ERR")
	// LF without CR.
	c.sendRaw("QUIT\n")
	c.expect("-ERR")
	// The session survives all of it.
	c.sendLine("USER alice")
	c.expect("+OK")
}

func TestOversizedLineRejected(t *testing.T) {
	st := memstore.New()
	c := dialSession(t, st)

	// MaxLineLength bytes with no LF: flushed as an unterminated chunk and
	// rejected by the CRLF check; the CRLF tail is then rejected on its own.
	c.sendRaw(strings.Repeat("a", MaxLineLength))
	c.expect("-ERR")
	c.sendRaw("\r\n")
	c.expect("-ERR")
}

func TestTransactionCommandsRequireAuthentication(t *testing.T) {
	st := memstore.New()
	c := dialSession(t, st)

	for _, cmd := range []string{"STAT", "LIST", "RETR 1", "DELE 1", "NOOP", "RSET"} {
		c.sendLine(cmd)
		c.expect("-ERR")
	}
}

func TestNoArgCommandsRejectArguments(t *testing.T) {
	st := singleMessageStore(t, 100)
	c := dialSession(t, st)

	c.sendLine("USER alice")
	c.expect("+OK")
	c.sendLine("PASS pw")
	c.expect("+OK")

	c.sendLine("STAT 1")
	c.expect("-ERR")
	c.sendLine("RSET 1")
	c.expect("-ERR")
	c.sendLine("QUIT 1")
	c.expect("-ERR")
	// NOOP tolerates a tail.
	c.sendLine("NOOP 1")
	c.expect("+OK")
}

func TestListSingleMessage(t *testing.T) {
	st := singleMessageStore(t, 100)
	c := dialSession(t, st)

	c.sendLine("USER alice")
	c.expect("+OK")
	c.sendLine("PASS pw")
	c.expect("+OK")

	c.sendLine("LIST 1")
	c.expect("+OK 1 100")
	c.sendLine("LIST 2")
	c.expect("-ERR")
	c.sendLine("LIST abc")
	c.expect("-ERR")
	c.sendLine("LIST -1")
	c.expect("-ERR")

	c.sendLine("DELE 1")
	c.expect("+OK")
	c.sendLine("LIST 1")
	c.expect("-ERR")
	c.sendLine("LIST")
	c.expect("+OK 0 0")
	c.expect(".")
}

func TestRetrStreamsContent(t *testing.T) {
	st := memstore.New()
	st.AddUser("alice", "pw")
	st.AddMessage("alice", []byte("Subject: hi\r\n\r\nbody\r\n"))
	c := dialSession(t, st)

	c.sendLine("USER alice")
	c.expect("+OK")
	c.sendLine("PASS pw")
	c.expect("+OK")

	c.sendLine("RETR 1")
	c.expect("+OK")
	c.expect("Subject: hi")
	c.expect("")
	c.expect("body")
	c.expect(".")

	c.sendLine("RETR 2")
	c.expect("-ERR")
	c.sendLine("RETR abc")
	c.expect("-ERR")

	c.sendLine("DELE 1")
	c.expect("+OK")
	c.sendLine("RETR 1")
	c.expect("-ERR")
}

func TestRetrDropsUnterminatedTail(t *testing.T) {
	st := memstore.New()
	st.AddUser("alice", "pw")
	st.AddMessage("alice", []byte("complete line\r\npartial"))
	c := dialSession(t, st)

	c.sendLine("USER alice")
	c.expect("+OK")
	c.sendLine("PASS pw")
	c.expect("+OK")

	// Content is streamed line by line; a trailing fragment without a
	// terminator is not sent.
	c.sendLine("RETR 1")
	c.expect("+OK")
	c.expect("complete line")
	c.expect(".")
}

func TestQuitCommitsDeletions(t *testing.T) {
	st := singleMessageStore(t, 100)
	c := dialSession(t, st)

	c.sendLine("USER alice")
	c.expect("+OK")
	c.sendLine("PASS pw")
	c.expect("+OK")
	c.sendLine("DELE 1")
	c.expect("+OK")
	c.sendLine("QUIT")
	c.expect("+OK")

	if st.MessageCount("alice") != 0 {
		t.Errorf("message not expunged after clean QUIT: count=%d", st.MessageCount("alice"))
	}
}

func TestDroppedConnectionDoesNotCommit(t *testing.T) {
	st := singleMessageStore(t, 100)
	c := dialSession(t, st)

	c.sendLine("USER alice")
	c.expect("+OK")
	c.sendLine("PASS pw")
	c.expect("+OK")
	c.sendLine("DELE 1")
	c.expect("+OK")
	c.Close()

	if st.MessageCount("alice") != 1 {
		t.Errorf("abnormal close must not expunge: count=%d", st.MessageCount("alice"))
	}
}

func TestNoopIsIdempotent(t *testing.T) {
	st := singleMessageStore(t, 100)
	c := dialSession(t, st)

	c.sendLine("USER alice")
	c.expect("+OK")
	c.sendLine("PASS pw")
	c.expect("+OK")
	c.sendLine("NOOP")
	c.expect("+OK")
	c.sendLine("NOOP")
	c.expect("+OK")
}

func TestUnknownCommand(t *testing.T) {
	st := memstore.New()
	c := dialSession(t, st)

	c.sendLine("XYZZY")
	c.expect("-ERR")
	c.sendLine("UIDL")
	c.expect("-ERR")
}

func TestCommandsAreCaseInsensitive(t *testing.T) {
	st := singleMessageStore(t, 100)
	c := dialSession(t, st)

	c.sendLine("user alice")
	c.expect("+OK")
	c.sendLine("pAsS pw")
	c.expect("+OK")
	c.sendLine("stat")
	c.expect("+OK 1 100")
	c.sendLine("quit")
	c.expect("+OK")
}
