// Package pop3 implements a POP3 (Post Office Protocol version 3) server.
//
// The server drives one session per accepted connection through the two
// protocol states:
//
//	AUTHORIZATION → TRANSACTION
//
// Commands are read through a fixed-capacity line buffer and validated
// strictly: a command line must end with CRLF, must not carry trailing
// whitespace, and must fit within the 1024-byte line limit. Anything else is
// answered with -ERR without touching the session state.
//
// # Supported Commands
//
// Authorization:
//   - USER: Specify username
//   - PASS: Provide password
//   - QUIT: End session
//
// Transaction:
//   - STAT: Get mailbox statistics
//   - LIST: List message sizes
//   - RETR: Retrieve a message
//   - DELE: Mark message for deletion
//   - NOOP: No operation (keepalive)
//   - RSET: Unmark deleted messages
//   - QUIT: Commit deletions and end session
//
// # Message Deletion
//
// Messages marked with DELE are held in the session's mailbox snapshot and
// only committed to the store when the session ends normally with QUIT. If
// the connection is closed abnormally, deletions are not applied. STAT, LIST
// and RSET report counts and sizes over non-deleted messages only.
package pop3
