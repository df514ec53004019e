// Package smtp implements an SMTP submission server that spools accepted
// messages into per-user mailboxes through the shared store.
//
// One session per accepted connection walks the command sequence:
//
//	220 banner → HELO → MAIL → RCPT (×N) → DATA → end-of-data
//
// Commands outside of DATA transfer are validated strictly (CRLF terminator,
// no trailing whitespace, 1024-byte line limit); violations are answered
// with 500. During DATA transfer only the CRLF terminator is required and
// lines are message content, accumulated until the lone "." line.
//
// NOOP and QUIT are honoured in every command state. EHLO, RSET, VRFY, EXPN
// and HELP are recognised but answered with 502; there is no extension
// negotiation, relaying, or pipelining.
//
// A transaction accepts at most MaxRecipients recipients (30 by default);
// a RCPT past the cap is answered with 451. Each one is validated against
// the store at RCPT time with 555 for unknown users. End-of-data hands the
// collected body to the store for all recipients at once: any failure yields
// 451 and nothing is considered delivered.
package smtp
