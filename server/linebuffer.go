package server

import (
	"bytes"
	"io"
)

// LineBuffer pulls bytes from a stream socket and hands back one protocol
// line per call. Bytes received past the line terminator are cached for the
// next call. The buffer capacity bounds the longest line a caller can ever
// receive; a line that does not fit is returned as a full-buffer chunk
// without a terminating LF, and it is the caller's job to notice the missing
// CRLF and reject it.
type LineBuffer struct {
	r   io.Reader
	buf []byte // fixed capacity, unread bytes live at buf[:n]
	n   int
}

// NewLineBuffer creates a line buffer reading from r with the given maximum
// line length.
func NewLineBuffer(r io.Reader, maxLine int) *LineBuffer {
	return &LineBuffer{
		r:   r,
		buf: make([]byte, maxLine),
	}
}

// ReadLine fills out with the next line, including its terminating LF, and
// returns the number of bytes copied. It returns 0 when the peer closed the
// stream at a line boundary and -1 on a read error or abrupt close. When the
// peer closes mid-line, the buffered remainder is returned as the final
// line. A zero byte is placed one past the last data byte, so out must have
// room for maxLine+1 bytes.
func (b *LineBuffer) ReadLine(out []byte) int {
	end := -1
	for {
		if i := bytes.IndexByte(b.buf[:b.n], '\n'); i >= 0 {
			end = i
			break
		}
		if b.n == len(b.buf) {
			// Buffer full without an LF: flush it as one oversized line.
			end = b.n - 1
			break
		}
		nr, err := b.r.Read(b.buf[b.n:])
		if nr > 0 {
			b.n += nr
			continue
		}
		if err == io.EOF {
			if b.n == 0 {
				return 0
			}
			end = b.n - 1
			break
		}
		if err != nil {
			return -1
		}
	}

	n := copy(out, b.buf[:end+1])
	out[n] = 0
	b.n = copy(b.buf, b.buf[end+1:b.n])
	return n
}

// Buffered returns the number of unread bytes currently cached.
func (b *LineBuffer) Buffered() int {
	return b.n
}
