package pop3

import (
	"fmt"

	"github.com/meridianmail/meridian/store"
)

// The response table. These literals are the only place the wire bytes
// appear; every reply goes through one of these.
const (
	respBanner = "+OK POP3 Server Ready\r\n"
	respOK     = "+OK\r\n"
	respErr    = "-ERR\r\n"
	respEnd    = ".\r\n"
)

// respOKCount formats the "+OK <count> <size>" reply used by STAT, the
// no-argument LIST header, RSET and the single-message LIST form.
func respOKCount(count int, size int64) string {
	return fmt.Sprintf("+OK %d %d\r\n", count, size)
}

// respScanLine formats one scan listing line of the multi-line LIST reply.
func respScanLine(number int, size int64) string {
	return fmt.Sprintf("%d %d\r\n", number, size)
}

// buildScanListing builds the multi-line body of the no-argument LIST reply.
// Message numbers must stay stable for the whole session, so deleted
// messages are skipped but the remaining ones keep their original numbers.
func buildScanListing(mb *store.Mailbox) []string {
	var lines []string
	for i := 1; i <= mb.Len(); i++ {
		if m := mb.Item(i); m != nil && !m.Deleted() {
			lines = append(lines, respScanLine(i, m.Size()))
		}
	}
	return lines
}
