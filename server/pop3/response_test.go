package pop3

import (
	"testing"

	"github.com/meridianmail/meridian/store"
)

func snapshot(sizes ...int64) *store.Mailbox {
	items := make([]*store.MailItem, len(sizes))
	for i, size := range sizes {
		items[i] = store.NewMailItem("m", size, nil)
	}
	return store.NewMailbox("alice", items, nil)
}

func TestRespOKCount(t *testing.T) {
	if got := respOKCount(1, 100); got != "+OK 1 100\r\n" {
		t.Errorf("respOKCount = %q", got)
	}
	if got := respOKCount(0, 0); got != "+OK 0 0\r\n" {
		t.Errorf("respOKCount zero = %q", got)
	}
}

// Message numbers must stay stable after deletions: deleted messages are
// skipped but the remaining ones keep their original numbers.
func TestBuildScanListingPreservesNumbers(t *testing.T) {
	tests := []struct {
		name     string
		sizes    []int64
		deleted  []int // 1-based positions to mark
		expected []string
	}{
		{
			name:     "no deletions",
			sizes:    []int64{100, 200, 300},
			expected: []string{"1 100\r\n", "2 200\r\n", "3 300\r\n"},
		},
		{
			name:     "middle message deleted",
			sizes:    []int64{100, 200, 300},
			deleted:  []int{2},
			expected: []string{"1 100\r\n", "3 300\r\n"},
		},
		{
			name:     "first message deleted",
			sizes:    []int64{100, 200, 300},
			deleted:  []int{1},
			expected: []string{"2 200\r\n", "3 300\r\n"},
		},
		{
			name:     "all messages deleted",
			sizes:    []int64{100, 200},
			deleted:  []int{1, 2},
			expected: nil,
		},
		{
			name:     "empty mailbox",
			sizes:    nil,
			expected: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mb := snapshot(tt.sizes...)
			for _, i := range tt.deleted {
				mb.Item(i).MarkDeleted()
			}
			lines := buildScanListing(mb)
			if len(lines) != len(tt.expected) {
				t.Fatalf("got %d lines %v, want %d %v", len(lines), lines, len(tt.expected), tt.expected)
			}
			for i := range lines {
				if lines[i] != tt.expected[i] {
					t.Errorf("line %d = %q, want %q", i, lines[i], tt.expected[i])
				}
			}
		})
	}
}
