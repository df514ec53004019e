package store

import (
	"bytes"
	"context"
	"io"
	"testing"
)

func item(id string, size int64) *MailItem {
	return NewMailItem(id, size, func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(make([]byte, size))), nil
	})
}

func testMailbox() *Mailbox {
	return NewMailbox("alice", []*MailItem{
		item("m1", 100),
		item("m2", 200),
		item("m3", 300),
	}, nil)
}

func TestMailboxCountAndSizeExcludeDeleted(t *testing.T) {
	mb := testMailbox()

	if mb.Count() != 3 || mb.TotalSize() != 600 {
		t.Fatalf("initial count/size = %d/%d, want 3/600", mb.Count(), mb.TotalSize())
	}

	mb.Item(2).MarkDeleted()
	if mb.Count() != 2 || mb.TotalSize() != 400 {
		t.Errorf("after DELE count/size = %d/%d, want 2/400", mb.Count(), mb.TotalSize())
	}

	// Positions stay addressable; numbering never shifts.
	if mb.Len() != 3 {
		t.Errorf("Len() = %d, want 3", mb.Len())
	}
	if mb.Item(3).ID() != "m3" {
		t.Errorf("item 3 = %q, want m3", mb.Item(3).ID())
	}
}

func TestMailboxResetDeletionsRestoresTotals(t *testing.T) {
	mb := testMailbox()
	before, beforeSize := mb.Count(), mb.TotalSize()

	mb.Item(1).MarkDeleted()
	mb.Item(3).MarkDeleted()
	mb.ResetDeletions()

	if mb.Count() != before || mb.TotalSize() != beforeSize {
		t.Errorf("after RSET count/size = %d/%d, want %d/%d", mb.Count(), mb.TotalSize(), before, beforeSize)
	}
}

func TestMailboxItemOutOfRange(t *testing.T) {
	mb := testMailbox()
	for _, i := range []int{0, -1, 4, 100} {
		if mb.Item(i) != nil {
			t.Errorf("Item(%d) should be nil", i)
		}
	}
}

func TestMailboxCommitPassesDeletedItems(t *testing.T) {
	var committed []string
	mb := NewMailbox("alice", []*MailItem{item("m1", 1), item("m2", 2)},
		func(_ context.Context, deleted []*MailItem) error {
			for _, m := range deleted {
				committed = append(committed, m.ID())
			}
			return nil
		})

	// Nothing marked: the commit callback must not fire.
	if err := mb.Commit(context.Background()); err != nil {
		t.Fatalf("empty commit failed: %v", err)
	}
	if committed != nil {
		t.Fatalf("commit fired with no deletions: %v", committed)
	}

	mb.Item(2).MarkDeleted()
	if err := mb.Commit(context.Background()); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if len(committed) != 1 || committed[0] != "m2" {
		t.Errorf("committed = %v, want [m2]", committed)
	}
}

func TestMailboxDestroy(t *testing.T) {
	mb := testMailbox()
	mb.Destroy()
	if mb.Len() != 0 || mb.Item(1) != nil {
		t.Error("destroyed mailbox should hold no items")
	}
	if err := mb.Commit(context.Background()); err != nil {
		t.Errorf("commit after destroy should be a no-op, got %v", err)
	}
}
