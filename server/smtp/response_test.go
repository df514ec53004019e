package smtp

import "testing"

func TestRespBanner(t *testing.T) {
	if got := respBanner("mail.example.com"); got != "220 mail.example.com SMTP Server Ready\r\n" {
		t.Errorf("banner = %q", got)
	}
	if got := respHello("mail.example.com"); got != "250 mail.example.com\r\n" {
		t.Errorf("hello = %q", got)
	}
}

func TestCheckEnvelopeSyntax(t *testing.T) {
	tests := []struct {
		name   string
		args   string
		prefix string
		want   bool
	}{
		{"simple from", "FROM:<a@x>", "FROM:<", true},
		{"lowercase from", "from:<a@x>", "FROM:<", true},
		{"mixed case", "FrOm:<alice@example.com>", "FROM:<", true},
		{"empty brackets", "FROM:<>", "FROM:<", false},
		{"no closing bracket", "FROM:<a@x", "FROM:<", false},
		{"no brackets", "FROM:a@x", "FROM:<", false},
		{"wrong prefix", "TO:<a@x>", "FROM:<", false},
		{"space before bracket", "FROM: <a@x>", "FROM:<", false},
		{"trailing text", "FROM:<a@x> SIZE=100", "FROM:<", false},
		{"empty", "", "FROM:<", false},
		{"simple to", "TO:<bob@host>", "TO:<", true},
		{"to empty brackets", "TO:<>", "TO:<", false},
		{"to lowercase", "to:<bob@host>", "TO:<", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := checkEnvelopeSyntax(tt.args, tt.prefix); got != tt.want {
				t.Errorf("checkEnvelopeSyntax(%q, %q) = %v, want %v", tt.args, tt.prefix, got, tt.want)
			}
		})
	}
}

func TestExtractAddress(t *testing.T) {
	tests := []struct {
		args string
		want string
	}{
		{"FROM:<a@x>", "a@x"},
		{"TO:<bob@host>", "bob@host"},
		{"FROM:<alice+tag@example.com>", "alice+tag@example.com"},
	}
	for _, tt := range tests {
		if got := extractAddress(tt.args); got != tt.want {
			t.Errorf("extractAddress(%q) = %q, want %q", tt.args, got, tt.want)
		}
	}
}
