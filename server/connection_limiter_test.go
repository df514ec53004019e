package server

import (
	"net"
	"testing"
)

func tcpAddr(ip string) net.Addr {
	return &net.TCPAddr{IP: net.ParseIP(ip), Port: 12345}
}

func TestConnectionLimiterTotalLimit(t *testing.T) {
	cl := NewConnectionLimiter("TEST", 2, 0)

	release1, err := cl.Accept(tcpAddr("10.0.0.1"))
	if err != nil {
		t.Fatalf("first accept failed: %v", err)
	}
	if _, err := cl.Accept(tcpAddr("10.0.0.2")); err != nil {
		t.Fatalf("second accept failed: %v", err)
	}
	if _, err := cl.Accept(tcpAddr("10.0.0.3")); err == nil {
		t.Fatal("third accept should have been rejected")
	}

	release1()
	if _, err := cl.Accept(tcpAddr("10.0.0.3")); err != nil {
		t.Fatalf("accept after release failed: %v", err)
	}
}

func TestConnectionLimiterPerIPLimit(t *testing.T) {
	cl := NewConnectionLimiter("TEST", 0, 1)

	if _, err := cl.Accept(tcpAddr("10.0.0.1")); err != nil {
		t.Fatalf("first accept failed: %v", err)
	}
	if _, err := cl.Accept(tcpAddr("10.0.0.1")); err == nil {
		t.Fatal("same-IP accept should have been rejected")
	}
	if _, err := cl.Accept(tcpAddr("10.0.0.2")); err != nil {
		t.Fatalf("other-IP accept failed: %v", err)
	}
}

func TestConnectionLimiterNoLimits(t *testing.T) {
	cl := NewConnectionLimiter("TEST", 0, 0)
	for i := 0; i < 100; i++ {
		if _, err := cl.Accept(tcpAddr("10.0.0.1")); err != nil {
			t.Fatalf("accept %d failed: %v", i, err)
		}
	}
	if cl.Total() != 100 {
		t.Errorf("total = %d, want 100", cl.Total())
	}
}

func TestConnectionLimiterReleaseIsIdempotent(t *testing.T) {
	cl := NewConnectionLimiter("TEST", 2, 0)
	release, err := cl.Accept(tcpAddr("10.0.0.1"))
	if err != nil {
		t.Fatalf("accept failed: %v", err)
	}
	release()
	release()
	if cl.Total() != 0 {
		t.Errorf("total after double release = %d, want 0", cl.Total())
	}
}
