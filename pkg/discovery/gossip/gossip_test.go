package gossip

import (
	"context"
	"log"
	"net"
	"testing"
	"time"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	a, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("freeAddr: %v", err)
	}
	defer a.Close()
	return a.LocalAddr().String()
}

func startNode(t *testing.T, ctx context.Context, name, mgmtAddr string) (*Discovery, string) {
	t.Helper()
	bind := freeAddr(t)
	m, err := New(Options{NodeName: name, Bind: bind, MgmtAddr: mgmtAddr, Logger: log.Default(), ProbeInterval: 100 * time.Millisecond})
	if err != nil {
		t.Fatalf("new %s: %v", name, err)
	}
	if err := m.Start(ctx); err != nil {
		t.Fatalf("start %s: %v", name, err)
	}
	return m, bind
}

func TestGossip_SeedsConverge(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	n1, addr1 := startNode(t, ctx, "n1", "127.0.0.1:17001")
	defer n1.Stop()
	n2, _ := startNode(t, ctx, "n2", "127.0.0.1:17002")
	defer n2.Stop()

	if err := n2.Join([]string{addr1}); err != nil {
		t.Fatalf("n2 join: %v", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		s1, s2 := n1.Seeds(), n2.Seeds()
		if len(s1) == 1 && len(s2) == 1 {
			if s1[0] != "127.0.0.1:17002" {
				t.Fatalf("n1 seeds = %v, want n2's mgmt addr", s1)
			}
			if s2[0] != "127.0.0.1:17001" {
				t.Fatalf("n2 seeds = %v, want n1's mgmt addr", s2)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("seeds did not converge: n1=%v n2=%v", s1, s2)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func TestGossip_SeedsExcludesSelf(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	n1, _ := startNode(t, ctx, "solo", "127.0.0.1:17003")
	defer n1.Stop()
	if got := n1.Seeds(); len(got) != 0 {
		t.Fatalf("solo node seeds = %v, want empty", got)
	}
}

func TestGossip_NotStartedSeedsEmpty(t *testing.T) {
	m, err := New(Options{NodeName: "x", Bind: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if got := m.Seeds(); got != nil {
		t.Fatalf("unstarted seeds = %v, want nil", got)
	}
}
