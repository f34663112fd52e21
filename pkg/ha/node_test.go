package ha

import (
	"fmt"
	"net"
	"testing"
	"time"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to reserve a free port: %v", err)
	}
	addr := l.Addr().String()
	l.Close()
	return addr
}

func TestNode_SingleNodeClusterElectsItselfLeader(t *testing.T) {
	n, err := New(Config{
		NodeID:   "node-1",
		BindAddr: freeAddr(t),
		DataDir:  t.TempDir(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { n.Shutdown() })

	if err := n.WaitForLeader(5 * time.Second); err != nil {
		t.Fatalf("WaitForLeader() error = %v", err)
	}
	if !n.IsLeader() {
		t.Fatal("IsLeader() = false, want true for a bootstrapped single-node cluster")
	}
}

func TestNode_AddVoterUnreachablePeerFails(t *testing.T) {
	// A freshly bootstrapped single-node cluster is itself the leader, so
	// to exercise the non-leader path we'd need a second real node; that's
	// out of scope for a single-process unit test. Instead this just
	// documents that AddVoter surfaces raft's own error rather than
	// panicking when called before any peer exists at the given address.
	n, err := New(Config{
		NodeID:   "node-1",
		BindAddr: freeAddr(t),
		DataDir:  t.TempDir(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { n.Shutdown() })

	if err := n.WaitForLeader(5 * time.Second); err != nil {
		t.Fatalf("WaitForLeader() error = %v", err)
	}

	err = n.AddVoter("node-2", fmt.Sprintf("127.0.0.1:%d", 0))
	if err == nil {
		t.Fatal("AddVoter() error = nil, want an error for an unreachable peer address")
	}
}
