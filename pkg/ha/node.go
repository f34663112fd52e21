package ha

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/cdcflow/pkg/log"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rs/zerolog"
)

// Config configures one raft Node.
type Config struct {
	NodeID   string
	BindAddr string // e.g. "127.0.0.1:8300"
	DataDir  string

	// JoinAddr, when set, means this node expects to be added to an
	// existing cluster by its current leader rather than bootstrapping a
	// new single-node one.
	JoinAddr string
}

// Node wraps a raft.Raft instance whose only purpose is leader election:
// cmd/cdcflow's run command checks IsLeader() once at startup and builds no
// sources on a non-leader, so only one instance drives capture against a
// shared source set. Leadership is not re-checked after startup.
type Node struct {
	raft   *raft.Raft
	logger zerolog.Logger
}

// New starts (or rejoins) a raft node per cfg. When cfg.JoinAddr is empty
// it bootstraps a new single-node cluster; otherwise the caller is
// expected to have the existing leader call AddVoter out of band —
// automating this would need an API surface this package doesn't own.
func New(cfg Config) (*Node, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("ha: create data dir: %w", err)
	}

	logger := log.WithComponent("ha").With().Str("node_id", cfg.NodeID).Logger()

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("ha: resolve bind addr: %w", err)
	}

	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stdout)
	if err != nil {
		return nil, fmt.Errorf("ha: create transport: %w", err)
	}

	snapshots, err := raft.NewFileSnapshotStore(cfg.DataDir, 3, os.Stdout)
	if err != nil {
		return nil, fmt.Errorf("ha: create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("ha: create log store: %w", err)
	}

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("ha: create stable store: %w", err)
	}

	r, err := raft.NewRaft(raftCfg, noopFSM{}, logStore, stableStore, snapshots, transport)
	if err != nil {
		return nil, fmt.Errorf("ha: create raft instance: %w", err)
	}

	if cfg.JoinAddr == "" {
		future := r.BootstrapCluster(raft.Configuration{
			Servers: []raft.Server{{ID: raftCfg.LocalID, Address: transport.LocalAddr()}},
		})
		if err := future.Error(); err != nil {
			return nil, fmt.Errorf("ha: bootstrap cluster: %w", err)
		}
	}

	return &Node{raft: r, logger: logger}, nil
}

// IsLeader reports whether this node currently holds raft leadership.
func (n *Node) IsLeader() bool {
	return n.raft.State() == raft.Leader
}

// WaitForLeader blocks until a leader (this node or another) is known, or
// timeout elapses.
func (n *Node) WaitForLeader(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if addr, _ := n.raft.LeaderWithID(); addr != "" {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("ha: no leader elected within %s", timeout)
}

// AddVoter adds another node to the cluster. Only the current leader can
// do this successfully; callers should check IsLeader first.
func (n *Node) AddVoter(nodeID, addr string) error {
	future := n.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(addr), 0, 10*time.Second)
	return future.Error()
}

// Shutdown gracefully leaves the raft cluster.
func (n *Node) Shutdown() error {
	return n.raft.Shutdown().Error()
}
