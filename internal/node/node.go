// Package node wires the execution pools, chain store, mempool, indexer
// and peer session into a full node with a monotonic lifecycle.
package node

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ember-network/ember-chain/config"
	"github.com/ember-network/ember-chain/internal/chain"
	"github.com/ember-network/ember-chain/internal/exec"
	"github.com/ember-network/ember-chain/internal/indexer"
	klog "github.com/ember-network/ember-chain/internal/log"
	"github.com/ember-network/ember-chain/internal/mempool"
	"github.com/ember-network/ember-chain/internal/p2p"
	"github.com/ember-network/ember-chain/pkg/tx"
	"github.com/ember-network/ember-chain/pkg/types"
	"github.com/rs/zerolog"
)

// ErrStopped is returned by operations invoked outside the started state.
var ErrStopped = errors.New("node stopped")

const mempoolCapacity = 5000

// Node is a fully-initialized full node. Construct with New, then call
// Start once. Stop is a synchronous rendezvous: when it returns, the
// session is down, the chain store is closed and all pools are joined.
type Node struct {
	cfg    *config.Config
	logger zerolog.Logger

	// Execution pools. Network and memory run a single worker so their
	// task streams stay ordered; disk fans out.
	netPool  *exec.Pool
	diskPool *exec.Pool
	memPool  *exec.Pool

	store *chain.Store
	pool  *mempool.Pool
	index *indexer.Indexer

	// Created during Start, once the chain store's database is open.
	session *p2p.Session

	state stateVar
}

// New creates and initializes a Node. It builds the pools and subsystems
// but opens no database and no network listener; call Start for that.
func New(cfg *config.Config) (*Node, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	if cfg.Network == config.Testnet {
		types.SetAddressHRP(types.TestnetHRP)
	} else {
		types.SetAddressHRP(types.MainnetHRP)
	}

	logFile := cfg.Log.File
	if logFile == "" {
		logsDir := cfg.LogsDir()
		if err := os.MkdirAll(logsDir, 0755); err != nil {
			return nil, fmt.Errorf("creating logs dir: %w", err)
		}
		logFile = filepath.Join(logsDir, "ember.log")
	}
	if err := klog.Init(cfg.Log.Level, cfg.Log.JSON, logFile, cfg.Log.ErrorFile); err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	logger := klog.WithComponent("node")

	logger.Info().
		Str("network", string(cfg.Network)).
		Str("datadir", cfg.DataDir).
		Msg("Starting Ember node")

	n := &Node{
		cfg:      cfg,
		logger:   logger,
		netPool:  exec.NewPool("network", cfg.Pools.Network),
		diskPool: exec.NewPool("disk", cfg.Pools.Disk),
		memPool:  exec.NewPool("memory", cfg.Pools.Memory),
	}

	n.store = chain.NewStore(cfg.ChainStoreDir(), n.diskPool)
	n.pool = mempool.New(n.memPool, mempoolCapacity)
	n.index = indexer.New(n.memPool)

	// Confirmed transactions leave the mempool; the pipeline's confirm
	// continuation then deindexes them.
	n.store.SetConfirmedHandler(n.pool.Confirm)

	return n, nil
}

// Start brings the node up: chain store first (a storage failure aborts
// startup before any network activity), then the peer session. onStarted
// fires exactly once with the outcome.
func (n *Node) Start(onStarted func(error)) {
	go func() {
		onStarted(n.start())
	}()
}

func (n *Node) start() error {
	if !n.state.advance(StateConstructed, StateStarted) {
		return fmt.Errorf("start: node is %s", n.state.get())
	}

	if err := n.store.Start(); err != nil {
		n.state.set(StateStopped)
		n.joinPools()
		return fmt.Errorf("start chain store: %w", err)
	}

	n.pool.Start()

	n.session = p2p.New(p2p.Config{
		ListenAddr: n.cfg.P2P.ListenAddr,
		Port:       n.cfg.P2P.Port,
		Seeds:      n.cfg.P2P.Seeds,
		MaxPeers:   n.cfg.P2P.MaxPeers,
		NoDiscover: n.cfg.P2P.NoDiscover,
		DB:         n.store.DB(),
		DHTServer:  n.cfg.P2P.DHTServer,
		NetworkID:  fmt.Sprintf("ember-%s-1", n.cfg.Network),
		DataDir:    n.cfg.ChainDataDir(),
		NetPool:    n.netPool,
	})
	n.session.SubscribeChannelEstablished(n.handleChannelEstablished)

	started := make(chan error, 1)
	n.session.Start(func(err error) { started <- err })
	if err := <-started; err != nil {
		n.state.set(StateStopped)
		if serr := n.store.Stop(); serr != nil {
			n.logger.Warn().Err(serr).Msg("Chain store close failed during aborted start")
		}
		n.joinPools()
		return fmt.Errorf("start session: %w", err)
	}

	n.logger.Info().
		Str("id", n.session.ID().String()).
		Int("port", n.cfg.P2P.Port).
		Bool("discovery", !n.cfg.P2P.NoDiscover).
		Msg("Node started successfully")

	return nil
}

// Stop shuts the node down: session rendezvous, chain store close, then
// pools stopped and joined. A second Stop is a no-op.
func (n *Node) Stop() error {
	if !n.state.advance(StateStarted, StateStopping) &&
		!n.state.advance(StateConstructed, StateStopping) {
		n.logger.Debug().
			Str("state", n.state.get().String()).
			Msg("Stop ignored")
		return nil
	}

	if n.session != nil {
		stopped := make(chan error, 1)
		n.session.Stop(func(err error) { stopped <- err })
		if err := <-stopped; err != nil {
			n.logger.Warn().Err(err).Msg("Session stop reported error")
		}
	}

	if err := n.store.Stop(); err != nil {
		n.logger.Warn().Err(err).Msg("Chain store close reported error")
	}

	n.joinPools()
	n.state.set(StateStopped)

	n.logger.Info().Msg("Goodbye!")
	return nil
}

// joinPools stops the pools and waits for in-flight tasks, network
// first so no new work reaches the others while they drain.
func (n *Node) joinPools() {
	for _, p := range []*exec.Pool{n.netPool, n.diskPool, n.memPool} {
		p.Stop()
		p.Join()
	}
}

// Confirm records a transaction as confirmed at the given height. The
// chain store persists its history rows on the disk pool, evicts it from
// the mempool and onDone fires with the write outcome.
func (n *Node) Confirm(t *tx.Transaction, height uint64, onDone func(error)) {
	if n.state.get() != StateStarted {
		if onDone != nil {
			onDone(ErrStopped)
		}
		return
	}
	n.store.WriteConfirmed(t, height, onDone)
}

// State returns the current lifecycle state.
func (n *Node) State() State {
	return n.state.get()
}

// Session returns the peer session, nil before Start.
func (n *Node) Session() *p2p.Session {
	return n.session
}

// Mempool returns the transaction pool.
func (n *Node) Mempool() *mempool.Pool {
	return n.pool
}

// PeerCount returns the number of connected peers.
func (n *Node) PeerCount() int {
	if n.session == nil {
		return 0
	}
	return n.session.PeerCount()
}
