// Package p2p implements the peer session manager using libp2p.
//
// A Session owns the libp2p host, the GossipSub transaction topic, and
// peer discovery. Each peer the session hears from is represented by a
// Channel; subscribers learn about new channels through
// SubscribeChannelEstablished and about a channel's transactions through
// Channel.SubscribeTransactions. Channel events and transaction
// deliveries are dispatched on the network pool, so a single-worker pool
// sees them in arrival order.
package p2p

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ember-network/ember-chain/config"
	"github.com/ember-network/ember-chain/internal/exec"
	"github.com/ember-network/ember-chain/internal/log"
	"github.com/ember-network/ember-chain/internal/storage"
	"github.com/ember-network/ember-chain/pkg/tx"
	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	dutil "github.com/libp2p/go-libp2p/p2p/discovery/util"
)

const (
	// dhtRendezvousFallback is the default DHT namespace when no NetworkID is set.
	dhtRendezvousFallback = "ember-chain"

	// dhtDiscoveryInterval is how often DHT FindPeers runs.
	dhtDiscoveryInterval = 30 * time.Second

	// peerConnectTimeout is the timeout for connecting to a persisted peer.
	peerConnectTimeout = 5 * time.Second
)

// Config holds session configuration.
type Config struct {
	ListenAddr string
	Port       int
	Seeds      []string
	MaxPeers   int
	NoDiscover bool
	DB         storage.DB // Peer persistence (nil = disabled, for tests)
	DHTServer  bool       // Run DHT in server mode (for seeds)
	NetworkID  string     // e.g. "ember-mainnet-1", isolates DHT per network
	DataDir    string     // Data directory for persisting node identity
	NetPool    *exec.Pool // Dispatch pool for channel events (nil = inline, for tests)
}

// Session manages the libp2p host and the per-peer channels built on it.
type Session struct {
	host   host.Host
	pubsub *pubsub.PubSub
	config Config
	ctx    context.Context
	cancel context.CancelFunc

	topicTx *pubsub.Topic
	subTx   *pubsub.Subscription

	mu       sync.RWMutex
	peers    map[peer.ID]*Peer
	channels map[peer.ID]*Channel
	chanSubs []func(*Channel)

	peerStore  *PeerStore    // nil if Config.DB is nil
	dht        *dht.IpfsDHT  // nil if NoDiscover
	connNotify *connNotifier // connection lifecycle tracker

	stopOnce sync.Once
	stopErr  error
}

// New creates a session with the given config. Call Start before use.
func New(cfg Config) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		config:   cfg,
		ctx:      ctx,
		cancel:   cancel,
		peers:    make(map[peer.ID]*Peer),
		channels: make(map[peer.ID]*Channel),
	}
	if cfg.DB != nil {
		s.peerStore = NewPeerStore(cfg.DB)
	}
	return s
}

// rendezvous returns the DHT/mDNS discovery namespace for this session.
// When NetworkID is set, it isolates peer discovery per network.
func (s *Session) rendezvous() string {
	if s.config.NetworkID != "" {
		return "ember/" + s.config.NetworkID
	}
	return dhtRendezvousFallback
}

// Start brings the session up in the background and reports the result
// through onStarted.
func (s *Session) Start(onStarted func(error)) {
	go func() {
		onStarted(s.start())
	}()
}

func (s *Session) start() error {
	addr := fmt.Sprintf("/ip4/%s/tcp/%d", s.config.ListenAddr, s.config.Port)

	opts := []libp2p.Option{
		libp2p.ListenAddrStrings(addr),
	}

	// Load or generate persistent identity so the peer ID survives restarts.
	if s.config.DataDir != "" {
		privKey, err := loadOrCreateIdentity(s.config.DataDir)
		if err != nil {
			return fmt.Errorf("load p2p identity: %w", err)
		}
		opts = append(opts, libp2p.Identity(privKey))
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return fmt.Errorf("create libp2p host: %w", err)
	}
	s.host = h

	// Register connection notifier for peer and channel tracking.
	s.connNotify = &connNotifier{session: s}
	h.Network().Notify(s.connNotify)

	// Init DHT before GossipSub so the DHT can serve as a peer source.
	if !s.config.NoDiscover {
		if err := s.initDHT(); err != nil {
			h.Close()
			return fmt.Errorf("init dht: %w", err)
		}
	}

	// Set up GossipSub for transaction propagation.
	ps, err := pubsub.NewGossipSub(s.ctx, h,
		pubsub.WithMaxMessageSize(config.MaxGossipMessage),
	)
	if err != nil {
		s.closeDHT()
		h.Close()
		return fmt.Errorf("create pubsub: %w", err)
	}
	s.pubsub = ps

	s.topicTx, err = s.pubsub.Join(TopicTransactions)
	if err != nil {
		s.closeDHT()
		h.Close()
		return fmt.Errorf("join tx topic: %w", err)
	}
	s.subTx, err = s.topicTx.Subscribe()
	if err != nil {
		s.closeDHT()
		h.Close()
		return fmt.Errorf("subscribe tx: %w", err)
	}

	go s.readLoop(s.subTx, s.handleTxMessage)

	// Load and reconnect persisted peers in background.
	go s.loadPersistedPeers()

	// Connect to seed peers (first attempt is blocking, retries run in background).
	if len(s.config.Seeds) > 0 {
		log.P2P.Info().Int("seeds", len(s.config.Seeds)).Msg("Connecting to seeds...")
	}
	s.connectSeedsOnce()
	go s.connectSeedsLoop()

	// Start peer discovery.
	if !s.config.NoDiscover {
		s.startMDNS()
		go s.runDHTDiscovery()
	}

	// Start peer persistence loop.
	if s.peerStore != nil {
		go s.runPersistLoop()
	}

	log.P2P.Info().Str("peer", s.ID().String()).Msg("Session started")
	return nil
}

// Stop tears the session down and reports the result through onStopped.
// The teardown runs at most once; every caller's handler still fires,
// later ones observing the first teardown's result.
func (s *Session) Stop(onStopped func(error)) {
	go func() {
		s.stopOnce.Do(func() {
			s.stopErr = s.stop()
		})
		if onStopped != nil {
			onStopped(s.stopErr)
		}
	}()
}

func (s *Session) stop() error {
	// Persist peers one final time before shutdown.
	s.persistPeers()

	s.cancel()
	if s.subTx != nil {
		s.subTx.Cancel()
	}
	if s.topicTx != nil {
		s.topicTx.Close()
	}

	s.closeDHT()
	if s.host != nil {
		if err := s.host.Close(); err != nil {
			return fmt.Errorf("close host: %w", err)
		}
	}
	log.P2P.Info().Msg("Session stopped")
	return nil
}

// Host returns the underlying libp2p host (nil before Start).
func (s *Session) Host() host.Host {
	return s.host
}

// ID returns the peer ID of this session.
func (s *Session) ID() peer.ID {
	if s.host == nil {
		return ""
	}
	return s.host.ID()
}

// Addrs returns the full multiaddrs of this session.
func (s *Session) Addrs() []string {
	if s.host == nil {
		return nil
	}
	var addrs []string
	for _, a := range s.host.Addrs() {
		addrs = append(addrs, fmt.Sprintf("%s/p2p/%s", a, s.host.ID()))
	}
	return addrs
}

// SubscribeChannelEstablished registers fn to be called for every channel
// established after this point. The subscription stays active for the
// session's lifetime.
func (s *Session) SubscribeChannelEstablished(fn func(*Channel)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chanSubs = append(s.chanSubs, fn)
}

// BroadcastTx publishes a transaction to the gossip network.
func (s *Session) BroadcastTx(t *tx.Transaction) error {
	if s.topicTx == nil {
		return fmt.Errorf("session not started")
	}

	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal tx: %w", err)
	}

	return s.topicTx.Publish(s.ctx, data)
}

// PeerCount returns the number of connected peers.
func (s *Session) PeerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}

// PeerList returns a snapshot of connected peers.
func (s *Session) PeerList() []*Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	return out
}

// DisconnectPeer closes all connections to a peer and removes it from
// the peer list.
func (s *Session) DisconnectPeer(id peer.ID) error {
	if s.host == nil {
		return fmt.Errorf("session not started")
	}
	s.removePeer(id)
	return s.host.Network().ClosePeer(id)
}

// dispatch runs fn on the network pool, or inline when no pool is
// configured. Dispatches after the pool has stopped are dropped.
func (s *Session) dispatch(fn func()) {
	if s.config.NetPool == nil {
		fn()
		return
	}
	if err := s.config.NetPool.Submit(fn); err != nil {
		log.P2P.Debug().Msg("Dispatch dropped, network pool stopped")
	}
}

// channelEstablished creates the channel for a peer if it does not exist
// yet and announces it to subscribers. Announcement order matches
// connection order because both go through dispatch.
func (s *Session) channelEstablished(id peer.ID) *Channel {
	s.mu.Lock()
	ch, exists := s.channels[id]
	if !exists {
		ch = newChannel(s, id)
		s.channels[id] = ch
	}
	subs := make([]func(*Channel), len(s.chanSubs))
	copy(subs, s.chanSubs)
	s.mu.Unlock()

	if exists {
		return ch
	}

	log.P2P.Debug().Str("peer", id.String()).Msg("Channel established")
	s.dispatch(func() {
		for _, fn := range subs {
			fn(ch)
		}
	})
	return ch
}

func (s *Session) dropChannel(id peer.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.channels, id)
}

func (s *Session) addPeer(id peer.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.peers[id]; !exists {
		s.peers[id] = &Peer{
			ID:          id,
			ConnectedAt: time.Now(),
		}
	}
}

func (s *Session) removePeer(id peer.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peers, id)
}

func (s *Session) readLoop(sub *pubsub.Subscription, handler func(*pubsub.Message)) {
	for {
		msg, err := sub.Next(s.ctx)
		if err != nil {
			return // Context cancelled.
		}
		if msg.ReceivedFrom == s.host.ID() {
			continue // Skip own messages.
		}
		handler(msg)
	}
}

// handleTxMessage routes a gossip transaction to the sender's channel.
func (s *Session) handleTxMessage(msg *pubsub.Message) {
	from := msg.ReceivedFrom
	s.addPeer(from)

	var t tx.Transaction
	if err := json.Unmarshal(msg.Data, &t); err != nil {
		log.P2P.Warn().
			Str("peer", from.String()).
			Err(err).
			Msg("Undecodable transaction message")
		return
	}

	ch := s.channelEstablished(from)
	s.dispatch(func() {
		ch.deliver(&t)
	})
}

func (s *Session) startMDNS() {
	svc := mdns.NewMdnsService(s.host, s.rendezvous(), &discoveryNotifee{session: s})
	// mDNS failure is non-fatal.
	_ = svc.Start()
}

// connectSeedsOnce tries to connect to each seed peer once (blocking).
// Returns true if at least one seed connected.
func (s *Session) connectSeedsOnce() bool {
	connected := false
	for _, addr := range s.config.Seeds {
		info, err := peer.AddrInfoFromString(addr)
		if err != nil {
			log.P2P.Warn().Str("addr", addr).Err(err).Msg("Bad seed address")
			continue
		}
		ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
		err = s.host.Connect(ctx, *info)
		cancel()
		if err != nil {
			log.P2P.Warn().Str("peer", info.ID.String()[:16]).Err(err).Msg("Seed connect failed")
		} else {
			s.addPeer(info.ID)
			log.P2P.Info().Str("peer", info.ID.String()[:16]).Msg("Seed connected")
			connected = true
		}
	}
	return connected
}

// connectSeedsLoop retries seed connections every 10s forever.
func (s *Session) connectSeedsLoop() {
	if len(s.config.Seeds) == 0 {
		return
	}

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(10 * time.Second):
			if s.PeerCount() == 0 {
				log.P2P.Info().Int("seeds", len(s.config.Seeds)).Msg("No peers, retrying seeds...")
				s.connectSeedsOnce()
			}
		}
	}
}

// --- DHT ---

func (s *Session) initDHT() error {
	mode := dht.ModeClient
	if s.config.DHTServer {
		mode = dht.ModeServer
	}
	kadDHT, err := dht.New(s.ctx, s.host, dht.Mode(mode))
	if err != nil {
		return fmt.Errorf("create kad-dht: %w", err)
	}
	s.dht = kadDHT
	return kadDHT.Bootstrap(s.ctx)
}

func (s *Session) closeDHT() {
	if s.dht != nil {
		s.dht.Close()
		s.dht = nil
	}
}

func (s *Session) runDHTDiscovery() {
	if s.dht == nil {
		return
	}

	routingDiscovery := drouting.NewRoutingDiscovery(s.dht)
	dutil.Advertise(s.ctx, routingDiscovery, s.rendezvous())

	ticker := time.NewTicker(dhtDiscoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.findDHTPeers(routingDiscovery)
		}
	}
}

func (s *Session) findDHTPeers(routingDiscovery *drouting.RoutingDiscovery) {
	ctx, cancel := context.WithTimeout(s.ctx, 20*time.Second)
	defer cancel()

	peerCh, err := routingDiscovery.FindPeers(ctx, s.rendezvous())
	if err != nil {
		return
	}

	for p := range peerCh {
		if p.ID == s.host.ID() || len(p.Addrs) == 0 {
			continue
		}

		// Respect MaxPeers.
		if s.config.MaxPeers > 0 && s.PeerCount() >= s.config.MaxPeers {
			return
		}

		connectCtx, connectCancel := context.WithTimeout(s.ctx, peerConnectTimeout)
		if err := s.host.Connect(connectCtx, p); err == nil {
			s.mu.Lock()
			if existing, ok := s.peers[p.ID]; ok && existing.Source == "" {
				existing.Source = "dht"
			}
			s.mu.Unlock()
		}
		connectCancel()
	}
}

// --- Peer Persistence ---

func (s *Session) persistPeers() {
	if s.peerStore == nil || s.host == nil {
		return
	}

	s.mu.RLock()
	snapshot := make([]peer.ID, 0, len(s.peers))
	sources := make(map[peer.ID]string)
	for id, p := range s.peers {
		snapshot = append(snapshot, id)
		sources[id] = p.Source
	}
	s.mu.RUnlock()

	now := time.Now().Unix()
	for _, id := range snapshot {
		addrs := s.host.Peerstore().Addrs(id)
		addrStrs := make([]string, len(addrs))
		for i, a := range addrs {
			addrStrs[i] = a.String()
		}
		rec := PeerRecord{
			ID:       id.String(),
			Addrs:    addrStrs,
			LastSeen: now,
			Source:   sources[id],
		}
		s.peerStore.Save(rec) // Best-effort, ignore errors.
	}
}

func (s *Session) loadPersistedPeers() {
	if s.peerStore == nil {
		return
	}

	// Prune stale records first.
	s.peerStore.PruneStale(staleThreshold)

	records, err := s.peerStore.LoadAll()
	if err != nil {
		return
	}

	for _, rec := range records {
		id, err := peer.Decode(rec.ID)
		if err != nil {
			continue
		}
		if id == s.host.ID() {
			continue
		}

		// Build AddrInfo from stored addresses.
		info := peer.AddrInfo{ID: id}
		for _, addr := range rec.Addrs {
			ma, err := peer.AddrInfoFromString(fmt.Sprintf("%s/p2p/%s", addr, rec.ID))
			if err != nil {
				continue
			}
			info.Addrs = append(info.Addrs, ma.Addrs...)
		}

		if len(info.Addrs) == 0 {
			continue
		}

		ctx, cancel := context.WithTimeout(s.ctx, peerConnectTimeout)
		s.host.Connect(ctx, info) // Best-effort reconnect.
		cancel()
	}
}

func (s *Session) runPersistLoop() {
	ticker := time.NewTicker(persistInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.persistPeers()
			s.peerStore.PruneStale(staleThreshold)
		}
	}
}

// loadOrCreateIdentity loads a persisted libp2p identity key from dataDir,
// or generates a new one and saves it. This ensures the peer ID is stable.
func loadOrCreateIdentity(dataDir string) (libp2pcrypto.PrivKey, error) {
	keyPath := filepath.Join(dataDir, "node.key")

	// Try loading existing key.
	data, err := os.ReadFile(keyPath)
	if err == nil {
		keyBytes, err := hex.DecodeString(string(data))
		if err != nil {
			return nil, fmt.Errorf("decode node key: %w", err)
		}
		return libp2pcrypto.UnmarshalEd25519PrivateKey(keyBytes)
	}

	// Generate new Ed25519 key.
	priv, _, err := libp2pcrypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}

	// Save raw bytes as hex.
	raw, err := priv.Raw()
	if err != nil {
		return nil, fmt.Errorf("marshal key: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if err := os.WriteFile(keyPath, []byte(hex.EncodeToString(raw)), 0600); err != nil {
		return nil, fmt.Errorf("save node key: %w", err)
	}

	return priv, nil
}
