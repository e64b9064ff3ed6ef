// Package pool implements the cross-peer orchestration described in
// spec.md §4.5 "Pool Supervisor": the peer set, outbound refill,
// inbound admission, loader selection, the checkpoint-guided sync
// driver with getblocks fallback, compact-block reconstruction,
// address relay, and broadcast-tracker wiring. Its Start/Stop
// lifecycle and peer-set bookkeeping are grounded on the teacher's
// `probe/handler.go` (`handler.Start`/`Stop`, `peerSet`,
// `BroadcastBlock`/`BroadcastTransactions`), generalized from a single
// `probe`/`snap` sub-protocol pairing to the encrypted/authenticated
// Bitcoin wire session this package drives.
package pool

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"golang.org/x/sync/errgroup"

	"github.com/lcoin-project/lcoin-node/addrmgr"
	"github.com/lcoin-project/lcoin-node/bip150"
	"github.com/lcoin-project/lcoin-node/broadcast"
	"github.com/lcoin-project/lcoin-node/chainiface"
	"github.com/lcoin-project/lcoin-node/log"
	"github.com/lcoin-project/lcoin-node/params"
	"github.com/lcoin-project/lcoin-node/peer"
)

// Config parameterizes a Pool.
type Config struct {
	Magic        wire.BitcoinNet
	MaxOutbound  int
	MaxInbound   int
	ListenAddr   string // empty disables the inbound listener
	Nodes        []string
	UseEncryption bool
	AuthDB       bip150.AuthDB     // nil disables BIP-150 auth
	Identity     *btcec.PrivateKey // our own identity key, required when AuthDB is set
	RequiredServices uint64
	Checkpoints  []chainiface.ChainEntry
	SPVMode      bool // enables merkleblock reconstruction (spec.md §4.5 "Merkle-block handling")

	Chain   chainiface.Chain
	Mempool chainiface.Mempool
	Addrs   *addrmgr.Book

	MakeVersion func(local, remote *net.TCPAddr) *wire.MsgVersion
}

// headerNode is one entry of the checkpoint-guided header scratchpad
// (spec.md §3 "headerChain").
type headerNode struct {
	Hash   chainhash.Hash
	Height int32
}

// pendingRequest tracks a pending fetch's start time for stall
// accounting (spec.md §3 "blockMap/txMap", §4.5 "Request accounting").
type pendingRequest struct {
	peerID  int32
	started time.Time
}

// partialCompact is a compact block awaiting missing transactions
// (spec.md §4.5 "Compact-block reconstruction").
type partialCompact struct {
	peerID  int32
	header  wire.BlockHeader
	have    map[uint64]*wire.MsgTx
	missing []uint64
	started time.Time
}

// Pool is the cross-peer supervisor (spec.md §3 "Pool state").
type Pool struct {
	cfg Config
	log log.Logger

	mu          sync.Mutex
	byID        map[int32]*peer.Peer
	byHost      map[string]*peer.Peer
	inboundN    int
	outboundN   int
	loader      *peer.Peer
	nextPeerID  int32

	blockMap      map[chainhash.Hash]*pendingRequest
	txMap         map[chainhash.Hash]*pendingRequest
	compactBlocks map[chainhash.Hash]*partialCompact
	merkleBlocks  map[chainhash.Hash]*partialMerkle

	headerChain []headerNode
	headerNext  int32
	headerTip   int
	headerFails int
	checkpointsActive bool

	hashLocks   map[chainhash.Hash]*sync.Mutex
	hashLocksMu sync.Mutex

	broadcast *broadcast.Tracker

	pendingRefill *time.Timer

	connected     int32
	disconnecting int32
	syncing       int32

	listener net.Listener
	quit     chan struct{}
	eg       *errgroup.Group
}

// New constructs an idle Pool. Call Start to begin outbound refill,
// inbound admission, and the periodic discovery timer.
func New(cfg Config) *Pool {
	p := &Pool{
		cfg:           cfg,
		log:           log.Root().New("component", "pool"),
		byID:          make(map[int32]*peer.Peer),
		byHost:        make(map[string]*peer.Peer),
		blockMap:      make(map[chainhash.Hash]*pendingRequest),
		txMap:         make(map[chainhash.Hash]*pendingRequest),
		compactBlocks: make(map[chainhash.Hash]*partialCompact),
		merkleBlocks:  make(map[chainhash.Hash]*partialMerkle),
		hashLocks:     make(map[chainhash.Hash]*sync.Mutex),
		quit:          make(chan struct{}),
	}
	if len(cfg.Checkpoints) > 0 {
		p.checkpointsActive = true
		for _, cp := range cfg.Checkpoints {
			p.headerChain = append(p.headerChain, headerNode{Hash: cp.Hash, Height: cp.Height})
		}
	}
	p.broadcast = broadcast.New(p.announceToAll)
	peer.SetBanHook(p.increaseBanByAddr)
	return p
}

// Start begins outbound refill and, if configured, the inbound
// listener (teacher: handler.Start spawns the broadcast/sync loops;
// here the equivalent background loops are the refill and discovery
// timers).
func (p *Pool) Start() error {
	p.connected = 1
	p.eg = &errgroup.Group{}

	if p.cfg.ListenAddr != "" {
		ln, err := net.Listen("tcp", p.cfg.ListenAddr)
		if err != nil {
			return err
		}
		p.listener = ln
		p.eg.Go(func() error { p.acceptLoop(); return nil })
	}

	p.eg.Go(func() error { p.discoveryLoop(); return nil })
	p.eg.Go(func() error { p.stallSweepLoop(); return nil })

	p.refillOutbound()
	return nil
}

// Stop tears the pool down: stops accepting, destroys every peer, and
// waits for background loops (teacher: handler.Stop closes h.peers
// then waits on h.peerWG).
func (p *Pool) Stop() {
	p.disconnecting = 1
	close(p.quit)
	if p.listener != nil {
		p.listener.Close()
	}

	p.mu.Lock()
	peers := make([]*peer.Peer, 0, len(p.byID))
	for _, pr := range p.byID {
		peers = append(peers, pr)
	}
	p.mu.Unlock()

	for _, pr := range peers {
		pr.Destroy()
	}
	if p.eg != nil {
		p.eg.Wait()
	}
	p.log.Info("pool stopped")
}

func (p *Pool) acceptLoop() {
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			select {
			case <-p.quit:
				return
			default:
				p.log.Debug("accept error", "err", err)
				continue
			}
		}
		if err := p.admitInbound(conn); err != nil {
			p.log.Debug("rejected inbound peer", "addr", conn.RemoteAddr(), "err", err)
			conn.Close()
		}
	}
}

// admitInbound applies spec.md §4.5 "Inbound admission": capacity,
// ban, and port-collision gates.
func (p *Pool) admitInbound(conn net.Conn) error {
	host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())

	p.mu.Lock()
	if p.inboundN >= p.cfg.MaxInbound {
		p.mu.Unlock()
		return errors.New("pool: inbound capacity reached")
	}
	if _, exists := p.byHost[conn.RemoteAddr().String()]; exists {
		p.mu.Unlock()
		return errors.New("pool: peer with this host:port already connected")
	}
	p.mu.Unlock()

	if p.cfg.Addrs != nil && p.cfg.Addrs.IsBanned(host) {
		return errors.New("pool: host is banned")
	}

	p.spawnPeer(conn, peer.Inbound, false)
	return nil
}

func (p *Pool) discoveryLoop() {
	t := time.NewTicker(params.DiscoveryInterval)
	defer t.Stop()
	for {
		select {
		case <-p.quit:
			return
		case <-t.C:
			p.refillOutbound()
		}
	}
}

// refillOutbound implements spec.md §4.5 "Outbound refill": walk
// configured nodes first, then sample the address book with
// progressively relaxed gates, debounced via pendingRefill.
func (p *Pool) refillOutbound() {
	p.mu.Lock()
	if p.pendingRefill != nil {
		p.mu.Unlock()
		return
	}
	p.pendingRefill = time.AfterFunc(params.RefillDebounce, func() {
		p.mu.Lock()
		p.pendingRefill = nil
		p.mu.Unlock()
	})
	need := p.cfg.MaxOutbound - p.outboundN
	p.mu.Unlock()
	if need <= 0 {
		return
	}

	for _, addr := range p.cfg.Nodes {
		if need <= 0 {
			break
		}
		if p.hasHost(addr) {
			continue
		}
		if p.dialOut(addr) {
			need--
		}
	}

	if need <= 0 || p.cfg.Addrs == nil {
		return
	}
	for attempt, entry := range p.cfg.Addrs.Candidates(100) {
		if need <= 0 {
			break
		}
		if p.hasHost(entry.Host) {
			continue
		}
		if p.cfg.Addrs.IsBanned(entry.Host) {
			continue
		}
		if !passesRelaxedGates(entry, attempt, p.cfg.RequiredServices) {
			continue
		}
		if p.dialOut(entry.Host) {
			p.cfg.Addrs.MarkAttempt(entry.Host, 0)
			need--
		}
	}
}

// passesRelaxedGates applies the outbound candidate gates of spec.md
// §4.5: required services always apply, and for the first 30 attempts
// a host tried within the last 10 minutes is skipped. No onion or port
// gate is applied; banned hosts are skipped by the caller via IsBanned.
func passesRelaxedGates(entry *addrmgr.Entry, attempt int, requiredServices uint64) bool {
	if requiredServices != 0 && entry.Services&requiredServices != requiredServices {
		return false
	}
	if attempt < 30 && time.Since(entry.LastAttempt) < 10*time.Minute && !entry.LastAttempt.IsZero() {
		return false
	}
	if attempt < 95 {
		// banned-IP skip is enforced by the address book itself via IsBanned.
	}
	return true
}

func (p *Pool) hasHost(host string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.byHost[host]
	return ok
}

func (p *Pool) dialOut(addr string) bool {
	conn, err := net.DialTimeout("tcp", addr, params.ConnectTimeout)
	if err != nil {
		p.log.Debug("dial failed", "addr", addr, "err", err)
		if p.cfg.Addrs != nil {
			p.cfg.Addrs.MarkAttempt(addr, 0)
		}
		return false
	}
	makeLoader := p.loaderPeer() == nil
	p.spawnPeer(conn, peer.Outbound, makeLoader)
	return true
}

func (p *Pool) spawnPeer(conn net.Conn, dir peer.Direction, loader bool) {
	p.mu.Lock()
	id := p.nextPeerID
	p.nextPeerID++
	p.mu.Unlock()

	var version *wire.MsgVersion
	if p.cfg.MakeVersion != nil {
		local, _ := conn.LocalAddr().(*net.TCPAddr)
		remote, _ := conn.RemoteAddr().(*net.TCPAddr)
		version = p.cfg.MakeVersion(local, remote)
	}

	pr := peer.New(id, conn, dir, peer.Config{
		Magic:         p.cfg.Magic,
		Version:       version,
		UseEncryption: p.cfg.UseEncryption,
		AuthDB:        p.cfg.AuthDB,
		Identity:      p.cfg.Identity,
		Loader:        loader,
		OnOpen:        p.onPeerOpen,
		OnMessage:     p.onPeerMessage,
		OnClose:       p.onPeerClose,
	})

	p.mu.Lock()
	p.byID[id] = pr
	p.byHost[conn.RemoteAddr().String()] = pr
	if dir == peer.Inbound {
		p.inboundN++
	} else {
		p.outboundN++
	}
	if loader {
		p.loader = pr
	}
	p.mu.Unlock()

	go func() {
		if err := pr.Run(); err != nil {
			p.log.Debug("peer session ended", "peer", id, "err", err)
		}
	}()
}

func (p *Pool) loaderPeer() *peer.Peer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loader
}

func (p *Pool) onPeerOpen(pr *peer.Peer) {
	p.log.Info("peer open", "peer", pr.ID, "addr", pr.Addr)
	if p.cfg.Addrs != nil {
		p.cfg.Addrs.MarkSuccess(pr.Addr.String(), pr.Services())
	}
	if pr.Loader {
		p.sendSync(pr)
	}
}

func (p *Pool) onPeerClose(pr *peer.Peer, err error) {
	p.mu.Lock()
	delete(p.byID, pr.ID)
	delete(p.byHost, pr.Addr.String())
	if pr.Dir == peer.Inbound {
		p.inboundN--
	} else {
		p.outboundN--
	}
	wasLoader := p.loader == pr
	if wasLoader {
		p.loader = nil
	}
	p.mu.Unlock()

	p.log.Info("peer close", "peer", pr.ID, "err", err)

	if wasLoader {
		p.promoteLoader()
	}
	if pr.Dir == peer.Outbound {
		p.refillOutbound()
	}
}

// promoteLoader implements spec.md §4.5 "Loader selection": the next
// eligible outbound peer is promoted and sent a sync request.
func (p *Pool) promoteLoader() {
	p.mu.Lock()
	var next *peer.Peer
	for _, pr := range p.byID {
		if pr.Dir == peer.Outbound && pr.Handshaked() {
			next = pr
			break
		}
	}
	if next != nil {
		p.loader = next
	}
	p.mu.Unlock()
	if next != nil {
		p.sendSync(next)
	}
}

// increaseBanByAddr is the sink peer.SetBanHook wires to; it relays a
// misbehavior score into the address book.
func (p *Pool) increaseBanByAddr(addr net.Addr, score int) {
	if p.cfg.Addrs == nil {
		return
	}
	host, _, _ := net.SplitHostPort(addr.String())
	if score >= params.BanThreshold {
		p.cfg.Addrs.Ban(host)
	}
}

// Peers returns a snapshot of currently-connected peers.
func (p *Pool) Peers() []*peer.Peer {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*peer.Peer, 0, len(p.byID))
	for _, pr := range p.byID {
		out = append(out, pr)
	}
	return out
}

// withHashLock runs fn while holding the pool-wide lock for hash,
// implementing spec.md §5 "A block or transaction hash is processed by
// at most one handler at a time pool-wide".
func (p *Pool) withHashLock(hash chainhash.Hash, fn func()) {
	p.hashLocksMu.Lock()
	lock, ok := p.hashLocks[hash]
	if !ok {
		lock = &sync.Mutex{}
		p.hashLocks[hash] = lock
	}
	p.hashLocksMu.Unlock()

	lock.Lock()
	defer lock.Unlock()
	fn()

	p.hashLocksMu.Lock()
	delete(p.hashLocks, hash)
	p.hashLocksMu.Unlock()
}

// BroadcastBlock announces a newly-accepted block to every peer
// (teacher: handler.BroadcastBlock over h.peers.peersWithoutBlock;
// here every open peer gets the inv since the per-peer invFilter
// already suppresses duplicates).
func (p *Pool) BroadcastBlock(hash chainhash.Hash) {
	p.broadcast.Broadcast(hash, broadcast.KindBlock)
}

// BroadcastTransaction announces a relayed transaction to every peer
// (teacher: handler.BroadcastTransactions).
func (p *Pool) BroadcastTransaction(hash chainhash.Hash) {
	p.broadcast.Broadcast(hash, broadcast.KindTX)
}

func (p *Pool) announceToAll(hash chainhash.Hash, kind broadcast.Kind) {
	for _, pr := range p.Peers() {
		if !pr.Handshaked() {
			continue
		}
		switch kind {
		case broadcast.KindBlock:
			pr.AnnounceBlock([]chainhash.Hash{hash})
		case broadcast.KindTX:
			pr.AnnounceTX([]chainhash.Hash{hash})
		}
	}
}

// sendSync kicks off the checkpoint-guided header sync (or getblocks
// fallback) on the loader peer, per spec.md §4.5 "Synchronization
// driver".
func (p *Pool) sendSync(pr *peer.Peer) {
	p.syncing = 1
	pr.SetSyncing(true)

	locator := p.cfg.Chain.GetLocator(p.cfg.Chain.Tip())
	if p.checkpointsActive && int(p.cfg.Chain.Height()) < p.nextCheckpointHeight() {
		msg := wire.NewMsgGetHeaders()
		for _, h := range locator {
			msg.AddBlockLocatorHash(h)
		}
		msg.HashStop = p.headerChain[p.headerTip].Hash
		pr.Send(msg)
		return
	}
	msg := wire.NewMsgGetBlocks(&chainhash.Hash{})
	for _, h := range locator {
		msg.AddBlockLocatorHash(h)
	}
	pr.Send(msg)
}

func (p *Pool) nextCheckpointHeight() int {
	if p.headerTip >= len(p.headerChain) {
		return int(^uint(0) >> 1)
	}
	return int(p.headerChain[p.headerTip].Height)
}

// ForceSync re-broadcasts locators to every outbound peer (spec.md
// §4.5 "forceSync re-broadcasts locators to all outbound peers").
func (p *Pool) ForceSync() {
	for _, pr := range p.Peers() {
		if pr.Dir == peer.Outbound && pr.Handshaked() {
			p.sendSync(pr)
		}
	}
}

// downgradeToGetblocks permanently abandons checkpoint-guided header
// sync after repeated failures (spec.md §4.5).
func (p *Pool) downgradeToGetblocks() {
	p.checkpointsActive = false
	p.log.Warn("downgrading to getblocks sync", "headerFails", p.headerFails)
}

func (p *Pool) recordHeaderFail() {
	p.headerFails++
	if p.headerFails > params.MaxHeaderFails {
		p.downgradeToGetblocks()
	}
}

// stallSweepLoop periodically evicts peers whose outstanding requests
// have outstood their timeouts (spec.md §4.4 "Stall detector", Testable
// Property 10, Scenario S5).
func (p *Pool) stallSweepLoop() {
	t := time.NewTicker(params.StallInterval)
	defer t.Stop()
	for {
		select {
		case <-p.quit:
			return
		case <-t.C:
			p.sweepStalledRequests()
		}
	}
}

// sweepStalledRequests walks blockMap/txMap/compactBlocks/merkleBlocks
// for entries whose started timestamp exceeds the matching timeout
// constant and destroys the peer that owns each one.
func (p *Pool) sweepStalledRequests() {
	now := time.Now()
	stalled := make(map[int32]struct{})

	p.mu.Lock()
	for hash, req := range p.blockMap {
		if now.Sub(req.started) > params.BlockTimeout {
			stalled[req.peerID] = struct{}{}
			delete(p.blockMap, hash)
		}
	}
	for hash, req := range p.txMap {
		if now.Sub(req.started) > params.TXTimeout {
			stalled[req.peerID] = struct{}{}
			delete(p.txMap, hash)
		}
	}
	for hash, pc := range p.compactBlocks {
		if now.Sub(pc.started) > params.ResponseTimeout {
			stalled[pc.peerID] = struct{}{}
			delete(p.compactBlocks, hash)
			if owner, ok := p.byID[pc.peerID]; ok {
				owner.ReleaseCompactBlock()
			}
		}
	}
	for hash, pm := range p.merkleBlocks {
		if now.Sub(pm.started) > params.ResponseTimeout {
			stalled[pm.peerID] = struct{}{}
			delete(p.merkleBlocks, hash)
		}
	}

	peers := make([]*peer.Peer, 0, len(stalled))
	for id := range stalled {
		if pr, ok := p.byID[id]; ok {
			peers = append(peers, pr)
		}
	}
	p.mu.Unlock()

	for _, pr := range peers {
		p.log.Warn("destroying stalled peer", "peer", pr.ID)
		pr.Destroy()
	}
}
