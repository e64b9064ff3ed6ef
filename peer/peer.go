// Package peer implements one connection end-to-end (spec.md §4.4 "Peer
// Session"): the staged handshake, send/wait/request operations, the
// stall detector, flow control, the ping protocol, the inv-queue, and
// packet dispatch locking. It is grounded on the lifecycle shape of
// the teacher's runProbePeer (probe/handler.go) — register, handshake,
// defer unregister — generalized from a single sub-protocol handshake
// to the staged encrypt/auth/version sequence spec.md requires, and on
// the channel-driven per-connection actor pattern used by dusk-network's
// peermgr.Peer in the retrieval pack.
package peer

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcec"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/holiman/bloomfilter/v2"

	"github.com/lcoin-project/lcoin-node/bip150"
	"github.com/lcoin-project/lcoin-node/bip151"
	"github.com/lcoin-project/lcoin-node/log"
	"github.com/lcoin-project/lcoin-node/params"
	"github.com/lcoin-project/lcoin-node/wireframe"
)

// Direction distinguishes an outbound (we dialed) from an inbound
// (they dialed) connection.
type Direction int

const (
	Outbound Direction = iota
	Inbound
)

// Config parameterizes a Peer: everything callers must supply for the
// staged handshake and encryption/auth layers (spec.md §4.4, §4.2, §4.3).
type Config struct {
	Magic      wire.BitcoinNet
	Version    *wire.MsgVersion
	UseEncryption bool

	// AuthDB and Identity enable BIP-150 auth; it runs only after the
	// encryption engine handshakes, since it binds to the ECDH-derived
	// session id (spec.md §4.3). Leave AuthDB nil to disable auth.
	AuthDB   bip150.AuthDB
	Identity *btcec.PrivateKey

	Loader bool

	// Hooks invoked from the peer's own goroutine; handlers must not
	// block on pool-wide locks they themselves hold.
	OnOpen    func(p *Peer)
	OnMessage func(p *Peer, msg wire.Message) error
	OnClose   func(p *Peer, err error)
}

// waiter is a one-shot or renewable expectation for an incoming
// command, per spec.md §4.4 `wait`/`request`.
type waiter struct {
	command  string
	deadline time.Time
	ch       chan wire.Message
	renews   bool
}

// Peer is one live connection (spec.md §3 "Peer").
type Peer struct {
	ID     int32
	Addr   net.Addr
	Dir    Direction
	Loader bool

	cfg  Config
	conn net.Conn
	log  log.Logger

	reader *wireframe.Reader
	enc    *bip151.Engine // nil if encryption disabled
	auth   *bip150.State  // nil if auth disabled

	connected int32 // atomic bool: handshake.connected
	ack       int32 // atomic bool: peer verack received
	handshake int32 // atomic bool: fully handshaked
	destroyed int32 // atomic bool

	version  int32
	services uint64
	agent    string
	height   int32

	ts       time.Time
	lastSend atomic.Int64 // unix nanos
	lastRecv atomic.Int64
	lastPing atomic.Int64
	lastPong atomic.Int64
	minPing  atomic.Int64

	pingChallenge atomic.Uint64

	preferHeaders bool
	noRelay       bool
	syncing       int32
	sentAddr      bool
	sentGetAddr   bool

	compactMode   int32 // 0=off, 1=on
	compactWitness bool
	compactBlocks atomic.Int32 // outstanding compact-block reconstructions, spec.md §4.5 "limit 15 per peer"

	addrFilter *bloomfilter.Filter
	invFilter  *bloomfilter.Filter

	dispatchMu sync.Mutex // per-peer lock serializing non-handshake handlers

	waitersMu sync.Mutex
	waiters   map[string][]*waiter

	invMu    sync.Mutex
	invQueue []wire.InvVect

	drainMu      sync.Mutex
	drainBytes   int64
	drainWaiters []chan struct{}

	stallTimer *time.Timer
	pingTimer  *time.Timer
	invTimer   *time.Timer

	writeMu sync.Mutex // serializes writes onto conn

	closeOnce sync.Once
	closeErr  error

	next, prev *Peer // pool doubly-linked-list pointers (spec.md §3)
}

// New wraps an already-dialed or already-accepted connection.
func New(id int32, conn net.Conn, dir Direction, cfg Config) *Peer {
	addrFilter, _ := bloomfilter.NewOptimal(params.AddrFilterElements, params.AddrFilterFPRate)
	invFilter, _ := bloomfilter.NewOptimal(params.InvFilterElements, params.InvFilterFPRate)

	p := &Peer{
		ID:         id,
		Addr:       conn.RemoteAddr(),
		Dir:        dir,
		Loader:     cfg.Loader,
		cfg:        cfg,
		conn:       conn,
		log:        log.Root().New("peer", id, "addr", conn.RemoteAddr()),
		reader:     wireframe.NewReader(conn, cfg.Magic),
		addrFilter: addrFilter,
		invFilter:  invFilter,
		ts:         time.Now(),
		waiters:    make(map[string][]*waiter),
	}
	if cfg.UseEncryption {
		p.enc = bip151.NewEngine(dir == Outbound, p.log)
	}
	return p
}

// Run drives the staged handshake (spec.md §4.4) then the message loop.
// It blocks until the peer is destroyed and returns the terminal error.
func (p *Peer) Run() error {
	atomic.StoreInt32(&p.connected, 1)
	p.armStallTimer()

	if err := p.runHandshake(); err != nil {
		p.destroy(err)
		return err
	}

	atomic.StoreInt32(&p.handshake, 1)
	p.armPingTimer()
	p.armInvTimer()
	if p.cfg.OnOpen != nil {
		p.cfg.OnOpen(p)
	}

	err := p.messageLoop()
	p.destroy(err)
	return err
}

func (p *Peer) runHandshake() error {
	if p.enc != nil {
		if err := p.handshakeEncryption(); err != nil {
			return fmt.Errorf("peer: encryption handshake: %w", err)
		}
	}
	if p.cfg.AuthDB != nil {
		if p.enc == nil {
			return errors.New("peer: auth requires encryption to be enabled")
		}
		role := bip150.RoleResponder
		if p.Dir == Outbound {
			role = bip150.RoleInitiator
		}
		p.auth = bip150.NewState(role, p.enc.SessionID(), p.cfg.Identity, p.cfg.AuthDB, p.Addr.String(), p.log)
		if err := p.handshakeAuth(); err != nil {
			return fmt.Errorf("peer: auth handshake: %w", err)
		}
	}
	return p.handshakeVersion()
}

// handshakeEncryption runs the BIP-151 encinit/encack exchange
// (spec.md §4.2), bounded by EncHandshakeDelay.
func (p *Peer) handshakeEncryption() error {
	deadline := time.Now().Add(params.EncHandshakeDelay)
	p.conn.SetDeadline(deadline)
	defer p.conn.SetDeadline(time.Time{})

	if p.Dir == Outbound {
		init, err := p.enc.BuildEncInit()
		if err != nil {
			return err
		}
		if err := p.writeRaw("encinit", encodeEncInit(init)); err != nil {
			return err
		}
		frame, err := p.reader.ReadFrame()
		if err != nil {
			return err
		}
		if frame.Command != "encack" {
			return fmt.Errorf("peer: expected encack, got %s", frame.Command)
		}
		ack, err := decodeEncAck(frame.Payload)
		if err != nil {
			return err
		}
		return p.enc.ProcessEncAck(ack)
	}

	frame, err := p.reader.ReadFrame()
	if err != nil {
		return err
	}
	if frame.Command != "encinit" {
		return fmt.Errorf("peer: expected encinit, got %s", frame.Command)
	}
	init, err := decodeEncInit(frame.Payload)
	if err != nil {
		return err
	}
	ack, err := p.enc.ProcessEncInit(init)
	if err != nil {
		return err
	}
	return p.writeRaw("encack", encodeEncAck(ack))
}

// handshakeAuth runs the BIP-150 authchallenge/authreply/authpropose
// exchange (spec.md §4.3), bounded by AuthHandshakeDelay. Each side
// sends exactly one authchallenge and receives exactly one authreply:
// the initiator opens with a challenge it can only build from a known
// identity, then proposes its own key, and the responder closes the
// loop by challenging that proposed key.
func (p *Peer) handshakeAuth() error {
	deadline := time.Now().Add(params.AuthHandshakeDelay)
	p.conn.SetDeadline(deadline)
	defer p.conn.SetDeadline(time.Time{})

	if p.Dir == Outbound {
		challenge, err := p.auth.BuildChallenge()
		if err != nil {
			return err
		}
		if err := p.writeRaw("authchallenge", challenge[:]); err != nil {
			return err
		}

		sig, err := p.readFixed("authreply", 64)
		if err != nil {
			return err
		}
		var sig64 [64]byte
		copy(sig64[:], sig)
		_, propose, err := p.auth.ProcessReply(sig64)
		if err != nil {
			return err
		}
		if propose == nil {
			return errors.New("peer: initiator expected a counter-propose")
		}
		if err := p.writeRaw("authpropose", propose[:]); err != nil {
			return err
		}

		challenge2, err := p.readFixed("authchallenge", 32)
		if err != nil {
			return err
		}
		var c2 [32]byte
		copy(c2[:], challenge2)
		sig2, ok := p.auth.ProcessChallenge(c2)
		if !ok {
			return errors.New("peer: refusing to sign unexpected authchallenge")
		}
		return p.writeRaw("authreply", sig2[:])
	}

	challenge1, err := p.readFixed("authchallenge", 32)
	if err != nil {
		return err
	}
	var c1 [32]byte
	copy(c1[:], challenge1)
	sig1, ok := p.auth.ProcessChallenge(c1)
	if !ok {
		return errors.New("peer: refusing to sign unexpected authchallenge")
	}
	if err := p.writeRaw("authreply", sig1[:]); err != nil {
		return err
	}

	proposal, err := p.readFixed("authpropose", 32)
	if err != nil {
		return err
	}
	var prop [32]byte
	copy(prop[:], proposal)
	challenge2, err := p.auth.ProcessPropose(prop)
	if err != nil {
		return err
	}
	if err := p.writeRaw("authchallenge", challenge2[:]); err != nil {
		return err
	}

	sig2, err := p.readFixed("authreply", 64)
	if err != nil {
		return err
	}
	var sig2arr [64]byte
	copy(sig2arr[:], sig2)
	completed, _, err := p.auth.ProcessReply(sig2arr)
	if err != nil {
		return err
	}
	if !completed {
		return errors.New("peer: auth handshake did not complete")
	}
	return nil
}

func (p *Peer) readFixed(command string, size int) ([]byte, error) {
	frame, err := p.reader.ReadFrame()
	if err != nil {
		return nil, err
	}
	if frame.Command != command || len(frame.Payload) != size {
		return nil, fmt.Errorf("peer: expected %s of %d bytes, got %s of %d bytes", command, size, frame.Command, len(frame.Payload))
	}
	return frame.Payload, nil
}

// handshakeVersion runs the version/verack exchange of spec.md §4.4
// step 5. The outbound side sends its version first; the inbound side
// sends its own after the peer's arrives. Each side answers the peer's
// version with a verack and returns once it holds both the peer's
// version and the peer's verack.
func (p *Peer) handshakeVersion() error {
	sentVersion := false
	if p.Dir == Outbound {
		if err := p.Send(p.cfg.Version); err != nil {
			return err
		}
		sentVersion = true
	}
	haveVerack, haveVersion := false, false
	deadline := time.Now().Add(params.VerackTimeout)
	for !haveVerack || !haveVersion {
		if time.Now().After(deadline) {
			return errors.New("peer: version handshake timed out")
		}
		p.conn.SetReadDeadline(deadline)
		msg, _, err := p.readMessage()
		if err != nil {
			return err
		}
		switch m := msg.(type) {
		case *wire.MsgVersion:
			if haveVersion {
				p.increaseBan(100)
				return errors.New("peer: duplicate version")
			}
			haveVersion = true
			p.applyVersion(m)
			if err := p.Send(&wire.MsgVerAck{}); err != nil {
				return err
			}
			if !sentVersion {
				if err := p.Send(p.cfg.Version); err != nil {
					return err
				}
				sentVersion = true
			}
		case *wire.MsgVerAck:
			haveVerack = true
			atomic.StoreInt32(&p.ack, 1)
		default:
			// Tolerate out-of-order informational messages (e.g. reject).
		}
	}
	p.conn.SetReadDeadline(time.Time{})
	return nil
}

func (p *Peer) applyVersion(v *wire.MsgVersion) {
	atomic.StoreInt32(&p.version, v.ProtocolVersion)
	p.services = uint64(v.Services)
	p.agent = v.UserAgent
	atomic.StoreInt32(&p.height, v.LastBlock)
	p.preferHeaders = v.ProtocolVersion >= int32(params.HeadersVersion)
}

// messageLoop reads frames until destroy or a read error.
func (p *Peer) messageLoop() error {
	for {
		msg, cmd, err := p.readMessage()
		if err != nil {
			return err
		}
		p.lastRecv.Store(time.Now().UnixNano())

		switch cmd {
		case "ping":
			p.resolveWaiters(cmd, msg)
			p.handlePing(msg)
			continue
		case "pong":
			p.resolveWaiters(cmd, msg)
			p.handlePong(msg)
			continue
		case "encinit", "encack":
			// Skipped without taking the dispatch lock. decodePayload
			// has no wire type for these commands, so readMessage
			// returns an error first and a mid-session rekey ends the
			// loop instead of reaching this case.
			continue
		}

		p.dispatchMu.Lock()
		p.resolveWaiters(cmd, msg)
		var herr error
		if p.cfg.OnMessage != nil {
			herr = p.cfg.OnMessage(p, msg)
		}
		p.dispatchMu.Unlock()
		if herr != nil {
			return herr
		}
	}
}

func (p *Peer) readMessage() (wire.Message, string, error) {
	frame, err := p.reader.ReadFrame()
	if err != nil {
		return nil, "", err
	}
	payload := frame.Payload
	if p.enc != nil && p.enc.Handshaked() {
		payload, err = p.enc.Open(payload)
		if err != nil {
			return nil, "", fmt.Errorf("peer: decrypt failed: %w", err)
		}
	}
	msg, err := decodePayload(frame.Command, payload)
	if err != nil {
		return nil, "", err
	}
	return msg, frame.Command, nil
}

// send frames (and encrypts, if handshaked) and writes payload, per
// spec.md §4.4 `send(packet)`.
func (p *Peer) send(cmd string, payload []byte) error {
	if p.enc != nil && p.enc.Handshaked() {
		ct, err := p.enc.Seal(payload)
		if err != nil {
			return err
		}
		payload = ct
	}
	return p.writeRaw(cmd, payload)
}

func (p *Peer) writeRaw(cmd string, payload []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	n, err := wireframe.WriteFrame(p.conn, p.cfg.Magic, cmd, payload, nil)
	if err != nil {
		return err
	}
	p.lastSend.Store(time.Now().UnixNano())
	p.addDrain(int64(n))
	return nil
}

// Send encodes and transmits a wire.Message.
func (p *Peer) Send(msg wire.Message) error {
	var buf bytes.Buffer
	if err := msg.BtcEncode(&buf, wire.ProtocolVersion, wire.BaseEncoding); err != nil {
		return err
	}
	return p.send(msg.Command(), buf.Bytes())
}

func decodePayload(cmd string, payload []byte) (wire.Message, error) {
	msg, err := wire.MakeEmptyMessage(cmd)
	if err != nil {
		return nil, err
	}
	if err := msg.BtcDecode(bytes.NewReader(payload), wire.ProtocolVersion, wire.BaseEncoding); err != nil {
		return nil, err
	}
	return msg, nil
}

// Wait registers a one-shot expectation for command, per spec.md §4.4
// `wait(type, timeoutMs)`.
func (p *Peer) Wait(command string, timeout time.Duration) (wire.Message, error) {
	return p.await(command, timeout, false)
}

// Request renews an existing expectation for command instead of
// stacking a new one, per spec.md §4.4 `request(type, timeoutMs)`.
func (p *Peer) Request(command string, timeout time.Duration) (wire.Message, error) {
	return p.await(command, timeout, true)
}

func (p *Peer) await(command string, timeout time.Duration, renew bool) (wire.Message, error) {
	if atomic.LoadInt32(&p.destroyed) == 1 {
		return nil, errors.New("peer: destroyed")
	}
	w := &waiter{command: command, deadline: time.Now().Add(timeout), ch: make(chan wire.Message, 1), renews: renew}

	p.waitersMu.Lock()
	if renew {
		p.waiters[command] = []*waiter{w}
	} else {
		p.waiters[command] = append(p.waiters[command], w)
	}
	p.waitersMu.Unlock()

	select {
	case msg, ok := <-w.ch:
		if !ok {
			return nil, errors.New("peer: destroyed while waiting")
		}
		return msg, nil
	case <-time.After(timeout):
		p.removeWaiter(command, w)
		return nil, fmt.Errorf("peer: timed out waiting for %s", command)
	}
}

func (p *Peer) removeWaiter(command string, target *waiter) {
	p.waitersMu.Lock()
	defer p.waitersMu.Unlock()
	list := p.waiters[command]
	for i, w := range list {
		if w == target {
			p.waiters[command] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

func (p *Peer) resolveWaiters(command string, msg wire.Message) {
	p.waitersMu.Lock()
	list := p.waiters[command]
	delete(p.waiters, command)
	p.waitersMu.Unlock()
	for _, w := range list {
		w.ch <- msg
	}
}

// AnnounceBlock queues block hashes for inv relay and forces a flush
// (spec.md §4.4 `announceBlock`). The inv type is witness-block when
// compact mode is on and block otherwise; announcements are never sent
// as headers or compact blocks.
func (p *Peer) AnnounceBlock(hashes []chainhash.Hash) {
	for _, h := range hashes {
		if p.invFilter.Contains(hashBytes(h)) {
			continue
		}
		p.invFilter.Add(hashBytes(h))
		kind := wire.InvTypeBlock
		if atomic.LoadInt32(&p.compactMode) == 1 {
			kind = wire.InvTypeWitnessBlock
		}
		p.queueInv(wire.InvVect{Type: kind, Hash: h})
	}
	p.flushInv(true)
}

// AnnounceTX queues transaction hashes for inv relay, honoring noRelay.
// No fee-rate filter is applied.
func (p *Peer) AnnounceTX(hashes []chainhash.Hash) {
	if p.noRelay {
		return
	}
	for _, h := range hashes {
		if p.invFilter.Contains(hashBytes(h)) {
			continue
		}
		p.invFilter.Add(hashBytes(h))
		p.queueInv(wire.InvVect{Type: wire.InvTypeTx, Hash: h})
	}
	p.flushInv(false)
}

func (p *Peer) queueInv(inv wire.InvVect) {
	p.invMu.Lock()
	p.invQueue = append(p.invQueue, inv)
	p.invMu.Unlock()
}

// flushInv sends queued items in batches per spec.md §4.4 "Inv-queue
// flush": ≥500 triggers a flush, a block addition forces one.
func (p *Peer) flushInv(force bool) {
	p.invMu.Lock()
	if !force && len(p.invQueue) < params.InvQueueFlushLen {
		p.invMu.Unlock()
		return
	}
	items := p.invQueue
	p.invQueue = nil
	p.invMu.Unlock()

	for len(items) > 0 {
		n := params.InvBatchMax
		if n > len(items) {
			n = len(items)
		}
		batch := items[:n]
		items = items[n:]
		msg := wire.NewMsgInv()
		for _, inv := range batch {
			iv := inv
			msg.AddInvVect(&iv)
		}
		p.Send(msg)
	}
}

// GetBlock builds a batched getdata for hashes using the correct inv
// subtype per negotiated capabilities (spec.md §4.4 `getBlock`).
func (p *Peer) GetBlock(hashes []chainhash.Hash) error {
	kind := wire.InvTypeBlock
	if p.compactWitness {
		kind = wire.InvTypeWitnessBlock
	}
	return p.sendGetData(hashes, kind)
}

// GetTX builds a batched getdata for hashes, of InvTypeWitnessTx when
// compact witness mode is negotiated and InvTypeTx otherwise.
func (p *Peer) GetTX(hashes []chainhash.Hash) error {
	kind := wire.InvTypeTx
	if p.compactWitness {
		kind = wire.InvTypeWitnessTx
	}
	return p.sendGetData(hashes, kind)
}

func (p *Peer) sendGetData(hashes []chainhash.Hash, kind wire.InvType) error {
	for start := 0; start < len(hashes); start += params.InvBatchMax {
		end := start + params.InvBatchMax
		if end > len(hashes) {
			end = len(hashes)
		}
		msg := wire.NewMsgGetData()
		for _, h := range hashes[start:end] {
			hh := h
			if err := msg.AddInvVect(&wire.InvVect{Type: kind, Hash: hh}); err != nil {
				return err
			}
		}
		if err := p.Send(msg); err != nil {
			return err
		}
	}
	return nil
}

func hashBytes(h chainhash.Hash) []byte { b := h; return b[:] }

// handlePing replies per spec.md §4.4 "Ping protocol".
func (p *Peer) handlePing(msg wire.Message) {
	ping, ok := msg.(*wire.MsgPing)
	if !ok {
		return
	}
	if atomic.LoadInt32(&p.version) > int32(params.PongVersion) {
		p.Send(wire.NewMsgPong(ping.Nonce))
	}
}

func (p *Peer) handlePong(msg wire.Message) {
	pong, ok := msg.(*wire.MsgPong)
	if !ok {
		return
	}
	challenge := p.pingChallenge.Load()
	if challenge == 0 || pong.Nonce != challenge {
		p.log.Debug("pong nonce mismatch", "got", pong.Nonce)
		p.pingChallenge.Store(0)
		return
	}
	rtt := time.Now().UnixNano() - p.lastPing.Load()
	if min := p.minPing.Load(); min == 0 || rtt < min {
		p.minPing.Store(rtt)
	}
	p.lastPong.Store(time.Now().UnixNano())
	p.pingChallenge.Store(0)
}

func (p *Peer) sendPing() {
	p.lastPing.Store(time.Now().UnixNano())
	if atomic.LoadInt32(&p.version) <= int32(params.PongVersion) {
		p.Send(&wire.MsgPing{})
		return
	}
	var nonce uint64
	binary.Read(rand.Reader, binary.LittleEndian, &nonce)
	p.pingChallenge.Store(nonce)
	p.Send(wire.NewMsgPing(nonce))
}

func (p *Peer) armPingTimer() {
	p.pingTimer = time.AfterFunc(params.PingInterval, func() {
		if atomic.LoadInt32(&p.destroyed) == 1 {
			return
		}
		p.sendPing()
		p.armPingTimer()
	})
}

func (p *Peer) armInvTimer() {
	p.invTimer = time.AfterFunc(params.InvInterval, func() {
		if atomic.LoadInt32(&p.destroyed) == 1 {
			return
		}
		p.flushInv(true)
		p.armInvTimer()
	})
}

// armStallTimer implements spec.md §4.4 "Stall detector".
func (p *Peer) armStallTimer() {
	p.stallTimer = time.AfterFunc(params.StallInterval, func() {
		if atomic.LoadInt32(&p.destroyed) == 1 {
			return
		}
		if err := p.checkStall(); err != nil {
			p.destroy(err)
			return
		}
		p.armStallTimer()
	})
}

func (p *Peer) checkStall() error {
	now := time.Now()

	p.waitersMu.Lock()
	for cmd, list := range p.waiters {
		for _, w := range list {
			if now.After(w.deadline) {
				p.waitersMu.Unlock()
				return fmt.Errorf("peer: expectation for %s stalled", cmd)
			}
		}
	}
	p.waitersMu.Unlock()

	if time.Since(p.ts) <= 60*time.Second {
		return nil
	}
	lastSend := p.lastSend.Load()
	lastRecv := p.lastRecv.Load()
	if lastSend == 0 || lastRecv == 0 {
		return errors.New("peer: no send/recv activity")
	}
	if now.Sub(time.Unix(0, lastSend)) > params.TimeoutInterval {
		return errors.New("peer: lastSend stalled")
	}
	recvTimeout := params.TimeoutInterval
	if atomic.LoadInt32(&p.version) <= int32(params.PongVersion) {
		recvTimeout *= 4
	}
	if now.Sub(time.Unix(0, lastRecv)) > recvTimeout {
		return errors.New("peer: lastRecv stalled")
	}
	if challenge := p.pingChallenge.Load(); challenge != 0 {
		if now.Sub(time.Unix(0, p.lastPing.Load())) > params.TimeoutInterval {
			return errors.New("peer: outstanding ping challenge stalled")
		}
	}
	return nil
}

// addDrain tracks outbound backpressure (spec.md §4.4 "Flow control").
func (p *Peer) addDrain(n int64) {
	p.drainMu.Lock()
	p.drainBytes += n
	fatal := p.drainBytes > params.DrainMax
	p.drainMu.Unlock()
	if fatal {
		p.destroy(errors.New("peer: drain buffer exceeded DRAIN_MAX"))
	}
}

// Drain resolves once the drain counter returns to zero (conceptually;
// here it resolves when ResetDrain is next called after being armed).
func (p *Peer) Drain() <-chan struct{} {
	ch := make(chan struct{})
	p.drainMu.Lock()
	if p.drainBytes == 0 {
		close(ch)
	} else {
		p.drainWaiters = append(p.drainWaiters, ch)
	}
	p.drainMu.Unlock()
	return ch
}

// ResetDrain is called by the writer-side event loop once the socket
// buffer empties.
func (p *Peer) ResetDrain() {
	p.drainMu.Lock()
	p.drainBytes = 0
	waiters := p.drainWaiters
	p.drainWaiters = nil
	p.drainMu.Unlock()
	for _, w := range waiters {
		close(w)
	}
}

// increaseBan is a caller-supplied hook (pool wires it to the address
// book); absent a hook it just logs, per spec.md §4.4 "Failure
// semantics".
var increaseBanHook func(addr net.Addr, score int)

// SetBanHook installs the pool-level ban-score sink.
func SetBanHook(f func(addr net.Addr, score int)) { increaseBanHook = f }

func (p *Peer) increaseBan(score int) {
	p.log.Warn("misbehavior", "host", p.Addr, "score", score)
	if increaseBanHook != nil {
		increaseBanHook(p.Addr, score)
	}
}

// destroy is idempotent teardown (spec.md §4.4 `destroy()`).
func (p *Peer) destroy(err error) {
	p.closeOnce.Do(func() {
		atomic.StoreInt32(&p.destroyed, 1)
		p.closeErr = err

		if p.stallTimer != nil {
			p.stallTimer.Stop()
		}
		if p.pingTimer != nil {
			p.pingTimer.Stop()
		}
		if p.invTimer != nil {
			p.invTimer.Stop()
		}

		p.waitersMu.Lock()
		for _, list := range p.waiters {
			for _, w := range list {
				close(w.ch)
			}
		}
		p.waiters = nil
		p.waitersMu.Unlock()

		p.drainMu.Lock()
		for _, w := range p.drainWaiters {
			close(w)
		}
		p.drainWaiters = nil
		p.drainMu.Unlock()

		p.conn.Close()

		if p.cfg.OnClose != nil {
			p.cfg.OnClose(p, err)
		}
		if err != nil {
			p.log.Debug("peer destroyed", "err", err)
		}
	})
}

// Destroy requests teardown from outside the peer's own goroutine.
func (p *Peer) Destroy() { p.destroy(nil) }

// Destroyed reports whether destroy() has already run.
func (p *Peer) Destroyed() bool { return atomic.LoadInt32(&p.destroyed) == 1 }

// Handshaked reports whether the staged handshake completed.
func (p *Peer) Handshaked() bool { return atomic.LoadInt32(&p.handshake) == 1 }

// Version returns the negotiated protocol version, 0 before handshake.
func (p *Peer) Version() int32 { return atomic.LoadInt32(&p.version) }

// TryReserveCompactBlock claims one of this peer's compact-block
// reconstruction slots, reporting false once params.MaxCompactBlocksPerPeer
// are already outstanding (spec.md §4.5 "record the partial block in
// peer.compactBlocks (limit 15 per peer to resist DoS)").
func (p *Peer) TryReserveCompactBlock() bool {
	for {
		n := p.compactBlocks.Load()
		if n >= params.MaxCompactBlocksPerPeer {
			return false
		}
		if p.compactBlocks.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// ReleaseCompactBlock frees a slot claimed by TryReserveCompactBlock,
// once the partial block completes, falls back to a full block, or is
// evicted for stalling.
func (p *Peer) ReleaseCompactBlock() {
	p.compactBlocks.Add(-1)
}

// Services returns the negotiated service bits.
func (p *Peer) Services() uint64 { return p.services }

// Height returns the peer's last-reported block height.
func (p *Peer) Height() int32 { return atomic.LoadInt32(&p.height) }

// SetHeight updates the locally-tracked height (e.g. from a later inv).
func (p *Peer) SetHeight(h int32) { atomic.StoreInt32(&p.height, h) }

// SetSyncing marks whether this peer is the active sync source.
func (p *Peer) SetSyncing(v bool) {
	if v {
		atomic.StoreInt32(&p.syncing, 1)
	} else {
		atomic.StoreInt32(&p.syncing, 0)
	}
}

// Syncing reports whether this peer is currently the sync source.
func (p *Peer) Syncing() bool { return atomic.LoadInt32(&p.syncing) == 1 }

// SetCompactMode toggles compact-block relay mode for announceBlock.
func (p *Peer) SetCompactMode(on, witness bool) {
	if on {
		atomic.StoreInt32(&p.compactMode, 1)
	} else {
		atomic.StoreInt32(&p.compactMode, 0)
	}
	p.compactWitness = witness
}

func encodeEncInit(e *bip151.EncInit) []byte {
	buf := make([]byte, 34)
	copy(buf, e.EphemeralPubKey[:])
	buf[33] = e.CipherID
	return buf
}

func decodeEncInit(b []byte) (*bip151.EncInit, error) {
	if len(b) != 34 {
		return nil, errors.New("peer: malformed encinit")
	}
	e := &bip151.EncInit{CipherID: b[33]}
	copy(e.EphemeralPubKey[:], b[:33])
	return e, nil
}

func encodeEncAck(a *bip151.EncAck) []byte {
	buf := make([]byte, 33)
	copy(buf, a.EphemeralPubKey[:])
	return buf
}

func decodeEncAck(b []byte) (*bip151.EncAck, error) {
	if len(b) != 33 {
		return nil, errors.New("peer: malformed encack")
	}
	a := &bip151.EncAck{}
	copy(a.EphemeralPubKey[:], b)
	return a, nil
}

var _ io.Closer = (*Peer)(nil)

// Close satisfies io.Closer by requesting teardown.
func (p *Peer) Close() error {
	p.Destroy()
	return nil
}
