// Command lcoind is a thin CLI wrapper around the pool supervisor
// (spec.md §1.3 "PoolOptions is filled in by the caller"). It wires
// flags to a pool.Config and runs until interrupted; it does not
// supply a Chain or Mempool implementation, so it demonstrates peer
// connectivity and sync-driver traffic without actually accepting
// blocks or transactions — those collaborators are out of scope here
// and must be supplied by an embedding application.
package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/btcec"
	"github.com/btcsuite/btcd/wire"
	"gopkg.in/urfave/cli.v1"

	"github.com/lcoin-project/lcoin-node/addrmgr"
	"github.com/lcoin-project/lcoin-node/authdb"
	"github.com/lcoin-project/lcoin-node/internal/natutil"
	"github.com/lcoin-project/lcoin-node/log"
	"github.com/lcoin-project/lcoin-node/pool"
)

var (
	listenFlag = cli.StringFlag{
		Name:  "listen",
		Usage: "address to accept inbound peers on (empty disables listening)",
		Value: ":8333",
	}
	nodesFlag = cli.StringFlag{
		Name:  "nodes",
		Usage: "comma-separated host:port seed peers to dial on startup",
	}
	maxOutboundFlag = cli.IntFlag{
		Name:  "maxoutbound",
		Usage: "maximum outbound peer connections",
		Value: 8,
	}
	maxInboundFlag = cli.IntFlag{
		Name:  "maxinbound",
		Usage: "maximum inbound peer connections",
		Value: 117,
	}
	testnetFlag = cli.BoolFlag{
		Name:  "testnet",
		Usage: "use the test network magic instead of mainnet",
	}
	encryptFlag = cli.BoolFlag{
		Name:  "encrypt",
		Usage: "require BIP-151 transport encryption on every session",
	}
	knownPeersFlag = cli.StringFlag{
		Name:  "known-peers",
		Usage: "path to the BIP-150 known-peers identity file",
	}
	authorizedPeersFlag = cli.StringFlag{
		Name:  "authorized-peers",
		Usage: "path to the BIP-150 authorized-peers identity file",
	}
	upnpFlag = cli.BoolFlag{
		Name:  "upnp",
		Usage: "attempt UPnP/NAT-PMP port mapping for the listen address",
	}
	spvFlag = cli.BoolFlag{
		Name:  "spv",
		Usage: "reconstruct merkleblock messages instead of requiring full blocks",
	}
)

func main() {
	app := cli.NewApp()
	app.Name = "lcoind"
	app.Usage = "minimal Bitcoin-style P2P peer pool"
	app.Flags = []cli.Flag{
		listenFlag, nodesFlag, maxOutboundFlag, maxInboundFlag,
		testnetFlag, encryptFlag, knownPeersFlag, authorizedPeersFlag,
		upnpFlag, spvFlag,
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {
	log.SetDefault(log.New(log.NewTerminalHandler(os.Stderr, false)))

	magic := wire.MainNet
	if ctx.Bool(testnetFlag.Name) {
		magic = wire.TestNet3
	}

	var nodes []string
	if raw := ctx.String(nodesFlag.Name); raw != "" {
		for _, n := range strings.Split(raw, ",") {
			if n = strings.TrimSpace(n); n != "" {
				nodes = append(nodes, n)
			}
		}
	}

	var identity *btcec.PrivateKey
	var authDB *authdb.DB
	if ctx.Bool(encryptFlag.Name) {
		priv, err := btcec.NewPrivateKey(btcec.S256())
		if err != nil {
			return fmt.Errorf("lcoind: generating identity key: %w", err)
		}
		identity = priv

		authDB = authdb.New()
		if err := authDB.Open(ctx.String(knownPeersFlag.Name), ctx.String(authorizedPeersFlag.Name)); err != nil {
			return fmt.Errorf("lcoind: loading identity files: %w", err)
		}
		defer authDB.Close()
	}

	cfg := pool.Config{
		Magic:         magic,
		MaxOutbound:   ctx.Int(maxOutboundFlag.Name),
		MaxInbound:    ctx.Int(maxInboundFlag.Name),
		ListenAddr:    ctx.String(listenFlag.Name),
		Nodes:         nodes,
		UseEncryption: ctx.Bool(encryptFlag.Name),
		Identity:      identity,
		Addrs:         addrmgr.New(2000),
		MakeVersion:   makeVersion(),
		SPVMode:       ctx.Bool(spvFlag.Name),
	}
	if authDB != nil {
		cfg.AuthDB = authDB
	}

	p := pool.New(cfg)
	if err := p.Start(); err != nil {
		return fmt.Errorf("lcoind: starting pool: %w", err)
	}
	defer p.Stop()

	if ctx.Bool(upnpFlag.Name) && cfg.ListenAddr != "" {
		if undo := mapListenPort(cfg.ListenAddr); undo != nil {
			defer undo()
		}
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	return nil
}

// mapListenPort best-effort maps the listen port through whatever NAT
// gateway natutil can discover. A nil return means no gateway was found
// or the mapping failed; the pool keeps running inbound-less either way.
func mapListenPort(listenAddr string) func() {
	_, portStr, err := net.SplitHostPort(listenAddr)
	if err != nil {
		log.Warn("lcoind: parsing listen address for upnp", "addr", listenAddr, "err", err)
		return nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		log.Warn("lcoind: parsing listen port for upnp", "addr", listenAddr, "err", err)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	mapper, err := natutil.Discover(ctx)
	if err != nil || mapper == nil {
		log.Debug("lcoind: no NAT gateway for upnp mapping", "err", err)
		return nil
	}
	if err := mapper.AddMapping(ctx, port, port, 0); err != nil {
		log.Warn("lcoind: upnp port mapping failed", "port", port, "err", err)
		return nil
	}
	log.Info("lcoind: mapped listen port via NAT gateway", "port", port)
	return func() {
		unmapCtx, unmapCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer unmapCancel()
		if err := mapper.DeleteMapping(unmapCtx, port); err != nil {
			log.Warn("lcoind: removing upnp port mapping", "port", port, "err", err)
		}
	}
}

// makeVersion builds the handshake version message template the pool
// stamps with each session's local/remote addresses (spec.md §4.4
// "staged handshake: version/verack").
func makeVersion() func(local, remote *net.TCPAddr) *wire.MsgVersion {
	return func(local, remote *net.TCPAddr) *wire.MsgVersion {
		var localAddr, remoteAddr *wire.NetAddress
		if local != nil {
			localAddr = wire.NewNetAddressIPPort(local.IP, uint16(local.Port), wire.SFNodeNetwork)
		} else {
			localAddr = wire.NewNetAddressIPPort(net.IPv4zero, 0, wire.SFNodeNetwork)
		}
		if remote != nil {
			remoteAddr = wire.NewNetAddressIPPort(remote.IP, uint16(remote.Port), wire.SFNodeNetwork)
		} else {
			remoteAddr = wire.NewNetAddressIPPort(net.IPv4zero, 0, wire.SFNodeNetwork)
		}
		var nonceBuf [8]byte
		rand.Read(nonceBuf[:])
		nonce := uint64(nonceBuf[0]) | uint64(nonceBuf[1])<<8 | uint64(nonceBuf[2])<<16 | uint64(nonceBuf[3])<<24 |
			uint64(nonceBuf[4])<<32 | uint64(nonceBuf[5])<<40 | uint64(nonceBuf[6])<<48 | uint64(nonceBuf[7])<<56
		v := wire.NewMsgVersion(localAddr, remoteAddr, nonce, 0)
		v.ProtocolVersion = int32(wire.ProtocolVersion)
		v.UserAgent = "/lcoind:0.1.0/"
		return v
	}
}

