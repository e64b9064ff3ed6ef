// Package authdb loads and serves the identity key files described in
// spec.md §6: "known-peers" (hostname → identity pubkey) and
// "authorized-peers" (the set of keys this node accepts authpropose
// from). It implements bip150.AuthDB.
package authdb

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/btcsuite/btcd/btcec"
)

// DB is an in-memory, file-backed identity store satisfying
// bip150.AuthDB. Safe for concurrent use.
type DB struct {
	mu         sync.RWMutex
	known      map[string]*btcec.PublicKey
	authorized []*btcec.PublicKey
}

// New returns an empty DB; call Open to load from disk, or populate it
// programmatically with AddKnown/AddAuthorized.
func New() *DB {
	return &DB{known: make(map[string]*btcec.PublicKey)}
}

// Open parses the known-peers and authorized-peers files at the given
// paths. Either path may be empty to skip loading that file.
func (db *DB) Open(knownPeersPath, authorizedPeersPath string) error {
	if knownPeersPath != "" {
		f, err := os.Open(knownPeersPath)
		if err != nil {
			return fmt.Errorf("authdb: open known-peers: %w", err)
		}
		defer f.Close()
		if err := db.loadKnown(f); err != nil {
			return fmt.Errorf("authdb: parse known-peers: %w", err)
		}
	}
	if authorizedPeersPath != "" {
		f, err := os.Open(authorizedPeersPath)
		if err != nil {
			return fmt.Errorf("authdb: open authorized-peers: %w", err)
		}
		defer f.Close()
		if err := db.loadAuthorized(f); err != nil {
			return fmt.Errorf("authdb: parse authorized-peers: %w", err)
		}
	}
	return nil
}

// Close releases any resources held by the DB. There are none today;
// it exists to satisfy the §6 "open/close" collaborator contract and
// give future persistence backends a place to hook in.
func (db *DB) Close() error { return nil }

// loadKnown parses "hostname[,ip] HEX33" lines, per spec.md §6.
func (db *DB) loadKnown(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	db.mu.Lock()
	defer db.mu.Unlock()
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return fmt.Errorf("malformed known-peers line %q", line)
		}
		host := strings.Split(fields[0], ",")[0]
		key, err := parseHex33(fields[1])
		if err != nil {
			return fmt.Errorf("known-peers entry %q: %w", host, err)
		}
		db.known[host] = key
	}
	return scanner.Err()
}

// loadAuthorized parses "HEX33" lines, per spec.md §6.
func (db *DB) loadAuthorized(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	db.mu.Lock()
	defer db.mu.Unlock()
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, err := parseHex33(line)
		if err != nil {
			return fmt.Errorf("authorized-peers entry: %w", err)
		}
		db.authorized = append(db.authorized, key)
	}
	return scanner.Err()
}

func parseHex33(s string) (*btcec.PublicKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(raw) != 33 {
		return nil, fmt.Errorf("expected a 33-byte compressed pubkey, got %d bytes", len(raw))
	}
	return btcec.ParsePubKey(raw, btcec.S256())
}

// GetKnown implements bip150.AuthDB.
func (db *DB) GetKnown(host string) (*btcec.PublicKey, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	k, ok := db.known[host]
	return k, ok
}

// Authorized implements bip150.AuthDB.
func (db *DB) Authorized() []*btcec.PublicKey {
	db.mu.RLock()
	defer db.mu.RUnlock()
	out := make([]*btcec.PublicKey, len(db.authorized))
	copy(out, db.authorized)
	return out
}

// AddKnown implements bip150.AuthDB.
func (db *DB) AddKnown(host string, key *btcec.PublicKey) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.known[host] = key
}

// AddAuthorized implements bip150.AuthDB.
func (db *DB) AddAuthorized(key *btcec.PublicKey) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.authorized = append(db.authorized, key)
}
