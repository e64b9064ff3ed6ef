// Package params collects the protocol constants spec.md §6 and §4.4
// pull from "the network descriptor": version gates, service bits, and
// the timing constants the peer session and pool supervisor run on.
package params

import "time"

// Version gates (spec.md §6 "Protocol constants are drawn from the
// network descriptor").
const (
	MinVersion            = 70001
	HeadersVersion        = 31800
	BloomVersion          = 70011
	CompactVersion        = 70014
	CompactWitnessVersion = 70015
	PongVersion           = 60000
)

// Service bits (spec.md §6).
const (
	ServiceNetwork uint64 = 1 << 0
	ServiceBloom   uint64 = 1 << 2
	ServiceWitness uint64 = 1 << 3
)

// Timing and sizing constants (spec.md §3, §4.4, §5).
const (
	StallInterval     = 5 * time.Second
	PingInterval      = 30 * time.Second
	InvInterval       = 5 * time.Second
	ConnectTimeout    = 10 * time.Second
	EncHandshakeDelay = 3 * time.Second
	AuthHandshakeDelay = 3 * time.Second
	VerackTimeout     = 10 * time.Second
	VersionTimeout    = 10 * time.Second

	BlockTimeout    = 120 * time.Second
	TXTimeout       = 60 * time.Second
	ResponseTimeout = 30 * time.Second
	TimeoutInterval = 20 * time.Minute

	DrainMax = 10 * 1024 * 1024 // 10 MiB

	InvQueueFlushLen = 500
	InvBatchMax      = 1000
	HeadersBatchMax  = 2000
	CheckpointBlockBatch = 50000

	MaxCompactBlocksPerPeer = 15
	MaxHeaderFails          = 1000

	InvTimeout          = 60 * time.Second
	BroadcastAckDelay   = 1 * time.Second
	DiscoveryInterval   = 120 * time.Second
	RefillDebounce      = 3 * time.Second

	BanThreshold   = 100
	BanIncreaseMinor = 10
	BanIncreaseMajor = 100
)

// Bloom filter sizing (spec.md §3 "rolling Bloom filters").
const (
	AddrFilterElements = 5000
	AddrFilterFPRate   = 0.001

	InvFilterElements = 50000
	InvFilterFPRate   = 1e-6
)
