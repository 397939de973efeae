package id

import (
	"encoding/binary"
	"math/rand"
	"os"
	"strings"
	"sync"
	"time"
)

// ID is a 96-bit, lexicographically sortable identifier encoded as 12 bytes
// big-endian: [8 bytes ms_timestamp][4 bytes sequence].
type ID [12]byte

// Bytes returns the raw 12-byte representation.
func (i ID) Bytes() []byte { b := make([]byte, 12); copy(b, i[:]); return b }

// String returns a hex string.
func (i ID) String() string { return fmtHex(i[:]) }

// Short returns the low 8 hex characters, enough for log correlation.
func (i ID) Short() string { s := i.String(); return s[len(s)-8:] }

// Generator produces monotonically increasing IDs per process.
type Generator struct {
	mu       sync.Mutex
	lastMs   int64
	sequence uint32
}

// NewGenerator creates a new Generator.
func NewGenerator() *Generator { return &Generator{} }

// NowMs returns current time in milliseconds since Unix epoch.
var NowMs = func() int64 { return time.Now().UnixMilli() }

// Next returns a new ID. If the clock goes backwards, it reuses lastMs and
// increments the sequence instead of emitting an out-of-order ID.
func (g *Generator) Next() ID {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := NowMs()
	if ms < g.lastMs {
		ms = g.lastMs
	}
	if ms == g.lastMs {
		g.sequence++
	} else {
		g.sequence = 0
	}
	g.lastMs = ms

	var id ID
	binary.BigEndian.PutUint64(id[0:8], uint64(ms))
	binary.BigEndian.PutUint32(id[8:12], g.sequence)
	return id
}

// NodeID derives a stable-enough identity for this process: RELAY_NODE_ID if
// set, otherwise hostname plus a random suffix so two processes on one host
// never collide.
func NodeID() string {
	if v := os.Getenv("RELAY_NODE_ID"); v != "" {
		return v
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "node"
	}
	if i := strings.IndexByte(host, '.'); i > 0 {
		host = host[:i]
	}
	var suf [4]byte
	binary.BigEndian.PutUint32(suf[:], rand.Uint32())
	return host + "-" + fmtHex(suf[:])
}

// fmtHex is a small, allocation-lean hex encoder for fixed-size IDs.
func fmtHex(b []byte) string {
	const hexdigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = hexdigits[v>>4]
		out[i*2+1] = hexdigits[v&0x0f]
	}
	return string(out)
}
