// Package idgen generates compact, unique identifiers for sessions and
// stored messages. The lowercase base32 text does not sort in creation order.
package idgen

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"
)

var (
	// nodeID is a 3-byte identifier for this instance
	nodeID []byte
	// sequence is an atomically incremented counter to ensure uniqueness
	sequence uint32
	// base32Encoding is a modified version of base32 without padding
	base32Encoding = base32.NewEncoding("ABCDEFGHIJKLMNOPQRSTUVWXYZ234567").WithPadding(base32.NoPadding)
)

func init() {
	nodeID = make([]byte, 3)
	if _, err := rand.Read(nodeID); err != nil {
		// Fall back to a hostname-derived ID if random generation fails
		hostname, err := os.Hostname()
		if err != nil {
			hostname = fmt.Sprintf("%06x", time.Now().UnixNano())
		}
		copy(nodeID, hostname)
	}
}

// New generates a new compact hybrid ID with the following format:
// - 4 bytes: timestamp (seconds since epoch, truncated)
// - 3 bytes: node ID
// - 2 bytes: atomically incremented sequence number
// - 3 bytes: random data
// Total: 12 bytes, encoded in base32 for ~20 characters
func New() string {
	timestamp := uint32(time.Now().Unix())
	seq := atomic.AddUint32(&sequence, 1) & 0xFFFF

	randomBytes := make([]byte, 3)
	if _, err := rand.Read(randomBytes); err != nil {
		copy(randomBytes, fmt.Sprintf("%06x", time.Now().UnixNano()))
	}

	id := make([]byte, 12)
	id[0] = byte(timestamp >> 24)
	id[1] = byte(timestamp >> 16)
	id[2] = byte(timestamp >> 8)
	id[3] = byte(timestamp)
	copy(id[4:7], nodeID)
	id[7] = byte(seq >> 8)
	id[8] = byte(seq)
	copy(id[9:12], randomBytes)

	return strings.ToLower(base32Encoding.EncodeToString(id))
}
