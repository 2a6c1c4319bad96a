// Package nodeid allocates the random per-process peer identity used
// throughout SyncJams (spec §3).
package nodeid

import (
	"crypto/rand"
	"math/big"
)

// Max is the inclusive upper bound: node IDs are chosen uniformly in
// [1, 2^23] so they round-trip exactly through the 32-bit floats some
// OSC peers use.
const Max = 1 << 23

// New returns a fresh random node ID in [1, Max].
func New() (int64, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(Max))
	if err != nil {
		return 0, err
	}
	return n.Int64() + 1, nil
}

// MustNew panics if random generation fails, which only happens if the
// platform's CSPRNG is broken — acceptable for a single top-level call
// at process startup.
func MustNew() int64 {
	id, err := New()
	if err != nil {
		panic(err)
	}
	return id
}

// Valid reports whether id is a well-formed positive node identifier,
// the check inbound dispatch applies before trusting it (spec §4.1 rule 3).
func Valid(id int64) bool {
	return id > 0
}
