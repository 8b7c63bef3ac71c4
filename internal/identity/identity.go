// Package identity implements the 256-bit node/key identity space and the
// XOR distance metric the routing and DHT layers are built on.
package identity

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"math/bits"
	"os"
)

// Size is the width of the identity space in bytes (256 bits).
const Size = 32

// ID is a 256-bit node or key identifier. The zero value is the all-zero ID.
type ID [Size]byte

// Random generates a new identity from a cryptographically secure source.
func Random() (ID, error) {
	var id ID
	if _, err := rand.Read(id[:]); err != nil {
		return ID{}, err
	}
	return id, nil
}

// KeyFor derives a DHT key by hashing a logical name, e.g. "metadata:<id>"
// or "chunk:<checksum>".
func KeyFor(name string) ID {
	return ID(sha256.Sum256([]byte(name)))
}

// String renders the ID as 64 lowercase hex characters.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// MarshalJSON renders the ID as its hex string form.
func (id ID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.String())
}

// UnmarshalJSON parses the hex string form produced by MarshalJSON.
func (id *ID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Parse normalizes a wire-form hex string into an ID. Every routing
// decision must use the raw bytes this produces, never the string form.
func Parse(s string) (ID, error) {
	if len(s) != Size*2 {
		return ID{}, errors.New("identity: key must be 64 hex characters")
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return ID{}, errors.New("identity: key is not valid hex")
	}
	var id ID
	copy(id[:], b)
	return id, nil
}

// IsZero reports whether id is the all-zero identity.
func (id ID) IsZero() bool {
	return id == ID{}
}

// Equal reports whether two IDs are identical.
func (id ID) Equal(other ID) bool {
	return id == other
}

// Distance computes the XOR distance between two IDs. Comparison between
// two Distances is lexicographic on the big-endian byte representation,
// which is exactly bytewise comparison here.
func Distance(a, b ID) ID {
	var d ID
	for i := 0; i < Size; i++ {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// Less reports whether distance d1 is strictly closer than d2.
func Less(d1, d2 ID) bool {
	for i := 0; i < Size; i++ {
		if d1[i] != d2[i] {
			return d1[i] < d2[i]
		}
	}
	return false
}

// BucketIndex returns the index of the most-significant set bit of the XOR
// distance between self and peer: 0 is the closest pair, Size*8-1 the
// farthest. Identical IDs (distance 0) have no set bit;
// callers must special-case self before calling BucketIndex.
func BucketIndex(self, peer ID) (int, bool) {
	d := Distance(self, peer)
	for i := 0; i < Size; i++ {
		if d[i] == 0 {
			continue
		}
		// Byte i is the most-significant non-zero byte. Its highest set bit
		// gives the bucket index, counted from the least-significant bit.
		bitInByte := bits.Len8(d[i]) - 1
		return (Size-1-i)*8 + bitInByte, true
	}
	return 0, false
}

// NumBuckets is the number of distance buckets in the routing table, one
// per bit of the identity space.
const NumBuckets = Size * 8

// Persistent loads a node identity from path, generating and saving a new
// one on first run. The libp2p transport keeps its own ed25519 keypair
// separately; that key is neither derived from nor linked to this ID.
func Persistent(path string) (ID, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return Parse(string(data))
	}
	if !os.IsNotExist(err) {
		return ID{}, err
	}
	id, err := Random()
	if err != nil {
		return ID{}, err
	}
	if writeErr := os.WriteFile(path, []byte(id.String()), 0o600); writeErr != nil {
		return ID{}, writeErr
	}
	return id, nil
}
