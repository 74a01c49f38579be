package chainhash

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
	"math/bits"
)

// HashSize of array used to store hashes.  See Hash.
const HashSize = sha256.Size

// PrefixSize is the number of leading digest bytes used to rank a hash.
const PrefixSize = 8

// Hash is the single sha256 digest of a candidate.
type Hash [HashSize]byte

// MaxHashStringSize is the maximum length of a Hash hash string.
const MaxHashStringSize = HashSize * 2

// ErrHashStrSize describes an error that indicates the caller specified a hash
// string that does not have exactly MaxHashStringSize characters.
var ErrHashStrSize = fmt.Errorf("hash string length must be %v characters", MaxHashStringSize)

// NewHashFromStr creates a Hash from a hash string.  Unlike bitcoin block
// hashes, the string is in digest order, so it is not reversed.
func NewHashFromStr(hash string) (*Hash, error) {
	ret := new(Hash)
	err := Decode(ret, hash)
	if err != nil {
		return nil, err
	}
	return ret, nil
}

// Decode decodes the hexadecimal string encoding of a Hash to a destination.
func Decode(dst *Hash, src string) error {
	if len(src) != MaxHashStringSize {
		return ErrHashStrSize
	}

	var decoded Hash
	if _, err := hex.Decode(decoded[:], []byte(src)); err != nil {
		return err
	}
	*dst = decoded
	return nil
}

// String returns the Hash as a hexadecimal string in digest order.
func (hash Hash) String() string {
	return hex.EncodeToString(hash[:])
}

// Prefix returns the first PrefixSize bytes of the hash interpreted as a
// big-endian unsigned integer.  A smaller prefix means more leading zero
// bits.
func (hash *Hash) Prefix() uint64 {
	return binary.BigEndian.Uint64(hash[:PrefixSize])
}

// ZeroDigits returns the number of leading zero hexadecimal digits of a hash
// prefix.
func ZeroDigits(prefix uint64) int {
	return bits.LeadingZeros64(prefix) / 4
}

// HashH calculates sha256(b) and returns the resulting bytes as a Hash.
func HashH(b []byte) Hash {
	return Hash(sha256.Sum256(b))
}

// Hasher computes digests of successive inputs while reusing one sha256
// state, so evaluating a candidate does not allocate.  A Hasher is not safe
// for concurrent use; each worker owns its own.
type Hasher struct {
	state hash.Hash
	sum   Hash
}

// NewHasher returns a Hasher ready for use.
func NewHasher() *Hasher {
	return &Hasher{state: sha256.New()}
}

// Sum returns the digest of data.  The returned Hash is owned by the Hasher
// and is overwritten by the next call to Sum.
func (h *Hasher) Sum(data []byte) *Hash {
	h.state.Write(data)
	h.state.Sum(h.sum[:0])
	h.state.Reset()
	return &h.sum
}
