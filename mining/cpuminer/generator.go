package cpuminer

import "math/bits"

// Alphabet is the symbol set used both for worker identities and for
// encoding the candidate counter, six bits per symbol.
const Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/"

const (
	symbolBits = 6
	symbolMask = 1<<symbolBits - 1
)

// WorkerID returns the identity byte of the n-th worker.
func WorkerID(n int) byte {
	return Alphabet[n]
}

// Generator enumerates the candidates of a single worker.  A candidate is the
// shared prefix, the worker identity byte and the counter encoded in
// Alphabet with the least significant symbol first.  The encoding grows by
// one symbol each time the counter rolls over a six bit group boundary, so
// no candidate is ever produced twice.
type Generator struct {
	buf  []byte
	skip int
	next uint64
}

// NewGenerator returns a generator for the worker with identity id.  The
// prefix is copied.
func NewGenerator(prefix []byte, id byte) *Generator {
	buf := make([]byte, len(prefix)+1, len(prefix)+1+16)
	copy(buf, prefix)
	buf[len(prefix)] = id
	return &Generator{
		buf:  buf,
		skip: len(buf),
	}
}

// Next returns the candidate for the current counter and advances the
// counter.  The returned slice is only valid until the next call.
func (g *Generator) Next() []byte {
	i := g.next
	n := i

	// The low run of ones spans every set bit and ends on a symbol
	// boundary: reserve one more symbol and start it from zero.
	ones := bits.TrailingZeros64(^i)
	if bits.OnesCount64(i) == ones && ones%symbolBits == 0 {
		g.buf = append(g.buf, 0)
		n = 0
	}

	for j := g.skip; j < len(g.buf); j++ {
		g.buf[j] = Alphabet[n&symbolMask]
		n >>= symbolBits
	}

	g.next++
	return g.buf
}

// Counter returns the counter value the next call to Next will encode.
func (g *Generator) Counter() uint64 {
	return g.next
}
