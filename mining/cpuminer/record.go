package cpuminer

import (
	"encoding/hex"
	"io"
	"strconv"
	"sync"

	"github.com/MonteCarloClub/vanityhash/chainhash"
)

// Record describes one improvement of the best hash.
type Record struct {
	// Timestamp is the wall clock time of the discovery in Unix seconds.
	Timestamp int64

	// Input is a copy of the candidate that produced Hash.
	Input []byte

	// WorkerID is the identity byte of the discovering worker.
	WorkerID byte

	// ZeroDigits is the number of leading zero hex digits of Hash.
	ZeroDigits int

	// Hash is the full digest of Input.
	Hash chainhash.Hash
}

// recordWriter serializes records onto a shared output stream.  Each record
// is assembled first and handed to the stream in a single Write while the
// lock is held, so concurrent records never interleave.
type recordWriter struct {
	mtx sync.Mutex
	w   io.Writer
	buf []byte
}

func newRecordWriter(w io.Writer) *recordWriter {
	return &recordWriter{w: w, buf: make([]byte, 0, 256)}
}

// WriteRecord writes r in the form
//
//	<unix-seconds>: input:<candidate>, zero digits: <n>, hash: <hex digest>
func (rw *recordWriter) WriteRecord(r *Record) error {
	rw.mtx.Lock()
	defer rw.mtx.Unlock()

	b := rw.buf[:0]
	b = strconv.AppendInt(b, r.Timestamp, 10)
	b = append(b, ": input:"...)
	b = append(b, r.Input...)
	b = append(b, ", zero digits: "...)
	b = strconv.AppendInt(b, int64(r.ZeroDigits), 10)
	b = append(b, ", hash: "...)
	b = append(b, hex.EncodeToString(r.Hash[:])...)
	b = append(b, '\n')
	rw.buf = b

	_, err := rw.w.Write(b)
	return err
}

// WriteExhausted writes the line a worker prints after its counter range is
// used up.
func (rw *recordWriter) WriteExhausted(id byte) error {
	rw.mtx.Lock()
	defer rw.mtx.Unlock()

	b := append(rw.buf[:0], id)
	b = append(b, " all hashes computed\n"...)
	rw.buf = b

	_, err := rw.w.Write(b)
	return err
}
