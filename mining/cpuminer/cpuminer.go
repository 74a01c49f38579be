package cpuminer

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MonteCarloClub/vanityhash/chainhash"
)

const (
	// MaxWorkers is the largest number of workers that can be given a
	// distinct identity byte.
	MaxWorkers = len(Alphabet)

	// DefaultHashBatchSize is the number of hashes a worker computes
	// between two updates of the shared hash counter.
	DefaultHashBatchSize = 1 << 24

	// DefaultReportInterval is how often the speed monitor logs the
	// hashing rate.
	DefaultReportInterval = 5 * time.Minute

	// quitCheckMask controls how often workers look at the quit channel.
	quitCheckMask = 1<<16 - 1
)

var (
	// ErrAlreadyStarted is returned by Start when the miner has already
	// been started.
	ErrAlreadyStarted = errors.New("cpu miner already started")

	// ErrNotStarted is returned by WaitForShutdown when Start was never
	// called.
	ErrNotStarted = errors.New("cpu miner not started")
)

// Config is a descriptor containing the cpu miner configuration.
type Config struct {
	// Prefix is prepended to every candidate.
	Prefix []byte

	// NumWorkers is the number of hashing goroutines.  It must be between
	// 1 and MaxWorkers.
	NumWorkers int

	// HashBatchSize is the number of hashes counted as one batch by the
	// speed monitor.  It must be a power of two.  Zero selects
	// DefaultHashBatchSize.
	HashBatchSize uint64

	// ReportInterval is the period of the speed monitor.  Zero selects
	// DefaultReportInterval.
	ReportInterval time.Duration

	// MaxHashes bounds the counter range of each worker.  Zero means the
	// full 64-bit range, which in practice never completes.
	MaxHashes uint64

	// Output receives the discovery records and the completion lines.
	Output io.Writer

	// Progress receives the bare speed monitor lines.  Nil selects
	// os.Stderr.
	Progress io.Writer

	// OnImprovement, when set, is invoked by the winning worker after its
	// record has been written.  It runs on the hashing path and must not
	// block.
	OnImprovement func(*Record)
}

// CPUMiner provides facilities for searching for the lowest hash using the
// CPU in a concurrency-safe manner.  It consists of a fixed set of worker
// goroutines, each enumerating its own candidates, a speed monitor which
// periodically logs the hashing rate, and a coordinator which stops the
// speed monitor once every worker has exited.
//
// The only state shared between workers is the best register and the hash
// batch counter, both updated with atomics.
type CPUMiner struct {
	// The following variables must only be used atomically.
	batches atomic.Uint64
	started atomic.Bool

	cfg     Config
	best    *BestRegister
	out     *recordWriter
	startAt time.Time

	errMtx sync.Mutex
	err    error

	workerWg         sync.WaitGroup
	wg               sync.WaitGroup
	speedMonitorQuit chan struct{}
	quit             chan struct{}
	quitOnce         sync.Once
	done             chan struct{}
}

// New returns a new cpu miner for the provided configuration.  The
// configuration is copied and defaults are filled in.
func New(cfg *Config) (*CPUMiner, error) {
	c := *cfg
	if c.NumWorkers < 1 || c.NumWorkers > MaxWorkers {
		return nil, fmt.Errorf("invalid number of workers %d (must be "+
			"between 1 and %d)", c.NumWorkers, MaxWorkers)
	}
	if c.HashBatchSize == 0 {
		c.HashBatchSize = DefaultHashBatchSize
	}
	if c.HashBatchSize&(c.HashBatchSize-1) != 0 {
		return nil, fmt.Errorf("hash batch size %d is not a power of two",
			c.HashBatchSize)
	}
	if c.ReportInterval == 0 {
		c.ReportInterval = DefaultReportInterval
	}
	if c.ReportInterval < 0 {
		return nil, fmt.Errorf("invalid report interval %v", c.ReportInterval)
	}
	if c.MaxHashes == 0 {
		c.MaxHashes = math.MaxUint64
	}
	if c.Output == nil {
		return nil, errors.New("no output writer configured")
	}
	if c.Progress == nil {
		c.Progress = os.Stderr
	}
	c.Prefix = append([]byte(nil), c.Prefix...)

	return &CPUMiner{
		cfg:              c,
		best:             NewBestRegister(),
		out:              newRecordWriter(c.Output),
		speedMonitorQuit: make(chan struct{}),
		quit:             make(chan struct{}),
		done:             make(chan struct{}),
	}, nil
}

// NumWorkers returns the number of workers to run.  A positive requested
// value is used as is, otherwise the number of CPUs available to the
// process is used.  The result never exceeds MaxWorkers.
func NumWorkers(requested int) (int, error) {
	n := requested
	if n <= 0 {
		var err error
		n, err = availableParallelism()
		if err != nil {
			return 0, fmt.Errorf("unable to determine available "+
				"parallelism: %w", err)
		}
	}
	if n > MaxWorkers {
		n = MaxWorkers
	}
	return n, nil
}

// Start launches the workers, the speed monitor and the shutdown
// coordinator.
func (m *CPUMiner) Start() error {
	if !m.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	m.startAt = time.Now()
	log.Infof("Starting %d workers with prefix %q", m.cfg.NumWorkers,
		m.cfg.Prefix)

	m.wg.Add(1)
	go m.speedMonitor()

	m.workerWg.Add(m.cfg.NumWorkers)
	for i := 0; i < m.cfg.NumWorkers; i++ {
		go m.generateCandidates(WorkerID(i))
	}

	go m.coordinateShutdown()
	return nil
}

// Stop asks all workers to exit.  Workers notice the request within a few
// thousand hashes.  It is safe to call Stop more than once.
func (m *CPUMiner) Stop() {
	m.quitOnce.Do(func() {
		log.Debug("CPU miner stop requested")
		close(m.quit)
	})
}

// Done returns a channel that is closed once every worker and the speed
// monitor have exited.
func (m *CPUMiner) Done() <-chan struct{} {
	return m.done
}

// WaitForShutdown blocks until the miner has fully stopped and returns the
// first fatal error encountered by a worker, if any.
func (m *CPUMiner) WaitForShutdown() error {
	if !m.started.Load() {
		return ErrNotStarted
	}
	<-m.done

	m.errMtx.Lock()
	defer m.errMtx.Unlock()
	return m.err
}

// Lowest returns the best hash prefix found so far.  It is math.MaxUint64
// until the first candidate has been evaluated.
func (m *CPUMiner) Lowest() uint64 {
	return m.best.Lowest()
}

// HashesComputed returns the estimated number of hashes computed by all
// workers.  It lags the true count by less than one batch per worker.
func (m *CPUMiner) HashesComputed() uint64 {
	return m.batches.Load() * m.cfg.HashBatchSize
}

// countBatch records that a worker finished one batch of hashes.
func (m *CPUMiner) countBatch() {
	m.batches.Add(1)
}

// coordinateShutdown waits for every worker to exit and then stops the speed
// monitor so it does not sit out the rest of its interval.
func (m *CPUMiner) coordinateShutdown() {
	m.workerWg.Wait()
	close(m.speedMonitorQuit)
	m.wg.Wait()
	log.Info("CPU miner stopped")
	close(m.done)
}

// fail records a fatal worker error and stops the miner.
func (m *CPUMiner) fail(err error) {
	m.errMtx.Lock()
	if m.err == nil {
		m.err = err
	}
	m.errMtx.Unlock()

	log.Errorf("Unable to write to output: %v", err)
	m.Stop()
}

// generateCandidates is the main loop of a worker.  It hashes every
// candidate of the worker in counter order and publishes each candidate that
// lowers the best hash.  It must be run as a goroutine.
func (m *CPUMiner) generateCandidates(id byte) {
	defer m.workerWg.Done()

	gen := NewGenerator(m.cfg.Prefix, id)
	hasher := chainhash.NewHasher()
	batchMask := m.cfg.HashBatchSize - 1

	log.Debugf("Worker %c started", id)
	for i := uint64(0); i < m.cfg.MaxHashes; i++ {
		if i&quitCheckMask == 0 {
			select {
			case <-m.quit:
				log.Debugf("Worker %c stopped after %d hashes", id, i)
				return
			default:
			}
		}

		candidate := gen.Next()
		hash := hasher.Sum(candidate)
		prefix := hash.Prefix()
		if m.best.Offer(prefix) {
			m.publish(id, candidate, hash, prefix)
		}

		if i&batchMask == batchMask {
			m.countBatch()
		}
	}

	if err := m.out.WriteExhausted(id); err != nil {
		m.fail(err)
	}
}

// publish writes the record of a won improvement and passes it on to the
// improvement hook.
func (m *CPUMiner) publish(id byte, candidate []byte, hash *chainhash.Hash,
	prefix uint64) {

	r := &Record{
		Timestamp:  time.Now().Unix(),
		Input:      append([]byte(nil), candidate...),
		WorkerID:   id,
		ZeroDigits: chainhash.ZeroDigits(prefix),
		Hash:       *hash,
	}
	if err := m.out.WriteRecord(r); err != nil {
		m.fail(err)
		return
	}
	log.Debugf("Worker %c found %d zero digits", id, r.ZeroDigits)

	if m.cfg.OnImprovement != nil {
		m.cfg.OnImprovement(r)
	}
}

// speedMonitor periodically logs the estimated number of hashes computed
// and the average hashing rate.  It exits when speedMonitorQuit is closed.
// It must be run as a goroutine.
func (m *CPUMiner) speedMonitor() {
	defer m.wg.Done()
	log.Tracef("CPU miner speed monitor started")

	ticker := time.NewTicker(m.cfg.ReportInterval)
	defer ticker.Stop()

out:
	for {
		select {
		case <-ticker.C:
			hashes := m.HashesComputed()
			rate := hashRate(hashes, time.Since(m.startAt))
			_, err := fmt.Fprintf(m.cfg.Progress, "%d hashes computed, "+
				"%d/s\n", hashes, rate)
			if err != nil {
				log.Warnf("Unable to write progress: %v", err)
			}
			log.Debugf("%d hashes computed, %d/s", hashes, rate)

		case <-m.speedMonitorQuit:
			break out
		}
	}

	log.Tracef("CPU miner speed monitor done")
}

// hashRate returns the average number of hashes per second.  Less than one
// elapsed second yields a rate of zero.
func hashRate(hashes uint64, elapsed time.Duration) uint64 {
	secs := uint64(elapsed / time.Second)
	if secs == 0 {
		return 0
	}
	return hashes / secs
}
