package records

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
)

const storeTimeout = 5 * time.Second

// RecorderConfig tunes the async recorder.
type RecorderConfig struct {
	Workers        int
	QueueSize      int
	ReplayInterval time.Duration
}

func DefaultRecorderConfig() RecorderConfig {
	return RecorderConfig{
		Workers:        4,
		QueueSize:      1024,
		ReplayInterval: 15 * time.Second,
	}
}

// RecorderStats is a point-in-time view for the admin API.
type RecorderStats struct {
	Workers         int    `json:"workers"`
	QueueDepth      int    `json:"queue_depth"`
	QueueCapacity   int    `json:"queue_capacity"`
	Persisted       int64  `json:"persisted"`
	Journaled       int64  `json:"journaled"`
	Dropped         int64  `json:"dropped"`
	PendingSegments int    `json:"pending_segments"`
	BreakerState    string `json:"breaker_state"`
}

// Recorder moves completed-request jobs off the request path: a
// bounded queue feeds workers that write the store through a circuit
// breaker; anything the store cannot take right now goes to the disk
// journal, and a replay loop drains the journal once the store
// recovers. A job is dropped only when the store and the journal both
// fail.
type Recorder struct {
	store   Store
	journal *Journal
	breaker *gobreaker.CircuitBreaker
	cfg     RecorderConfig

	jobs chan Job
	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once

	persisted atomic.Int64
	journaled atomic.Int64
	dropped   atomic.Int64
}

func NewRecorder(store Store, journal *Journal, cfg RecorderConfig) *Recorder {
	def := DefaultRecorderConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.ReplayInterval <= 0 {
		cfg.ReplayInterval = def.ReplayInterval
	}

	settings := gobreaker.Settings{
		Name:        "record-store",
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	}

	return &Recorder{
		store:   store,
		journal: journal,
		breaker: gobreaker.NewCircuitBreaker(settings),
		cfg:     cfg,
		jobs:    make(chan Job, cfg.QueueSize),
		done:    make(chan struct{}),
	}
}

// Start launches the workers and the journal replay loop.
func (r *Recorder) Start() {
	log.Printf("[recorder] starting %d workers, queue %d", r.cfg.Workers, r.cfg.QueueSize)
	for i := 0; i < r.cfg.Workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
	r.wg.Add(1)
	go r.replayLoop()
}

// Stop waits for queued jobs to settle, then seals the journal. Call
// after the HTTP server has shut down so nothing enqueues anymore.
func (r *Recorder) Stop() {
	r.once.Do(func() {
		close(r.done)
		close(r.jobs)
		r.wg.Wait()
		if err := r.journal.Close(); err != nil {
			log.Printf("[recorder] failed to seal journal on stop: %v", err)
		}
		log.Println("[recorder] stopped")
	})
}

// Enqueue hands a job to the workers. A full queue spills straight to
// the journal so the record still lands eventually.
func (r *Recorder) Enqueue(job Job) {
	select {
	case r.jobs <- job:
	default:
		r.spill(job, nil)
	}
}

func (r *Recorder) worker() {
	defer r.wg.Done()
	for job := range r.jobs {
		if err := r.applyStore(job); err != nil {
			r.spill(job, err)
			continue
		}
		r.persisted.Add(1)
	}
}

func (r *Recorder) applyStore(job Job) error {
	_, err := r.breaker.Execute(func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		return nil, r.store.Apply(ctx, job)
	})
	return err
}

func (r *Recorder) spill(job Job, cause error) {
	if err := r.journal.Append(job); err != nil {
		r.dropped.Add(1)
		log.Printf("[recorder] record %s lost: store: %v, journal: %v", job.Record.ID, cause, err)
		return
	}
	r.journaled.Add(1)
	if cause != nil {
		log.Printf("[recorder] record %s journaled: %v", job.Record.ID, cause)
	}
}

func (r *Recorder) replayLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.ReplayInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.replayOnce()
		}
	}
}

func (r *Recorder) replayOnce() {
	if r.breaker.State() == gobreaker.StateOpen {
		return
	}
	if r.journal.Empty() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	n, err := r.journal.Drain(ctx, func(_ context.Context, job Job) error {
		return r.applyStore(job)
	})
	if n > 0 {
		r.persisted.Add(int64(n))
		log.Printf("[recorder] replayed %d journaled records", n)
	}
	if err != nil {
		log.Printf("[recorder] journal replay interrupted: %v", err)
	}
}

func (r *Recorder) Stats() RecorderStats {
	return RecorderStats{
		Workers:         r.cfg.Workers,
		QueueDepth:      len(r.jobs),
		QueueCapacity:   cap(r.jobs),
		Persisted:       r.persisted.Load(),
		Journaled:       r.journaled.Load(),
		Dropped:         r.dropped.Load(),
		PendingSegments: r.journal.Pending(),
		BreakerState:    r.breaker.State().String(),
	}
}
