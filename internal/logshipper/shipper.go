// Shipper wires a set of tail sources through line assembly and batching
// into the bounded outbound queue, then drains that queue to the
// configured delivery target. This is the C7 Log Shipper component of
// spec.md §3/§4.7 end to end.
package logshipper

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bifrost-iot/device-agent/internal/resilience"
)

// SourceKind selects which tailSource implementation backs a source.
type SourceKind int

const (
	SourceFile SourceKind = iota
	SourceCommand
)

// SourceConfig describes one log source to tail.
type SourceConfig struct {
	Kind         SourceKind
	Path         string // for SourceFile
	Command      string // for SourceCommand
	FromBegin    bool
	Continuation string
}

// Deliverer abstracts the delivery target so tests can substitute a fake.
type Deliverer interface {
	Deliver(ctx context.Context, creds Credentials, batch FinalizedBatch) error
}

// Config configures a Shipper.
type Config struct {
	Sources     []SourceConfig
	Linger      time.Duration
	Delivery    Deliverer
	Credentials func() Credentials
	PollEvery   time.Duration // delivery drain interval, default 1s
	Logger      *zap.Logger
}

// Shipper runs the tail-assemble-batch-queue-deliver pipeline.
type Shipper struct {
	cfg    Config
	queue  *outboundQueue
	policy *resilience.Policy
	logger *zap.Logger

	mu      sync.Mutex
	batches map[int]*Batch // one live batch per source index

	wg sync.WaitGroup
}

func New(cfg Config) *Shipper {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = time.Second
	}
	return &Shipper{
		cfg:     cfg,
		queue:   newOutboundQueue(logger),
		policy:  resilience.New(resilience.DefaultConfig("log-shipper-delivery"), logger),
		logger:  logger,
		batches: make(map[int]*Batch),
	}
}

// Run starts all source tailers and the delivery drain loop, blocking
// until ctx is cancelled.
func (s *Shipper) Run(ctx context.Context) error {
	for i, sc := range s.cfg.Sources {
		s.wg.Add(1)
		go s.runSource(ctx, i, sc)
	}

	s.wg.Add(1)
	go s.runDelivery(ctx)

	<-ctx.Done()
	s.wg.Wait()

	s.mu.Lock()
	for _, b := range s.batches {
		b.Flush()
	}
	s.mu.Unlock()

	s.drainOnce(context.Background())

	return nil
}

func (s *Shipper) runSource(ctx context.Context, idx int, sc SourceConfig) {
	defer s.wg.Done()

	batch := newBatch(s.cfg.Linger, func(b *Batch) {
		s.queue.Push(FinalizedBatch{Events: append([]Event(nil), b.Events()...)})
	})
	s.mu.Lock()
	s.batches[idx] = batch
	s.mu.Unlock()

	var src tailSource
	switch sc.Kind {
	case SourceCommand:
		src = newCommandTailSource(sc.Command)
	default:
		src = newFileTailSource(sc.Path, sc.FromBegin)
	}

	if err := src.open(); err != nil {
		s.logger.Error("tail source failed to open", zap.Int("source", idx), zap.Error(err))
		return
	}
	defer src.close()

	assembler := newLineAssembler(sc.Continuation, func(line string) {
		batch.Add(line, time.Now())
	})
	defer assembler.flush()

	for {
		if ctx.Err() != nil {
			return
		}
		if err := src.readInto(assembler); err != nil {
			s.logger.Warn("tail source read error", zap.Int("source", idx), zap.Error(err))
		}
		if err := src.wait(ctx); err != nil {
			return
		}
	}
}

func (s *Shipper) runDelivery(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.PollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.drainOnce(context.Background())
			return
		case <-ticker.C:
			s.drainOnce(ctx)
		}
	}
}

// drainOnce pops and delivers everything currently queued.
func (s *Shipper) drainOnce(ctx context.Context) {
	for {
		batch, ok := s.queue.Pop()
		if !ok {
			return
		}
		if s.cfg.Delivery == nil {
			continue
		}
		creds := Credentials{}
		if s.cfg.Credentials != nil {
			creds = s.cfg.Credentials()
		}
		err := s.policy.Run(ctx, func(ctx context.Context) error {
			return s.cfg.Delivery.Deliver(ctx, creds, batch)
		})
		if err != nil {
			s.logger.Error("log batch delivery failed, dropping batch", zap.Error(err), zap.Int("events", len(batch.Events)))
		}
	}
}

// QueueDepth reports the number of finalized batches awaiting delivery.
func (s *Shipper) QueueDepth() int { return s.queue.Len() }

// Dropped reports the number of queued batches evicted by overflow.
func (s *Shipper) Dropped() int64 { return s.queue.Dropped() }
