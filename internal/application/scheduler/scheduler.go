package scheduler

// scheduler.go: entrega cada predicción ACTIVE al Settlement Engine al vencer.
//
// La fuente de verdad es la tabla predictions (índice status, expiry_time).
// El heap en memoria es solo una caché de esa tabla:
//   - al arrancar se reconstruye desde las ACTIVE persistidas;
//   - cada ResyncInterval se vuelve a sincronizar (predicciones creadas por
//     otro proceso, o liquidadas fuera de este);
//   - las nuevas predicciones llegan por Track sin esperar al resync.
//
// El dispatch es at-least-once. El CAS de la liquidación lo vuelve exactly-once.
// Si el feed falla se reintenta con backoff exponencial hasta el deadline
// (expiry + MaxWaitFactor × duración del timeframe); pasado el deadline, y con
// al menos un intento fallido contra el feed, la predicción se cierra como
// EXPIRED_NO_DATA.

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/alejandrodnm/criptex/internal/domain"
	"github.com/alejandrodnm/criptex/internal/ports"
	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
)

// Config contiene la configuración del scheduler.
type Config struct {
	Workers        int           // goroutines de liquidación (0 = NumCPU)
	ResyncInterval time.Duration // reconciliación periódica con la base
	MaxWaitFactor  float64       // deadline = expiry + factor × duración
	SettleTimeout  time.Duration // timeout de cada intento de Settle
	RetryInitial   time.Duration
	RetryMax       time.Duration
	NoJitter       bool // backoff determinista (tests)
}

func (c *Config) setDefaults() {
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU()
	}
	if c.ResyncInterval <= 0 {
		c.ResyncInterval = time.Minute
	}
	if c.MaxWaitFactor <= 0 {
		c.MaxWaitFactor = 10
	}
	if c.SettleTimeout <= 0 {
		c.SettleTimeout = 15 * time.Second
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = 5 * time.Second
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 2 * time.Minute
	}
}

// Settler liquida una predicción. Ambas operaciones son idempotentes.
type Settler interface {
	Settle(ctx context.Context, predictionID string) (domain.Outcome, error)
	ExpireNoData(ctx context.Context, predictionID string) (domain.Outcome, error)
}

// ActiveLister recorre las predicciones ACTIVE ordenadas por expiry.
type ActiveLister interface {
	ListActiveByExpiry(ctx context.Context, before time.Time, limit int) ([]domain.Prediction, error)
}

// Scheduler es el Expiry Scheduler.
type Scheduler struct {
	cfg     Config
	store   ActiveLister
	settler Settler
	clock   clockwork.Clock
	metrics ports.Metrics

	mu    sync.Mutex
	queue expiryHeap
	known map[string]*entry // en heap o en vuelo
	seq   uint64
	wake  chan struct{}
}

// New crea un Scheduler. clock y metrics pueden ser nil.
func New(cfg Config, store ActiveLister, settler Settler, clock clockwork.Clock, metrics ports.Metrics) *Scheduler {
	cfg.setDefaults()
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &Scheduler{
		cfg:     cfg,
		store:   store,
		settler: settler,
		clock:   clock,
		metrics: metrics,
		known:   make(map[string]*entry),
		wake:    make(chan struct{}, 1),
	}
}

// Track agrega una predicción recién creada. Ignora las terminales y las ya conocidas.
func (s *Scheduler) Track(p domain.Prediction) {
	if p.Status != domain.StatusActive {
		return
	}
	s.mu.Lock()
	added := s.trackLocked(p)
	depth := len(s.known)
	s.mu.Unlock()

	if added {
		s.metrics.SchedulerQueueDepth(depth)
		s.signal()
	}
}

// Pending devuelve cuántas predicciones sigue el scheduler.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.known)
}

// Rebuild reconstruye el heap desde las predicciones ACTIVE persistidas.
// También descarta entradas que ya no están ACTIVE en la base.
func (s *Scheduler) Rebuild(ctx context.Context) (int, error) {
	s.mu.Lock()
	snapshot := s.seq
	s.mu.Unlock()

	active, err := s.store.ListActiveByExpiry(ctx, time.Time{}, 0)
	if err != nil {
		return 0, fmt.Errorf("scheduler.Rebuild: %w", err)
	}

	live := make(map[string]bool, len(active))
	s.mu.Lock()
	added := 0
	for _, p := range active {
		live[p.ID] = true
		if s.trackLocked(p) {
			added++
		}
	}
	// Entradas en el heap que otro proceso ya liquidó. Las agregadas después
	// de la consulta pueden no estar en active todavía.
	for i := 0; i < len(s.queue); {
		e := s.queue[i]
		if !live[e.id] && e.seq <= snapshot {
			heap.Remove(&s.queue, i)
			delete(s.known, e.id)
			continue
		}
		i++
	}
	depth := len(s.known)
	s.mu.Unlock()

	s.metrics.SchedulerQueueDepth(depth)
	if added > 0 {
		s.signal()
	}
	return added, nil
}

// Run ejecuta el loop hasta que el contexto se cancele.
func (s *Scheduler) Run(ctx context.Context) error {
	n, err := s.Rebuild(ctx)
	if err != nil {
		return err
	}
	slog.Info("scheduler starting",
		"tracked", n,
		"workers", s.cfg.Workers,
		"resync", s.cfg.ResyncInterval,
		"max_wait_factor", s.cfg.MaxWaitFactor,
	)

	work := make(chan *entry)
	var wg sync.WaitGroup
	for i := 0; i < s.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for e := range work {
				s.handle(ctx, e)
			}
		}()
	}
	defer func() {
		close(work)
		wg.Wait()
		slog.Info("scheduler stopped")
	}()

	nextResync := s.clock.Now().Add(s.cfg.ResyncInterval)
	for {
		now := s.clock.Now()
		if !now.Before(nextResync) {
			if _, err := s.Rebuild(ctx); err != nil {
				slog.Warn("scheduler resync failed", "err", err)
			}
			nextResync = now.Add(s.cfg.ResyncInterval)
		}

		for _, e := range s.takeDue(now) {
			select {
			case work <- e:
			case <-ctx.Done():
				return nil
			}
		}

		timer := s.clock.NewTimer(s.nextWait(now, nextResync))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.Chan():
		case <-s.wake:
			timer.Stop()
		}
	}
}

// ProcessDue liquida en línea todas las entradas vencidas y devuelve cuántas procesó.
func (s *Scheduler) ProcessDue(ctx context.Context) int {
	due := s.takeDue(s.clock.Now())
	for _, e := range due {
		s.handle(ctx, e)
	}
	return len(due)
}

// handle intenta liquidar una entrada y decide si se reencola.
func (s *Scheduler) handle(ctx context.Context, e *entry) {
	now := s.clock.Now()
	attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.SettleTimeout)
	defer cancel()

	var out domain.Outcome
	var err error
	// Pasado el deadline sin ningún intento (p.ej. el proceso estuvo caído)
	// se consulta el feed una vez antes de cerrar como EXPIRED_NO_DATA.
	pastDeadline := !now.Before(e.deadline)
	expired := pastDeadline && e.attempts > 0
	if expired {
		out, err = s.settler.ExpireNoData(attemptCtx, e.id)
	} else {
		out, err = s.settler.Settle(attemptCtx, e.id)
		if pastDeadline && errors.Is(err, domain.ErrAdapterUnavailable) {
			e.attempts++
			s.metrics.SettlementRetry()
			expired = true
			out, err = s.settler.ExpireNoData(attemptCtx, e.id)
		}
	}

	switch {
	case err == nil:
		s.forget(e.id)
		if expired && !out.AlreadySettled {
			slog.Warn("prediction expired without price data",
				"prediction_id", e.id,
				"attempts", e.attempts,
			)
		}
		return
	case errors.Is(err, domain.ErrNotFound):
		slog.Warn("scheduled prediction not found, dropping", "prediction_id", e.id)
		s.forget(e.id)
		return
	}

	e.attempts++
	s.metrics.SettlementRetry()

	next := now.Add(s.nextBackOff(e))
	var verr *domain.ValidationError
	if errors.As(err, &verr) && now.Before(e.expiry) {
		next = e.expiry
	}
	if now.Before(e.deadline) && next.After(e.deadline) {
		next = e.deadline
	}

	slog.Warn("settlement attempt failed, requeued",
		"prediction_id", e.id,
		"attempt", e.attempts,
		"retry_at", next.Format(time.RFC3339),
		"err", err,
	)
	s.requeue(e, next)
}

// --- helpers internos ---

func (s *Scheduler) trackLocked(p domain.Prediction) bool {
	if _, ok := s.known[p.ID]; ok {
		return false
	}
	maxWait := time.Duration(s.cfg.MaxWaitFactor * float64(p.Timeframe.Duration()))
	s.seq++
	e := &entry{
		id:       p.ID,
		seq:      s.seq,
		expiry:   p.ExpiryTime,
		deadline: p.ExpiryTime.Add(maxWait),
		due:      p.ExpiryTime,
		retry:    s.newBackOff(),
	}
	heap.Push(&s.queue, e)
	s.known[p.ID] = e
	return true
}

func (s *Scheduler) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.RetryInitial
	b.MaxInterval = s.cfg.RetryMax
	b.MaxElapsedTime = 0 // el corte lo pone el deadline, no el backoff
	b.Clock = s.clock
	if s.cfg.NoJitter {
		b.RandomizationFactor = 0
	}
	b.Reset()
	return b
}

func (s *Scheduler) nextBackOff(e *entry) time.Duration {
	d := e.retry.NextBackOff()
	if d == backoff.Stop {
		return s.cfg.RetryMax
	}
	return d
}

func (s *Scheduler) takeDue(now time.Time) []*entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.popDue(now)
}

func (s *Scheduler) requeue(e *entry, due time.Time) {
	s.mu.Lock()
	if _, ok := s.known[e.id]; ok && e.index < 0 {
		e.due = due
		heap.Push(&s.queue, e)
	}
	s.mu.Unlock()
	s.signal()
}

func (s *Scheduler) forget(id string) {
	s.mu.Lock()
	delete(s.known, id)
	depth := len(s.known)
	s.mu.Unlock()
	s.metrics.SchedulerQueueDepth(depth)
}

func (s *Scheduler) nextWait(now, nextResync time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	wait := nextResync.Sub(now)
	if e := s.queue.peek(); e != nil {
		if d := e.due.Sub(now); d < wait {
			wait = d
		}
	}
	if wait < 0 {
		wait = 0
	}
	return wait
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
