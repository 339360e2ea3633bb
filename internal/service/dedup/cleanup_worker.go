package dedup

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

const (
	defaultSweepInterval  = 10 * time.Minute
	defaultSweepBatchSize = 500
)

var (
	sweepRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orderpipe_dedup_sweep_runs_total",
		Help: "Dedup key sweeps grouped by result (ok, error, skipped).",
	}, []string{"result"})
	sweepEvictedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orderpipe_dedup_sweep_evicted_total",
		Help: "Expired dedup keys evicted from the in-memory store.",
	})
	dedupKeysRetained = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "orderpipe_dedup_keys_retained",
		Help: "Dedup keys held in memory after the last sweep.",
	})
)

// KeyStore — in-memory хранилище ключей дедупликации, которому нужна чистка.
// Redis истекает ключи сам.
type KeyStore interface {
	DeleteExpired(before time.Time, limit int) (int, error)
	Len() int
}

// Sweep — итог одного прохода.
type Sweep struct {
	Evicted  int
	Retained int
	Skipped  bool
}

// CleanupOptions задает параметры воркера.
type CleanupOptions struct {
	Logger    *log.Entry
	Interval  time.Duration
	BatchSize int
	// MaxKeys — порог числа живых ключей, выше которого пишется предупреждение; 0 отключает.
	MaxKeys int
	Clock   func() time.Time
}

// CleanupOption настраивает CleanupWorker.
type CleanupOption func(*CleanupOptions)

func WithLogger(logger *log.Entry) CleanupOption {
	return func(opts *CleanupOptions) { opts.Logger = logger }
}

func WithInterval(interval time.Duration) CleanupOption {
	return func(opts *CleanupOptions) { opts.Interval = interval }
}

func WithBatchSize(batchSize int) CleanupOption {
	return func(opts *CleanupOptions) { opts.BatchSize = batchSize }
}

// WithMaxKeys задает порог предупреждения о разросшемся окне дедупликации.
func WithMaxKeys(n int) CleanupOption {
	return func(opts *CleanupOptions) { opts.MaxKeys = n }
}

// WithClock подменяет источник времени.
func WithClock(clock func() time.Time) CleanupOption {
	return func(opts *CleanupOptions) { opts.Clock = clock }
}

// CleanupWorker вытесняет просроченные claim-ы и done-маркеры из памяти.
type CleanupWorker struct {
	store     KeyStore
	logger    *log.Entry
	interval  time.Duration
	batchSize int
	maxKeys   int
	clock     func() time.Time
}

// NewCleanupWorker создает воркер очистки.
func NewCleanupWorker(store KeyStore, options ...CleanupOption) *CleanupWorker {
	opts := CleanupOptions{
		Interval:  defaultSweepInterval,
		BatchSize: defaultSweepBatchSize,
	}
	for _, option := range options {
		option(&opts)
	}

	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "dedup-sweeper")
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultSweepInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultSweepBatchSize
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}

	return &CleanupWorker{
		store:     store,
		logger:    opts.Logger,
		interval:  opts.Interval,
		batchSize: opts.BatchSize,
		maxKeys:   opts.MaxKeys,
		clock:     opts.Clock,
	}
}

// Run выполняет проходы с интервалом до отмены ctx.
func (w *CleanupWorker) Run(ctx context.Context) {
	if w.store == nil {
		w.logger.Warn("dedup sweeper is disabled: store is nil")
		return
	}

	w.runOnce(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

func (w *CleanupWorker) runOnce(ctx context.Context) {
	sweep, err := w.SweepOnce(ctx)
	switch {
	case errors.Is(err, context.Canceled):
		return
	case err != nil:
		sweepRunsTotal.WithLabelValues("error").Inc()
		w.logger.WithError(err).WithField("evicted", sweep.Evicted).Warn("dedup sweep failed")
		return
	case sweep.Skipped:
		sweepRunsTotal.WithLabelValues("skipped").Inc()
		return
	}

	sweepRunsTotal.WithLabelValues("ok").Inc()
	entry := w.logger.WithFields(log.Fields{"evicted": sweep.Evicted, "retained": sweep.Retained})
	if w.maxKeys > 0 && sweep.Retained > w.maxKeys {
		entry.WithField("max_keys", w.maxKeys).Warn("dedup window exceeds key limit, consider DEDUP_DRIVER=redis or a shorter DEDUP_DONE_TTL")
		return
	}
	if sweep.Evicted > 0 {
		entry.Debug("dedup sweep completed")
	}
}

// SweepOnce вытесняет ключи, истёкшие к моменту clock(), порциями batchSize.
// Пустое хранилище не обходится.
func (w *CleanupWorker) SweepOnce(ctx context.Context) (Sweep, error) {
	if w.store.Len() == 0 {
		dedupKeysRetained.Set(0)
		return Sweep{Skipped: true}, nil
	}

	before := w.clock()
	var sweep Sweep
	for {
		if err := ctx.Err(); err != nil {
			return sweep, err
		}

		evicted, err := w.store.DeleteExpired(before, w.batchSize)
		if err != nil {
			return sweep, err
		}
		sweep.Evicted += evicted
		sweepEvictedTotal.Add(float64(evicted))
		if evicted < w.batchSize {
			break
		}
	}

	sweep.Retained = w.store.Len()
	dedupKeysRetained.Set(float64(sweep.Retained))
	return sweep, nil
}
