package job

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	config "github.com/maheshrc27/postpilot/configs"
	"github.com/maheshrc27/postpilot/internal/apperr"
	"github.com/maheshrc27/postpilot/internal/media"
	"github.com/maheshrc27/postpilot/internal/models"
	"github.com/maheshrc27/postpilot/internal/publisher"
	"github.com/maheshrc27/postpilot/internal/ratelimit"
	"github.com/maheshrc27/postpilot/internal/repository"
	"github.com/maheshrc27/postpilot/internal/service"
	"github.com/robfig/cron"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

const (
	TickPosting = "posting"
	TickRefresh = "refresh"
	TickRetry   = "retry"
	TickMetrics = "metrics"

	defaultCallTimeout = 30 * time.Second

	markPublishedAttempts = 3
	defaultRecordPause    = 250 * time.Millisecond
)

var (
	ErrStopped       = errors.New("scheduler is stopped")
	ErrEmergencyStop = apperr.New(apperr.Conflict, "scheduler", "emergency stop is active")
)

type Deps struct {
	Posts      service.PostService
	Accounts   service.AccountService
	Vault      service.VaultService
	Audit      service.AuditService
	Metrics    repository.MetricRepository
	Publishers publisher.Registry
	Media      media.Resolver
	Limiter    *ratelimit.Limiter
	Log        *zap.Logger
	Now        service.Clock
}

type tick struct {
	name     string
	interval time.Duration
	run      func(ctx context.Context) *Report
	busy     atomic.Bool
}

// Scheduler owns every periodic job of the orchestrator. All of its mutable
// state lives on the instance; nothing is package global.
type Scheduler struct {
	deps Deps
	cfg  config.Scheduler
	log  *zap.Logger
	now  service.Clock

	cron      *cron.Cron
	ticks     map[string]*tick
	sem       *semaphore.Weighted
	refreshes singleflight.Group

	mu       sync.Mutex
	running  bool
	stopped  bool
	inflight sync.WaitGroup
	last     map[string]*Report

	emergency atomic.Bool
	haltMu    sync.Mutex
	halt      halt

	// Publishes that landed on the platform but whose published state was
	// never written, keyed by post id.
	unrecordedMu sync.Mutex
	unrecorded   map[string]publisher.Result
	recordPause  time.Duration
}

type halt struct {
	actor  string
	reason string
	since  time.Time
}

func NewScheduler(deps Deps, cfg config.Scheduler) *Scheduler {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Media == nil {
		deps.Media = media.NewResolver(nil)
	}
	if deps.Limiter == nil {
		deps.Limiter = ratelimit.New(cfg.RateLimits, cfg.DefaultRateLimit, deps.Now)
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	concurrency := int64(cfg.Concurrency)
	if concurrency < 1 {
		concurrency = 1
	}

	s := &Scheduler{
		deps: deps,
		cfg:  cfg,
		log:  deps.Log.Named("scheduler"),
		now:  deps.Now,
		cron: cron.New(),
		sem:  semaphore.NewWeighted(concurrency),
		last: make(map[string]*Report),

		unrecorded:  make(map[string]publisher.Result),
		recordPause: defaultRecordPause,
	}
	s.ticks = map[string]*tick{
		TickPosting: {name: TickPosting, interval: cfg.PostingInterval, run: s.postingTick},
		TickRefresh: {name: TickRefresh, interval: cfg.RefreshInterval, run: s.refreshTick},
		TickRetry:   {name: TickRetry, interval: cfg.RetryInterval, run: s.retryTick},
		TickMetrics: {name: TickMetrics, interval: cfg.MetricsInterval, run: s.metricsTick},
	}
	return s
}

// Start registers the ticks with cron. The posting tick is only registered
// when automation is enabled.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrStopped
	}
	if s.running {
		return nil
	}

	for _, name := range []string{TickPosting, TickRefresh, TickRetry, TickMetrics} {
		t := s.ticks[name]
		if name == TickPosting && !s.cfg.AutomationEnabled {
			s.log.Info("automation disabled, posting tick not scheduled")
			continue
		}
		if t.interval <= 0 {
			continue
		}
		spec := "@every " + t.interval.String()
		if err := s.cron.AddFunc(spec, func() { s.runScheduled(t) }); err != nil {
			return fmt.Errorf("schedule %s tick: %w", name, err)
		}
		s.log.Info("tick scheduled", zap.String("tick", name), zap.Duration("interval", t.interval))
	}

	s.cron.Start()
	s.running = true
	return nil
}

// Stop suppresses new ticks and waits for running ones, including their
// publish calls, to finish. Nothing in flight is cancelled.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	wasRunning := s.running
	s.running = false
	s.mu.Unlock()

	if wasRunning {
		s.cron.Stop()
	}
	s.inflight.Wait()
	s.deps.Vault.Flush()
	s.log.Info("scheduler stopped")
}

func (s *Scheduler) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.inflight.Add(1)
	return true
}

func (s *Scheduler) runScheduled(t *tick) {
	if _, err := s.runTick(context.Background(), t); err != nil && !errors.Is(err, ErrStopped) {
		s.log.Error("tick failed", zap.String("tick", t.name), zap.Error(err))
	}
}

// Tick runs one tick by name right away, outside the cron schedule.
func (s *Scheduler) Tick(ctx context.Context, name string) (*Report, error) {
	t, ok := s.ticks[name]
	if !ok {
		return nil, apperr.New(apperr.Validation, "scheduler.tick", "unknown tick %q", name)
	}
	return s.runTick(ctx, t)
}

func (s *Scheduler) runTick(ctx context.Context, t *tick) (*Report, error) {
	if !s.begin() {
		return nil, ErrStopped
	}
	defer s.inflight.Done()

	if !t.busy.CompareAndSwap(false, true) {
		s.log.Info("previous run still in progress, skipping", zap.String("tick", t.name))
		return &Report{Tick: t.name, StartedAt: s.now(), Skipped: "previous run still in progress"}, nil
	}
	defer t.busy.Store(false)

	started := s.now()
	r := t.run(ctx)
	r.Tick = t.name
	r.StartedAt = started
	r.Duration = s.now().Sub(started)

	s.mu.Lock()
	s.last[t.name] = r
	s.mu.Unlock()

	s.log.Info("tick finished",
		zap.String("tick", t.name),
		zap.Int("examined", r.Examined),
		zap.Int("succeeded", r.Succeeded),
		zap.Int("failed", r.Failed),
		zap.Int("deferred", r.Deferred),
		zap.Int("flagged", r.Flagged),
		zap.String("skipped", r.Skipped))
	return r, nil
}

func (s *Scheduler) ActivateEmergencyStop(ctx context.Context, actor, reason string) {
	s.haltMu.Lock()
	s.halt = halt{actor: actor, reason: reason, since: s.now()}
	s.haltMu.Unlock()
	s.emergency.Store(true)

	s.log.Warn("emergency stop activated", zap.String("actor", actor), zap.String("reason", reason))
	s.deps.Audit.LogAction(ctx, actor, "scheduler.emergency_stop", models.AuditSuccess, reason, models.AuditRefs{})
}

func (s *Scheduler) DeactivateEmergencyStop(ctx context.Context, actor string) {
	s.emergency.Store(false)
	s.haltMu.Lock()
	s.halt = halt{}
	s.haltMu.Unlock()

	s.log.Warn("emergency stop cleared", zap.String("actor", actor))
	s.deps.Audit.LogAction(ctx, actor, "scheduler.resume", models.AuditSuccess, "emergency stop cleared", models.AuditRefs{})
}

func (s *Scheduler) EmergencyStopped() bool {
	return s.emergency.Load()
}

type TickStatus struct {
	Name     string        `json:"name"`
	Interval time.Duration `json:"interval"`
	Running  bool          `json:"running"`
	Last     *Report       `json:"last,omitempty"`
}

type Status struct {
	Running           bool         `json:"running"`
	AutomationEnabled bool         `json:"automation_enabled"`
	EmergencyStop     bool         `json:"emergency_stop"`
	StopReason        string       `json:"stop_reason,omitempty"`
	StoppedBy         string       `json:"stopped_by,omitempty"`
	StoppedAt         *time.Time   `json:"stopped_at,omitempty"`
	Ticks             []TickStatus `json:"ticks"`
}

func (s *Scheduler) Status() Status {
	st := Status{
		AutomationEnabled: s.cfg.AutomationEnabled,
		EmergencyStop:     s.EmergencyStopped(),
	}
	if st.EmergencyStop {
		s.haltMu.Lock()
		h := s.halt
		s.haltMu.Unlock()
		st.StopReason = h.reason
		st.StoppedBy = h.actor
		st.StoppedAt = &h.since
	}

	s.mu.Lock()
	st.Running = s.running
	for name, t := range s.ticks {
		ts := TickStatus{Name: name, Interval: t.interval, Running: t.busy.Load()}
		if r, ok := s.last[name]; ok {
			c := *r
			ts.Last = &c
		}
		st.Ticks = append(st.Ticks, ts)
	}
	s.mu.Unlock()

	sort.Slice(st.Ticks, func(i, j int) bool { return st.Ticks[i].Name < st.Ticks[j].Name })
	return st
}
