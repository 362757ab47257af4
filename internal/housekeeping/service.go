// Package housekeeping runs the background jobs of a long soak: pruning the
// event history and logging a periodic summary. Jobs are cron-triggered and
// run off the tick path.
package housekeeping

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "ratecore/pkg/logx"
)

// Parser accepts 5-field and 6-field (with seconds) specs and descriptors
// such as "@hourly" or "@every 10m".
var Parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Config holds the job schedules. An empty spec disables its job.
type Config struct {
	Prune    string
	Summary  string
	Timezone string
	Retain   int
}

// Validate checks the specs and the timezone.
func Validate(cfg Config) error {
	for name, spec := range map[string]string{"prune": cfg.Prune, "summary": cfg.Summary} {
		if strings.TrimSpace(spec) == "" {
			continue
		}
		if _, err := Parser.Parse(spec); err != nil {
			return fmt.Errorf("housekeeping.%s: invalid schedule %q: %w", name, spec, err)
		}
	}
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("housekeeping.timezone: invalid %q: %w", tz, err)
		}
	}
	return nil
}

// Pruner trims the event history to the newest keep records.
// storage.Store implements it.
type Pruner interface {
	Prune(ctx context.Context, keep int) (int, error)
}

// Stats counts job runs.
type Stats struct {
	PruneRuns   uint64    `json:"prune_runs"`
	Pruned      uint64    `json:"pruned"`
	SummaryRuns uint64    `json:"summary_runs"`
	LastRun     time.Time `json:"last_run"`
	LastErr     string    `json:"last_err,omitempty"`
}

type Service struct {
	cfg     Config
	log     logx.Logger
	pruner  Pruner
	summary func() []logx.Field

	mu    sync.Mutex
	c     *cron.Cron
	ctx   context.Context
	stats Stats
}

// New creates the service. pruner and summary may be nil, which disables
// the matching job.
func New(cfg Config, pruner Pruner, summary func() []logx.Field, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, log: log, pruner: pruner, summary: summary}
}

// Start registers the jobs and starts cron. Jobs stop running when ctx ends
// or Stop is called.
func (s *Service) Start(ctx context.Context) error {
	if err := Validate(s.cfg); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	loc := time.Local
	if tz := strings.TrimSpace(s.cfg.Timezone); tz != "" {
		loc, _ = time.LoadLocation(tz)
	}
	s.ctx = ctx
	c := cron.New(cron.WithParser(Parser), cron.WithLocation(loc), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))

	jobs := 0
	if spec := strings.TrimSpace(s.cfg.Prune); spec != "" && s.pruner != nil {
		if _, err := c.AddFunc(spec, func() { _, _ = s.PruneNow(s.ctx) }); err != nil {
			return err
		}
		jobs++
	}
	if spec := strings.TrimSpace(s.cfg.Summary); spec != "" && s.summary != nil {
		if _, err := c.AddFunc(spec, s.logSummary); err != nil {
			return err
		}
		jobs++
	}
	s.c = c
	c.Start()
	s.log.Info("housekeeping started", logx.Int("jobs", jobs), logx.String("tz", loc.String()))
	return nil
}

// Stop stops triggering and waits for a running job, bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Debug("housekeeping stopped")
}

// PruneNow trims the history immediately.
func (s *Service) PruneNow(ctx context.Context) (int, error) {
	if s.pruner == nil {
		return 0, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	keep := s.cfg.Retain
	if keep <= 0 {
		keep = 100
	}
	n, err := s.pruner.Prune(ctx, keep)

	s.mu.Lock()
	s.stats.PruneRuns++
	s.stats.Pruned += uint64(max(n, 0))
	s.stats.LastRun = time.Now()
	s.stats.LastErr = ""
	if err != nil {
		s.stats.LastErr = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Warn("history prune failed", logx.Err(err))
		return n, err
	}
	if n > 0 {
		s.log.Info("history pruned", logx.Int("removed", n), logx.Int("kept", keep))
	}
	return n, nil
}

func (s *Service) logSummary() {
	fields := s.summary()
	s.mu.Lock()
	s.stats.SummaryRuns++
	s.stats.LastRun = time.Now()
	s.mu.Unlock()
	s.log.Info("soak summary", fields...)
}

func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
