package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"relaycast/internal/config"
	"relaycast/internal/observability/logging"
)

// DefaultExportTimeout bounds one scheduled export run.
const DefaultExportTimeout = 5 * time.Minute

// Scheduler runs both exports on a cron schedule taken from the settings.
// Reschedule swaps the schedule without restarting the process.
type Scheduler struct {
	exporter *Exporter
	parser   cron.Parser
	timeout  time.Duration
	logger   *slog.Logger

	mu   sync.Mutex
	c    *cron.Cron
	spec string
	runs int
}

// NewScheduler builds a stopped Scheduler.
func NewScheduler(exporter *Exporter, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		exporter: exporter,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		timeout:  DefaultExportTimeout,
		logger:   logging.WithComponent(logger, "catalog-scheduler"),
	}
}

// Reschedule installs spec, replacing any previous schedule. An empty spec
// stops scheduled exports.
func (s *Scheduler) Reschedule(spec string) error {
	spec = strings.TrimSpace(spec)
	s.mu.Lock()
	defer s.mu.Unlock()
	if spec == s.spec && (spec == "" || s.c != nil) {
		return nil
	}
	if spec != "" {
		if _, err := s.parser.Parse(spec); err != nil {
			return fmt.Errorf("parse export schedule %q: %w", spec, err)
		}
	}
	s.stopLocked()
	s.spec = spec
	if spec == "" {
		s.logger.Info("scheduled export disabled")
		return nil
	}
	s.c = cron.New(cron.WithParser(s.parser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := s.c.AddFunc(spec, s.RunOnce); err != nil {
		s.c = nil
		return fmt.Errorf("schedule export: %w", err)
	}
	s.c.Start()
	s.logger.Info("scheduled export enabled", "schedule", spec)
	return nil
}

// Apply follows a settings reload.
func (s *Scheduler) Apply(settings config.Settings) {
	if err := s.Reschedule(settings.ExportSchedule); err != nil {
		s.logger.Warn("export schedule not applied", "error", err)
	}
}

// RunOnce runs the live export and, when a VoD folder is set, the VoD
// export.
func (s *Scheduler) RunOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	s.mu.Lock()
	s.runs++
	s.mu.Unlock()

	if res := s.exporter.ExportLive(ctx); !res.Success {
		s.logger.Warn("scheduled live export failed", "message", res.Message, "error_id", res.ErrorID)
	}
	if errors.Is(CheckSettings(s.exporter.settings(), true), ErrMissingVoDFolder) {
		return
	}
	if res := s.exporter.ExportVoD(ctx); !res.Success {
		s.logger.Warn("scheduled vod export failed", "message", res.Message, "error_id", res.ErrorID)
	}
}

// Runs returns how many times RunOnce has started.
func (s *Scheduler) Runs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs
}

// Stop halts scheduling and waits for a running export to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.spec = ""
	s.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

func (s *Scheduler) stopLocked() {
	if s.c != nil {
		// RunOnce takes s.mu, so the stop is not awaited here.
		s.c.Stop()
		s.c = nil
	}
}
