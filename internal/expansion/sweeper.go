package expansion

import (
	"context"
	"errors"
	"time"

	"github.com/wolfman30/odonto-platform/internal/recurrence"
	"github.com/wolfman30/odonto-platform/pkg/logging"
)

// DueLister pages through active definitions whose cursor is on or before a
// horizon, in (cursor, id) order.
type DueLister interface {
	ListDueDefinitions(ctx context.Context, horizon time.Time, after *recurrence.DueCursor, limit int) ([]recurrence.Definition, error)
}

// HorizonSource returns a clinic's own horizon in days; 0 means the default.
type HorizonSource interface {
	HorizonDays(ctx context.Context, clinicID string) (int, error)
}

// SweepReport summarizes one sweep.
type SweepReport struct {
	Scanned  int `json:"scanned"`
	Expanded int `json:"expanded"`
	Created  int `json:"created"`
	Failed   int `json:"failed"`
}

// SweeperConfig wires a Sweeper.
type SweeperConfig struct {
	Source   DueLister
	Expander Expander
	Horizons HorizonSource
	Logger   *logging.Logger

	HorizonDays int
	BatchSize   int
	Location    *time.Location
	Interval    time.Duration
	Now         func() time.Time

	Tick <-chan time.Time
	Stop func()
}

// Sweeper periodically expands every due definition in catch-up mode.
type Sweeper struct {
	source      DueLister
	expander    Expander
	horizons    HorizonSource
	logger      *logging.Logger
	horizonDays int
	batchSize   int
	loc         *time.Location
	now         func() time.Time

	tick <-chan time.Time
	stop func()
}

const maxSweepBatches = 50

// NewSweeper validates cfg and applies defaults.
func NewSweeper(cfg SweeperConfig) (*Sweeper, error) {
	if cfg.Source == nil || cfg.Expander == nil {
		return nil, errors.New("expansion: sweeper requires a source and an expander")
	}
	horizonDays := cfg.HorizonDays
	if horizonDays <= 0 {
		horizonDays = recurrence.DefaultHorizonDays
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 200
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}

	tick := cfg.Tick
	stop := cfg.Stop
	if tick == nil {
		interval := cfg.Interval
		if interval <= 0 {
			interval = time.Hour
		}
		ticker := time.NewTicker(interval)
		tick = ticker.C
		stop = ticker.Stop
	}

	return &Sweeper{
		source:      cfg.Source,
		expander:    cfg.Expander,
		horizons:    cfg.Horizons,
		logger:      logger,
		horizonDays: horizonDays,
		batchSize:   batch,
		loc:         loc,
		now:         now,
		tick:        tick,
		stop:        stop,
	}, nil
}

// Start sweeps immediately and then on every tick until ctx is done.
func (s *Sweeper) Start(ctx context.Context) {
	if s == nil {
		return
	}
	defer func() {
		if s.stop != nil {
			s.stop()
		}
	}()

	s.sweepAndLog(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.tick:
			s.sweepAndLog(ctx)
		}
	}
}

func (s *Sweeper) sweepAndLog(ctx context.Context) {
	report, err := s.SweepOnce(ctx)
	if err != nil {
		s.logger.Error("recurrence sweep failed", "error", err)
		return
	}
	s.logger.Info("recurrence sweep finished",
		"scanned", report.Scanned,
		"expanded", report.Expanded,
		"created", report.Created,
		"failed", report.Failed,
	)
}

// SweepOnce expands every due definition up to today plus its clinic's
// horizon. A failing definition is logged and counted; the sweep goes on.
func (s *Sweeper) SweepOnce(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	today := recurrence.DateOf(s.now().In(s.loc))
	listHorizon := today.AddDate(0, 0, s.horizonDays)
	clinicHorizons := make(map[string]time.Time)
	seen := make(map[string]bool)

	// Paging moves past rows whose cursor did not advance (a shorter clinic
	// horizon or a failing definition) so later rows are still reached. A row
	// that advanced can show up again further on; seen skips it.
	var after *recurrence.DueCursor
	for batch := 0; batch < maxSweepBatches; batch++ {
		defs, err := s.source.ListDueDefinitions(ctx, listHorizon, after, s.batchSize)
		if err != nil {
			return report, err
		}
		if len(defs) == 0 {
			break
		}
		last := defs[len(defs)-1]
		after = &recurrence.DueCursor{At: last.DueAt(), ID: last.ID}

		for _, def := range defs {
			if seen[def.ID] {
				continue
			}
			seen[def.ID] = true
			report.Scanned++

			if err := ctx.Err(); err != nil {
				return report, err
			}
			horizon, ok := clinicHorizons[def.ClinicID]
			if !ok {
				horizon = s.clinicHorizon(ctx, def.ClinicID, today)
				clinicHorizons[def.ClinicID] = horizon
			}

			result, err := s.expander.Expand(ctx, def.ClinicID, def.ID, horizon, recurrence.ExpandOptions{
				CatchUp: true,
				Trigger: recurrence.TriggerSweep,
			})
			if err != nil {
				report.Failed++
				s.logger.Error("recurrence sweep expansion failed", "clinic_id", def.ClinicID, "recurrence_id", def.ID, "error", err)
				continue
			}
			report.Expanded++
			report.Created += len(result.Created)
		}
		if len(defs) < s.batchSize {
			break
		}
	}
	return report, nil
}

// clinicHorizon applies a clinic override, never past the global horizon.
func (s *Sweeper) clinicHorizon(ctx context.Context, clinicID string, today time.Time) time.Time {
	days := s.horizonDays
	if s.horizons != nil {
		override, err := s.horizons.HorizonDays(ctx, clinicID)
		if err != nil {
			s.logger.Warn("clinic horizon unavailable, using default", "clinic_id", clinicID, "error", err)
		} else if override > 0 && override < days {
			days = override
		}
	}
	return today.AddDate(0, 0, days)
}
