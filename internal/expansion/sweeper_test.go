package expansion

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/odonto-platform/internal/recurrence"
	"github.com/wolfman30/odonto-platform/pkg/logging"
)

type fakeDueLister struct {
	defs     []recurrence.Definition
	err      error
	horizons []time.Time
	afters   []*recurrence.DueCursor
}

func (f *fakeDueLister) ListDueDefinitions(ctx context.Context, horizon time.Time, after *recurrence.DueCursor, limit int) ([]recurrence.Definition, error) {
	f.horizons = append(f.horizons, horizon)
	f.afters = append(f.afters, after)
	if f.err != nil {
		return nil, f.err
	}
	sorted := append([]recurrence.Definition(nil), f.defs...)
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i].DueAt(), sorted[j].DueAt()
		if !a.Equal(b) {
			return a.Before(b)
		}
		return sorted[i].ID < sorted[j].ID
	})
	var out []recurrence.Definition
	for _, def := range sorted {
		if after != nil {
			at := def.DueAt()
			if at.Before(after.At) || (at.Equal(after.At) && def.ID <= after.ID) {
				continue
			}
		}
		out = append(out, def)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func day(s string) time.Time {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		panic(err)
	}
	return t
}

type fakeHorizons map[string]int

func (f fakeHorizons) HorizonDays(ctx context.Context, clinicID string) (int, error) {
	days, ok := f[clinicID]
	if !ok {
		return 0, errors.New("settings unavailable")
	}
	return days, nil
}

func fixedNow() time.Time {
	return time.Date(2024, 3, 10, 15, 30, 0, 0, time.UTC)
}

func TestSweeper_SweepOnceExpandsInCatchUpMode(t *testing.T) {
	source := &fakeDueLister{defs: []recurrence.Definition{
		{ID: "rec-1", ClinicID: "clinic-a"},
		{ID: "rec-2", ClinicID: "clinic-b"},
		{ID: "rec-3", ClinicID: "clinic-c"},
	}}
	exp := &fakeExpander{result: recurrence.ExpandResult{Created: []recurrence.Installment{{ID: "i1"}}}}
	sweeper, err := NewSweeper(SweeperConfig{
		Source:      source,
		Expander:    exp,
		Horizons:    fakeHorizons{"clinic-a": 7, "clinic-b": 90},
		Logger:      logging.Default(),
		HorizonDays: 31,
		Now:         fixedNow,
		Tick:        make(chan time.Time),
	})
	require.NoError(t, err)

	report, err := sweeper.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepReport{Scanned: 3, Expanded: 3, Created: 3}, report)

	require.Len(t, source.horizons, 1)
	assert.Equal(t, "2024-04-10", source.horizons[0].Format(dateLayout))

	require.Len(t, exp.calls, 3)
	horizons := map[string]string{}
	for _, call := range exp.calls {
		assert.True(t, call.opts.CatchUp)
		assert.Equal(t, recurrence.TriggerSweep, call.opts.Trigger)
		horizons[call.clinicID] = call.horizon.Format(dateLayout)
	}
	assert.Equal(t, "2024-03-17", horizons["clinic-a"], "shorter clinic override applies")
	assert.Equal(t, "2024-04-10", horizons["clinic-b"], "override never extends the global horizon")
	assert.Equal(t, "2024-04-10", horizons["clinic-c"], "settings failure falls back to default")
}

func TestSweeper_FailuresAreCounted(t *testing.T) {
	source := &fakeDueLister{defs: []recurrence.Definition{
		{ID: "rec-1", ClinicID: "clinic-a"},
		{ID: "rec-2", ClinicID: "clinic-a"},
	}}
	exp := &fakeExpander{errs: map[string]error{"rec-1": errors.New("db down")}}
	sweeper, err := NewSweeper(SweeperConfig{Source: source, Expander: exp, Now: fixedNow, Tick: make(chan time.Time)})
	require.NoError(t, err)

	report, err := sweeper.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Scanned)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Expanded)
}

func TestSweeper_ListErrorStopsSweep(t *testing.T) {
	source := &fakeDueLister{err: errors.New("db down")}
	sweeper, err := NewSweeper(SweeperConfig{Source: source, Expander: &fakeExpander{}, Now: fixedNow, Tick: make(chan time.Time)})
	require.NoError(t, err)

	_, err = sweeper.SweepOnce(context.Background())
	require.Error(t, err)
}

func TestSweeper_StopsOnShortPage(t *testing.T) {
	source := &fakeDueLister{defs: []recurrence.Definition{
		{ID: "rec-1", ClinicID: "clinic-a"},
		{ID: "rec-2", ClinicID: "clinic-a"},
	}}
	exp := &fakeExpander{}
	sweeper, err := NewSweeper(SweeperConfig{Source: source, Expander: exp, BatchSize: 2, Now: fixedNow, Tick: make(chan time.Time)})
	require.NoError(t, err)

	report, err := sweeper.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Scanned)
	assert.Len(t, exp.calls, 2)
	require.Len(t, source.afters, 2)
	assert.Nil(t, source.afters[0])
	assert.Equal(t, "rec-2", source.afters[1].ID)
}

func TestSweeper_ReachesRowsBehindStalledDefinitions(t *testing.T) {
	// clinic-a's short horizon means its rows never move their cursor, and
	// they sort ahead of clinic-b's due row.
	source := &fakeDueLister{defs: []recurrence.Definition{
		{ID: "a-1", ClinicID: "clinic-a", StartDate: day("2024-01-01")},
		{ID: "a-2", ClinicID: "clinic-a", StartDate: day("2024-01-02")},
		{ID: "b-1", ClinicID: "clinic-b", StartDate: day("2024-02-01")},
	}}
	exp := &fakeExpander{errs: map[string]error{"a-2": errors.New("db down")}}
	sweeper, err := NewSweeper(SweeperConfig{
		Source:    source,
		Expander:  exp,
		Horizons:  fakeHorizons{"clinic-a": 7, "clinic-b": 0},
		BatchSize: 2,
		Now:       fixedNow,
		Tick:      make(chan time.Time),
	})
	require.NoError(t, err)

	for run := 0; run < 3; run++ {
		report, err := sweeper.SweepOnce(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 3, report.Scanned)
		assert.Equal(t, 1, report.Failed)
	}

	counts := map[string]int{}
	for _, call := range exp.calls {
		counts[call.id]++
	}
	assert.Equal(t, map[string]int{"a-1": 3, "a-2": 3, "b-1": 3}, counts)
}

func TestSweeper_StartRunsOnTick(t *testing.T) {
	source := &fakeDueLister{defs: []recurrence.Definition{{ID: "rec-1", ClinicID: "clinic-a"}}}
	exp := &fakeExpander{done: make(chan struct{}, 4)}
	tick := make(chan time.Time)
	stopped := make(chan struct{})
	sweeper, err := NewSweeper(SweeperConfig{
		Source:   source,
		Expander: exp,
		Now:      fixedNow,
		Tick:     tick,
		Stop:     func() { close(stopped) },
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go sweeper.Start(ctx)

	waitDone := func() {
		select {
		case <-exp.done:
		case <-time.After(2 * time.Second):
			t.Fatal("sweep did not run")
		}
	}
	waitDone()
	tick <- time.Now()
	waitDone()

	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestNewSweeper_RequiresDependencies(t *testing.T) {
	_, err := NewSweeper(SweeperConfig{})
	require.Error(t, err)
}
