package recurrence

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(store *memStore, today string) *Service {
	now := date(today).Add(10 * time.Hour)
	return NewService(store, NewExpander(store), WithClock(func() time.Time { return now }), WithHorizonDays(31))
}

func boolp(v bool) *bool { return &v }

func TestService_CreateExpandsToDefaultHorizon(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, "2024-01-01")

	def, result, err := svc.Create(context.Background(), "clinic-1", CreateInput{
		Description: "Lab supplies",
		Type:        TypePayable,
		Frequency:   FrequencyWeekly,
		Amount:      decimal.RequireFromString("120.50"),
		StartDate:   "2024-01-01",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, def.ID)
	assert.True(t, def.Active)
	assert.Equal(t, []string{"2024-01-01", "2024-01-08", "2024-01-15", "2024-01-22", "2024-01-29"}, createdDates(result))
	assert.Equal(t, "2024-02-05", def.NextGenerationAt.Format(dateLayout))
}

func TestService_CreateWithoutExpansion(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, "2024-01-01")

	def, result, err := svc.Create(context.Background(), "clinic-1", CreateInput{
		Description: "Insurance",
		Type:        TypeReceivable,
		Frequency:   FrequencyMonthly,
		Amount:      decimal.RequireFromString("80"),
		DueDay:      intp(31),
		StartDate:   "2024-01-15",
		Expand:      boolp(false),
	})
	require.NoError(t, err)
	assert.Empty(t, result.Created)
	assert.Equal(t, "2024-01-31", def.NextGenerationAt.Format(dateLayout))
	assert.Empty(t, store.dueDates(def.ID))
}

func TestService_CreateRejectsInvalid(t *testing.T) {
	svc := newTestService(newMemStore(), "2024-01-01")
	cases := map[string]CreateInput{
		"zero amount": {Description: "x", Type: TypePayable, Frequency: FrequencyWeekly, Amount: decimal.Zero, StartDate: "2024-01-01"},
		"bad date":    {Description: "x", Type: TypePayable, Frequency: FrequencyWeekly, Amount: decimal.NewFromInt(1), StartDate: "01/02/2024"},
		"end first":   {Description: "x", Type: TypePayable, Frequency: FrequencyWeekly, Amount: decimal.NewFromInt(1), StartDate: "2024-02-01", EndDate: strp("2024-01-01")},
		"frequency":   {Description: "x", Type: TypePayable, Frequency: "daily", Amount: decimal.NewFromInt(1), StartDate: "2024-01-01"},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := svc.Create(context.Background(), "clinic-1", in)
			assert.ErrorIs(t, err, ErrInvalidDefinition)
		})
	}
}

func strp(s string) *string { return &s }

func TestService_PauseAndResumeSkipsPausedWindow(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()
	def := definition(FrequencyWeekly, "2024-01-01")
	def.LastGeneratedAt = datep("2024-01-08")
	def.NextGenerationAt = datep("2024-01-15")
	def = store.put(def)

	svc := newTestService(store, "2024-01-10")
	paused, err := svc.Pause(ctx, "clinic-1", def.ID)
	require.NoError(t, err)
	assert.False(t, paused.Active)

	_, err = svc.Expand(ctx, "clinic-1", def.ID, date("2024-02-01"), ExpandOptions{})
	assert.ErrorIs(t, err, ErrRecurrenceInactive)

	svc = newTestService(store, "2024-02-07")
	resumed, err := svc.Resume(ctx, "clinic-1", def.ID)
	require.NoError(t, err)
	assert.True(t, resumed.Active)
	assert.Equal(t, "2024-02-12", resumed.NextGenerationAt.Format(dateLayout))

	result, err := svc.Expand(ctx, "clinic-1", def.ID, date("2024-02-19"), ExpandOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-02-12", "2024-02-19"}, createdDates(result))
}

func TestService_ResumeNeverMovesCursorBack(t *testing.T) {
	store := newMemStore()
	def := definition(FrequencyMonthly, "2024-01-05")
	def.Active = false
	def.NextGenerationAt = datep("2024-06-05")
	def = store.put(def)

	resumed, err := newTestService(store, "2024-02-01").Resume(context.Background(), "clinic-1", def.ID)
	require.NoError(t, err)
	assert.Equal(t, "2024-06-05", resumed.NextGenerationAt.Format(dateLayout))
}

func TestService_ResumeActiveKeepsOwedInstallments(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()
	def := definition(FrequencyWeekly, "2024-01-01")
	def.LastGeneratedAt = datep("2024-01-01")
	def.NextGenerationAt = datep("2024-01-08")
	def = store.put(def)

	svc := newTestService(store, "2024-02-07")
	resumed, err := svc.Resume(ctx, "clinic-1", def.ID)
	require.NoError(t, err)
	assert.True(t, resumed.Active)
	assert.Equal(t, "2024-01-08", resumed.NextGenerationAt.Format(dateLayout))

	result, err := svc.Expand(ctx, "clinic-1", def.ID, date("2024-02-07"), ExpandOptions{CatchUp: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-01-08", "2024-01-15", "2024-01-22", "2024-01-29", "2024-02-05"}, createdDates(result))
}

func TestService_UpdateKeepsImmutableFields(t *testing.T) {
	store := newMemStore()
	def := store.put(definition(FrequencyMonthly, "2024-01-05"))
	svc := newTestService(store, "2024-01-01")

	amount := decimal.RequireFromString("1750")
	updated, err := svc.Update(context.Background(), "clinic-1", def.ID, UpdateInput{
		Description: strp("  New rent "),
		Amount:      &amount,
		DueDay:      intp(10),
		EndDate:     strp("2024-12-31"),
	})
	require.NoError(t, err)
	assert.Equal(t, "New rent", updated.Description)
	assert.True(t, updated.Amount.Equal(amount))
	assert.Equal(t, 10, *updated.DueDay)
	assert.Equal(t, "2024-12-31", updated.EndDate.Format(dateLayout))
	assert.Equal(t, FrequencyMonthly, updated.Frequency)
	assert.Equal(t, "2024-01-05", updated.StartDate.Format(dateLayout))

	cleared, err := svc.Update(context.Background(), "clinic-1", def.ID, UpdateInput{ClearDueDay: true, ClearEndDate: true})
	require.NoError(t, err)
	assert.Nil(t, cleared.DueDay)
	assert.Nil(t, cleared.EndDate)
}

func TestService_OtherClinicCannotSeeDefinition(t *testing.T) {
	store := newMemStore()
	def := store.put(definition(FrequencyWeekly, "2024-01-01"))
	svc := newTestService(store, "2024-01-01")
	ctx := context.Background()

	_, err := svc.Get(ctx, "clinic-2", def.ID)
	assert.ErrorIs(t, err, ErrRecurrenceNotFound)
	_, err = svc.Pause(ctx, "clinic-2", def.ID)
	assert.ErrorIs(t, err, ErrRecurrenceNotFound)
	_, err = svc.ListInstallments(ctx, "clinic-2", InstallmentFilter{RecurrenceID: def.ID})
	assert.ErrorIs(t, err, ErrRecurrenceNotFound)
}

func TestService_DeleteKeepsInstallments(t *testing.T) {
	store := newMemStore()
	def := store.put(definition(FrequencyWeekly, "2024-01-01"))
	svc := newTestService(store, "2024-01-01")
	ctx := context.Background()

	_, err := svc.Expand(ctx, "clinic-1", def.ID, date("2024-01-15"), ExpandOptions{})
	require.NoError(t, err)
	require.NoError(t, svc.Delete(ctx, "clinic-1", def.ID))

	_, err = svc.Get(ctx, "clinic-1", def.ID)
	assert.ErrorIs(t, err, ErrRecurrenceNotFound)
	items, err := svc.ListInstallments(ctx, "clinic-1", InstallmentFilter{})
	require.NoError(t, err)
	assert.Len(t, items, 3)

	assert.ErrorIs(t, svc.Delete(ctx, "clinic-1", def.ID), ErrRecurrenceNotFound)
}

func TestService_SetInstallmentStatus(t *testing.T) {
	store := newMemStore()
	def := store.put(definition(FrequencyWeekly, "2024-01-01"))
	svc := newTestService(store, "2024-01-01")
	ctx := context.Background()

	result, err := svc.Expand(ctx, "clinic-1", def.ID, date("2024-01-01"), ExpandOptions{})
	require.NoError(t, err)
	require.Len(t, result.Created, 1)

	paid, err := svc.SetInstallmentStatus(ctx, "clinic-1", result.Created[0].ID, InstallmentPaid)
	require.NoError(t, err)
	assert.Equal(t, InstallmentPaid, paid.Status)

	_, err = svc.SetInstallmentStatus(ctx, "clinic-1", "nope", InstallmentPaid)
	assert.ErrorIs(t, err, ErrInstallmentNotFound)
	_, err = svc.SetInstallmentStatus(ctx, "clinic-1", result.Created[0].ID, "refunded")
	assert.ErrorIs(t, err, ErrInvalidDefinition)
}
