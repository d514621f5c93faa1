package audit

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-chi/chi/v5"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/odonto-platform/internal/tenancy"
	"github.com/wolfman30/odonto-platform/pkg/logging"
)

var eventColumns = []string{"id", "clinic_id", "event_type", "actor_id", "impersonated", "entity_id", "details", "created_at"}

func TestService_LogEvent(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	service := NewService(db)

	mock.ExpectExec("INSERT INTO audit_events").
		WithArgs(sqlmock.AnyArg(), "clinic-1", "recurrence.paused", "user-1", false, "rec-1", nil, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = service.LogEvent(context.Background(), Event{
		ClinicID:  "clinic-1",
		EventType: EventRecurrencePaused,
		ActorID:   "user-1",
		EntityID:  "rec-1",
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestService_LogEvent_Error(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO audit_events").WillReturnError(errors.New("disk full"))

	err = NewService(db).LogEvent(context.Background(), Event{ClinicID: "clinic-1", EventType: EventRecurrenceCreated})
	assert.Error(t, err)
}

func TestService_RecordUsesSessionContext(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ctx := tenancy.WithClinicID(context.Background(), "clinic-9")
	ctx = tenancy.WithActor(ctx, tenancy.Actor{UserID: "admin-1", SuperAdmin: true, Impersonates: "clinic-9"})

	mock.ExpectExec("INSERT INTO audit_events").
		WithArgs(sqlmock.AnyArg(), "clinic-9", "availability.template_replaced", "admin-1", true, "pro-1", jsonArg{key: "days", want: float64(5)}, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = NewService(db).Record(ctx, EventTemplateReplaced, "pro-1", map[string]int{"days": 5})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestService_RecordWithoutClinic(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	err = NewService(db).Record(context.Background(), EventRecurrenceDeleted, "rec-1", nil)
	assert.Error(t, err)
}

func TestService_QueryEvents_WithTypes(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`FROM audit_events\s+WHERE clinic_id = \$1\s+AND event_type = ANY\(\$2\) AND entity_id = \$3 ORDER BY created_at DESC LIMIT 20`).
		WithArgs("clinic-1", pq.Array([]string{"recurrence.paused", "recurrence.resumed"}), "rec-1").
		WillReturnRows(sqlmock.NewRows(eventColumns).
			AddRow("evt-1", "clinic-1", "recurrence.resumed", "user-1", false, "rec-1", []byte(`{"next_generation_at":"2024-04-01"}`), created).
			AddRow("evt-2", "clinic-1", "recurrence.paused", nil, false, "rec-1", nil, created.Add(-time.Hour)))

	events, err := NewService(db).QueryEvents(context.Background(), Filter{
		ClinicID: "clinic-1",
		Types:    []EventType{EventRecurrencePaused, EventRecurrenceResumed},
		EntityID: "rec-1",
		Limit:    20,
	})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, EventRecurrenceResumed, events[0].EventType)
	assert.JSONEq(t, `{"next_generation_at":"2024-04-01"}`, string(events[0].Details))
	assert.Empty(t, events[1].ActorID)
	assert.Nil(t, events[1].Details)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandler_ListEvents(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`FROM audit_events`).
		WithArgs("clinic-1").
		WillReturnRows(sqlmock.NewRows(eventColumns))

	h := NewHandler(NewService(db), logging.Default())
	r := chi.NewRouter()
	h.RegisterRoutes(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/audit/clinic-1", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"events":[]}`, rec.Body.String())
}

func TestHandler_ListEvents_BadLimit(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	h := NewHandler(NewService(db), logging.Default())
	r := chi.NewRouter()
	h.RegisterRoutes(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/audit/clinic-1?limit=-2", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// jsonArg matches a JSON payload argument containing key=want.
type jsonArg struct {
	key  string
	want any
}

func (a jsonArg) Match(v driver.Value) bool {
	raw, ok := v.([]byte)
	if !ok {
		return false
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return false
	}
	return decoded[a.key] == a.want
}
