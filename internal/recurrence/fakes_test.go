package recurrence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// memStore is an in-memory Store that enforces the (recurrence_id, due_date)
// uniqueness and monotonic checkpoints the Postgres repository provides.
type memStore struct {
	mu           sync.Mutex
	defs         map[string]Definition
	deleted      map[string]bool
	installments map[string]Installment
	seq          int

	insertErr     error
	getErr        error
	checkpointErr error
	// onInsert runs after each successful insert, before the checkpoint.
	onInsert func(inst Installment)
}

func newMemStore() *memStore {
	return &memStore{
		defs:         make(map[string]Definition),
		deleted:      make(map[string]bool),
		installments: make(map[string]Installment),
	}
}

func instKey(recurrenceID string, due time.Time) string {
	return recurrenceID + "/" + DateOf(due).Format(dateLayout)
}

func (m *memStore) put(def Definition) Definition {
	m.mu.Lock()
	defer m.mu.Unlock()
	if def.ID == "" {
		m.seq++
		def.ID = fmt.Sprintf("rec-%d", m.seq)
	}
	m.defs[def.ID] = def
	return def
}

func (m *memStore) GetDefinition(ctx context.Context, id string) (Definition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return Definition{}, m.getErr
	}
	def, ok := m.defs[id]
	if !ok || m.deleted[id] {
		return Definition{}, ErrRecurrenceNotFound
	}
	return def, nil
}

func (m *memStore) IsActive(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	def, ok := m.defs[id]
	return ok && !m.deleted[id] && def.Active, nil
}

func (m *memStore) InsertInstallment(ctx context.Context, inst Installment) (Installment, error) {
	m.mu.Lock()
	if m.insertErr != nil {
		m.mu.Unlock()
		return Installment{}, m.insertErr
	}
	key := instKey(inst.RecurrenceID, inst.DueDate)
	if _, exists := m.installments[key]; exists {
		m.mu.Unlock()
		return Installment{}, ErrDuplicateInstallment
	}
	m.seq++
	inst.ID = fmt.Sprintf("inst-%d", m.seq)
	inst.DueDate = DateOf(inst.DueDate)
	inst.CreatedAt = time.Now()
	m.installments[key] = inst
	hook := m.onInsert
	m.mu.Unlock()
	if hook != nil {
		hook(inst)
	}
	return inst, nil
}

func (m *memStore) AdvanceCheckpoint(ctx context.Context, id string, lastGenerated *time.Time, next time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.checkpointErr != nil {
		return m.checkpointErr
	}
	def, ok := m.defs[id]
	if !ok {
		return nil
	}
	if lastGenerated != nil && (def.LastGeneratedAt == nil || lastGenerated.After(*def.LastGeneratedAt)) {
		v := DateOf(*lastGenerated)
		def.LastGeneratedAt = &v
	}
	if def.NextGenerationAt == nil || next.After(*def.NextGenerationAt) {
		v := DateOf(next)
		def.NextGenerationAt = &v
	}
	m.defs[id] = def
	return nil
}

func (m *memStore) CreateDefinition(ctx context.Context, def Definition) (Definition, error) {
	return m.put(def), nil
}

func (m *memStore) ListDefinitions(ctx context.Context, clinicID string, filter ListFilter) ([]Definition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Definition
	for id, def := range m.defs {
		if def.ClinicID != clinicID || m.deleted[id] {
			continue
		}
		if filter.Active != nil && def.Active != *filter.Active {
			continue
		}
		if filter.Type != "" && def.Type != filter.Type {
			continue
		}
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) UpdateDefinition(ctx context.Context, def Definition) (Definition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.defs[def.ID]; !ok || m.deleted[def.ID] {
		return Definition{}, ErrRecurrenceNotFound
	}
	m.defs[def.ID] = def
	return def, nil
}

func (m *memStore) SetActive(ctx context.Context, clinicID, id string, active bool, next *time.Time) (Definition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	def, ok := m.defs[id]
	if !ok || m.deleted[id] || def.ClinicID != clinicID {
		return Definition{}, ErrRecurrenceNotFound
	}
	wasActive := def.Active
	def.Active = active
	if !wasActive && next != nil && (def.NextGenerationAt == nil || next.After(*def.NextGenerationAt)) {
		v := DateOf(*next)
		def.NextGenerationAt = &v
	}
	m.defs[id] = def
	return def, nil
}

func (m *memStore) SoftDelete(ctx context.Context, clinicID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	def, ok := m.defs[id]
	if !ok || m.deleted[id] || def.ClinicID != clinicID {
		return ErrRecurrenceNotFound
	}
	def.Active = false
	m.defs[id] = def
	m.deleted[id] = true
	return nil
}

func (m *memStore) ListInstallments(ctx context.Context, clinicID string, filter InstallmentFilter) ([]Installment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Installment
	for _, inst := range m.installments {
		if inst.ClinicID != clinicID {
			continue
		}
		if filter.RecurrenceID != "" && inst.RecurrenceID != filter.RecurrenceID {
			continue
		}
		if filter.Status != "" && inst.Status != filter.Status {
			continue
		}
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueDate.Before(out[j].DueDate) })
	return out, nil
}

func (m *memStore) SetInstallmentStatus(ctx context.Context, clinicID, installmentID string, status InstallmentStatus) (Installment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, inst := range m.installments {
		if inst.ID == installmentID && inst.ClinicID == clinicID {
			inst.Status = status
			m.installments[key] = inst
			return inst, nil
		}
	}
	return Installment{}, ErrInstallmentNotFound
}

func (m *memStore) dueDates(recurrenceID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, inst := range m.installments {
		if inst.RecurrenceID == recurrenceID {
			out = append(out, inst.DueDate.Format(dateLayout))
		}
	}
	sort.Strings(out)
	return out
}

var errBoom = errors.New("boom")

func date(raw string) time.Time {
	t, err := time.Parse(dateLayout, raw)
	if err != nil {
		panic(err)
	}
	return t
}

func datep(raw string) *time.Time {
	t := date(raw)
	return &t
}

func intp(v int) *int { return &v }

func definition(freq Frequency, start string) Definition {
	return Definition{
		ClinicID:    "clinic-1",
		Description: "Rent",
		Type:        TypePayable,
		Frequency:   freq,
		Amount:      decimal.RequireFromString("1500.00"),
		StartDate:   date(start),
		Active:      true,
	}
}

func formatDates(dates []time.Time) []string {
	out := make([]string, len(dates))
	for i, d := range dates {
		out[i] = d.Format(dateLayout)
	}
	return out
}

func createdDates(result ExpandResult) []string {
	out := make([]string, len(result.Created))
	for i, inst := range result.Created {
		out[i] = inst.DueDate.Format(dateLayout)
	}
	return out
}
