package clinic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTimezone is used for clinics that never configured one.
const DefaultTimezone = "America/Sao_Paulo"

// Settings holds per-clinic scheduling preferences.
type Settings struct {
	ClinicID string `json:"clinic_id"`
	Name     string `json:"name"`
	Timezone string `json:"timezone"`
	Currency string `json:"currency"`
	// ExpansionHorizonDays overrides how far ahead the sweeper generates installments.
	ExpansionHorizonDays int       `json:"expansion_horizon_days,omitempty"`
	UpdatedAt            time.Time `json:"updated_at,omitempty"`
}

// DefaultSettings returns the settings used when nothing is stored.
func DefaultSettings(clinicID string) *Settings {
	return &Settings{
		ClinicID: clinicID,
		Name:     "Clinic",
		Timezone: DefaultTimezone,
		Currency: "BRL",
	}
}

// Location resolves the clinic timezone, falling back to UTC when unknown.
func (s *Settings) Location() *time.Location {
	if s == nil || strings.TrimSpace(s.Timezone) == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ValidateTimezone reports whether tz is a loadable IANA name.
func ValidateTimezone(tz string) error {
	if _, err := time.LoadLocation(tz); err != nil {
		return fmt.Errorf("clinic: unknown timezone %q", tz)
	}
	return nil
}

// Store provides persistence for clinic settings.
type Store struct {
	redis *redis.Client
}

// NewStore creates a new clinic settings store.
func NewStore(redisClient *redis.Client) *Store {
	return &Store{redis: redisClient}
}

func (s *Store) key(clinicID string) string {
	return fmt.Sprintf("clinic:settings:%s", clinicID)
}

// Get retrieves clinic settings, returning defaults if not found.
func (s *Store) Get(ctx context.Context, clinicID string) (*Settings, error) {
	data, err := s.redis.Get(ctx, s.key(clinicID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return DefaultSettings(clinicID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("clinic: get settings: %w", err)
	}

	var settings Settings
	if err := json.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("clinic: unmarshal settings: %w", err)
	}
	return &settings, nil
}

// Set saves clinic settings.
func (s *Store) Set(ctx context.Context, settings *Settings) error {
	settings.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("clinic: marshal settings: %w", err)
	}

	if err := s.redis.Set(ctx, s.key(settings.ClinicID), data, 0).Err(); err != nil {
		return fmt.Errorf("clinic: set settings: %w", err)
	}
	return nil
}

// Location satisfies availability.LocationSource.
func (s *Store) Location(ctx context.Context, clinicID string) (*time.Location, error) {
	settings, err := s.Get(ctx, clinicID)
	if err != nil {
		return nil, err
	}
	return settings.Location(), nil
}

// HorizonDays returns the clinic's expansion horizon override, 0 when unset.
func (s *Store) HorizonDays(ctx context.Context, clinicID string) (int, error) {
	settings, err := s.Get(ctx, clinicID)
	if err != nil {
		return 0, err
	}
	return settings.ExpansionHorizonDays, nil
}
