// Package expansion runs recurrence expansion outside the request path: queued
// jobs consumed by workers and periodic catch-up sweeps.
package expansion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/odonto-platform/internal/recurrence"
)

// Queue is the transport between publishers and workers.
type Queue interface {
	Send(ctx context.Context, body string) error
	Receive(ctx context.Context, maxMessages int, waitSeconds int) ([]Message, error)
	Delete(ctx context.Context, receiptHandle string) error
}

// Message is one received queue entry. ReceiveCount starts at 1 on first
// delivery; 0 means the transport does not report it.
type Message struct {
	ID            string
	Body          string
	ReceiptHandle string
	ReceiveCount  int
}

type jobKind string

const jobKindExpand jobKind = "recurrence.expand.v1"

const dateLayout = "2006-01-02"

type jobPayload struct {
	ID           string  `json:"id"`
	Kind         jobKind `json:"kind"`
	ClinicID     string  `json:"clinic_id"`
	RecurrenceID string  `json:"recurrence_id"`
	Horizon      string  `json:"horizon"`
	CatchUp      bool    `json:"catch_up,omitempty"`
	TrackStatus  bool    `json:"track_status"`
}

func (p jobPayload) horizon() (time.Time, error) {
	t, err := time.Parse(dateLayout, p.Horizon)
	if err != nil {
		return time.Time{}, fmt.Errorf("expansion: invalid horizon %q: %w", p.Horizon, err)
	}
	return t, nil
}

func (p jobPayload) options() recurrence.ExpandOptions {
	return recurrence.ExpandOptions{CatchUp: p.CatchUp, Trigger: recurrence.TriggerQueue}
}

func encodePayload(payload jobPayload) (jobPayload, string, error) {
	if payload.ID == "" {
		payload.ID = uuid.NewString()
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return jobPayload{}, "", fmt.Errorf("expansion: failed to encode payload: %w", err)
	}
	return payload, string(body), nil
}
