// Package domain holds the entities shared by every core subsystem:
// experiments, variants, users, assignments, events, and outbox records.
// Nothing in here talks to a database or a bus; it is the vocabulary the
// rest of the repository is built from.
package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ExperimentStatus is the lifecycle state of an Experiment (see
// internal/lifecycle for the state machine that governs transitions).
type ExperimentStatus string

const (
	StatusDraft    ExperimentStatus = "draft"
	StatusActive   ExperimentStatus = "active"
	StatusPaused   ExperimentStatus = "paused"
	StatusArchived ExperimentStatus = "archived"
)

// Experiment is the top-level entity under test. Seed never changes after
// creation; Version bumps on every Draft->Active transition and on any
// variant-allocation edit.
type Experiment struct {
	ID          int64            `db:"id" json:"id"`
	Key         string           `db:"key" json:"key"`
	Name        string           `db:"name" json:"name"`
	Description string           `db:"description" json:"description"`
	Status      ExperimentStatus `db:"status" json:"status"`
	Seed        string           `db:"seed" json:"seed"`
	Version     int64            `db:"version" json:"version"`
	StartsAt    *time.Time       `db:"starts_at" json:"starts_at,omitempty"`
	EndsAt      *time.Time       `db:"ends_at" json:"ends_at,omitempty"`
	Config      *json.RawMessage `db:"config" json:"config,omitempty"`
	CreatedAt   time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time        `db:"updated_at" json:"updated_at"`

	Variants []Variant `db:"-" json:"variants,omitempty"`
}

// IsActive reports whether the experiment may currently produce new
// assignments: status is Active and now() falls within [StartsAt, EndsAt]
// when those bounds are set.
func (e *Experiment) IsActive(now time.Time) bool {
	if e.Status != StatusActive {
		return false
	}
	if e.StartsAt != nil && now.Before(*e.StartsAt) {
		return false
	}
	if e.EndsAt != nil && now.After(*e.EndsAt) {
		return false
	}
	return true
}

// Variant is one treatment arm of an Experiment.
type Variant struct {
	ID            int64            `db:"id" json:"id"`
	ExperimentID  int64            `db:"experiment_id" json:"experiment_id"`
	Key           string           `db:"key" json:"key"`
	Name          string           `db:"name" json:"name"`
	AllocationPct float64          `db:"allocation_pct" json:"allocation_pct"`
	IsControl     bool             `db:"is_control" json:"is_control"`
	Config        *json.RawMessage `db:"config" json:"config,omitempty"`
	CreatedAt     time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time        `db:"updated_at" json:"updated_at"`
}

// User is an end user who may be assigned to experiments.
type User struct {
	UserID     string          `db:"user_id" json:"user_id"`
	Email      *string         `db:"email" json:"email,omitempty"`
	Name       string          `db:"name" json:"name"`
	Properties json.RawMessage `db:"properties" json:"properties,omitempty"`
	IsActive   bool            `db:"is_active" json:"is_active"`
	CreatedAt  time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time       `db:"updated_at" json:"updated_at"`
}

// AssignmentSource records how an Assignment's variant was chosen.
type AssignmentSource string

const (
	SourceHash     AssignmentSource = "hash"
	SourceOverride AssignmentSource = "override"
	SourceForced   AssignmentSource = "forced"
)

// Assignment is the sticky decision that a user belongs to a variant of an
// experiment. Uniqueness is enforced on (ExperimentID, UserID); see
// internal/assignment for the store that upholds that invariant.
type Assignment struct {
	ID           int64            `db:"id" json:"id"`
	ExperimentID int64            `db:"experiment_id" json:"experiment_id"`
	UserID       string           `db:"user_id" json:"user_id"`
	VariantID    int64            `db:"variant_id" json:"variant_id"`
	Version      int64            `db:"version" json:"version"`
	Source       AssignmentSource `db:"source" json:"source"`
	AssignedAt   time.Time        `db:"assigned_at" json:"assigned_at"`
	EnrolledAt   *time.Time       `db:"enrolled_at" json:"enrolled_at,omitempty"`
}

// Event is a single behavioral event captured against an (experiment, user)
// pair that already has an Assignment. VariantID and AssignmentAt are
// denormalized from that Assignment at write time.
type Event struct {
	ID           uuid.UUID       `db:"id" json:"id"`
	Timestamp    time.Time       `db:"timestamp" json:"timestamp"`
	ExperimentID int64           `db:"experiment_id" json:"experiment_id"`
	UserID       string          `db:"user_id" json:"user_id"`
	VariantID    int64           `db:"variant_id" json:"variant_id"`
	EventType    string          `db:"event_type" json:"event_type"`
	Properties   json.RawMessage `db:"properties" json:"properties,omitempty"`
	AssignmentAt time.Time       `db:"assignment_at" json:"assignment_at"`
	SessionID    *string         `db:"session_id" json:"session_id,omitempty"`
	RequestID    *string         `db:"request_id" json:"request_id,omitempty"`
}

// IsValid reports whether an event counts toward metrics: it must have
// happened at or after the assignment that explains the user's exposure.
func (e Event) IsValid() bool {
	return !e.Timestamp.Before(e.AssignmentAt)
}

// OutboxAggregateType names the domain row an OutboxRecord describes.
type OutboxAggregateType string

const (
	AggregateAssignment OutboxAggregateType = "assignment"
	AggregateEvent      OutboxAggregateType = "event"
)

// OutboxEventType names the change an OutboxRecord represents.
type OutboxEventType string

const (
	EventAssignmentCreated  OutboxEventType = "assignment.created"
	EventAssignmentEnrolled OutboxEventType = "assignment.enrolled"
	EventEventCreated       OutboxEventType = "event.created"
)

// OutboxRecord is written in the same transaction as the domain row it
// describes and carries a self-contained payload so the
// publisher never re-reads domain tables.
type OutboxRecord struct {
	ID            int64               `db:"id" json:"id"`
	AggregateType OutboxAggregateType `db:"aggregate_type" json:"aggregate_type"`
	AggregateID   string              `db:"aggregate_id" json:"aggregate_id"`
	EventType     OutboxEventType     `db:"event_type" json:"event_type"`
	Payload       json.RawMessage     `db:"payload" json:"payload"`
	CreatedAt     time.Time           `db:"created_at" json:"created_at"`
	ProcessedAt   *time.Time          `db:"processed_at" json:"processed_at,omitempty"`
}
