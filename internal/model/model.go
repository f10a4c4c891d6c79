// Package model defines the wire types shared by the control plane's
// ingress, arbiter, store, and broker layers.
package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Command sources. Producers outside this set are turned away at ingress.
const (
	SourceVoice   = "voice"
	SourceGesture = "gesture"
	SourceSystem  = "system"
)

// Event types emitted by the arbiter.
const (
	EventAccepted   = "accepted"
	EventRejected   = "rejected"
	EventStatePatch = "state_patch"
)

var (
	ErrMissingAction = errors.New("missing action")
	ErrInvalidSource = errors.New("invalid source")
)

// Command is an intent submitted by a producer. Payload interpretation is
// entirely up to the policy table; malformed payload fields degrade to
// defaults rather than failing the command.
type Command struct {
	ID      string         `json:"id"`
	TS      string         `json:"ts"`
	Source  string         `json:"source"`
	Action  string         `json:"action"`
	Payload map[string]any `json:"payload"`
}

// Event is the arbiter's verdict on a single Command. Every Event carries
// the id of the Command that produced it.
type Event struct {
	ID        string         `json:"id"`
	TS        string         `json:"ts"`
	CommandID string         `json:"commandId"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload"`
}

// StatePatch is one mutation of the UI state tree, broadcast to subscribers
// after it has been applied locally.
type StatePatch struct {
	TS    string `json:"ts"`
	Path  string `json:"path"`
	Value any    `json:"value"`
}

// Now returns the canonical timestamp format used across the control plane.
func Now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// Normalize fills the fields producers are allowed to omit.
func (c *Command) Normalize() {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.TS == "" {
		c.TS = Now()
	}
	if c.Payload == nil {
		c.Payload = map[string]any{}
	}
}

// Validate enforces the ingress contract: an action is required and the
// source must be a known producer kind. Unknown actions are NOT an error
// here; they reduce to rejected events so the producer sees a verdict.
func (c *Command) Validate() error {
	if c.Action == "" {
		return ErrMissingAction
	}
	switch c.Source {
	case SourceVoice, SourceGesture, SourceSystem:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidSource, c.Source)
	}
}
