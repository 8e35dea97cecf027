package domain

import (
	"strings"
	"time"
)

// Actor identifies who requested a lifecycle transition.
type Actor struct {
	ID    string
	Email string
	Role  string
}

// Label is the value stamped into ActionEntry.PerformedBy.
func (a Actor) Label() string {
	if email := strings.TrimSpace(a.Email); email != "" {
		return email
	}
	return strings.TrimSpace(a.ID)
}

// Empty reports whether the actor carries no identity.
func (a Actor) Empty() bool {
	return a.Label() == ""
}

// SystemActor is used by background workers such as the outbox relay.
var SystemActor = Actor{ID: "system", Role: "system"}

// TrackingInfo is the shipping provider's view of a shipment.
type TrackingInfo struct {
	Status      string
	AWBCode     string
	Checkpoints []TrackingCheckpoint
}

// TrackingCheckpoint is one scan event reported by the courier.
type TrackingCheckpoint struct {
	Status   string
	Location string
	At       time.Time
}
