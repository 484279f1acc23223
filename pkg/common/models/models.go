package models

import "time"

// Event Bus models
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"` // patient.scrubbed, scrub.incomplete, patient.rebuild
	Source    string                 `json:"source"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]string      `json:"metadata,omitempty"`
}

// Audit payload published after each patient's scrubber is built. The PID is
// never emitted raw; only its research pseudonym travels on the bus.
type PatientScrubbedEvent struct {
	RID       string `json:"rid"`
	TRID      int64  `json:"trid,omitempty"`
	Unchanged bool   `json:"unchanged"`
	Worker    int    `json:"worker"`
}

// Governance warning for mandatory scrub-source fields that never produced a
// value during the traversal. Advisory, not fatal.
type ScrubIncompleteEvent struct {
	RID                  string   `json:"rid"`
	UnfulfilledSignatures []string `json:"unfulfilled_signatures"`
}

// Admin API
type RebuildScrubberResponse struct {
	RID                   string   `json:"rid"`
	TRID                  int64    `json:"trid,omitempty"`
	MRID                  string   `json:"mrid,omitempty"`
	Unchanged             bool     `json:"unchanged"`
	UnfulfilledSignatures []string `json:"unfulfilled_signatures,omitempty"`
}
