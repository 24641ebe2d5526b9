// Package envelope mints and validates the correlation identifiers that are
// carried through the queue, into worker handlers, and into replay telemetry.
package envelope

import (
	"crypto/rand"
	"fmt"
	"strings"
)

// Envelope is the correlation data carried inside a task's params and
// mirrored into indexed top-level columns by the store adapter.
type Envelope struct {
	RequestID      string `json:"requestId"`
	TraceID        string `json:"traceId,omitempty"`
	IntentID       string `json:"intentId,omitempty"`
	ExecutionID    string `json:"executionId,omitempty"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
	LockKey        string `json:"lockKey,omitempty"`
	Attempt        int    `json:"attempt,omitempty"`
}

// New mints a fresh envelope, generating a RequestID if the caller left one blank.
func New(requestID string) Envelope {
	if requestID == "" {
		requestID = NewID()
	}
	return Envelope{RequestID: requestID}
}

// NewID mints an RFC4122 version-4 UUID using crypto/rand, following the
// reference repo's config.generateUUID approach (no UUID library in the
// dependency pack, so stdlib-based generation is the grounded choice).
func NewID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("envelope: failed to read random bytes: " + err.Error())
	}
	b[6] = (b[6] & 0x0f) | 0x40 // version 4
	b[8] = (b[8] & 0x3f) | 0x80 // variant 10

	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:16])
}

// Validate enforces EnvelopeInvalid: a blank RequestID is never acceptable
// once an envelope reaches the queue boundary.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.RequestID) == "" {
		return fmt.Errorf("envelope: requestId is blank")
	}
	return nil
}

// DeriveTraceID returns the envelope's trace id, falling back to the request
// id the way upstream callers conceptually treat them as independent but
// interchangeable when no explicit trace id was supplied.
func (e Envelope) DeriveTraceID() string {
	if e.TraceID != "" {
		return e.TraceID
	}
	return e.RequestID
}

// WithAttempt returns a copy of the envelope with Attempt set, used when a
// follow-up or claim needs to stamp the current attempt count into params.
func (e Envelope) WithAttempt(n int) Envelope {
	e.Attempt = n
	return e
}

// DeriveDefaultLockKey implements the precedence rule from the enqueue
// algorithm: explicit lock key, then widget id, then widget type, then a
// task-family fallback scoped to the room.
func DeriveDefaultLockKey(e Envelope, room, task, componentID, componentType string) string {
	if e.LockKey != "" {
		return e.LockKey
	}
	if componentID != "" {
		return "widget:" + componentID
	}
	if componentType != "" {
		return "widget-type:" + componentType
	}
	family := taskFamily(task)
	if family == "" {
		return ""
	}
	return "room:" + room + ":" + family
}

func taskFamily(task string) string {
	idx := strings.IndexByte(task, '.')
	if idx < 0 {
		return task
	}
	return task[:idx]
}
