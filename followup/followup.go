// Package followup implements C6: bounded-depth secondary enqueue with
// fingerprint-based dedupe, letting a steward emit derivative tasks during
// its own execution.
package followup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/present-run/agentqueue/envelope"
	"github.com/present-run/agentqueue/queue"
)

// MaxDepthPolicy reports the configured maxDepth for a task family,
// configurable per family the way CoalescePolicy is registered.
type MaxDepthPolicy func(taskFamily string) int

// DefaultMaxDepthPolicy caps every family at depth 3.
func DefaultMaxDepthPolicy(taskFamily string) int { return 3 }

// Parent carries the correlation context a follow-up is derived from.
type Parent struct {
	Room            string
	Correlation     string // parentCorrelation: trace or intent id
	Depth           int
	Message         string
	OriginalMessage string
	Hint            string
	Reason          string
	TargetIDs       []string
	Strict          bool
	Envelope        envelope.Envelope
	ScopeKey        string // optional runtime-scope tag appended to resource keys
}

// Scheduler enqueues follow-ups through the queue's dedupe/coalesce path.
type Scheduler struct {
	q        *queue.Queue
	maxDepth MaxDepthPolicy
}

func New(q *queue.Queue, maxDepth MaxDepthPolicy) *Scheduler {
	if maxDepth == nil {
		maxDepth = DefaultMaxDepthPolicy
	}
	return &Scheduler{q: q, maxDepth: maxDepth}
}

// Fingerprint computes hash(room, trace_or_intent, depth, message,
// originalMessage, hint, reason, sortedTargetIds, strict), grounded on the
// teacher's attestation.Signer sha256-over-a-composed-string pattern.
func Fingerprint(p Parent) string {
	targets := append([]string(nil), p.TargetIDs...)
	sort.Strings(targets)
	composed := strings.Join([]string{
		p.Room,
		p.Correlation,
		fmt.Sprintf("%d", p.Depth+1),
		p.Message,
		p.OriginalMessage,
		p.Hint,
		p.Reason,
		strings.Join(targets, ","),
		fmt.Sprintf("%v", p.Strict),
	}, "|")
	sum := sha256.Sum256([]byte(composed))
	return hex.EncodeToString(sum[:])
}

// Enqueue implements §4.6: depth check, fingerprint dedupe key, derived
// resource keys, and the generated requestId format
// "<parentCorrelation>:d<depth>:<hashPrefix>".
func (s *Scheduler) Enqueue(ctx context.Context, task string, p Parent, params json.RawMessage) (bool, error) {
	depth := p.Depth + 1
	family := taskFamily(task)
	if depth > s.maxDepth(family) {
		return false, nil
	}

	fp := Fingerprint(p)
	requestID := fmt.Sprintf("%s:d%d:%s", p.Correlation, depth, fp[:12])

	resourceKeys := []string{"canvas:followup", fmt.Sprintf("followup-depth:%d", depth)}
	if p.Correlation != "" {
		resourceKeys = append(resourceKeys, "scope:"+p.Correlation)
	}
	if p.ScopeKey != "" {
		resourceKeys = append(resourceKeys, p.ScopeKey)
	}

	env := p.Envelope
	env.RequestID = requestID
	env.Attempt = 0

	mergedParams, err := mergeDepth(params, depth)
	if err != nil {
		return false, err
	}

	_, err = s.q.Enqueue(ctx, queue.EnqueueParams{
		Room:         p.Room,
		Task:         task,
		Params:       mergedParams,
		Envelope:     env,
		DedupeKey:    fp,
		ResourceKeys: resourceKeys,
		RunAt:        timePtr(time.Now()),
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

func taskFamily(task string) string {
	if idx := strings.IndexByte(task, '.'); idx >= 0 {
		return task[:idx]
	}
	return task
}

func mergeDepth(params json.RawMessage, depth int) (json.RawMessage, error) {
	m := map[string]interface{}{}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &m); err != nil {
			return nil, fmt.Errorf("followup: params must be a JSON object: %w", err)
		}
	}
	m["depth"] = depth
	return json.Marshal(m)
}

func timePtr(t time.Time) *time.Time { return &t }
