package memlog

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// Type is one of the eight canonical memory types.
type Type string

const (
	TypeHypothesis  Type = "hypothesis"
	TypeObservation Type = "observation"
	TypePreference  Type = "preference"
	TypeLesson      Type = "lesson"
	TypeGoal        Type = "goal"
	TypeProcedure   Type = "procedure"
	TypeDecision    Type = "decision"
	TypeConstraint  Type = "constraint"
)

// typeMeta is the static metadata table for memory types: the authority
// level, which optional fields become mandatory, and a short description.
type typeMeta struct {
	Authority       int
	NeedsRationale  bool
	NeedsConfidence bool
	Description     string
}

var typeTable = map[Type]typeMeta{
	TypeHypothesis:  {0, false, true, "Untested ideas, guesses, theories to validate"},
	TypeObservation: {1, false, false, "Noticed patterns, data points, correlations"},
	TypePreference:  {1, false, false, "User or agent preferences, style choices"},
	TypeLesson:      {3, false, true, "Learned from experience"},
	TypeGoal:        {3, false, false, "Objectives, targets, desired outcomes"},
	TypeProcedure:   {4, false, false, "How to do things, step-by-step processes"},
	TypeDecision:    {4, true, false, "Choices made with rationale"},
	TypeConstraint:  {5, true, false, "Hard rules, must-follow guidelines"},
}

// AllTypes lists the canonical types in descending authority order.
var AllTypes = []Type{
	TypeConstraint,
	TypeDecision,
	TypeProcedure,
	TypeGoal,
	TypeLesson,
	TypePreference,
	TypeObservation,
	TypeHypothesis,
}

// RequiredAuthority returns the authority level for a memory type.
// Unknown types map to 0.
func RequiredAuthority(t Type) int {
	return typeTable[t].Authority
}

// ValidType reports whether t is one of the eight canonical types.
func ValidType(t Type) bool {
	_, ok := typeTable[t]
	return ok
}

// Describe returns the human-readable description for a type.
func Describe(t Type) string {
	return typeTable[t].Description
}

// RequiresRationale reports whether the type makes rationale mandatory.
func RequiresRationale(t Type) bool {
	return typeTable[t].NeedsRationale
}

// RequiresConfidence reports whether the type makes confidence mandatory.
func RequiresConfidence(t Type) bool {
	return typeTable[t].NeedsConfidence
}

// Provenance records where a memory came from.
type Provenance struct {
	Source         string    `json:"source"`
	Timestamp      time.Time `json:"timestamp"`
	AgentID        string    `json:"agent_id,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
}

// Record is a single immutable memory. Corrections and upgrades are new
// records linking back via Supersedes or PromotedFrom; nothing is ever
// edited in place.
type Record struct {
	ID           string     `json:"id"`
	Type         Type       `json:"type"`
	Content      string     `json:"content"`
	Tags         []string   `json:"tags,omitempty"`
	Provenance   Provenance `json:"provenance"`
	Rationale    string     `json:"rationale,omitempty"`
	Confidence   *float64   `json:"confidence,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	Supersedes   string     `json:"supersedes,omitempty"`
	PromotedFrom string     `json:"promoted_from,omitempty"`
}

// Authority returns the record's authority level, derived from its type.
func (r Record) Authority() int {
	return RequiredAuthority(r.Type)
}

// Expired reports whether the record has an expiry in the past.
func (r Record) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && r.ExpiresAt.Before(now)
}

// ValidationError reports input rejected before any mutation happened.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

func validationf(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// MaxContentLen bounds record content. MaxTags bounds the tag set a
// writer may supply; the stored record may carry one more, the derived
// agent provenance tag.
const (
	MaxContentLen   = 5000
	MaxTags         = 20
	MaxRationaleLen = 500
)

// Validate checks the record against the per-type required-field rules.
func (r Record) Validate() error {
	if r.Content == "" {
		return validationf("content required")
	}
	if len(r.Content) > MaxContentLen {
		return validationf("content exceeds %d characters", MaxContentLen)
	}
	if !ValidType(r.Type) {
		return validationf("unknown memory type %q", r.Type)
	}
	if len(r.Rationale) > MaxRationaleLen {
		return validationf("rationale exceeds %d characters", MaxRationaleLen)
	}
	meta := typeTable[r.Type]
	if meta.NeedsRationale && r.Rationale == "" {
		return validationf("%s memories require a rationale", r.Type)
	}
	if meta.NeedsConfidence && r.Confidence == nil {
		return validationf("%s memories require a confidence value", r.Type)
	}
	if r.Confidence != nil && (*r.Confidence < 0 || *r.Confidence > 1) {
		return validationf("confidence must be between 0.0 and 1.0")
	}
	return nil
}

// newID derives a record id from content plus a nanosecond timestamp, so
// identical content written twice still gets distinct ids.
func newID(content string, now time.Time) string {
	sum := sha256.Sum256([]byte(content + strconv.FormatInt(now.UnixNano(), 10)))
	return "mem-" + hex.EncodeToString(sum[:])[:12]
}
