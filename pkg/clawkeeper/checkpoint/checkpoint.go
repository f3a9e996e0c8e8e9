// Package checkpoint implements the versioned resume document exchanged
// between agent incarnations across a planned restart.
//
// The agent writes a checkpoint file before it exits; the supervisor only
// reads the file and forwards its path to the next incarnation. Validation
// is total: Read reports every structural problem at once (field path plus
// reason) so an operator gets one actionable error instead of a retry loop.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Version is the single supported checkpoint format version. Any other
// value is a hard validation failure — the format is forward-incompatible.
const Version = 1

// Reason classifies why a restart happened.
type Reason string

const (
	ReasonPlanned Reason = "planned"
	ReasonUpgrade Reason = "upgrade"
	ReasonCrash   Reason = "crash"
)

// Valid reports whether r is one of the known restart reasons.
func (r Reason) Valid() bool {
	switch r {
	case ReasonPlanned, ReasonUpgrade, ReasonCrash:
		return true
	}
	return false
}

// WakeContext is the prompt/instructions bundle the next incarnation uses
// to resume work.
type WakeContext struct {
	// Prompt is the wake prompt. Required, non-empty.
	Prompt string `json:"prompt"`

	// PendingWork describes work interrupted by the restart.
	PendingWork string `json:"pending_work,omitempty"`

	// Instructions carries extra operator instructions.
	Instructions string `json:"instructions,omitempty"`
}

// Checkpoint is the persisted resume document, one per planned restart.
// A checkpoint is immutable once written; a new restart always writes a
// new file at a path the agent chooses.
type Checkpoint struct {
	// Version must equal the package Version constant.
	Version int `json:"version"`

	// SessionID is the ULID of the session being resumed.
	SessionID string `json:"session_id"`

	// RestartReason records why the restart happened.
	RestartReason Reason `json:"restart_reason"`

	// WakeContext is the resume bundle.
	WakeContext WakeContext `json:"wake_context"`

	// CreatedAt is when the checkpoint was written.
	CreatedAt time.Time `json:"created_at"`
}

// FieldError describes one structural problem in a checkpoint document.
type FieldError struct {
	// Path is the JSON field path, e.g. "wake_context.prompt".
	Path string

	// Reason is a human-readable description of the problem.
	Reason string
}

func (e FieldError) String() string {
	return e.Path + ": " + e.Reason
}

// ValidationError aggregates every structural problem found in a document.
type ValidationError struct {
	// Path is the file path the document was read from, if any.
	Path string

	// Fields lists all problems, in document order.
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString("invalid checkpoint")
	if e.Path != "" {
		fmt.Fprintf(&b, " %s", e.Path)
	}
	b.WriteString(": ")
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.String()
	}
	b.WriteString(strings.Join(parts, "; "))
	return b.String()
}

// Validate checks the document structure and returns a *ValidationError
// listing every problem, or nil when the checkpoint is well-formed.
func Validate(c *Checkpoint) error {
	var fields []FieldError

	if c.Version != Version {
		fields = append(fields, FieldError{
			Path:   "version",
			Reason: fmt.Sprintf("unsupported version %d (want %d)", c.Version, Version),
		})
	}
	if c.SessionID == "" {
		fields = append(fields, FieldError{Path: "session_id", Reason: "missing"})
	} else if _, err := ulid.ParseStrict(c.SessionID); err != nil {
		fields = append(fields, FieldError{
			Path:   "session_id",
			Reason: fmt.Sprintf("not a well-formed ULID: %v", err),
		})
	}
	if c.RestartReason == "" {
		fields = append(fields, FieldError{Path: "restart_reason", Reason: "missing"})
	} else if !c.RestartReason.Valid() {
		fields = append(fields, FieldError{
			Path:   "restart_reason",
			Reason: fmt.Sprintf("unknown reason %q (want planned, upgrade, or crash)", c.RestartReason),
		})
	}
	if strings.TrimSpace(c.WakeContext.Prompt) == "" {
		fields = append(fields, FieldError{Path: "wake_context.prompt", Reason: "missing or empty"})
	}

	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

// Read loads and validates the checkpoint at path. A missing or unreadable
// file, unparseable JSON, or any structural problem yields a
// *ValidationError; the file is never deleted or rewritten.
func Read(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ValidationError{
			Path:   path,
			Fields: []FieldError{{Path: "(file)", Reason: err.Error()}},
		}
	}

	var c Checkpoint
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, &ValidationError{
			Path:   path,
			Fields: []FieldError{{Path: "(document)", Reason: "not parseable: " + err.Error()}},
		}
	}

	if err := Validate(&c); err != nil {
		verr := err.(*ValidationError)
		verr.Path = path
		return nil, verr
	}
	return &c, nil
}

// Write validates and persists a checkpoint to path. The document is
// written whole; partial writes surface as an I/O error from the OS.
func Write(path string, c *Checkpoint) error {
	if err := Validate(c); err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write checkpoint %s: %w", path, err)
	}
	return nil
}

// New builds a fresh checkpoint with a newly generated session ULID.
// Used by the checkpoint tooling; agents normally carry their session ID
// forward instead.
func New(reason Reason, wake WakeContext) *Checkpoint {
	return &Checkpoint{
		Version:       Version,
		SessionID:     ulid.Make().String(),
		RestartReason: reason,
		WakeContext:   wake,
		CreatedAt:     time.Now().UTC(),
	}
}
