package checkpoint

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validCheckpoint() *Checkpoint {
	return &Checkpoint{
		Version:       Version,
		SessionID:     "01HQZX3VJN8Y4T2M5W6R7E8K9A",
		RestartReason: ReasonPlanned,
		WakeContext: WakeContext{
			Prompt:      "resume the conversation",
			PendingWork: "finish summarizing the thread",
		},
		CreatedAt: time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC),
	}
}

func TestRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	want := validCheckpoint()

	if err := Write(path, want); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	if got.Version != want.Version ||
		got.SessionID != want.SessionID ||
		got.RestartReason != want.RestartReason ||
		got.WakeContext != want.WakeContext ||
		!got.CreatedAt.Equal(want.CreatedAt) {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, want)
	}
}

func TestReadFailures(t *testing.T) {
	dir := t.TempDir()

	t.Run("missing file", func(t *testing.T) {
		_, err := Read(filepath.Join(dir, "nope.json"))
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("expected ValidationError, got %v", err)
		}
	})

	t.Run("unparseable document", func(t *testing.T) {
		path := filepath.Join(dir, "garbage.json")
		if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
			t.Fatal(err)
		}
		_, err := Read(path)
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("expected ValidationError, got %v", err)
		}
		if !strings.Contains(err.Error(), "not parseable") {
			t.Errorf("error should mention parse failure, got %q", err)
		}
	})

	t.Run("version 2 always fails", func(t *testing.T) {
		cp := validCheckpoint()
		cp.Version = 2
		path := filepath.Join(dir, "v2.json")
		// Write bypassing validation, as a foreign writer would.
		writeRaw(t, path, cp)

		_, err := Read(path)
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("expected ValidationError, got %v", err)
		}
		if len(verr.Fields) != 1 || verr.Fields[0].Path != "version" {
			t.Errorf("expected single version field error, got %+v", verr.Fields)
		}
	})
}

func TestValidateAggregatesAllProblems(t *testing.T) {
	cp := &Checkpoint{
		Version:       3,
		SessionID:     "not-a-ulid",
		RestartReason: "reboot",
	}

	err := Validate(cp)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}

	wantPaths := []string{"version", "session_id", "restart_reason", "wake_context.prompt"}
	if len(verr.Fields) != len(wantPaths) {
		t.Fatalf("got %d field errors, want %d: %+v", len(verr.Fields), len(wantPaths), verr.Fields)
	}
	for i, p := range wantPaths {
		if verr.Fields[i].Path != p {
			t.Errorf("field[%d].Path = %q, want %q", i, verr.Fields[i].Path, p)
		}
	}
}

func TestValidate(t *testing.T) {
	t.Run("valid checkpoint passes", func(t *testing.T) {
		if err := Validate(validCheckpoint()); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("all three reasons accepted", func(t *testing.T) {
		for _, r := range []Reason{ReasonPlanned, ReasonUpgrade, ReasonCrash} {
			cp := validCheckpoint()
			cp.RestartReason = r
			if err := Validate(cp); err != nil {
				t.Errorf("reason %q: unexpected error: %v", r, err)
			}
		}
	})

	t.Run("whitespace-only prompt rejected", func(t *testing.T) {
		cp := validCheckpoint()
		cp.WakeContext.Prompt = "   \n"
		if err := Validate(cp); err == nil {
			t.Error("expected error for blank prompt")
		}
	})

	t.Run("lowercase ulid rejected by strict parse", func(t *testing.T) {
		cp := validCheckpoint()
		cp.SessionID = strings.ToLower(cp.SessionID)
		if err := Validate(cp); err == nil {
			t.Error("expected error for non-canonical ULID")
		}
	})
}

func TestWriteRejectsInvalid(t *testing.T) {
	cp := validCheckpoint()
	cp.WakeContext.Prompt = ""
	err := Write(filepath.Join(t.TempDir(), "bad.json"), cp)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestNew(t *testing.T) {
	cp := New(ReasonUpgrade, WakeContext{Prompt: "wake up"})
	if err := Validate(cp); err != nil {
		t.Fatalf("New produced invalid checkpoint: %v", err)
	}
	if cp.RestartReason != ReasonUpgrade {
		t.Errorf("reason = %q, want upgrade", cp.RestartReason)
	}
}

// writeRaw persists a checkpoint without going through Write's validation.
func writeRaw(t *testing.T, path string, cp *Checkpoint) {
	t.Helper()
	data := `{
  "version": 2,
  "session_id": "` + cp.SessionID + `",
  "restart_reason": "` + string(cp.RestartReason) + `",
  "wake_context": {"prompt": "` + cp.WakeContext.Prompt + `"},
  "created_at": "2026-03-14T09:26:53Z"
}`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
}
