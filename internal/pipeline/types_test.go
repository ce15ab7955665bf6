package pipeline

import (
	"regexp"
	"testing"
	"time"
)

func TestNewPipelineStateCopiesOrder(t *testing.T) {
	order := []string{"a", "b", "c"}
	ps := NewPipelineState("PL-1", "tpl", order, "req", nil, "", time.Now())

	order[0] = "mutated"
	if ps.StageOrder[0] != "a" {
		t.Errorf("StageOrder[0] = %q, want %q", ps.StageOrder[0], "a")
	}
	if len(ps.Stages) != 3 {
		t.Fatalf("Stages has %d entries, want 3", len(ps.Stages))
	}
	for _, name := range ps.StageOrder {
		st := ps.Stages[name]
		if st == nil || st.Status != StagePending {
			t.Errorf("stage %s not pending: %+v", name, st)
		}
		if st != nil && st.CompletedAt != nil {
			t.Errorf("stage %s has CompletedAt while pending", name)
		}
	}
	if ps.CurrentStage != "" {
		t.Errorf("CurrentStage = %q, want empty", ps.CurrentStage)
	}
}

func TestNextStage(t *testing.T) {
	ps := NewPipelineState("PL-1", "tpl", []string{"a", "b", "c"}, "", nil, "", time.Now())

	tests := []struct {
		current string
		want    string
	}{
		{"", "a"},
		{"a", "b"},
		{"b", "c"},
		{"c", ""},
		{"unknown", ""},
	}
	for _, tt := range tests {
		ps.CurrentStage = tt.current
		if got := ps.NextStage(); got != tt.want {
			t.Errorf("NextStage() with current %q = %q, want %q", tt.current, got, tt.want)
		}
	}

	empty := NewPipelineState("PL-2", "tpl", nil, "", nil, "", time.Now())
	if got := empty.NextStage(); got != "" {
		t.Errorf("NextStage() on empty order = %q, want empty", got)
	}
}

func TestNextStageNoneOnlyAtLast(t *testing.T) {
	ps := NewPipelineState("PL-1", "tpl", implementStages, "", nil, "", time.Now())
	for i, name := range ps.StageOrder {
		ps.CurrentStage = name
		last := i == len(ps.StageOrder)-1
		if got := ps.NextStage(); (got == "") != last {
			t.Errorf("NextStage() at %q = %q, last=%v", name, got, last)
		}
	}
}

func TestCollectArtifacts(t *testing.T) {
	now := time.Now()
	ps := NewPipelineState("PL-1", "tpl", []string{"a", "b", "c", "d"}, "", nil, "", now)

	ps.Stages["a"].MarkCompleted(map[string]any{"x": 1, "shared": "a"}, now)
	ps.Stages["b"].MarkFailed("boom", now)
	ps.Stages["b"].Artifacts = map[string]any{"failed_only": true}
	ps.Stages["c"].MarkCompleted(map[string]any{"y": 2, "shared": "c"}, now)
	ps.Stages["d"].MarkSkipped(map[string]any{"skipped_only": true}, now)

	got := ps.CollectArtifacts()
	if got["x"] != 1 || got["y"] != 2 {
		t.Errorf("missing completed artifacts: %v", got)
	}
	if got["shared"] != "c" {
		t.Errorf("shared = %v, want later stage to shadow", got["shared"])
	}
	if _, ok := got["failed_only"]; ok {
		t.Error("failed stage artifacts should not be collected")
	}
	if _, ok := got["skipped_only"]; ok {
		t.Error("skipped stage artifacts should not be collected")
	}
}

func TestPredicates(t *testing.T) {
	tests := []struct {
		status    Status
		terminal  bool
		resumable bool
	}{
		{StatusPending, false, false},
		{StatusRunning, false, false},
		{StatusPaused, false, true},
		{StatusWaitingApproval, false, true},
		{StatusCompleted, true, false},
		{StatusFailed, true, false},
		{StatusAborted, true, false},
	}
	for _, tt := range tests {
		ps := &PipelineState{Status: tt.status}
		if ps.IsTerminal() != tt.terminal {
			t.Errorf("IsTerminal(%s) = %v, want %v", tt.status, ps.IsTerminal(), tt.terminal)
		}
		if ps.CanResume() != tt.resumable {
			t.Errorf("CanResume(%s) = %v, want %v", tt.status, ps.CanResume(), tt.resumable)
		}
	}
}

func TestStageTimestampsFollowStatus(t *testing.T) {
	now := time.Now()
	st := &StageState{Name: "a", Status: StagePending}

	st.MarkRunning(now)
	if st.CompletedAt != nil || st.StartedAt == nil {
		t.Errorf("running stage timestamps wrong: %+v", st)
	}
	if st.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", st.Attempts)
	}

	st.MarkFailed("bad", now)
	if st.CompletedAt == nil || st.Error != "bad" {
		t.Errorf("failed stage wrong: %+v", st)
	}

	st.MarkRunning(now)
	if st.CompletedAt != nil || st.Error != "" {
		t.Errorf("rerun did not reset stage: %+v", st)
	}
	if st.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", st.Attempts)
	}
}

func TestTouchIsMonotonic(t *testing.T) {
	base := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	ps := NewPipelineState("PL-1", "tpl", nil, "", nil, "", base)

	ps.Touch(base.Add(-time.Hour))
	if !ps.UpdatedAt.Equal(base) {
		t.Errorf("UpdatedAt moved backwards to %v", ps.UpdatedAt)
	}
	ps.Touch(base.Add(time.Minute))
	if !ps.UpdatedAt.Equal(base.Add(time.Minute)) {
		t.Errorf("UpdatedAt = %v, want %v", ps.UpdatedAt, base.Add(time.Minute))
	}
}

func TestNewPipelineID(t *testing.T) {
	id := NewPipelineID(time.Date(2026, 10, 15, 23, 0, 0, 0, time.UTC))
	if !regexp.MustCompile(`^PL-20261015-[0-9a-f]{8}$`).MatchString(id) {
		t.Errorf("NewPipelineID() = %q, want PL-<date>-<random8>", id)
	}
	if !ValidID(id) {
		t.Errorf("ValidID(%q) = false", id)
	}
	if NewPipelineID(time.Now()) == NewPipelineID(time.Now()) {
		t.Error("NewPipelineID returned the same id twice")
	}
}

func TestValidID(t *testing.T) {
	for _, id := range []string{"", "a/b", "..", "has space", "x.yaml"} {
		if ValidID(id) {
			t.Errorf("ValidID(%q) = true, want false", id)
		}
	}
}
