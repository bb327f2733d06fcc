package store

import (
	"math"
	"path/filepath"
	"sync"
	"testing"

	"goalforge/internal/trace"
)

func newTestStore(t *testing.T) *TraceStore {
	t.Helper()
	ts, err := NewTraceStore(filepath.Join(t.TempDir(), "traces.db"), 0.3)
	if err != nil {
		t.Fatalf("NewTraceStore: %v", err)
	}
	t.Cleanup(func() { ts.Close() })
	return ts
}

func sampleTrace(goal string, success bool) *trace.ExecutionTrace {
	calls := trace.ToolSequence{
		{Name: "write_file", Arguments: map[string]any{"path": "hello.txt", "content": "hello world"}},
		{Name: "read_file", Arguments: map[string]any{"path": "hello.txt"}},
	}
	return trace.New(goal, trace.ModeLearner, calls, success)
}

func TestSaveAndFindExact(t *testing.T) {
	ts := newTestStore(t)

	tr := sampleTrace("Create a hello world file", true)
	if err := ts.Save(tr); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, ok, err := ts.FindExact(tr.GoalSignature)
	if err != nil {
		t.Fatalf("FindExact: %v", err)
	}
	if !ok {
		t.Fatal("expected exact hit")
	}
	if got.GoalText != tr.GoalText {
		t.Errorf("GoalText = %q, want %q", got.GoalText, tr.GoalText)
	}
	if len(got.ToolCalls) != 2 {
		t.Errorf("ToolCalls = %d, want 2", len(got.ToolCalls))
	}
	if got.ToolCalls[0].Arguments["path"] != "hello.txt" {
		t.Errorf("round-tripped arguments = %v", got.ToolCalls[0].Arguments)
	}
}

func TestFindExactIdempotent(t *testing.T) {
	ts := newTestStore(t)
	tr := sampleTrace("Deploy the app", true)
	if err := ts.Save(tr); err != nil {
		t.Fatalf("Save: %v", err)
	}

	first, ok1, err1 := ts.FindExact(tr.GoalSignature)
	second, ok2, err2 := ts.FindExact(tr.GoalSignature)
	if err1 != nil || err2 != nil {
		t.Fatalf("FindExact errors: %v, %v", err1, err2)
	}
	if ok1 != ok2 {
		t.Fatal("hit status differed between calls")
	}
	if first.SuccessRating != second.SuccessRating || first.UsageCount != second.UsageCount {
		t.Errorf("traces differ with no intervening write: %+v vs %+v", first, second)
	}
}

func TestFindExactHonorsConfidenceFloor(t *testing.T) {
	ts := newTestStore(t)
	tr := sampleTrace("Flaky goal", false) // rating 0.0, below floor 0.3
	if err := ts.Save(tr); err != nil {
		t.Fatalf("Save: %v", err)
	}

	_, ok, err := ts.FindExact(tr.GoalSignature)
	if err != nil {
		t.Fatalf("FindExact: %v", err)
	}
	if ok {
		t.Error("trace below confidence floor should be treated as absent")
	}

	// Still reachable through Get.
	if _, err := ts.Get(tr.GoalSignature); err != nil {
		t.Errorf("Get should return the trace regardless of rating: %v", err)
	}
}

func TestFindExactMiss(t *testing.T) {
	ts := newTestStore(t)
	_, ok, err := ts.FindExact(trace.Signature("never seen"))
	if err != nil {
		t.Fatalf("FindExact: %v", err)
	}
	if ok {
		t.Error("expected miss for unknown signature")
	}
}

func TestUpdateUsageEMA(t *testing.T) {
	ts := newTestStore(t)
	tr := sampleTrace("Create a hello world file", true)
	if err := ts.Save(tr); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := ts.UpdateUsage(tr.GoalSignature, true)
	if err != nil {
		t.Fatalf("UpdateUsage: %v", err)
	}
	if got.UsageCount != 2 {
		t.Errorf("UsageCount = %d, want 2", got.UsageCount)
	}
	if got.SuccessRating != 1.0 {
		t.Errorf("SuccessRating = %v, want 1.0", got.SuccessRating)
	}

	got, err = ts.UpdateUsage(tr.GoalSignature, false)
	if err != nil {
		t.Fatalf("UpdateUsage: %v", err)
	}
	if math.Abs(got.SuccessRating-0.9) > 1e-9 {
		t.Errorf("SuccessRating = %v, want 0.9", got.SuccessRating)
	}
	if got.UsageCount != 3 {
		t.Errorf("UsageCount = %d, want 3", got.UsageCount)
	}
}

func TestUpdateUsageUnknownSignature(t *testing.T) {
	ts := newTestStore(t)
	if _, err := ts.UpdateUsage("deadbeef", true); err != ErrTraceNotFound {
		t.Errorf("err = %v, want ErrTraceNotFound", err)
	}
}

func TestConcurrentUpdatesSameSignature(t *testing.T) {
	ts := newTestStore(t)
	tr := sampleTrace("Concurrent goal", true)
	if err := ts.Save(tr); err != nil {
		t.Fatalf("Save: %v", err)
	}

	const n = 25
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := ts.UpdateUsage(tr.GoalSignature, true); err != nil {
				t.Errorf("UpdateUsage: %v", err)
			}
		}()
	}
	wg.Wait()

	got, err := ts.Get(tr.GoalSignature)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.UsageCount != 1+n {
		t.Errorf("UsageCount = %d, want %d (no lost updates)", got.UsageCount, 1+n)
	}
}

func TestSearchKeywordOverlap(t *testing.T) {
	ts := newTestStore(t)

	goals := []string{
		"Create a hello world file",
		"Delete old log files",
		"Summarize the sales report",
	}
	for _, g := range goals {
		if err := ts.Save(sampleTrace(g, true)); err != nil {
			t.Fatalf("Save(%q): %v", g, err)
		}
	}

	results, err := ts.Search("hello world file", 5, 0)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("expected results")
	}
	if results[0].Trace.GoalText != "Create a hello world file" {
		t.Errorf("top hit = %q, want the hello world trace", results[0].Trace.GoalText)
	}
	if results[0].Score <= 0 || results[0].Score > 1 {
		t.Errorf("score = %v, want (0, 1]", results[0].Score)
	}
}

func TestSearchMinConfidence(t *testing.T) {
	ts := newTestStore(t)
	if err := ts.Save(sampleTrace("Risky goal with files", false)); err != nil {
		t.Fatalf("Save: %v", err)
	}

	results, err := ts.Search("risky files", 5, 0.5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected no results above confidence 0.5, got %d", len(results))
	}
}

func TestSearchSkipsCorruptRows(t *testing.T) {
	ts := newTestStore(t)
	if err := ts.Save(sampleTrace("Good goal about files", true)); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// Plant a corrupt row directly.
	_, err := ts.db.Exec(`
		INSERT INTO traces
		(goal_signature, goal_text, tool_calls, tools_used, success_rating,
		 usage_count, created_at, last_used, mode)
		VALUES ('corrupt', 'Corrupt goal about files', 'not json', '[]', 0.9, 1,
		        CURRENT_TIMESTAMP, CURRENT_TIMESTAMP, 'LEARNER')`)
	if err != nil {
		t.Fatalf("plant corrupt row: %v", err)
	}

	results, err := ts.Search("goal files", 5, 0)
	if err != nil {
		t.Fatalf("Search should not fail on corrupt rows: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1 (corrupt row skipped)", len(results))
	}
	if results[0].Trace.GoalSignature == "corrupt" {
		t.Error("corrupt row should have been skipped")
	}
}

func TestSetCrystallizedOnce(t *testing.T) {
	ts := newTestStore(t)
	tr := sampleTrace("Promotable goal", true)
	if err := ts.Save(tr); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if err := ts.SetCrystallized(tr.GoalSignature, "promotable_goal_tool"); err != nil {
		t.Fatalf("SetCrystallized: %v", err)
	}
	got, err := ts.Get(tr.GoalSignature)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.CrystallizedIntoTool != "promotable_goal_tool" {
		t.Errorf("CrystallizedIntoTool = %q", got.CrystallizedIntoTool)
	}

	if err := ts.SetCrystallized(tr.GoalSignature, "other_tool"); err != ErrAlreadyCrystallized {
		t.Errorf("second promotion err = %v, want ErrAlreadyCrystallized", err)
	}
	if err := ts.SetCrystallized("missing", "x"); err != ErrTraceNotFound {
		t.Errorf("missing signature err = %v, want ErrTraceNotFound", err)
	}
}

func TestEligible(t *testing.T) {
	ts := newTestStore(t)

	eligible := sampleTrace("Eligible goal", true)
	eligible.UsageCount = 5
	eligible.SuccessRating = 0.95
	if err := ts.Save(eligible); err != nil {
		t.Fatalf("Save: %v", err)
	}

	young := sampleTrace("Young goal", true)
	young.UsageCount = 1
	if err := ts.Save(young); err != nil {
		t.Fatalf("Save: %v", err)
	}

	promoted := sampleTrace("Already promoted goal", true)
	promoted.UsageCount = 10
	promoted.SuccessRating = 0.99
	promoted.CrystallizedIntoTool = "done_tool"
	if err := ts.Save(promoted); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := ts.Eligible(3, 0.9)
	if err != nil {
		t.Fatalf("Eligible: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Eligible returned %d traces, want 1", len(got))
	}
	if got[0].GoalText != "Eligible goal" {
		t.Errorf("eligible trace = %q", got[0].GoalText)
	}
}

func TestAddErrorNote(t *testing.T) {
	ts := newTestStore(t)
	tr := sampleTrace("Failing goal", true)
	if err := ts.Save(tr); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if err := ts.AddErrorNote(tr.GoalSignature, "tool write_file timed out"); err != nil {
		t.Fatalf("AddErrorNote: %v", err)
	}
	if err := ts.AddErrorNote(tr.GoalSignature, "tool read_file failed"); err != nil {
		t.Fatalf("AddErrorNote: %v", err)
	}

	got, err := ts.Get(tr.GoalSignature)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got.ErrorNotes) != 2 {
		t.Errorf("ErrorNotes = %v, want 2 entries", got.ErrorNotes)
	}
}

func TestGetStats(t *testing.T) {
	ts := newTestStore(t)
	a := sampleTrace("Goal A", true)
	b := sampleTrace("Goal B", true)
	b.Mode = trace.ModeOrchestrator
	b.CrystallizedIntoTool = "b_tool"
	for _, tr := range []*trace.ExecutionTrace{a, b} {
		if err := ts.Save(tr); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	stats, err := ts.GetStats()
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stats.TotalTraces != 2 {
		t.Errorf("TotalTraces = %d, want 2", stats.TotalTraces)
	}
	if stats.Crystallized != 1 {
		t.Errorf("Crystallized = %d, want 1", stats.Crystallized)
	}
	if stats.ByMode["LEARNER"] != 1 || stats.ByMode["ORCHESTRATOR"] != 1 {
		t.Errorf("ByMode = %v", stats.ByMode)
	}
}

func TestKeywords(t *testing.T) {
	kws := Keywords("Create the hello world file and then read it")
	for _, kw := range kws {
		if kw == "the" || kw == "and" || kw == "then" {
			t.Errorf("stop word %q should be dropped", kw)
		}
	}
	want := map[string]bool{"create": true, "hello": true, "world": true, "file": true, "read": true}
	for _, kw := range kws {
		if !want[kw] {
			t.Errorf("unexpected keyword %q", kw)
		}
	}
}
