package storage

import (
	"errors"
	"testing"
	"time"
)

func createTestSession(t *testing.T, s *Store, mode string) Session {
	t.Helper()
	sess, err := s.CreateSession("the moon landing happened in 1969", nil, mode)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return sess
}

func TestCreateAndGetSession(t *testing.T) {
	s := openTestStore(t)

	created := createTestSession(t, s, ModeFactCheck)
	if created.ID == "" {
		t.Fatal("expected a generated session id")
	}
	if created.Status != SessionPending {
		t.Errorf("status = %q, want %q", created.Status, SessionPending)
	}

	got, err := s.GetSession(created.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.UserInput != created.UserInput {
		t.Errorf("user input = %q, want %q", got.UserInput, created.UserInput)
	}
	if got.Mode != ModeFactCheck {
		t.Errorf("mode = %q, want %q", got.Mode, ModeFactCheck)
	}
	if got.Verdict != nil || got.Confidence != nil {
		t.Error("new session must not carry a verdict or confidence")
	}
}

func TestGetSessionNotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetSession("nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSessionImageRoundTrip(t *testing.T) {
	s := openTestStore(t)

	image := []byte{0xFF, 0xD8, 0xFF, 0x00, 0x01}
	sess, err := s.CreateSession("what is in this picture", image, ModeFactCheck)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	got, err := s.GetSession(sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if string(got.Image) != string(image) {
		t.Errorf("image bytes changed on round trip")
	}
}

func TestTransitionSession_HappyPath(t *testing.T) {
	s := openTestStore(t)
	sess := createTestSession(t, s, ModeFactCheck)

	analyzing, err := s.TransitionSession(sess.ID, SessionAnalyzing, SessionUpdate{})
	if err != nil {
		t.Fatalf("pending -> analyzing: %v", err)
	}
	if analyzing.Status != SessionAnalyzing {
		t.Errorf("status = %q, want analyzing", analyzing.Status)
	}
	if analyzing.CompletedAt != nil {
		t.Error("non-terminal transition must not set completed_at")
	}

	verdict := VerdictLikely
	confidence := 0.8
	summary := "most sources agree"
	done, err := s.TransitionSession(sess.ID, SessionCompleted, SessionUpdate{
		Verdict:    &verdict,
		Confidence: &confidence,
		Summary:    &summary,
	})
	if err != nil {
		t.Fatalf("analyzing -> completed: %v", err)
	}
	if done.Verdict == nil || *done.Verdict != VerdictLikely {
		t.Errorf("verdict = %v, want %q", done.Verdict, VerdictLikely)
	}
	if done.Confidence == nil || *done.Confidence != 0.8 {
		t.Errorf("confidence = %v, want 0.8", done.Confidence)
	}
	if done.Summary != summary {
		t.Errorf("summary = %q, want %q", done.Summary, summary)
	}
	if done.CompletedAt == nil {
		t.Error("terminal transition must set completed_at")
	}
}

func TestTransitionSession_Invalid(t *testing.T) {
	s := openTestStore(t)
	sess := createTestSession(t, s, ModeFactCheck)

	// pending -> completed skips analyzing.
	if _, err := s.TransitionSession(sess.ID, SessionCompleted, SessionUpdate{}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("pending -> completed err = %v, want ErrInvalidTransition", err)
	}

	if _, err := s.TransitionSession(sess.ID, SessionAnalyzing, SessionUpdate{}); err != nil {
		t.Fatalf("pending -> analyzing: %v", err)
	}
	if _, err := s.TransitionSession(sess.ID, SessionFailed, SessionUpdate{}); err != nil {
		t.Fatalf("analyzing -> failed: %v", err)
	}

	// Terminal states are frozen.
	if _, err := s.TransitionSession(sess.ID, SessionAnalyzing, SessionUpdate{}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("failed -> analyzing err = %v, want ErrInvalidTransition", err)
	}
	if _, err := s.TransitionSession(sess.ID, SessionCompleted, SessionUpdate{}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("failed -> completed err = %v, want ErrInvalidTransition", err)
	}
}

func TestTransitionSession_NotFound(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.TransitionSession("nope", SessionAnalyzing, SessionUpdate{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestListSessions_NewestFirst(t *testing.T) {
	s := openTestStore(t)

	first := createTestSession(t, s, ModeFactCheck)
	// created_at has second resolution; force distinct ordering.
	if _, err := s.db.Exec("UPDATE sessions SET created_at = ? WHERE session_id = ?",
		time.Now().UTC().Add(-time.Minute).Format(time.RFC3339), first.ID); err != nil {
		t.Fatalf("backdating session: %v", err)
	}
	second := createTestSession(t, s, ModeResearch)

	sessions, err := s.ListSessions(10, 0)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("got %d sessions, want 2", len(sessions))
	}
	if sessions[0].ID != second.ID {
		t.Errorf("newest session first: got %s, want %s", sessions[0].ID, second.ID)
	}
}

func TestStartStep_Contiguity(t *testing.T) {
	s := openTestStore(t)
	sess := createTestSession(t, s, ModeFactCheck)

	// Step 2 before step 1 is rejected.
	if _, err := s.StartStep(sess.ID, 2, "source_search", "Searching sources"); !errors.Is(err, ErrOutOfOrder) {
		t.Errorf("step 2 first err = %v, want ErrOutOfOrder", err)
	}

	step, err := s.StartStep(sess.ID, 1, "topic_analysis", "Analyzing the claim")
	if err != nil {
		t.Fatalf("StartStep 1: %v", err)
	}
	if step.Status != StepInProgress {
		t.Errorf("status = %q, want in_progress", step.Status)
	}

	// A gap is rejected.
	if _, err := s.StartStep(sess.ID, 3, "content_extraction", "Reading sources"); !errors.Is(err, ErrOutOfOrder) {
		t.Errorf("step 3 after 1 err = %v, want ErrOutOfOrder", err)
	}
}

func TestStartStep_DuplicateReturnsExisting(t *testing.T) {
	s := openTestStore(t)
	sess := createTestSession(t, s, ModeFactCheck)

	if _, err := s.StartStep(sess.ID, 1, "topic_analysis", "Analyzing the claim"); err != nil {
		t.Fatalf("StartStep: %v", err)
	}

	// Duplicate delivery of the same step: the open record comes back.
	again, err := s.StartStep(sess.ID, 1, "topic_analysis", "Analyzing the claim")
	if err != nil {
		t.Fatalf("duplicate StartStep: %v", err)
	}
	if again.Status != StepInProgress {
		t.Errorf("status = %q, want in_progress", again.Status)
	}

	steps, err := s.ListSteps(sess.ID)
	if err != nil {
		t.Fatalf("ListSteps: %v", err)
	}
	if len(steps) != 1 {
		t.Errorf("got %d step rows, want 1", len(steps))
	}
}

func TestStartStep_UnknownSession(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.StartStep("nope", 1, "topic_analysis", "Analyzing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestCompleteStep_TerminalIsFrozen(t *testing.T) {
	s := openTestStore(t)
	sess := createTestSession(t, s, ModeFactCheck)

	if _, err := s.StartStep(sess.ID, 1, "topic_analysis", "Analyzing the claim"); err != nil {
		t.Fatalf("StartStep: %v", err)
	}

	done, err := s.CompleteStep(sess.ID, 1, StepCompleted, `{"topics":["history"]}`, "")
	if err != nil {
		t.Fatalf("CompleteStep: %v", err)
	}
	if done.CompletedAt == nil {
		t.Error("completed step must have completed_at")
	}

	// No rewrites of a terminal step.
	if _, err := s.CompleteStep(sess.ID, 1, StepFailed, "", "late failure"); !errors.Is(err, ErrStepTerminal) {
		t.Errorf("rewrite err = %v, want ErrStepTerminal", err)
	}
	if _, err := s.StartStep(sess.ID, 1, "topic_analysis", "Analyzing the claim"); !errors.Is(err, ErrStepTerminal) {
		t.Errorf("restart err = %v, want ErrStepTerminal", err)
	}

	// The recorded result survives.
	got, err := s.GetStep(sess.ID, 1)
	if err != nil {
		t.Fatalf("GetStep: %v", err)
	}
	if got.Status != StepCompleted {
		t.Errorf("status = %q, want completed", got.Status)
	}
	if got.ResultJSON != `{"topics":["history"]}` {
		t.Errorf("result = %q", got.ResultJSON)
	}
}

func TestDeleteSession_Cascades(t *testing.T) {
	s := openTestStore(t)
	sess := createTestSession(t, s, ModeFactCheck)

	if _, err := s.StartStep(sess.ID, 1, "topic_analysis", "Analyzing"); err != nil {
		t.Fatalf("StartStep: %v", err)
	}
	if _, err := s.SaveSource(Source{SessionID: sess.ID, URL: "https://example.com", Title: "Example"}); err != nil {
		t.Fatalf("SaveSource: %v", err)
	}

	if err := s.DeleteSession(sess.ID); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}

	if _, err := s.GetSession(sess.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetSession after delete err = %v, want ErrNotFound", err)
	}

	var stepCount, sourceCount int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM steps WHERE session_id = ?", sess.ID).Scan(&stepCount); err != nil {
		t.Fatalf("counting steps: %v", err)
	}
	if err := s.db.QueryRow("SELECT COUNT(*) FROM sources WHERE session_id = ?", sess.ID).Scan(&sourceCount); err != nil {
		t.Fatalf("counting sources: %v", err)
	}
	if stepCount != 0 || sourceCount != 0 {
		t.Errorf("cascade left %d steps, %d sources", stepCount, sourceCount)
	}

	// Writes against the deleted session surface ErrNotFound.
	if _, err := s.StartStep(sess.ID, 2, "source_search", "Searching"); !errors.Is(err, ErrNotFound) {
		t.Errorf("StartStep after delete err = %v, want ErrNotFound", err)
	}
}

func TestPurgeSessionsBefore(t *testing.T) {
	s := openTestStore(t)

	old := createTestSession(t, s, ModeFactCheck)
	if _, err := s.TransitionSession(old.ID, SessionAnalyzing, SessionUpdate{}); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if _, err := s.TransitionSession(old.ID, SessionFailed, SessionUpdate{}); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if _, err := s.db.Exec("UPDATE sessions SET updated_at = ? WHERE session_id = ?",
		time.Now().UTC().Add(-48*time.Hour).Format(time.RFC3339), old.ID); err != nil {
		t.Fatalf("backdating: %v", err)
	}

	active := createTestSession(t, s, ModeFactCheck)

	n, err := s.PurgeSessionsBefore(time.Now().UTC().Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("PurgeSessionsBefore: %v", err)
	}
	if n != 1 {
		t.Errorf("purged %d sessions, want 1", n)
	}

	if _, err := s.GetSession(old.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("old session should be gone, err = %v", err)
	}
	if _, err := s.GetSession(active.ID); err != nil {
		t.Errorf("active session should survive, err = %v", err)
	}
}
