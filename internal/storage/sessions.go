package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// allowedTransitions is the session state machine: pending -> analyzing ->
// {completed | failed}. pending -> failed covers input errors rejected before
// any step runs. No transition leaves a terminal status.
var allowedTransitions = map[string][]string{
	SessionAnalyzing: {SessionPending},
	SessionCompleted: {SessionAnalyzing},
	SessionFailed:    {SessionPending, SessionAnalyzing},
}

// SessionUpdate carries optional fields applied together with a status
// transition. Nil fields are left untouched.
type SessionUpdate struct {
	Verdict    *string
	Confidence *float64
	Summary    *string
}

// CreateSession allocates an identity and persists a new pending session.
func (s *Store) CreateSession(userInput string, image []byte, mode string) (Session, error) {
	now := time.Now().UTC().Truncate(time.Second)
	sess := Session{
		ID:        uuid.New().String(),
		UserInput: userInput,
		Image:     image,
		Mode:      mode,
		Status:    SessionPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.Exec(`
		INSERT INTO sessions (session_id, user_input, image, mode, status, analysis_summary, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, '', ?, ?)`,
		sess.ID, sess.UserInput, sess.Image, sess.Mode, sess.Status,
		now.Format(time.RFC3339), now.Format(time.RFC3339),
	)
	if err != nil {
		return Session{}, fmt.Errorf("inserting session: %w", err)
	}
	return sess, nil
}

const sessionColumns = `session_id, user_input, image, mode, status, final_verdict, confidence_score, analysis_summary, created_at, updated_at, completed_at`

func scanSession(row interface{ Scan(...any) error }) (Session, error) {
	var sess Session
	var verdict sql.NullString
	var confidence sql.NullFloat64
	var createdAt, updatedAt string
	var completedAt sql.NullString
	err := row.Scan(&sess.ID, &sess.UserInput, &sess.Image, &sess.Mode, &sess.Status,
		&verdict, &confidence, &sess.Summary, &createdAt, &updatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, err
	}
	if verdict.Valid {
		sess.Verdict = &verdict.String
	}
	if confidence.Valid {
		sess.Confidence = &confidence.Float64
	}
	if sess.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Session{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if sess.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return Session{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	if completedAt.Valid {
		t, err := time.Parse(time.RFC3339, completedAt.String)
		if err != nil {
			return Session{}, fmt.Errorf("parsing completed_at: %w", err)
		}
		sess.CompletedAt = &t
	}
	return sess, nil
}

// GetSession loads a session by id.
func (s *Store) GetSession(id string) (Session, error) {
	row := s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, id)
	return scanSession(row)
}

// ListSessions returns sessions ordered newest first.
func (s *Store) ListSessions(limit, offset int) ([]Session, error) {
	rows, err := s.db.Query(`SELECT `+sessionColumns+` FROM sessions ORDER BY created_at DESC, session_id LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, sess)
	}
	return results, rows.Err()
}

// TransitionSession performs a compare-and-set status change. It fails with
// ErrInvalidTransition when the current status does not permit newStatus and
// ErrNotFound when the session does not exist. Terminal transitions also set
// completed_at.
func (s *Store) TransitionSession(id, newStatus string, upd SessionUpdate) (Session, error) {
	from, ok := allowedTransitions[newStatus]
	if !ok {
		return Session{}, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, newStatus)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return Session{}, fmt.Errorf("beginning transition: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRow(`SELECT status FROM sessions WHERE session_id = ?`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, err
	}

	allowed := false
	for _, f := range from {
		if current == f {
			allowed = true
			break
		}
	}
	if !allowed {
		return Session{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, newStatus)
	}

	now := time.Now().UTC().Truncate(time.Second)
	query := `UPDATE sessions SET status = ?, updated_at = ?`
	args := []any{newStatus, now.Format(time.RFC3339)}
	if upd.Verdict != nil {
		query += `, final_verdict = ?`
		args = append(args, *upd.Verdict)
	}
	if upd.Confidence != nil {
		query += `, confidence_score = ?`
		args = append(args, *upd.Confidence)
	}
	if upd.Summary != nil {
		query += `, analysis_summary = ?`
		args = append(args, *upd.Summary)
	}
	if newStatus == SessionCompleted || newStatus == SessionFailed {
		query += `, completed_at = ?`
		args = append(args, now.Format(time.RFC3339))
	}
	query += ` WHERE session_id = ? AND status = ?`
	args = append(args, id, current)

	res, err := tx.Exec(query, args...)
	if err != nil {
		return Session{}, fmt.Errorf("updating session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Session{}, err
	}
	if n != 1 {
		return Session{}, fmt.Errorf("%w: concurrent update on %s", ErrInvalidTransition, id)
	}

	sess, err := scanSession(tx.QueryRow(`SELECT ` + sessionColumns + ` FROM sessions WHERE session_id = ?`, id))
	if err != nil {
		return Session{}, err
	}
	if err := tx.Commit(); err != nil {
		return Session{}, fmt.Errorf("committing transition: %w", err)
	}
	return sess, nil
}

// DeleteSession removes a session and, via foreign keys, all of its steps,
// sources, search queries, and capability calls.
func (s *Store) DeleteSession(id string) error {
	res, err := s.db.Exec(`DELETE FROM sessions WHERE session_id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// PurgeSessionsBefore deletes terminal sessions whose last update predates
// the cutoff. Child rows go with them via foreign keys.
func (s *Store) PurgeSessionsBefore(cutoff time.Time) (int, error) {
	res, err := s.db.Exec(`
		DELETE FROM sessions
		WHERE status IN (?, ?) AND updated_at < ?`,
		SessionCompleted, SessionFailed, cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// --- Steps ---

const stepColumns = `session_id, step_number, step_kind, description, status, result_json, error_message, started_at, completed_at`

func scanStep(row interface{ Scan(...any) error }) (Step, error) {
	var st Step
	var startedAt string
	var completedAt sql.NullString
	err := row.Scan(&st.SessionID, &st.Number, &st.Kind, &st.Description, &st.Status,
		&st.ResultJSON, &st.ErrorMessage, &startedAt, &completedAt)
	if err == sql.ErrNoRows {
		return Step{}, ErrNotFound
	}
	if err != nil {
		return Step{}, err
	}
	if st.StartedAt, err = time.Parse(time.RFC3339, startedAt); err != nil {
		return Step{}, fmt.Errorf("parsing started_at: %w", err)
	}
	if completedAt.Valid {
		t, err := time.Parse(time.RFC3339, completedAt.String)
		if err != nil {
			return Step{}, fmt.Errorf("parsing completed_at: %w", err)
		}
		st.CompletedAt = &t
	}
	return st, nil
}

// StartStep inserts step number for a session with status in_progress.
// Step numbers must be contiguous: inserting anything other than the
// current maximum plus one fails with ErrOutOfOrder. Re-starting an
// existing non-terminal step returns the existing record (duplicate
// delivery); re-starting a terminal step fails with ErrStepTerminal.
// A missing session yields ErrNotFound.
func (s *Store) StartStep(sessionID string, number int, kind, description string) (Step, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return Step{}, fmt.Errorf("beginning step insert: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM sessions WHERE session_id = ?`, sessionID).Scan(&exists); err != nil {
		return Step{}, err
	}
	if exists == 0 {
		return Step{}, ErrNotFound
	}

	existing, err := scanStep(tx.QueryRow(`SELECT `+stepColumns+` FROM steps WHERE session_id = ? AND step_number = ?`, sessionID, number))
	if err == nil {
		if existing.Terminal() {
			return existing, ErrStepTerminal
		}
		return existing, tx.Commit()
	}
	if err != ErrNotFound {
		return Step{}, err
	}

	var maxSeq int
	if err := tx.QueryRow(`SELECT COALESCE(MAX(step_number), 0) FROM steps WHERE session_id = ?`, sessionID).Scan(&maxSeq); err != nil {
		return Step{}, err
	}
	if number != maxSeq+1 {
		return Step{}, fmt.Errorf("%w: got %d, want %d", ErrOutOfOrder, number, maxSeq+1)
	}

	now := time.Now().UTC().Truncate(time.Second)
	st := Step{
		SessionID:   sessionID,
		Number:      number,
		Kind:        kind,
		Description: description,
		Status:      StepInProgress,
		ResultJSON:  "{}",
		StartedAt:   now,
	}
	_, err = tx.Exec(`
		INSERT INTO steps (session_id, step_number, step_kind, description, status, result_json, error_message, started_at)
		VALUES (?, ?, ?, ?, ?, '{}', '', ?)`,
		st.SessionID, st.Number, st.Kind, st.Description, st.Status, now.Format(time.RFC3339),
	)
	if err != nil {
		return Step{}, fmt.Errorf("inserting step: %w", err)
	}
	return st, tx.Commit()
}

// CompleteStep moves an in-progress step to a terminal status and records
// its result payload or error message. Updating an already-terminal step
// fails with ErrStepTerminal.
func (s *Store) CompleteStep(sessionID string, number int, status, resultJSON, errMsg string) (Step, error) {
	if status != StepCompleted && status != StepFailed {
		return Step{}, fmt.Errorf("non-terminal step status %q", status)
	}
	if resultJSON == "" {
		resultJSON = "{}"
	}

	tx, err := s.db.Begin()
	if err != nil {
		return Step{}, fmt.Errorf("beginning step update: %w", err)
	}
	defer tx.Rollback()

	current, err := scanStep(tx.QueryRow(`SELECT `+stepColumns+` FROM steps WHERE session_id = ? AND step_number = ?`, sessionID, number))
	if err != nil {
		return Step{}, err
	}
	if current.Terminal() {
		return current, ErrStepTerminal
	}

	now := time.Now().UTC().Truncate(time.Second)
	_, err = tx.Exec(`
		UPDATE steps SET status = ?, result_json = ?, error_message = ?, completed_at = ?
		WHERE session_id = ? AND step_number = ?`,
		status, resultJSON, errMsg, now.Format(time.RFC3339), sessionID, number,
	)
	if err != nil {
		return Step{}, fmt.Errorf("updating step: %w", err)
	}

	current.Status = status
	current.ResultJSON = resultJSON
	current.ErrorMessage = errMsg
	current.CompletedAt = &now
	return current, tx.Commit()
}

// GetStep loads one step by (session, number).
func (s *Store) GetStep(sessionID string, number int) (Step, error) {
	row := s.db.QueryRow(`SELECT `+stepColumns+` FROM steps WHERE session_id = ? AND step_number = ?`, sessionID, number)
	return scanStep(row)
}

// ListSteps returns a session's steps in ascending step number order.
func (s *Store) ListSteps(sessionID string) ([]Step, error) {
	rows, err := s.db.Query(`SELECT `+stepColumns+` FROM steps WHERE session_id = ? ORDER BY step_number ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Step
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, st)
	}
	return results, rows.Err()
}
