package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SaveSource inserts a discovered source. The session must exist; writes
// against a deleted session fail with ErrNotFound (foreign key).
func (s *Store) SaveSource(src Source) (Source, error) {
	if src.ID == "" {
		src.ID = uuid.New().String()
	}
	if src.AccessedAt.IsZero() {
		src.AccessedAt = time.Now().UTC().Truncate(time.Second)
	}
	var publishDate any
	if src.PublishDate != nil {
		publishDate = src.PublishDate.UTC().Format(time.RFC3339)
	}
	_, err := s.db.Exec(`
		INSERT INTO sources (id, session_id, url, title, publisher, author, snippet, content_summary, publish_date, credibility_score, supports_claim, relevance_score, is_primary, accessed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		src.ID, src.SessionID, src.URL, src.Title, src.Publisher, src.Author, src.Snippet,
		src.ContentSummary, publishDate, src.Credibility, boolPtrToInt(src.SupportsClaim),
		src.Relevance, boolToInt(src.IsPrimary), src.AccessedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isForeignKeyErr(err) {
			return Source{}, ErrNotFound
		}
		return Source{}, fmt.Errorf("inserting source: %w", err)
	}
	return src, nil
}

// UpdateSourceContent records the outcome of content extraction for a source.
func (s *Store) UpdateSourceContent(id, contentSummary, author string, publishDate *time.Time) error {
	var pd any
	if publishDate != nil {
		pd = publishDate.UTC().Format(time.RFC3339)
	}
	res, err := s.db.Exec(`UPDATE sources SET content_summary = ?, author = ?, publish_date = ? WHERE id = ?`,
		contentSummary, author, pd, id)
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

// UpdateSourceEvaluation records credibility scoring for a source.
func (s *Store) UpdateSourceEvaluation(id string, credibility float64, supportsClaim bool, relevance float64) error {
	res, err := s.db.Exec(`UPDATE sources SET credibility_score = ?, supports_claim = ?, relevance_score = ? WHERE id = ?`,
		credibility, boolToInt(supportsClaim), relevance, id)
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

// ListSources returns a session's sources, best scored first.
func (s *Store) ListSources(sessionID string) ([]Source, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, url, title, publisher, author, snippet, content_summary, publish_date, credibility_score, supports_claim, relevance_score, is_primary, accessed_at
		FROM sources WHERE session_id = ?
		ORDER BY relevance_score DESC NULLS LAST, credibility_score DESC NULLS LAST, accessed_at ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Source
	for rows.Next() {
		var src Source
		var publishDate sql.NullString
		var credibility, relevance sql.NullFloat64
		var supports sql.NullInt64
		var isPrimary int
		var accessedAt string
		if err := rows.Scan(&src.ID, &src.SessionID, &src.URL, &src.Title, &src.Publisher, &src.Author,
			&src.Snippet, &src.ContentSummary, &publishDate, &credibility, &supports, &relevance,
			&isPrimary, &accessedAt); err != nil {
			return nil, err
		}
		if publishDate.Valid {
			t, err := time.Parse(time.RFC3339, publishDate.String)
			if err != nil {
				return nil, fmt.Errorf("parsing publish_date: %w", err)
			}
			src.PublishDate = &t
		}
		if credibility.Valid {
			src.Credibility = &credibility.Float64
		}
		if relevance.Valid {
			src.Relevance = &relevance.Float64
		}
		if supports.Valid {
			b := supports.Int64 != 0
			src.SupportsClaim = &b
		}
		src.IsPrimary = isPrimary != 0
		if src.AccessedAt, err = time.Parse(time.RFC3339, accessedAt); err != nil {
			return nil, fmt.Errorf("parsing accessed_at: %w", err)
		}
		results = append(results, src)
	}
	return results, rows.Err()
}

// SaveSearchQuery records one query issued against the search provider.
func (s *Store) SaveSearchQuery(q SearchQuery) (SearchQuery, error) {
	if q.ID == "" {
		q.ID = uuid.New().String()
	}
	if q.CreatedAt.IsZero() {
		q.CreatedAt = time.Now().UTC().Truncate(time.Second)
	}
	_, err := s.db.Exec(`
		INSERT INTO search_queries (id, session_id, query_text, search_kind, results_count, successful, error_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		q.ID, q.SessionID, q.Query, q.Kind, q.Results, boolToInt(q.Successful), q.ErrorMessage,
		q.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isForeignKeyErr(err) {
			return SearchQuery{}, ErrNotFound
		}
		return SearchQuery{}, fmt.Errorf("inserting search query: %w", err)
	}
	return q, nil
}

// ListSearchQueries returns a session's search queries, newest first.
func (s *Store) ListSearchQueries(sessionID string) ([]SearchQuery, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, query_text, search_kind, results_count, successful, error_message, created_at
		FROM search_queries WHERE session_id = ? ORDER BY created_at DESC, id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []SearchQuery
	for rows.Next() {
		var q SearchQuery
		var successful int
		var createdAt string
		if err := rows.Scan(&q.ID, &q.SessionID, &q.Query, &q.Kind, &q.Results, &successful, &q.ErrorMessage, &createdAt); err != nil {
			return nil, err
		}
		q.Successful = successful != 0
		if q.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		results = append(results, q)
	}
	return results, rows.Err()
}

// SaveCapabilityCall appends one capability invocation audit record.
func (s *Store) SaveCapabilityCall(c CapabilityCall) (CapabilityCall, error) {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC().Truncate(time.Second)
	}
	_, err := s.db.Exec(`
		INSERT INTO capability_calls (id, session_id, step_number, capability, attempt, request, error_message, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.SessionID, c.StepNumber, c.Capability, c.Attempt, c.Request, c.ErrorMessage,
		c.DurationMS, c.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isForeignKeyErr(err) {
			return CapabilityCall{}, ErrNotFound
		}
		return CapabilityCall{}, fmt.Errorf("inserting capability call: %w", err)
	}
	return c, nil
}

// ListCapabilityCalls returns a session's capability calls in insertion order.
func (s *Store) ListCapabilityCalls(sessionID string) ([]CapabilityCall, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, step_number, capability, attempt, request, error_message, duration_ms, created_at
		FROM capability_calls WHERE session_id = ? ORDER BY created_at ASC, step_number ASC, attempt ASC, id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []CapabilityCall
	for rows.Next() {
		var c CapabilityCall
		var createdAt string
		if err := rows.Scan(&c.ID, &c.SessionID, &c.StepNumber, &c.Capability, &c.Attempt, &c.Request, &c.ErrorMessage, &c.DurationMS, &createdAt); err != nil {
			return nil, err
		}
		if c.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		results = append(results, c)
	}
	return results, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func boolPtrToInt(b *bool) any {
	if b == nil {
		return nil
	}
	return boolToInt(*b)
}

// modernc.org/sqlite surfaces constraint violations as plain errors; match
// on the message to map them to ErrNotFound for deleted sessions.
func isForeignKeyErr(err error) bool {
	return err != nil && strings.Contains(strings.ToUpper(err.Error()), "FOREIGN KEY")
}
