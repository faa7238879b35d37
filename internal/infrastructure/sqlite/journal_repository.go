package sqlite

import (
	"database/sql"
	"fmt"
	"time"
)

const journalColumns = `id, slot_id, frame_id, fragment_id, instance_id, from_state, to_state, error_kind, error_detail, occurred_at`

// JournalRepository stores the slot transition journal. Every lifecycle
// transition the shell observes lands here, so failures remain inspectable
// after the process exits.
type JournalRepository struct {
	db *sql.DB
}

func newJournalRepository(db *sql.DB) *JournalRepository {
	return &JournalRepository{db: db}
}

func scanTransition(scanner interface{ Scan(...any) error }) (*transitionModel, error) {
	var model transitionModel
	err := scanner.Scan(
		&model.ID, &model.SlotID, &model.FrameID, &model.FragmentID,
		&model.InstanceID, &model.FromState, &model.ToState,
		&model.ErrorKind, &model.ErrorDetail, &model.OccurredAt,
	)
	return &model, err
}

// Append records a transition. The record's ID is set on success; a zero
// OccurredAt defaults to now.
func (r *JournalRepository) Append(rec *TransitionRecord) error {
	if rec.SlotID == "" {
		return fmt.Errorf("transition slot id is required")
	}
	if rec.OccurredAt.IsZero() {
		rec.OccurredAt = time.Now()
	}

	model := toTransitionModel(rec)
	result, err := r.db.Exec(
		`INSERT INTO slot_journal (slot_id, frame_id, fragment_id, instance_id, from_state, to_state, error_kind, error_detail, occurred_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		model.SlotID, model.FrameID, model.FragmentID, model.InstanceID,
		model.FromState, model.ToState, model.ErrorKind, model.ErrorDetail,
		model.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append transition: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get transition id: %w", err)
	}
	rec.ID = id
	return nil
}

// Recent returns the newest transitions first, up to limit.
// A non-positive limit returns all records.
func (r *JournalRepository) Recent(limit int) ([]*TransitionRecord, error) {
	query := `SELECT ` + journalColumns + ` FROM slot_journal ORDER BY occurred_at DESC, id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return r.queryTransitions(query, args...)
}

// RecentForSlot returns the newest transitions for one slot, up to limit.
func (r *JournalRepository) RecentForSlot(slotID string, limit int) ([]*TransitionRecord, error) {
	query := `SELECT ` + journalColumns + ` FROM slot_journal WHERE slot_id = ? ORDER BY occurred_at DESC, id DESC`
	args := []any{slotID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return r.queryTransitions(query, args...)
}

// FailureCounts groups failed transitions since the given time by error kind.
func (r *JournalRepository) FailureCounts(since time.Time) (map[string]int, error) {
	rows, err := r.db.Query(
		`SELECT error_kind, COUNT(*) FROM slot_journal
		 WHERE to_state = 'failed' AND occurred_at >= ?
		 GROUP BY error_kind`,
		since.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to count failures: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[string]int)
	for rows.Next() {
		var kind *string
		var count int
		if err := rows.Scan(&kind, &count); err != nil {
			return nil, fmt.Errorf("failed to scan failure count: %w", err)
		}
		key := "unknown"
		if kind != nil && *kind != "" {
			key = *kind
		}
		counts[key] += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating failure counts: %w", err)
	}
	return counts, nil
}

// Prune deletes transitions older than the given time and reports how many
// rows were removed.
func (r *JournalRepository) Prune(olderThan time.Time) (int64, error) {
	result, err := r.db.Exec(`DELETE FROM slot_journal WHERE occurred_at < ?`, olderThan.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to prune journal: %w", err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return removed, nil
}

func (r *JournalRepository) queryTransitions(query string, args ...any) ([]*TransitionRecord, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*TransitionRecord
	for rows.Next() {
		model, err := scanTransition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transition row: %w", err)
		}
		rec := model.toDomain()
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating journal rows: %w", err)
	}
	return records, nil
}
