package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const preferenceColumns = `id, profile, config_yaml, created_at, updated_at`

// PreferencesRepository stores locally-mutated shell configurations,
// one snapshot per profile.
type PreferencesRepository struct {
	db *sql.DB
}

func newPreferencesRepository(db *sql.DB) *PreferencesRepository {
	return &PreferencesRepository{db: db}
}

func scanPreference(scanner interface{ Scan(...any) error }) (*preferenceModel, error) {
	var model preferenceModel
	err := scanner.Scan(&model.ID, &model.Profile, &model.ConfigYAML, &model.CreatedAt, &model.UpdatedAt)
	return &model, err
}

// Save upserts the snapshot for a profile. An existing profile keeps its
// creation time; ID and timestamps are written back to p.
func (r *PreferencesRepository) Save(p *Preference) error {
	if p.Profile == "" {
		return fmt.Errorf("preference profile is required")
	}

	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	model, err := toPreferenceModel(p)
	if err != nil {
		return err
	}

	_, err = r.db.Exec(
		`INSERT INTO preferences (profile, config_yaml, created_at, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(profile) DO UPDATE SET
			config_yaml = excluded.config_yaml,
			updated_at = excluded.updated_at`,
		model.Profile, model.ConfigYAML, model.CreatedAt, model.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save preference: %w", err)
	}

	row := r.db.QueryRow(`SELECT id, created_at FROM preferences WHERE profile = ?`, model.Profile)
	var createdAt int64
	if err := row.Scan(&p.ID, &createdAt); err != nil {
		return fmt.Errorf("failed to read back preference: %w", err)
	}
	p.CreatedAt = time.Unix(createdAt, 0)
	return nil
}

// Find retrieves the snapshot for a profile.
// Returns PreferenceNotFoundError if none is saved.
func (r *PreferencesRepository) Find(profile string) (*Preference, error) {
	row := r.db.QueryRow(
		`SELECT `+preferenceColumns+` FROM preferences WHERE profile = ?`,
		profile,
	)
	model, err := scanPreference(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &PreferenceNotFoundError{Profile: profile}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find preference: %w", err)
	}
	return model.toDomain()
}

// Profiles lists the saved profile names, sorted.
func (r *PreferencesRepository) Profiles() ([]string, error) {
	rows, err := r.db.Query(`SELECT profile FROM preferences ORDER BY profile ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list profiles: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var profiles []string
	for rows.Next() {
		var profile string
		if err := rows.Scan(&profile); err != nil {
			return nil, fmt.Errorf("failed to scan profile row: %w", err)
		}
		profiles = append(profiles, profile)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating profile rows: %w", err)
	}
	return profiles, nil
}

// Delete removes the snapshot for a profile.
// Returns PreferenceNotFoundError if none is saved.
func (r *PreferencesRepository) Delete(profile string) error {
	result, err := r.db.Exec(`DELETE FROM preferences WHERE profile = ?`, profile)
	if err != nil {
		return fmt.Errorf("failed to delete preference: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return &PreferenceNotFoundError{Profile: profile}
	}
	return nil
}
