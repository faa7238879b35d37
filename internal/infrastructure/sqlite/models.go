package sqlite

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zjrosen/tessera/internal/federation/descriptor"
)

// Preference is one saved shell-configuration snapshot, keyed by profile.
// The API's preferences endpoint and the fragments diff command read and
// write these.
type Preference struct {
	ID        int64
	Profile   string
	Config    descriptor.ShellConfiguration
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PreferenceNotFoundError indicates no saved preference for a profile.
type PreferenceNotFoundError struct {
	Profile string
}

func (e *PreferenceNotFoundError) Error() string {
	return fmt.Sprintf("no saved preferences for profile %q", e.Profile)
}

// preferenceModel is the database row for the preferences table.
// The configuration is stored as a YAML snapshot; time values are Unix
// timestamps.
type preferenceModel struct {
	ID         int64
	Profile    string
	ConfigYAML string
	CreatedAt  int64
	UpdatedAt  int64
}

func toPreferenceModel(p *Preference) (*preferenceModel, error) {
	raw, err := yaml.Marshal(p.Config)
	if err != nil {
		return nil, fmt.Errorf("encode preference snapshot: %w", err)
	}
	return &preferenceModel{
		ID:         p.ID,
		Profile:    p.Profile,
		ConfigYAML: string(raw),
		CreatedAt:  p.CreatedAt.Unix(),
		UpdatedAt:  p.UpdatedAt.Unix(),
	}, nil
}

func (m *preferenceModel) toDomain() (*Preference, error) {
	var cfg descriptor.ShellConfiguration
	if err := yaml.Unmarshal([]byte(m.ConfigYAML), &cfg); err != nil {
		return nil, fmt.Errorf("decode preference snapshot for profile %q: %w", m.Profile, err)
	}
	return &Preference{
		ID:        m.ID,
		Profile:   m.Profile,
		Config:    cfg,
		CreatedAt: time.Unix(m.CreatedAt, 0),
		UpdatedAt: time.Unix(m.UpdatedAt, 0),
	}, nil
}

// TransitionRecord is one slot state change in the journal. States and
// error kinds are stored as plain strings so the journal stays readable
// with any sqlite tool.
type TransitionRecord struct {
	ID          int64
	SlotID      string
	FrameID     string
	FragmentID  string
	InstanceID  string
	From        string
	To          string
	ErrorKind   string
	ErrorDetail string
	OccurredAt  time.Time
}

// transitionModel is the database row for the slot_journal table.
type transitionModel struct {
	ID          int64
	SlotID      string
	FrameID     string
	FragmentID  string
	InstanceID  *string // nullable
	FromState   string
	ToState     string
	ErrorKind   *string // nullable
	ErrorDetail *string // nullable
	OccurredAt  int64
}

func toTransitionModel(rec *TransitionRecord) *transitionModel {
	m := &transitionModel{
		ID:         rec.ID,
		SlotID:     rec.SlotID,
		FrameID:    rec.FrameID,
		FragmentID: rec.FragmentID,
		FromState:  rec.From,
		ToState:    rec.To,
		OccurredAt: rec.OccurredAt.Unix(),
	}
	if rec.InstanceID != "" {
		instanceID := rec.InstanceID
		m.InstanceID = &instanceID
	}
	if rec.ErrorKind != "" {
		errorKind := rec.ErrorKind
		m.ErrorKind = &errorKind
	}
	if rec.ErrorDetail != "" {
		errorDetail := rec.ErrorDetail
		m.ErrorDetail = &errorDetail
	}
	return m
}

func (m *transitionModel) toDomain() TransitionRecord {
	rec := TransitionRecord{
		ID:         m.ID,
		SlotID:     m.SlotID,
		FrameID:    m.FrameID,
		FragmentID: m.FragmentID,
		From:       m.FromState,
		To:         m.ToState,
		OccurredAt: time.Unix(m.OccurredAt, 0),
	}
	if m.InstanceID != nil {
		rec.InstanceID = *m.InstanceID
	}
	if m.ErrorKind != nil {
		rec.ErrorKind = *m.ErrorKind
	}
	if m.ErrorDetail != nil {
		rec.ErrorDetail = *m.ErrorDetail
	}
	return rec
}
