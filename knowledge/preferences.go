package knowledge

import (
	"context"

	"github.com/m4xw311/agentforge/errors"
)

type SetPreferenceParams struct {
	PreferenceType string
	Value          string
	Confidence     float64
	Metadata       map[string]any
}

// SetPreference appends a preference; earlier values of the same type stay.
// Confidence must lie in [0,1].
func (s *Store) SetPreference(ctx context.Context, p SetPreferenceParams) (*Preference, error) {
	if !(p.Confidence >= 0 && p.Confidence <= 1) {
		return nil, errors.Wrapf(errors.ErrInvalidArgument, "confidence %.2f out of range [0,1]", p.Confidence)
	}
	meta, err := encodeMetadata(p.Metadata)
	if err != nil {
		return nil, err
	}
	ts := now()
	var id int64
	err = s.db.QueryRowContext(ctx, s.q(`INSERT INTO user_preferences
		(preference_type, value, confidence, metadata, created_at)
		VALUES (?, ?, ?, ?, ?) RETURNING id`),
		p.PreferenceType, p.Value, p.Confidence, meta, ts,
	).Scan(&id)
	if err != nil {
		return nil, errors.Mark(err, errors.ErrStorageUnavailable, "set preference")
	}
	return &Preference{
		ID:             id,
		PreferenceType: p.PreferenceType,
		Value:          p.Value,
		Confidence:     p.Confidence,
		Metadata:       p.Metadata,
		CreatedAt:      parseTime(ts),
	}, nil
}

// GetPreferences returns every preference of the type, highest confidence
// first and newest first among equals.
func (s *Store) GetPreferences(ctx context.Context, preferenceType string) ([]Preference, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT id, preference_type, value, confidence, metadata, created_at
		FROM user_preferences WHERE preference_type = ?
		ORDER BY confidence DESC, id DESC`), preferenceType)
	if err != nil {
		return nil, errors.Mark(err, errors.ErrStorageUnavailable, "get preferences")
	}
	defer rows.Close()

	var out []Preference
	for rows.Next() {
		var (
			p             Preference
			meta, created string
		)
		if err := rows.Scan(&p.ID, &p.PreferenceType, &p.Value, &p.Confidence, &meta, &created); err != nil {
			return nil, errors.Mark(err, errors.ErrStorageUnavailable, "scan preference")
		}
		p.Metadata = decodeMetadata(meta)
		p.CreatedAt = parseTime(created)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Mark(err, errors.ErrStorageUnavailable, "get preferences")
	}
	return out, nil
}
