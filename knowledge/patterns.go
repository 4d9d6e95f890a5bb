package knowledge

import (
	"context"
	"database/sql"
	stderrors "errors"
	"strings"

	"github.com/m4xw311/agentforge/errors"
)

// AddPatternParams holds input for storing a new pattern.
type AddPatternParams struct {
	PatternType string
	Code        string
	Description string
	Context     string
	Metadata    map[string]any
}

// PatternQuery filters SearchPatterns. An empty PatternType matches every
// type; Limit <= 0 means 10.
type PatternQuery struct {
	PatternType    string
	MinSuccessRate float64
	Limit          int
}

const patternColumns = `id, pattern_type, code, description, context, usage_count, success_rate, metadata, created_at, updated_at`

// AddPattern stores a pattern with no observations and the optimistic
// success rate of 1.0.
func (s *Store) AddPattern(ctx context.Context, p AddPatternParams) (*Pattern, error) {
	meta, err := encodeMetadata(p.Metadata)
	if err != nil {
		return nil, err
	}
	ts := now()
	var id int64
	err = s.db.QueryRowContext(ctx, s.q(`INSERT INTO code_patterns
		(pattern_type, code, description, context, usage_count, success_rate, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, 1.0, ?, ?, ?) RETURNING id`),
		p.PatternType, p.Code, p.Description, p.Context, meta, ts, ts,
	).Scan(&id)
	if err != nil {
		return nil, errors.Mark(err, errors.ErrStorageUnavailable, "add pattern")
	}
	return &Pattern{
		ID:          id,
		PatternType: p.PatternType,
		Code:        p.Code,
		Description: p.Description,
		Context:     p.Context,
		SuccessRate: 1.0,
		Metadata:    p.Metadata,
		CreatedAt:   parseTime(ts),
		UpdatedAt:   parseTime(ts),
	}, nil
}

// SearchPatterns returns patterns ordered by success rate, then usage count,
// both descending, with ties broken by id.
func (s *Store) SearchPatterns(ctx context.Context, pq PatternQuery) ([]Pattern, error) {
	var (
		where []string
		args  []any
	)
	if pq.PatternType != "" {
		where = append(where, "pattern_type = ?")
		args = append(args, pq.PatternType)
	}
	where = append(where, "success_rate >= ?")
	args = append(args, pq.MinSuccessRate)
	args = append(args, limitOrDefault(pq.Limit))

	query := `SELECT ` + patternColumns + ` FROM code_patterns
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY success_rate DESC, usage_count DESC, id ASC
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, errors.Mark(err, errors.ErrStorageUnavailable, "search patterns")
	}
	defer rows.Close()

	var out []Pattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, errors.Mark(err, errors.ErrStorageUnavailable, "scan pattern")
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Mark(err, errors.ErrStorageUnavailable, "search patterns")
	}
	return out, nil
}

// GetPattern returns nil and no error when id does not exist.
func (s *Store) GetPattern(ctx context.Context, id int64) (*Pattern, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+patternColumns+` FROM code_patterns WHERE id = ?`), id)
	p, err := scanPattern(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Mark(err, errors.ErrStorageUnavailable, "get pattern %d", id)
	}
	return p, nil
}

// UpdatePatternSuccess folds one outcome into the pattern's running mean.
// Unknown ids are ignored.
func (s *Store) UpdatePatternSuccess(ctx context.Context, id int64, success bool) error {
	err := s.casObserve(ctx, "code_patterns", "success_rate", id, success)
	if err != nil {
		return errors.Mark(err, errors.ErrStorageUnavailable, "update pattern %d", id)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPattern(sc scanner) (*Pattern, error) {
	var (
		p                  Pattern
		meta, created, upd string
	)
	if err := sc.Scan(&p.ID, &p.PatternType, &p.Code, &p.Description, &p.Context,
		&p.UsageCount, &p.SuccessRate, &meta, &created, &upd); err != nil {
		return nil, err
	}
	p.Metadata = decodeMetadata(meta)
	p.CreatedAt = parseTime(created)
	p.UpdatedAt = parseTime(upd)
	return &p, nil
}

// casObserve reads (count, score), computes the new mean and writes it only
// if count is unchanged. A zero-row update means another writer got there
// first, so the read is repeated with the fresh values.
func (s *Store) casObserve(ctx context.Context, table, scoreCol string, id int64, success bool) error {
	selectQ := s.q(`SELECT usage_count, ` + scoreCol + ` FROM ` + table + ` WHERE id = ?`)
	updateQ := s.q(`UPDATE ` + table + ` SET usage_count = ?, ` + scoreCol + ` = ?, updated_at = ?
		WHERE id = ? AND usage_count = ?`)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		var (
			count int
			score float64
		)
		err := s.db.QueryRowContext(ctx, selectQ, id).Scan(&count, &score)
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}

		res, err := s.db.ExecContext(ctx, updateQ, count+1, runningMean(score, count, success), now(), id, count)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 1 {
			return nil
		}
	}
}
