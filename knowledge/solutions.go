package knowledge

import (
	"context"
	"strings"

	"github.com/m4xw311/agentforge/errors"
)

type AddSolutionParams struct {
	ProblemType string
	Solution    string
	Description string
	Metadata    map[string]any
}

type SolutionQuery struct {
	ProblemType      string
	MinEffectiveness float64
	Limit            int
}

const solutionColumns = `id, problem_type, solution, description, effectiveness_score, usage_count, metadata, created_at, updated_at`

func (s *Store) AddSolution(ctx context.Context, p AddSolutionParams) (*Solution, error) {
	meta, err := encodeMetadata(p.Metadata)
	if err != nil {
		return nil, err
	}
	ts := now()
	var id int64
	err = s.db.QueryRowContext(ctx, s.q(`INSERT INTO problem_solutions
		(problem_type, solution, description, effectiveness_score, usage_count, metadata, created_at, updated_at)
		VALUES (?, ?, ?, 1.0, 0, ?, ?, ?) RETURNING id`),
		p.ProblemType, p.Solution, p.Description, meta, ts, ts,
	).Scan(&id)
	if err != nil {
		return nil, errors.Mark(err, errors.ErrStorageUnavailable, "add solution")
	}
	return &Solution{
		ID:                 id,
		ProblemType:        p.ProblemType,
		Solution:           p.Solution,
		Description:        p.Description,
		EffectivenessScore: 1.0,
		Metadata:           p.Metadata,
		CreatedAt:          parseTime(ts),
		UpdatedAt:          parseTime(ts),
	}, nil
}

// SearchSolutions orders by effectiveness, then usage count.
func (s *Store) SearchSolutions(ctx context.Context, sq SolutionQuery) ([]Solution, error) {
	var (
		where []string
		args  []any
	)
	if sq.ProblemType != "" {
		where = append(where, "problem_type = ?")
		args = append(args, sq.ProblemType)
	}
	where = append(where, "effectiveness_score >= ?")
	args = append(args, sq.MinEffectiveness, limitOrDefault(sq.Limit))

	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+solutionColumns+` FROM problem_solutions
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY effectiveness_score DESC, usage_count DESC, id ASC
		LIMIT ?`), args...)
	if err != nil {
		return nil, errors.Mark(err, errors.ErrStorageUnavailable, "search solutions")
	}
	defer rows.Close()

	var out []Solution
	for rows.Next() {
		var (
			sol                Solution
			meta, created, upd string
		)
		if err := rows.Scan(&sol.ID, &sol.ProblemType, &sol.Solution, &sol.Description,
			&sol.EffectivenessScore, &sol.UsageCount, &meta, &created, &upd); err != nil {
			return nil, errors.Mark(err, errors.ErrStorageUnavailable, "scan solution")
		}
		sol.Metadata = decodeMetadata(meta)
		sol.CreatedAt = parseTime(created)
		sol.UpdatedAt = parseTime(upd)
		out = append(out, sol)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Mark(err, errors.ErrStorageUnavailable, "search solutions")
	}
	return out, nil
}

func (s *Store) UpdateSolutionEffectiveness(ctx context.Context, id int64, success bool) error {
	err := s.casObserve(ctx, "problem_solutions", "effectiveness_score", id, success)
	if err != nil {
		return errors.Mark(err, errors.ErrStorageUnavailable, "update solution %d", id)
	}
	return nil
}
