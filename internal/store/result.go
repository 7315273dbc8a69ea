package store

import (
	"context"
	"fmt"
	"iter"
	"time"

	"basegraph.app/observer/core/db"
	"basegraph.app/observer/internal/model"
)

type resultStore struct {
	db db.DBTX
}

func NewResultStore(conn db.DBTX) ResultStore {
	return &resultStore{db: conn}
}

const findStaleSQL = `
SELECT name, finished_at, failed
FROM package_results
WHERE finished_at < $1 OR (failed AND finished_at < $2)
ORDER BY finished_at
LIMIT $3`

func (s *resultStore) FindStale(ctx context.Context, q model.StaleQuery) iter.Seq2[model.StaleCandidate, error] {
	return func(yield func(model.StaleCandidate, error) bool) {
		limit := q.Limit
		if limit <= 0 {
			limit = 1000
		}

		rows, err := s.db.Query(ctx, findStaleSQL, q.Before, q.FailedBefore, limit)
		if err != nil {
			yield(model.StaleCandidate{}, fmt.Errorf("querying stale results: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var (
				c          model.StaleCandidate
				finishedAt time.Time
			)
			if err := rows.Scan(&c.Name, &finishedAt, &c.Failed); err != nil {
				yield(model.StaleCandidate{}, fmt.Errorf("scanning stale result: %w", err))
				return
			}
			c.LastProcessedAt = finishedAt
			if !yield(c, nil) {
				return
			}
		}

		if err := rows.Err(); err != nil {
			yield(model.StaleCandidate{}, fmt.Errorf("iterating stale results: %w", err))
		}
	}
}
