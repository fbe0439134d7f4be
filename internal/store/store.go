package store

import "context"

// Store composes the durable (Postgres) and live-cache (Redis) backends
// into the single dependency internal/pipeline and internal/alerts each
// expect. Method sets don't overlap between the two embedded types, so
// each interface method resolves to exactly one backend by promotion —
// devices/trips/alert rules/commands to Postgres, live state/dedup/
// debounce/pub-sub to Redis.
type Store struct {
	*Postgres
	*Redis
}

func New(pg *Postgres, rdb *Redis) *Store {
	return &Store{Postgres: pg, Redis: rdb}
}

func (s *Store) Close() {
	s.Postgres.Close()
	_ = s.Redis.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.Postgres.Ping(ctx); err != nil {
		return err
	}
	return s.Redis.Ping(ctx)
}
