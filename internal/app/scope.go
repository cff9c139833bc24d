// Package app resolves request-scoped context: the team a call acts
// on. Each request gets its own Scope, so nothing is cached across
// requests or goroutines.
package app

import (
	"context"
	"time"

	"slipsync/internal/domain"
	"slipsync/internal/repo"
)

type Scope struct {
	Repo repo.Repo
	Now  func() time.Time
	seen map[string]domain.Team
}

func NewScope(r repo.Repo, now func() time.Time) *Scope {
	if now == nil {
		now = time.Now
	}
	return &Scope{Repo: r, Now: now, seen: map[string]domain.Team{}}
}

// ResolveTeam ensures the team row exists and returns it. Repeated
// lookups within one request hit the scope cache.
func (s *Scope) ResolveTeam(ctx context.Context, id string) (domain.Team, error) {
	if t, ok := s.seen[id]; ok {
		return t, nil
	}
	if err := s.Repo.EnsureTeam(ctx, id, "", domain.FormatTime(s.Now())); err != nil {
		return domain.Team{}, err
	}
	t, err := s.Repo.GetTeam(ctx, id)
	if err != nil {
		return domain.Team{}, err
	}
	s.seen[id] = t
	return t, nil
}
