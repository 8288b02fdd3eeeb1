package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"bookcal/backend/internal/domain"
	"bookcal/backend/internal/store"
)

func (s *Store) GetConnection(ctx context.Context, hostID string) (domain.CalendarConnection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.connections[hostID]
	if !ok {
		return domain.CalendarConnection{}, store.ErrNotFound
	}
	return c, nil
}

func (s *Store) UpsertConnection(ctx context.Context, c domain.CalendarConnection) (domain.CalendarConnection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if existing, ok := s.connections[c.HostID]; ok {
		c.CreatedAt = existing.CreatedAt
	} else {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	s.connections[c.HostID] = c
	return c, nil
}

func (s *Store) UpdateTokens(ctx context.Context, hostID string, u domain.TokenUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.connections[hostID]
	if !ok {
		return store.ErrNotFound
	}
	c.AccessTokenEnc = u.AccessTokenEnc
	c.RefreshTokenEnc = u.RefreshTokenEnc
	c.TokenExpiry = u.TokenExpiry.UTC()
	c.UpdatedAt = s.now()
	s.connections[hostID] = c
	return nil
}

func (s *Store) DisableSync(ctx context.Context, hostID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.connections[hostID]
	if !ok {
		return store.ErrNotFound
	}
	c.SyncEnabled = false
	c.UpdatedAt = s.now()
	s.connections[hostID] = c
	return nil
}

func (s *Store) DeleteConnection(ctx context.Context, hostID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.connections, hostID)
	return nil
}

func (s *Store) GetPolicy(ctx context.Context, hostID string) (domain.WorkingHoursPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[hostID]
	if !ok {
		return domain.WorkingHoursPolicy{}, store.ErrNotFound
	}
	return p, nil
}

func (s *Store) SavePolicy(ctx context.Context, settings domain.HostSettings, hours []domain.WorkingHours) error {
	p, err := domain.BuildPolicy(settings, hours)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[settings.HostID] = p
	return nil
}

// PutPolicy stores an already built policy.
func (s *Store) PutPolicy(p domain.WorkingHoursPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[p.HostID] = p
}

func (s *Store) EnqueuePushJob(ctx context.Context, job domain.PushJob) (domain.PushJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return domain.PushJob{}, err
		}
		job.ID = id
	}
	now := s.now()
	if job.RunAt.IsZero() {
		job.RunAt = now
	}
	job.CreatedAt = now
	job.UpdatedAt = now
	s.jobs[job.ID] = job
	return job, nil
}

func (s *Store) ClaimDuePushJobs(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]domain.PushJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	due := make([]domain.PushJob, 0)
	for _, j := range s.jobs {
		if !j.RunAt.After(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].RunAt.Before(due[j].RunAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	for _, j := range due {
		leased := j
		leased.RunAt = now.Add(lease)
		s.jobs[j.ID] = leased
	}
	return due, nil
}

func (s *Store) ReschedulePushJob(ctx context.Context, id uuid.UUID, attempts int, runAt time.Time, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	j.Attempts = attempts
	j.RunAt = runAt
	j.LastError = lastErr
	j.UpdatedAt = s.now()
	s.jobs[id] = j
	return nil
}

func (s *Store) DeletePushJob(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	return nil
}

// PushJobs returns a snapshot of queued jobs ordered by RunAt.
func (s *Store) PushJobs() []domain.PushJob {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.PushJob, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunAt.Before(out[j].RunAt) })
	return out
}
