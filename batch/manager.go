package batch

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/parleyai/parley/core"
)

// Manager routes batch operations to registered vendor services and restores
// submission order on retrieval.
type Manager struct {
	mu       sync.RWMutex
	services map[string]Service
}

// NewManager constructs an empty manager.
func NewManager() *Manager {
	return &Manager{services: make(map[string]Service)}
}

// Register adds a vendor service under its provider name.
func (m *Manager) Register(provider string, svc Service) error {
	if provider == "" || svc == nil {
		return fmt.Errorf("batch: register requires a provider name and service")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.services[provider]; exists {
		return fmt.Errorf("batch: service %q already registered", provider)
	}
	m.services[provider] = svc
	return nil
}

func (m *Manager) service(provider string) (Service, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	svc, ok := m.services[provider]
	if !ok {
		return nil, core.NewError(core.ErrBadRequest, fmt.Sprintf("batch: no service registered for provider %q", provider))
	}
	return svc, nil
}

// Submit tags each request with its submission ordinal and hands the group to
// the provider's service.
func (m *Manager) Submit(ctx context.Context, provider string, reqs []core.Request) (*Job, error) {
	if len(reqs) == 0 {
		return nil, core.NewError(core.ErrBadRequest, "batch: no requests to submit")
	}
	svc, err := m.service(provider)
	if err != nil {
		return nil, err
	}
	tagged := make([]TaggedRequest, len(reqs))
	for i, req := range reqs {
		tagged[i] = TaggedRequest{Tag: Tag(i), Req: req}
	}
	job, err := svc.Submit(ctx, tagged)
	if err != nil {
		return nil, err
	}
	job.Provider = provider
	if job.Counts.Total == 0 {
		job.Counts.Total = len(reqs)
	}
	return job, nil
}

// Poll refreshes the job's status once.
func (m *Manager) Poll(ctx context.Context, job *Job) (*Job, error) {
	svc, err := m.service(job.Provider)
	if err != nil {
		return nil, err
	}
	updated, err := svc.Poll(ctx, job)
	if err != nil {
		return nil, err
	}
	updated.Provider = job.Provider
	return updated, nil
}

// Wait polls until the job reaches a terminal status or the context ends.
func (m *Manager) Wait(ctx context.Context, job *Job, interval time.Duration) (*Job, error) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	current := job
	for {
		if current.Status.Terminal() {
			return current, nil
		}
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return current, ctx.Err()
		case <-timer.C:
		}
		updated, err := m.Poll(ctx, current)
		if err != nil {
			return current, err
		}
		current = updated
	}
}

// Results fetches finished items and returns them sorted by submission
// ordinal. Vendors are free to store results in completion order; callers
// always observe submission order. Items whose tags were not produced by this
// package sort last.
func (m *Manager) Results(ctx context.Context, job *Job) ([]Item, error) {
	svc, err := m.service(job.Provider)
	if err != nil {
		return nil, err
	}
	items, err := svc.Fetch(ctx, job)
	if err != nil {
		return nil, err
	}
	for i := range items {
		items[i].Ordinal = Ordinal(items[i].Tag)
	}
	sort.SliceStable(items, func(a, b int) bool {
		oa, ob := items[a].Ordinal, items[b].Ordinal
		if oa < 0 {
			return false
		}
		if ob < 0 {
			return true
		}
		return oa < ob
	})
	return items, nil
}

// Cancel requests cancellation of a running job.
func (m *Manager) Cancel(ctx context.Context, job *Job) error {
	svc, err := m.service(job.Provider)
	if err != nil {
		return err
	}
	return svc.Cancel(ctx, job)
}
