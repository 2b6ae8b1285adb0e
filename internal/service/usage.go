package service

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/edirooss/procd/internal/infrastructure/processmgr"
	"go.uber.org/zap"
)

// ProcessSource is what the usage service needs from the process manager.
type ProcessSource interface {
	Processes() []*processmgr.Process
	Limiter() processmgr.ResourceLimiter
	Memory() processmgr.MemorySnapshot
}

type UsageOptions struct {
	// TTL controls how long the in-memory snapshot is served; default 500ms.
	TTL time.Duration `yaml:"ttl" default:"500ms"`
	// RefreshTimeout bounds one refresh; default 1s.
	RefreshTimeout time.Duration `yaml:"refresh_timeout" default:"1s"`
}

func (o *UsageOptions) setDefaults() {
	if o.TTL <= 0 {
		o.TTL = 500 * time.Millisecond
	}
	if o.RefreshTimeout <= 0 {
		o.RefreshTimeout = time.Second
	}
}

// ProcessUsage is the accounting and kernel view of one process.
type ProcessUsage struct {
	ID               string           `json:"id"`
	Group            string           `json:"group"`
	State            processmgr.State `json:"state"`
	ReservedMB       int64            `json:"reserved_mb"`
	BorrowedMB       int64            `json:"borrowed_mb"`
	LimitMB          int64            `json:"limit_mb"`
	UsedBytes        int64            `json:"used_bytes"`
	UsedAndSwapBytes int64            `json:"used_and_swap_bytes"`
	Error            string           `json:"error,omitempty"`
}

// UsageResult lets the handler set headers.
type UsageResult struct {
	Memory      processmgr.MemorySnapshot `json:"memory"`
	Processes   []ProcessUsage            `json:"processes"`
	CacheHit    bool                      `json:"-"`
	GeneratedAt time.Time                 `json:"generated_at"`
}

// UsageService reads per-group memory usage from the limiter. Reads are
// cached for TTL and concurrent refreshes are coalesced, so polling clients
// cannot hammer cgroupfs.
type UsageService struct {
	log *zap.Logger
	src ProcessSource

	mu      sync.RWMutex
	cache   *UsageResult
	expires time.Time

	opts UsageOptions
	now  func() time.Time

	sg singleflight.Group
}

func NewUsageService(log *zap.Logger, src ProcessSource, opts UsageOptions) *UsageService {
	opts.setDefaults()
	return &UsageService{
		log:  log.Named("usage_service"),
		src:  src,
		opts: opts,
		now:  time.Now,
	}
}

// Get returns the cached snapshot or refreshes it when expired.
func (s *UsageService) Get(ctx context.Context) (UsageResult, error) {
	if res, ok := s.fresh(); ok {
		return res, nil
	}

	v, err, _ := s.sg.Do("usage-refresh", func() (any, error) {
		// Double-check freshness after we won the flight
		if res, ok := s.fresh(); ok {
			return res, nil
		}

		ctx, cancel := context.WithTimeout(ctx, s.opts.RefreshTimeout)
		defer cancel()

		res, err := s.refresh(ctx)
		if err != nil {
			return UsageResult{}, err
		}

		s.mu.Lock()
		s.cache = &res
		s.expires = s.now().Add(s.opts.TTL)
		s.mu.Unlock()

		return cloneUsage(res, false), nil
	})
	if err != nil {
		return UsageResult{}, err
	}
	return v.(UsageResult), nil
}

// Process returns the usage of one process, if it is known.
func (s *UsageService) Process(ctx context.Context, id string) (ProcessUsage, bool, error) {
	res, err := s.Get(ctx)
	if err != nil {
		return ProcessUsage{}, false, err
	}
	for _, u := range res.Processes {
		if u.ID == id {
			return u, true, nil
		}
	}
	return ProcessUsage{}, false, nil
}

func (s *UsageService) Invalidate() {
	s.mu.Lock()
	s.cache = nil
	s.expires = time.Time{}
	s.mu.Unlock()
}

func (s *UsageService) fresh() (UsageResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cache != nil && s.now().Before(s.expires) {
		return cloneUsage(*s.cache, true), true
	}
	return UsageResult{}, false
}

func (s *UsageService) refresh(ctx context.Context) (UsageResult, error) {
	res := UsageResult{
		Memory:      s.src.Memory(),
		GeneratedAt: s.now(),
	}
	limiter := s.src.Limiter()

	for _, p := range s.src.Processes() {
		if err := ctx.Err(); err != nil {
			return UsageResult{}, err
		}

		info := p.Info()
		u := ProcessUsage{
			ID:         info.ID,
			Group:      info.Group,
			State:      info.State,
			ReservedMB: info.ReservedMB,
			BorrowedMB: info.BorrowedMB,
			LimitMB:    info.LimitMB,
		}
		if limiter != nil && info.GroupExists {
			used, usedAndSwap, err := limiter.MemoryUsage(info.Group)
			if err != nil {
				s.log.Debug("group usage unavailable", zap.String("group", info.Group), zap.Error(err))
				u.Error = err.Error()
			}
			u.UsedBytes, u.UsedAndSwapBytes = used, usedAndSwap
		}
		res.Processes = append(res.Processes, u)
	}
	return res, nil
}

func cloneUsage(in UsageResult, hit bool) UsageResult {
	out := in
	out.CacheHit = hit
	if len(in.Processes) > 0 {
		out.Processes = make([]ProcessUsage, len(in.Processes))
		copy(out.Processes, in.Processes)
	}
	return out
}
