package locks

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/attribution-api/internal/types"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Coordinator issues and releases exclusive locks over resource sets.
// Acquisition is immediate accept/reject: on conflict the caller gets a
// ConflictError naming the holder and retries with backoff rather than
// waiting in-process. Locks self-expire via TTL; a sweep reclaims expired
// locks after a grace period.
type Coordinator struct {
	db         *Database
	defaultTTL time.Duration
	grace      time.Duration

	mu      sync.Mutex
	pending []*pendingRequest
}

// pendingRequest is a rejected acquisition remembered so freed resources can
// be offered to the highest-priority waiter first. Pending intents also feed
// the deadlock-avoidance graph.
type pendingRequest struct {
	holderID    string
	resourceIDs []string
	priority    Priority
	requestedAt time.Time
}

// NewCoordinator creates a coordinator with the given default TTL and sweep
// grace period.
func NewCoordinator(gormDB *gorm.DB, defaultTTL, grace time.Duration) *Coordinator {
	return &Coordinator{
		db:         NewDatabase(gormDB),
		defaultTTL: defaultTTL,
		grace:      grace,
	}
}

// Acquire attempts to lock the full resource set all-or-nothing.
//
// It rejects with a ConflictError if any resource is covered by a live lock,
// and with types.ErrDeadlockAvoided if granting would create a cycle in the
// resource-ownership graph, even when no resource is individually contested.
// Rejected requests are remembered for priority offering via NextPending.
func (c *Coordinator) Acquire(req Request) (*HandoffLock, error) {
	logger := log.With().
		Str("holder_id", req.HolderID).
		Strs("resource_ids", req.ResourceIDs).
		Str("service", "locks").
		Logger()

	if len(req.ResourceIDs) == 0 {
		return nil, &types.ValidationError{Field: "resource_ids", Reason: "must not be empty"}
	}
	if req.TTL <= 0 {
		req.TTL = c.defaultTTL
	}
	if req.Priority == "" {
		req.Priority = PriorityMedium
	}

	now := time.Now()
	lock := &HandoffLock{
		LockID:     "LCK_" + uuid.New().String(),
		HeldBy:     req.HolderID,
		Priority:   req.Priority,
		AcquiredAt: now,
		ExpiresAt:  now.Add(req.TTL),
	}

	err := c.db.Transaction(func(tx *gorm.DB) error {
		covers, err := c.db.LiveCovers(tx, req.ResourceIDs, now)
		if err != nil {
			return err
		}
		if len(covers) > 0 {
			c.remember(req, now)
			logger.Debug().
				Str("held_by", covers[0].HeldBy).
				Str("resource_id", covers[0].ResourceID).
				Msg("lock acquisition rejected on conflict")
			return &types.ConflictError{ResourceID: covers[0].ResourceID, HeldBy: covers[0].HeldBy}
		}

		holdings, err := c.db.HoldingsByHolder(tx, now)
		if err != nil {
			return err
		}
		if c.wouldDeadlock(req.HolderID, req.ResourceIDs, holdings) {
			logger.Warn().Msg("lock acquisition rejected to avoid deadlock")
			return types.ErrDeadlockAvoided
		}

		return c.db.CreateLock(tx, lock, req.ResourceIDs)
	})
	if err != nil {
		return nil, err
	}

	c.forget(req.HolderID)
	logger.Debug().Str("lock_id", lock.LockID).Time("expires_at", lock.ExpiresAt).Msg("lock acquired")
	return lock, nil
}

// Release marks the lock released. It is idempotent: releasing a lock not
// held by the caller reports held=false rather than erroring.
func (c *Coordinator) Release(lockID, holderID string) (bool, error) {
	affected, err := c.db.ReleaseLock(lockID, holderID, time.Now())
	if err != nil {
		return false, err
	}
	if affected == 0 {
		log.Debug().
			Str("lock_id", lockID).
			Str("holder_id", holderID).
			Str("service", "locks").
			Msg("release of lock not held")
		return false, nil
	}
	return true, nil
}

// Sweep reclaims locks whose TTL expired at least the grace period ago, e.g.
// locks orphaned by a crashed worker.
func (c *Coordinator) Sweep() (int64, error) {
	reclaimed, err := c.db.SweepExpired(time.Now(), c.grace)
	if err != nil {
		return 0, err
	}
	if reclaimed > 0 {
		log.Info().
			Int64("reclaimed", reclaimed).
			Str("service", "locks").
			Msg("swept expired locks")
	}
	return reclaimed, nil
}

// StartSweep runs Sweep on the given interval until ctx is cancelled.
func (c *Coordinator) StartSweep(ctx context.Context, interval time.Duration) {
	logger := log.With().Str("component", "lock_sweep").Logger()
	logger.Info().Dur("interval", interval).Msg("starting lock sweep")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down lock sweep")
			return
		case <-ticker.C:
			if _, err := c.Sweep(); err != nil {
				logger.Error().Err(err).Msg("lock sweep failed")
			}
		}
	}
}

// NextPending returns the best pending request whose resources are all free
// now: highest priority first, earliest request time within a priority. The
// returned request is removed from the pending set; the caller is expected
// to re-acquire. Returns nil when nothing is grantable.
func (c *Coordinator) NextPending() *Request {
	c.mu.Lock()
	defer c.mu.Unlock()

	sort.SliceStable(c.pending, func(i, j int) bool {
		if c.pending[i].priority.rank() != c.pending[j].priority.rank() {
			return c.pending[i].priority.rank() > c.pending[j].priority.rank()
		}
		return c.pending[i].requestedAt.Before(c.pending[j].requestedAt)
	})

	now := time.Now()
	for i, p := range c.pending {
		free, err := c.resourcesFree(p.resourceIDs, now)
		if err != nil || !free {
			continue
		}
		c.pending = append(c.pending[:i], c.pending[i+1:]...)
		return &Request{
			HolderID:    p.holderID,
			ResourceIDs: p.resourceIDs,
			Priority:    p.priority,
		}
	}
	return nil
}

func (c *Coordinator) resourcesFree(resourceIDs []string, now time.Time) (bool, error) {
	var free bool
	err := c.db.Transaction(func(tx *gorm.DB) error {
		covers, err := c.db.LiveCovers(tx, resourceIDs, now)
		if err != nil {
			return err
		}
		free = len(covers) == 0
		return nil
	})
	return free, err
}

// remember records a rejected request for priority offering. One pending
// intent per holder; a newer request replaces the older one.
func (c *Coordinator) remember(req Request, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, p := range c.pending {
		if p.holderID == req.HolderID {
			p.resourceIDs = req.ResourceIDs
			p.priority = req.Priority
			return
		}
	}
	c.pending = append(c.pending, &pendingRequest{
		holderID:    req.HolderID,
		resourceIDs: req.ResourceIDs,
		priority:    req.Priority,
		requestedAt: now,
	})
}

// forget drops the holder's pending intent after a successful acquisition.
func (c *Coordinator) forget(holderID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, p := range c.pending {
		if p.holderID == holderID {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return
		}
	}
}

// wouldDeadlock checks whether granting resourceIDs to holderID closes a
// cycle in the ownership graph. Edges run from a holder to the holders of
// resources it is waiting on (pending intents); the hypothetical grant adds
// holderID as owner of the requested resources.
func (c *Coordinator) wouldDeadlock(holderID string, resourceIDs []string, holdings map[string][]string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Resource → owner, including the grant under consideration.
	owner := make(map[string]string)
	for holder, resources := range holdings {
		for _, rid := range resources {
			owner[rid] = holder
		}
	}
	for _, rid := range resourceIDs {
		owner[rid] = holderID
	}

	// Holder → holders it waits on.
	waitsOn := make(map[string]map[string]bool)
	addEdge := func(from, rid string) {
		to, ok := owner[rid]
		if !ok || to == from {
			return
		}
		if waitsOn[from] == nil {
			waitsOn[from] = make(map[string]bool)
		}
		waitsOn[from][to] = true
	}
	for _, p := range c.pending {
		for _, rid := range p.resourceIDs {
			addEdge(p.holderID, rid)
		}
	}

	// A cycle through holderID means some chain of waiters ends up waiting
	// on a resource the grant would hand to holderID while holderID itself
	// waits on a member of that chain.
	visited := make(map[string]bool)
	var walk func(from string) bool
	walk = func(from string) bool {
		if from == holderID && len(visited) > 0 {
			return true
		}
		if visited[from] {
			return false
		}
		visited[from] = true
		for to := range waitsOn[from] {
			if walk(to) {
				return true
			}
		}
		return false
	}
	return walk(holderID)
}
