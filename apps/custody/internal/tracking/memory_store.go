package tracking

import (
	"context"
	"sort"
	"sync"
	"time"

	"custody/apps/custody/internal/model"
)

// MemoryStore keeps waypoints in process memory. Used with WAYPOINT_STORE=memory
// for local runs; contents are lost on restart.
type MemoryStore struct {
	waypoints map[string][]model.Waypoint // delivery id -> insertion order
	mu        sync.RWMutex
}

// NewMemoryStore creates a new in-memory waypoint store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		waypoints: make(map[string][]model.Waypoint),
	}
}

func (s *MemoryStore) InsertWaypoint(ctx context.Context, waypoint model.Waypoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waypoints[waypoint.DeliveryID] = append(s.waypoints[waypoint.DeliveryID], waypoint)
	return nil
}

func (s *MemoryStore) ListWaypoints(ctx context.Context, deliveryID string, query model.WaypointQuery) ([]model.Waypoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Waypoint
	for _, w := range s.sorted(deliveryID) {
		if query.StartTime != nil && w.RecordedAt.Before(*query.StartTime) {
			continue
		}
		if query.EndTime != nil && w.RecordedAt.After(*query.EndTime) {
			continue
		}
		result = append(result, w)
	}

	// Apply pagination
	start := query.Offset
	if start > len(result) {
		return []model.Waypoint{}, nil
	}
	end := len(result)
	if query.Limit > 0 && start+query.Limit < end {
		end = start + query.Limit
	}
	return result[start:end], nil
}

func (s *MemoryStore) LastWaypoint(ctx context.Context, deliveryID string) (*model.Waypoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	sorted := s.sorted(deliveryID)
	if len(sorted) == 0 {
		return nil, nil
	}
	last := sorted[len(sorted)-1]
	return &last, nil
}

func (s *MemoryStore) MarkProofSubmitted(ctx context.Context, deliveryID, cid string, waypointIDs []string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	wanted := make(map[string]struct{}, len(waypointIDs))
	for _, id := range waypointIDs {
		wanted[id] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var marked int64
	trail := s.waypoints[deliveryID]
	for i := range trail {
		if trail[i].ProofSubmitted {
			continue
		}
		if _, ok := wanted[trail[i].ID]; !ok {
			continue
		}
		proofCID := cid
		trail[i].ProofSubmitted = true
		trail[i].ProofCID = &proofCID
		marked++
	}
	return marked, nil
}

func (s *MemoryStore) DeleteProvenBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for deliveryID, trail := range s.waypoints {
		kept := trail[:0]
		for _, w := range trail {
			if w.ProofSubmitted && w.RecordedAt.Before(cutoff) {
				deleted++
				continue
			}
			kept = append(kept, w)
		}
		if len(kept) == 0 {
			delete(s.waypoints, deliveryID)
			continue
		}
		s.waypoints[deliveryID] = kept
	}
	return deleted, nil
}

// sorted returns a copy ordered by recorded time; insertion order breaks ties.
// Callers must hold the lock.
func (s *MemoryStore) sorted(deliveryID string) []model.Waypoint {
	trail := make([]model.Waypoint, len(s.waypoints[deliveryID]))
	copy(trail, s.waypoints[deliveryID])
	sort.SliceStable(trail, func(i, j int) bool {
		return trail[i].RecordedAt.Before(trail[j].RecordedAt)
	})
	return trail
}
