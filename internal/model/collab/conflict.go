package collab

import "sort"

// ApplyRemoteMeasurement is the conflict gate for versioned entities arriving
// from peers. A strictly newer version overwrites the local copy; an unknown
// id is inserted as-is. Anything at or below the local version is never
// applied: it is parked on the per-entity conflict queue for the next
// ResolveConflicts pass. The return value reports whether the local copy
// changed, so callers know when to notify collaborators.
func (s *Store) ApplyRemoteMeasurement(m Measurement) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now().UTC()
	i := s.measurementIndex(m.ID)
	if i < 0 {
		s.session.Measurements = append(s.session.Measurements, m.Clone())
		s.touch(now)
		return true
	}
	if m.Version > s.session.Measurements[i].Version {
		s.session.Measurements[i] = m.Clone()
		s.touch(now)
		return true
	}
	s.conflicts[m.ID] = append(s.conflicts[m.ID], m.Clone())
	return false
}

// ObserveMeasurement applies m when it is unknown or strictly newer than the
// local copy, and drops it otherwise. Unlike ApplyRemoteMeasurement nothing
// is queued: relays observing traffic keep the freshest copy they have seen
// but take no part in conflict resolution, that stays with the editors.
func (s *Store) ObserveMeasurement(m Measurement) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now().UTC()
	i := s.measurementIndex(m.ID)
	if i < 0 {
		s.session.Measurements = append(s.session.Measurements, m.Clone())
		s.touch(now)
		return true
	}
	if m.Version > s.session.Measurements[i].Version {
		s.session.Measurements[i] = m.Clone()
		s.touch(now)
		return true
	}
	return false
}

// ResolveConflicts drains every non-empty conflict queue. For each contested
// entity the local value wins, stamped with max(local, queued versions)+1 so
// it supersedes everything seen so far. The bumped copies are returned for
// re-broadcast, in id order so repeated passes behave deterministically.
// This is last-writer-by-version-bump, not a field-level merge: concurrent
// edits to different fields of the same entity drop the losing side.
func (s *Store) ResolveConflicts() []Measurement {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.conflicts) == 0 {
		return nil
	}

	ids := make([]string, 0, len(s.conflicts))
	for id := range s.conflicts {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	now := s.clock.Now().UTC()
	resolved := make([]Measurement, 0, len(ids))
	for _, id := range ids {
		queued := s.conflicts[id]
		delete(s.conflicts, id)

		i := s.measurementIndex(id)
		if i < 0 {
			// Entity vanished under a sync overwrite; nothing to defend.
			continue
		}
		local := &s.session.Measurements[i]
		max := local.Version
		for _, q := range queued {
			if q.Version > max {
				max = q.Version
			}
		}
		local.Version = max + 1
		local.Time = now
		resolved = append(resolved, local.Clone())
	}
	if len(resolved) > 0 {
		s.touch(now)
	}
	return resolved
}

// pendingConflicts reports the queue depth for one entity (test hook).
func (s *Store) pendingConflicts(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conflicts[id])
}
