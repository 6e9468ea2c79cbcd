package collab

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// Store is the authoritative in-memory copy of one session. It is the sole
// mutator of the Session: every local operation and every remote update
// flows through it, serialized behind a single mutex. Concurrent remote
// writers never touch session fields directly; versioned entities pass the
// ApplyRemoteMeasurement gate, and stale updates land on a per-entity
// conflict queue until ResolveConflicts runs.
type Store struct {
	mu        sync.Mutex
	session   Session
	conflicts map[string][]Measurement
	clock     clockwork.Clock
}

// NewStore wraps a session. The clock stamps UpdatedAt and entity timestamps;
// pass nil to use wall time.
func NewStore(session Session, clock clockwork.Clock) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	s := &Store{
		session:   session.Clone(),
		conflicts: make(map[string][]Measurement),
		clock:     clock,
	}
	if s.session.Cursors == nil {
		s.session.Cursors = make(map[string]CursorPosition)
	}
	return s
}

// Snapshot returns a deep copy of the current session.
func (s *Store) Snapshot() Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session.Clone()
}

// Install replaces the session wholesale, dropping any queued conflicts.
// Used when the authoritative state arrives on join or resume.
func (s *Store) Install(session Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = session.Clone()
	if s.session.Cursors == nil {
		s.session.Cursors = make(map[string]CursorPosition)
	}
	s.conflicts = make(map[string][]Measurement)
}

// Expired reports whether the session outlived its configured lifetime.
func (s *Store) Expired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session.Expired(s.clock.Now())
}

// Participant looks up one roster entry by participant id.
func (s *Store) Participant(id string) (Participant, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.participantIndex(id); i >= 0 {
		return s.session.Participants[i], true
	}
	return Participant{}, false
}

// AddParticipant appends a new roster entry or reactivates an existing one.
// A returning participant (same id) is reactivated in place so the roster
// never holds duplicate ids and a rejoin does not consume capacity. The
// session keeps at most one host: a second host-role joiner is demoted to
// editor. New joiners past MaxParticipants fail with ErrCapacityExceeded.
func (s *Store) AddParticipant(p Participant) (Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now().UTC()
	if i := s.participantIndex(p.ID); i >= 0 {
		existing := &s.session.Participants[i]
		existing.IsActive = true
		existing.LastSeen = now
		if p.Name != "" {
			existing.Name = p.Name
		}
		s.touch(now)
		return *existing, nil
	}

	if len(s.session.Participants) >= s.session.Settings.MaxParticipants {
		return Participant{}, ErrCapacityExceeded
	}
	if p.Role == RoleHost && s.hostPresent() {
		p.Role = RoleEditor
	}
	if p.Role == "" {
		p.Role = RoleEditor
		if !s.session.Settings.AllowEditing {
			p.Role = RoleViewer
		}
	}
	if p.Color == "" {
		p.Color = colorForIndex(len(s.session.Participants))
	}
	if p.JoinedAt.IsZero() {
		p.JoinedAt = now
	}
	p.IsActive = true
	p.LastSeen = now
	s.session.Participants = append(s.session.Participants, p)
	s.touch(now)
	return p, nil
}

// MarkParticipantLeft flags a roster entry inactive. The entry itself stays,
// preserving attribution for everything the participant shared. It reports
// true only when this call deactivated the entry, so a leave following a
// disconnect is announced once.
func (s *Store) MarkParticipantLeft(id string) (Participant, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.participantIndex(id)
	if i < 0 {
		return Participant{}, false
	}
	now := s.clock.Now().UTC()
	p := &s.session.Participants[i]
	if !p.IsActive {
		return *p, false
	}
	p.IsActive = false
	p.LastSeen = now
	s.touch(now)
	return *p, true
}

// ActiveParticipants counts roster entries currently connected.
func (s *Store) ActiveParticipants() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.session.Participants {
		if p.IsActive {
			n++
		}
	}
	return n
}

// CreateMeasurement shares a locally captured measurement at version 1.
func (s *Store) CreateMeasurement(authorID string, points []Point, distance float64, unit Unit, label string) (Measurement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.canEdit(authorID) {
		return Measurement{}, ErrPermissionDenied
	}
	now := s.clock.Now().UTC()
	m := Measurement{
		ID:       uuid.NewString(),
		AuthorID: authorID,
		Points:   append([]Point(nil), points...),
		Distance: distance,
		Unit:     unit,
		Label:    label,
		Time:     now,
		Version:  1,
	}
	s.session.Measurements = append(s.session.Measurements, m)
	s.touch(now)
	return m.Clone(), nil
}

// UpdateMeasurement applies a locally authored edit, bumping the version by
// one. Locked measurements reject every caller but the host; a rejected
// mutation leaves the store untouched.
func (s *Store) UpdateMeasurement(callerID string, m Measurement) (Measurement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.measurementIndex(m.ID)
	if i < 0 {
		return Measurement{}, fmt.Errorf("measurement %s: %w", m.ID, ErrNotFound)
	}
	local := s.session.Measurements[i]
	if local.Locked && !s.isHost(callerID) {
		return Measurement{}, fmt.Errorf("measurement %s is locked: %w", m.ID, ErrPermissionDenied)
	}
	if !s.canEdit(callerID) {
		return Measurement{}, ErrPermissionDenied
	}

	now := s.clock.Now().UTC()
	next := m.Clone()
	next.AuthorID = local.AuthorID
	next.Locked = local.Locked
	next.Version = local.Version + 1
	next.Time = now
	s.session.Measurements[i] = next
	s.touch(now)
	return next.Clone(), nil
}

// SetMeasurementLocked toggles the host-only lock flag. Locking counts as a
// mutation, so the version advances.
func (s *Store) SetMeasurementLocked(callerID, id string, locked bool) (Measurement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isHost(callerID) {
		return Measurement{}, fmt.Errorf("lock measurement: %w", ErrPermissionDenied)
	}
	i := s.measurementIndex(id)
	if i < 0 {
		return Measurement{}, fmt.Errorf("measurement %s: %w", id, ErrNotFound)
	}
	now := s.clock.Now().UTC()
	m := &s.session.Measurements[i]
	m.Locked = locked
	m.Version++
	m.Time = now
	s.touch(now)
	return m.Clone(), nil
}

// Measurement looks up one shared measurement by id.
func (s *Store) Measurement(id string) (Measurement, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.measurementIndex(id); i >= 0 {
		return s.session.Measurements[i].Clone(), true
	}
	return Measurement{}, false
}

// AddAnnotation shares a locally placed annotation.
func (s *Store) AddAnnotation(authorID string, t AnnotationType, pos Point, content string, style Style) (Annotation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.canEdit(authorID) {
		return Annotation{}, ErrPermissionDenied
	}
	now := s.clock.Now().UTC()
	a := Annotation{
		ID:       uuid.NewString(),
		AuthorID: authorID,
		Type:     t,
		Position: pos,
		Content:  content,
		Style:    style,
		Time:     now,
	}
	s.session.Annotations = append(s.session.Annotations, a)
	s.touch(now)
	return a, nil
}

// ApplyRemoteAnnotation upserts an annotation received from a peer.
// Annotations carry no version; the latest write wins.
func (s *Store) ApplyRemoteAnnotation(a Annotation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now().UTC()
	for i := range s.session.Annotations {
		if s.session.Annotations[i].ID == a.ID {
			s.session.Annotations[i] = a
			s.touch(now)
			return
		}
	}
	s.session.Annotations = append(s.session.Annotations, a)
	s.touch(now)
}

// SetCursor overwrites a participant's ephemeral cursor position.
func (s *Store) SetCursor(participantID string, pos Point) CursorPosition {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now().UTC()
	c := CursorPosition{Position: pos, UpdatedAt: now}
	s.session.Cursors[participantID] = c
	s.touch(now)
	return c
}

// ApplySync blindly overwrites the measurement and annotation arrays with a
// peer's full copy. This is the coarse reconciliation net that bounds drift
// between incremental updates; queued conflicts are dropped alongside the
// entities they referred to.
func (s *Store) ApplySync(measurements []Measurement, annotations []Annotation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ms := make([]Measurement, len(measurements))
	for i, m := range measurements {
		ms[i] = m.Clone()
	}
	s.session.Measurements = ms
	s.session.Annotations = append([]Annotation(nil), annotations...)
	s.conflicts = make(map[string][]Measurement)
	s.touch(s.clock.Now().UTC())
}

func (s *Store) participantIndex(id string) int {
	for i := range s.session.Participants {
		if s.session.Participants[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) measurementIndex(id string) int {
	for i := range s.session.Measurements {
		if s.session.Measurements[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) hostPresent() bool {
	for _, p := range s.session.Participants {
		if p.Role == RoleHost {
			return true
		}
	}
	return false
}

func (s *Store) isHost(id string) bool {
	i := s.participantIndex(id)
	return i >= 0 && s.session.Participants[i].Role == RoleHost
}

// canEdit gates locally authored mutations: hosts always may, editors only
// while the session allows editing, viewers never.
func (s *Store) canEdit(id string) bool {
	i := s.participantIndex(id)
	if i < 0 {
		return false
	}
	switch s.session.Participants[i].Role {
	case RoleHost:
		return true
	case RoleEditor:
		return s.session.Settings.AllowEditing
	default:
		return false
	}
}

// touch must be called with the lock held after every successful mutation.
func (s *Store) touch(now time.Time) {
	s.session.UpdatedAt = now
}
