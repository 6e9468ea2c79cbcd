package collab

import "time"

// Default session settings applied by Settings.Normalize.
const (
	DefaultMaxParticipants  = 10
	DefaultExpiresInMinutes = 120
)

// Settings governs how a session behaves for its whole lifetime.
type Settings struct {
	AllowEditing     bool `json:"allowEditing"`
	AutoSync         bool `json:"autoSync"`
	MaxParticipants  int  `json:"maxParticipants"`
	ExpiresInMinutes int  `json:"expiresIn"`
}

// DefaultSettings returns the settings a freshly created session uses.
func DefaultSettings() Settings {
	return Settings{
		AllowEditing:     true,
		AutoSync:         true,
		MaxParticipants:  DefaultMaxParticipants,
		ExpiresInMinutes: DefaultExpiresInMinutes,
	}
}

// Normalize fills defaults so a partially specified Settings literal is
// safe to install. The zero value means "no preference" and takes the full
// defaults, editing and auto-sync included; a literal with any field set
// keeps its booleans and only has zero numerics filled.
func (s Settings) Normalize() Settings {
	if s == (Settings{}) {
		return DefaultSettings()
	}
	if s.MaxParticipants <= 0 {
		s.MaxParticipants = DefaultMaxParticipants
	}
	if s.ExpiresInMinutes <= 0 {
		s.ExpiresInMinutes = DefaultExpiresInMinutes
	}
	return s
}

// CursorPosition is the ephemeral pointer of one participant. It is
// overwritten on every update and never historized.
type CursorPosition struct {
	Position  Point     `json:"position"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Session is one live collaborative room. The Store is its sole mutator;
// everything handed out of the Store is a deep copy.
type Session struct {
	ID           string                    `json:"id"`
	RoomCode     string                    `json:"roomCode"`
	HostID       string                    `json:"hostId"`
	Participants []Participant             `json:"participants"`
	Measurements []Measurement             `json:"measurements"`
	Cursors      map[string]CursorPosition `json:"cursors"`
	Annotations  []Annotation              `json:"annotations"`
	CreatedAt    time.Time                 `json:"createdAt"`
	UpdatedAt    time.Time                 `json:"updatedAt"`
	Settings     Settings                  `json:"settings"`
}

// Expired reports whether the session outlived its configured lifetime.
func (s Session) Expired(now time.Time) bool {
	if s.Settings.ExpiresInMinutes <= 0 {
		return false
	}
	deadline := s.CreatedAt.Add(time.Duration(s.Settings.ExpiresInMinutes) * time.Minute)
	return now.After(deadline)
}

// Clone returns a deep copy safe to hand across goroutine boundaries.
func (s Session) Clone() Session {
	out := s
	out.Participants = append([]Participant(nil), s.Participants...)
	out.Measurements = make([]Measurement, len(s.Measurements))
	for i, m := range s.Measurements {
		out.Measurements[i] = m.Clone()
	}
	out.Annotations = append([]Annotation(nil), s.Annotations...)
	out.Cursors = make(map[string]CursorPosition, len(s.Cursors))
	for id, c := range s.Cursors {
		out.Cursors[id] = c
	}
	return out
}
