package collab

import "time"

// Role governs a participant's edit rights within a session.
type Role string

const (
	RoleHost   Role = "host"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

// Participant is one connected identity within a session. Participants are
// marked inactive when they leave, never removed, so attribution of
// measurements and annotations survives departures.
type Participant struct {
	ID       string    `json:"id"`
	UserID   string    `json:"userId"`
	Name     string    `json:"name"`
	Role     Role      `json:"role"`
	Color    string    `json:"color"`
	IsActive bool      `json:"isActive"`
	JoinedAt time.Time `json:"joinedAt"`
	LastSeen time.Time `json:"lastSeen"`
}

// participantPalette assigns stable display colors by join order.
var participantPalette = []string{
	"#FF6B6B", "#4ECDC4", "#FFD93D", "#6C5CE7", "#00B894",
	"#E17055", "#0984E3", "#FD79A8", "#55EFC4", "#FAB1A0",
}

func colorForIndex(i int) string {
	return participantPalette[i%len(participantPalette)]
}
