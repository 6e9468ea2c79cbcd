package collab

import "time"

// Point is one spatial coordinate of a measurement, already computed by the
// AR capture layer. The engine never derives geometry itself.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Unit is the display unit a distance was captured in.
type Unit string

const (
	UnitMeters      Unit = "m"
	UnitCentimeters Unit = "cm"
	UnitFeet        Unit = "ft"
	UnitInches      Unit = "in"
)

// Measurement is one shared spatial measurement. Version starts at 1 and
// strictly increases on every successful mutation; once Locked, only the
// host may mutate it.
type Measurement struct {
	ID       string    `json:"id"`
	AuthorID string    `json:"authorId"`
	Points   []Point   `json:"points"`
	Distance float64   `json:"distance"`
	Unit     Unit      `json:"unit"`
	Label    string    `json:"label,omitempty"`
	Time     time.Time `json:"timestamp"`
	Version  uint64    `json:"version"`
	Locked   bool      `json:"locked"`
}

// Clone returns a copy with its own points slice.
func (m Measurement) Clone() Measurement {
	out := m
	out.Points = append([]Point(nil), m.Points...)
	return out
}
