package collab

import "time"

// AnnotationType distinguishes the drawable annotation kinds.
type AnnotationType string

const (
	AnnotationText     AnnotationType = "text"
	AnnotationArrow    AnnotationType = "arrow"
	AnnotationCircle   AnnotationType = "circle"
	AnnotationFreehand AnnotationType = "freehand"
)

// Style carries the rendering hints attached to an annotation.
type Style struct {
	Color       string  `json:"color,omitempty"`
	StrokeWidth float64 `json:"strokeWidth,omitempty"`
	FontSize    float64 `json:"fontSize,omitempty"`
}

// Annotation is a spatial note placed by a participant. Annotations are not
// versioned; the latest write for an id wins.
type Annotation struct {
	ID       string         `json:"id"`
	AuthorID string         `json:"authorId"`
	Type     AnnotationType `json:"type"`
	Position Point          `json:"position"`
	Content  string         `json:"content,omitempty"`
	Style    Style          `json:"style"`
	Time     time.Time      `json:"timestamp"`
}
