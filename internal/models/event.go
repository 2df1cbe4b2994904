package models

import (
	"time"

	"github.com/google/uuid"
)

// FrameTask is the message consumed by the live recognition loop.
// The JPEG frame travels inline in Data or lives in the blob store under FrameRef.
type FrameTask struct {
	StreamID  string    `json:"stream_id"`
	FrameID   uuid.UUID `json:"frame_id"`
	Timestamp time.Time `json:"timestamp"`
	FrameRef  string    `json:"frame_ref,omitempty"`
	Data      []byte    `json:"data,omitempty"`
}

// RecognitionEvent describes one face seen by the live loop or the recognize
// endpoint. IdentityID is nil when the face did not clear the threshold.
type RecognitionEvent struct {
	ID         uuid.UUID  `json:"id"`
	StreamID   string     `json:"stream_id,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
	BBox       [4]float32 `json:"bbox"` // x1, y1, x2, y2
	Confidence float32    `json:"confidence"`
	IdentityID *string    `json:"identity_id,omitempty"`
	Name       string     `json:"name,omitempty"`
	Score      float32    `json:"score,omitempty"`
}

// Recognized reports whether the event carries a matched identity.
func (e *RecognitionEvent) Recognized() bool {
	return e.IdentityID != nil
}
