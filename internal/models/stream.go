package models

import "time"

// StreamStats are the live loop counters for one camera stream.
type StreamStats struct {
	StreamID        string    `json:"stream_id"`
	FramesProcessed int64     `json:"frames_processed"`
	FacesDetected   int64     `json:"faces_detected"`
	FacesRecognized int64     `json:"faces_recognized"`
	FPS             float64   `json:"fps"`
	LastFrameAt     time.Time `json:"last_frame_at"`
}
