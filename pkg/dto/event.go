package dto

import "time"

// StatsResponse is GET /v1/stats.
type StatsResponse struct {
	IdentityCount     int     `json:"identity_count"`
	SampleCount       int     `json:"sample_count"`
	TotalRecognitions int64   `json:"total_recognitions"`
	Threshold         float64 `json:"threshold"`
	Dimensionality    int     `json:"dimensionality"`
	ModelID           string  `json:"model_id,omitempty"`
}

// StreamStatsResponse is one entry of GET /v1/live/stats.
type StreamStatsResponse struct {
	StreamID        string    `json:"stream_id"`
	FramesProcessed int64     `json:"frames_processed"`
	FacesDetected   int64     `json:"faces_detected"`
	FacesRecognized int64     `json:"faces_recognized"`
	FPS             float64   `json:"fps"`
	LastFrameAt     time.Time `json:"last_frame_at"`
}
