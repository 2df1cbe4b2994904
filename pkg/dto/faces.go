// Package dto holds the JSON shapes of the HTTP API.
package dto

import "time"

// FaceRequest is the JSON form of an enroll, add-sample, search or recognize
// call for clients that compute embeddings themselves. Multipart uploads
// carry the same fields as form values plus an "image" file.
type FaceRequest struct {
	Name      string         `json:"name"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Embedding []float32      `json:"embedding"`
	TopK      int            `json:"top_k,omitempty"`
	MinScore  *float32       `json:"min_score,omitempty"`
}

type SampleResponse struct {
	Index    int       `json:"index"`
	HasImage bool      `json:"has_image"`
	ImageURL string    `json:"image_url,omitempty"`
	AddedAt  time.Time `json:"added_at"`
}

type IdentityResponse struct {
	ID               string           `json:"id"`
	Name             string           `json:"name"`
	Metadata         map[string]any   `json:"metadata"`
	SampleCount      int              `json:"sample_count"`
	Samples          []SampleResponse `json:"samples,omitempty"`
	RegisteredAt     time.Time        `json:"registered_at"`
	LastSeen         *time.Time       `json:"last_seen,omitempty"`
	RecognitionCount int64            `json:"recognition_count"`
}

type EnrollResponse struct {
	Identity IdentityResponse `json:"identity"`
	Created  bool             `json:"created"`
}

type IdentityListResponse struct {
	Identities []IdentityResponse `json:"identities"`
	Total      int                `json:"total"`
}

type MatchResponse struct {
	IdentityID string  `json:"identity_id"`
	Name       string  `json:"name"`
	Score      float32 `json:"score"`
}

type SearchResponse struct {
	Results []MatchResponse `json:"results"`
	Total   int             `json:"total"`
}

type RecognizeResponse struct {
	Recognized bool       `json:"recognized"`
	IdentityID string     `json:"identity_id,omitempty"`
	Name       string     `json:"name,omitempty"`
	Score      float32    `json:"score,omitempty"`
	BBox       [4]float32 `json:"bbox,omitempty"`
}

type MergeResponse struct {
	Merged       bool     `json:"merged"`
	SurvivorID   string   `json:"survivor_id,omitempty"`
	Absorbed     []string `json:"absorbed,omitempty"`
	SamplesMoved int      `json:"samples_moved"`
	Error        string   `json:"error,omitempty"`
}
