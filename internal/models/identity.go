package models

import (
	"time"
)

// Identity is one registered person and the embedding samples enrolled for it.
type Identity struct {
	ID               string         `json:"id"`
	Name             string         `json:"name"`
	Samples          []Sample       `json:"samples"`
	RegisteredAt     time.Time      `json:"registered_at"`
	LastSeen         *time.Time     `json:"last_seen,omitempty"`
	RecognitionCount int64          `json:"recognition_count"`
	Metadata         map[string]any `json:"metadata"`
}

// Sample is one embedding contributed to an identity. Index is the position in
// Identity.Samples at the time the sample was appended.
type Sample struct {
	Index        int       `json:"index"`
	EmbeddingRef string    `json:"embedding_ref"`
	ImageRef     string    `json:"image_ref,omitempty"`
	AddedAt      time.Time `json:"added_at"`
}

// Clone returns a deep copy safe to hand out of the store.
func (i *Identity) Clone() Identity {
	out := *i
	out.Samples = append([]Sample(nil), i.Samples...)
	if i.LastSeen != nil {
		ls := *i.LastSeen
		out.LastSeen = &ls
	}
	out.Metadata = make(map[string]any, len(i.Metadata))
	for k, v := range i.Metadata {
		out.Metadata[k] = v
	}
	return out
}

// Match is one ranked candidate returned by a similarity search.
type Match struct {
	IdentityID string  `json:"identity_id"`
	Name       string  `json:"name"`
	Score      float32 `json:"score"`
}

// Statistics summarises the store.
type Statistics struct {
	IdentityCount     int     `json:"identity_count"`
	SampleCount       int     `json:"sample_count"`
	TotalRecognitions int64   `json:"total_recognitions"`
	Threshold         float64 `json:"threshold"`
	Dimensionality    int     `json:"dimensionality"`
	ModelID           string  `json:"model_id"`
}
