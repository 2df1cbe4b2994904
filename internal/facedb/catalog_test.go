package facedb

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/your-org/facerec/internal/models"
)

func TestVectorCodec(t *testing.T) {
	v := []float32{0, 1.5, -2.25, math.MaxFloat32, math.SmallestNonzeroFloat32}

	data := encodeVector(v)
	require.Len(t, data, 4*len(v))

	got, err := decodeVector(data, len(v))
	require.NoError(t, err)
	assert.Equal(t, v, got)

	_, err = decodeVector(data, 3)
	assert.Error(t, err)
	_, err = decodeVector(data[:7], 0)
	assert.Error(t, err)
}

func validDoc() catalogDoc {
	return catalogDoc{
		Version: catalogVersion,
		Config:  catalogConfig{Threshold: 0.5, Dimensionality: 4},
		Identities: []models.Identity{{
			ID:           "p1",
			Name:         "Alice",
			RegisteredAt: time.Now(),
			Samples:      []models.Sample{{Index: 0, EmbeddingRef: embeddingKey("p1", 0)}},
		}},
	}
}

func TestCatalogValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(d *catalogDoc)
	}{
		{"unknown version", func(d *catalogDoc) { d.Version = 99 }},
		{"threshold above one", func(d *catalogDoc) { d.Config.Threshold = 1.2 }},
		{"identities without dimensionality", func(d *catalogDoc) { d.Config.Dimensionality = 0 }},
		{"no samples", func(d *catalogDoc) { d.Identities[0].Samples = nil }},
		{"bad id", func(d *catalogDoc) { d.Identities[0].ID = "../etc" }},
		{"index out of place", func(d *catalogDoc) { d.Identities[0].Samples[0].Index = 3 }},
		{"duplicate id", func(d *catalogDoc) { d.Identities = append(d.Identities, d.Identities[0]) }},
		{"shared embedding ref", func(d *catalogDoc) {
			other := d.Identities[0]
			other.ID = "p2"
			d.Identities = append(d.Identities, other)
		}},
	}

	doc := validDoc()
	require.NoError(t, doc.validate())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := validDoc()
			tt.mutate(&d)
			assert.Error(t, d.validate())
		})
	}
}

func TestDecodeCatalog_FillsMetadata(t *testing.T) {
	doc := validDoc()
	data, err := encodeCatalog(&doc)
	require.NoError(t, err)

	got, err := decodeCatalog(data)
	require.NoError(t, err)
	assert.NotNil(t, got.Identities[0].Metadata)
}
