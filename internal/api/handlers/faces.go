package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/your-org/facerec/internal/facedb"
	"github.com/your-org/facerec/internal/models"
	"github.com/your-org/facerec/internal/vision"
	"github.com/your-org/facerec/pkg/dto"
	fderr "github.com/your-org/facerec/pkg/errors"
)

const (
	defaultTopK     = 5
	apiStreamID     = "api"
	defaultMaxBytes = 10 << 20
)

// FaceStore is the part of facedb.Store the HTTP API uses.
type FaceStore interface {
	Register(ctx context.Context, id string, embedding []float32, metadata map[string]any, img image.Image) (models.Identity, error)
	AddSample(ctx context.Context, id string, embedding []float32, img image.Image) (models.Identity, error)
	Get(id string) (models.Identity, error)
	List() []models.Identity
	FindByName(name string) []models.Identity
	UpdateMetadata(ctx context.Context, id string, patch map[string]any) (models.Identity, error)
	Remove(ctx context.Context, id string) error
	SampleImage(ctx context.Context, id string, index int) ([]byte, error)
	MergeByName(ctx context.Context, name string) (*facedb.MergeResult, error)
	FindMatch(ctx context.Context, query []float32, topK int) ([]models.Match, error)
	Recognize(ctx context.Context, query []float32) (models.Match, bool, error)
	Statistics() models.Statistics
}

// Broadcaster fans recognition events out to live subscribers.
type Broadcaster interface {
	Broadcast(ev models.RecognitionEvent)
}

type FaceHandler struct {
	store     FaceStore
	extractor vision.Extractor
	events    Broadcaster
	maxBytes  int64
}

// NewFaceHandler builds the face endpoints. extractor and events may be nil:
// image uploads then answer 503 and recognitions are not broadcast.
func NewFaceHandler(store FaceStore, extractor vision.Extractor, events Broadcaster, maxBytes int64) *FaceHandler {
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	return &FaceHandler{store: store, extractor: extractor, events: events, maxBytes: maxBytes}
}

// faceInput is a request after the image, if any, went through the extractor.
type faceInput struct {
	dto.FaceRequest
	crop       image.Image
	bbox       [4]float32
	confidence float32
}

// Enroll appends a sample to the identity with the given name, or registers a
// new identity when nobody has that name yet.
func (h *FaceHandler) Enroll(c *gin.Context) {
	in, err := h.readInput(c)
	if err != nil {
		respondError(c, err)
		return
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		respondError(c, fderr.New(fderr.CodeServerRequestInvalid, "name is required"))
		return
	}

	ctx := c.Request.Context()
	if existing := h.store.FindByName(name); len(existing) > 0 {
		ident, err := h.store.AddSample(ctx, existing[0].ID, in.Embedding, in.crop)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, dto.EnrollResponse{Identity: toIdentityResponse(ident, true), Created: false})
		return
	}

	meta := make(map[string]any, len(in.Metadata)+2)
	for k, v := range in.Metadata {
		meta[k] = v
	}
	meta["name"] = name
	if _, ok := meta["source"]; !ok {
		meta["source"] = apiStreamID
	}

	ident, err := h.store.Register(ctx, uuid.NewString(), in.Embedding, meta, in.crop)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, dto.EnrollResponse{Identity: toIdentityResponse(ident, true), Created: true})
}

func (h *FaceHandler) AddSample(c *gin.Context) {
	in, err := h.readInput(c)
	if err != nil {
		respondError(c, err)
		return
	}
	ident, err := h.store.AddSample(c.Request.Context(), c.Param("id"), in.Embedding, in.crop)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toIdentityResponse(ident, true))
}

func (h *FaceHandler) List(c *gin.Context) {
	var idents []models.Identity
	if name := c.Query("name"); name != "" {
		idents = h.store.FindByName(name)
	} else {
		idents = h.store.List()
	}

	resp := make([]dto.IdentityResponse, 0, len(idents))
	for _, ident := range idents {
		resp = append(resp, toIdentityResponse(ident, false))
	}
	c.JSON(http.StatusOK, dto.IdentityListResponse{Identities: resp, Total: len(resp)})
}

func (h *FaceHandler) Get(c *gin.Context) {
	ident, err := h.store.Get(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toIdentityResponse(ident, true))
}

func (h *FaceHandler) UpdateMetadata(c *gin.Context) {
	var patch map[string]any
	if err := c.ShouldBindJSON(&patch); err != nil {
		respondError(c, fderr.Wrap(err, fderr.CodeServerRequestInvalid, "metadata must be a JSON object"))
		return
	}
	ident, err := h.store.UpdateMetadata(c.Request.Context(), c.Param("id"), patch)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toIdentityResponse(ident, false))
}

func (h *FaceHandler) Delete(c *gin.Context) {
	if err := h.store.Remove(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *FaceHandler) SampleImage(c *gin.Context) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		respondError(c, fderr.Wrap(err, fderr.CodeServerRequestInvalid, "sample index must be an integer"))
		return
	}
	data, err := h.store.SampleImage(c.Request.Context(), c.Param("id"), index)
	if err != nil {
		respondError(c, err)
		return
	}
	c.Header("Cache-Control", "max-age=86400")
	c.Data(http.StatusOK, "image/jpeg", data)
}

func (h *FaceHandler) Merge(c *gin.Context) {
	res, err := h.store.MergeByName(c.Request.Context(), c.Param("name"))
	if err != nil && res == nil {
		respondError(c, err)
		return
	}
	if res == nil {
		c.JSON(http.StatusOK, dto.MergeResponse{Merged: false})
		return
	}

	resp := dto.MergeResponse{
		Merged:       len(res.Absorbed) > 0,
		SurvivorID:   res.SurvivorID,
		Absorbed:     res.Absorbed,
		SamplesMoved: res.SamplesMoved,
	}
	status := http.StatusOK
	if err != nil {
		// Partial merge: completed steps stay applied.
		_ = c.Error(err)
		resp.Error = err.Error()
		status = fderr.HTTPStatus(err)
	}
	c.JSON(status, resp)
}

func (h *FaceHandler) Search(c *gin.Context) {
	in, err := h.readInput(c)
	if err != nil {
		respondError(c, err)
		return
	}
	topK := in.TopK
	if topK == 0 {
		topK = defaultTopK
	}

	matches, err := h.store.FindMatch(c.Request.Context(), in.Embedding, topK)
	if err != nil {
		respondError(c, err)
		return
	}

	results := make([]dto.MatchResponse, 0, len(matches))
	for _, m := range matches {
		if in.MinScore != nil && m.Score < *in.MinScore {
			continue
		}
		results = append(results, dto.MatchResponse{IdentityID: m.IdentityID, Name: m.Name, Score: m.Score})
	}
	c.JSON(http.StatusOK, dto.SearchResponse{Results: results, Total: len(results)})
}

func (h *FaceHandler) Recognize(c *gin.Context) {
	in, err := h.readInput(c)
	if err != nil {
		respondError(c, err)
		return
	}

	match, ok, err := h.store.Recognize(c.Request.Context(), in.Embedding)
	if err != nil {
		respondError(c, err)
		return
	}

	ev := models.RecognitionEvent{
		ID:         uuid.New(),
		StreamID:   apiStreamID,
		Timestamp:  time.Now().UTC(),
		BBox:       in.bbox,
		Confidence: in.confidence,
	}
	resp := dto.RecognizeResponse{Recognized: ok, BBox: in.bbox}
	if ok {
		id := match.IdentityID
		ev.IdentityID = &id
		ev.Name = match.Name
		ev.Score = match.Score
		resp.IdentityID = match.IdentityID
		resp.Name = match.Name
		resp.Score = match.Score
	}
	if h.events != nil {
		h.events.Broadcast(ev)
	}
	c.JSON(http.StatusOK, resp)
}

// readInput accepts either a JSON body carrying an embedding or a multipart
// upload whose "image" is run through the extractor.
func (h *FaceHandler) readInput(c *gin.Context) (faceInput, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBytes)

	var in faceInput
	if !strings.HasPrefix(c.ContentType(), "multipart/") {
		if err := c.ShouldBindJSON(&in.FaceRequest); err != nil {
			return in, fderr.Wrap(err, fderr.CodeServerRequestInvalid, "invalid JSON body")
		}
		if len(in.Embedding) == 0 {
			return in, fderr.New(fderr.CodeServerRequestInvalid, "embedding is required")
		}
		return in, validTopK(in.TopK)
	}

	in.Name = c.PostForm("name")
	if raw := c.PostForm("metadata"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &in.Metadata); err != nil {
			return in, fderr.Wrap(err, fderr.CodeServerRequestInvalid, "metadata must be a JSON object")
		}
	}
	if raw := c.PostForm("top_k"); raw != "" {
		k, err := strconv.Atoi(raw)
		if err != nil {
			return in, fderr.Wrap(err, fderr.CodeServerRequestInvalid, "top_k must be an integer")
		}
		in.TopK = k
	}
	if raw := c.PostForm("min_score"); raw != "" {
		f, err := strconv.ParseFloat(raw, 32)
		if err != nil {
			return in, fderr.Wrap(err, fderr.CodeServerRequestInvalid, "min_score must be a number")
		}
		ms := float32(f)
		in.MinScore = &ms
	}
	if err := validTopK(in.TopK); err != nil {
		return in, err
	}

	if h.extractor == nil {
		return in, fderr.New(fderr.CodeVisionUnavailable, "face extraction is not enabled")
	}

	fh, err := c.FormFile("image")
	if err != nil {
		return in, fderr.Wrap(err, fderr.CodeServerRequestInvalid, "image file is required")
	}
	f, err := fh.Open()
	if err != nil {
		return in, fderr.Wrap(err, fderr.CodeServerRequestInvalid, "open image")
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return in, fderr.Wrap(err, fderr.CodeServerRequestInvalid, "read image")
	}

	img, err := vision.DecodeImage(data)
	if err != nil {
		return in, err
	}
	face, ok, err := h.extractor.Extract(c.Request.Context(), img)
	if err != nil {
		return in, err
	}
	if !ok {
		return in, fderr.New(fderr.CodeVisionNoFace, "no face detected in image")
	}

	in.Embedding = face.Embedding
	in.crop = face.Crop
	in.bbox = face.BBox
	in.confidence = face.Confidence
	return in, nil
}

func validTopK(k int) error {
	if k < 0 {
		return fderr.New(fderr.CodeServerRequestInvalid, "top_k must be positive", fderr.Field("top_k", k))
	}
	return nil
}

func toIdentityResponse(ident models.Identity, withSamples bool) dto.IdentityResponse {
	resp := dto.IdentityResponse{
		ID:               ident.ID,
		Name:             ident.Name,
		Metadata:         ident.Metadata,
		SampleCount:      len(ident.Samples),
		RegisteredAt:     ident.RegisteredAt,
		LastSeen:         ident.LastSeen,
		RecognitionCount: ident.RecognitionCount,
	}
	if !withSamples {
		return resp
	}
	resp.Samples = make([]dto.SampleResponse, 0, len(ident.Samples))
	for _, s := range ident.Samples {
		sr := dto.SampleResponse{Index: s.Index, HasImage: s.ImageRef != "", AddedAt: s.AddedAt}
		if sr.HasImage {
			sr.ImageURL = fmt.Sprintf("/v1/faces/%s/samples/%d/image", ident.ID, s.Index)
		}
		resp.Samples = append(resp.Samples, sr)
	}
	return resp
}

func respondError(c *gin.Context, err error) {
	status := fderr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.JSON(status, gin.H{"error": err.Error(), "code": fderr.CodeOf(err)})
}
