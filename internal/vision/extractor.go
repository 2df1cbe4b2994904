// Package vision turns images into face embeddings with ONNX Runtime:
// RetinaFace for detection and ArcFace for recognition.
package vision

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/your-org/facerec/internal/config"
	"github.com/your-org/facerec/internal/observability"
	fderr "github.com/your-org/facerec/pkg/errors"
)

const (
	detectorFile = "det_10g.onnx"
	embedderFile = "w600k_r50.onnx"
)

// Face is one detected face with its embedding.
type Face struct {
	BBox       [4]float32
	Confidence float32
	Embedding  []float32
	// Crop is the padded face region the embedding was computed from.
	Crop image.Image
}

// Extractor produces embeddings from images.
type Extractor interface {
	// Extract returns the most confident face in img. ok is false when no
	// face is found.
	Extract(ctx context.Context, img image.Image) (face Face, ok bool, err error)
	// DetectAndExtract returns every face in img, most confident first.
	DetectAndExtract(ctx context.Context, img image.Image) ([]Face, error)
	ModelID() string
	Dim() int
}

// InitRuntime loads the ONNX Runtime shared library. Call it once per process
// before NewONNXExtractor.
func InitRuntime(libPath string) error {
	if libPath != "" {
		ort.SetSharedLibraryPath(libPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fderr.Wrap(err, fderr.CodeVisionUnavailable, "initialize onnxruntime", fderr.Field("library", libPath))
	}
	return nil
}

// DestroyRuntime releases the ONNX Runtime environment.
func DestroyRuntime() {
	if err := ort.DestroyEnvironment(); err != nil {
		slog.Warn("destroy onnxruntime", "error", err)
	}
}

// ONNXExtractor is the Extractor backed by the two ONNX models. Calls are
// serialised because the sessions own their tensors.
type ONNXExtractor struct {
	mu       sync.Mutex
	detector *Detector
	embedder *Embedder
	modelID  string
}

// NewONNXExtractor loads both models from cfg.ModelsDir.
func NewONNXExtractor(cfg config.VisionConfig) (*ONNXExtractor, error) {
	detPath := filepath.Join(cfg.ModelsDir, detectorFile)
	embPath := filepath.Join(cfg.ModelsDir, embedderFile)

	slog.Info("loading detection model", "path", detPath)
	det, err := NewDetector(detPath, float32(cfg.DetectionThreshold), nil)
	if err != nil {
		return nil, fderr.Wrap(err, fderr.CodeVisionUnavailable, "load detector", fderr.Field("path", detPath))
	}

	slog.Info("loading embedding model", "path", embPath, "dim", cfg.EmbeddingDim)
	emb, err := NewEmbedder(embPath, cfg.EmbeddingDim, nil)
	if err != nil {
		det.Close()
		return nil, fderr.Wrap(err, fderr.CodeVisionUnavailable, "load embedder", fderr.Field("path", embPath))
	}

	slog.Info("extractor ready", "model", cfg.ModelID)
	return &ONNXExtractor{detector: det, embedder: emb, modelID: cfg.ModelID}, nil
}

func (e *ONNXExtractor) ModelID() string { return e.modelID }

func (e *ONNXExtractor) Dim() int { return e.embedder.Dim() }

func (e *ONNXExtractor) Extract(ctx context.Context, img image.Image) (Face, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	dets, err := e.detectLocked(ctx, img)
	if err != nil || len(dets) == 0 {
		return Face{}, false, err
	}
	return e.embedLocked(img, dets[0])
}

func (e *ONNXExtractor) DetectAndExtract(ctx context.Context, img image.Image) ([]Face, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	dets, err := e.detectLocked(ctx, img)
	if err != nil {
		return nil, err
	}

	faces := make([]Face, 0, len(dets))
	for _, det := range dets {
		if err := ctx.Err(); err != nil {
			return faces, err
		}
		face, ok, err := e.embedLocked(img, det)
		if err != nil {
			return faces, err
		}
		if ok {
			faces = append(faces, face)
		}
	}
	return faces, nil
}

func (e *ONNXExtractor) detectLocked(ctx context.Context, img image.Image) ([]Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b := img.Bounds()
	if b.Empty() {
		return nil, fderr.New(fderr.CodeVisionImageInvalid, "image is empty")
	}

	start := time.Now()
	w, h := e.detector.InputSize()
	input := toCHW(img, w, h, detMean, detStd)
	observability.InferenceDuration.WithLabelValues("preprocess").Observe(time.Since(start).Seconds())

	start = time.Now()
	dets, err := e.detector.Detect(input, b.Dx(), b.Dy())
	if err != nil {
		return nil, fderr.Wrap(err, fderr.CodeVisionInferFailure, "detect faces")
	}
	observability.InferenceDuration.WithLabelValues("detect").Observe(time.Since(start).Seconds())

	// Boxes are relative to the image origin; shift for sub-images.
	if b.Min != (image.Point{}) {
		for i := range dets {
			dets[i].BBox[0] += float32(b.Min.X)
			dets[i].BBox[1] += float32(b.Min.Y)
			dets[i].BBox[2] += float32(b.Min.X)
			dets[i].BBox[3] += float32(b.Min.Y)
		}
	}
	return dets, nil
}

func (e *ONNXExtractor) embedLocked(img image.Image, det Detection) (Face, bool, error) {
	crop := cropFace(img, det.BBox)
	if crop == nil {
		return Face{}, false, nil
	}

	start := time.Now()
	vec, err := e.embedder.Embed(toCHW(crop, embInputSize, embInputSize, embMean, embStd))
	if err != nil {
		return Face{}, false, fderr.Wrap(err, fderr.CodeVisionInferFailure, fmt.Sprintf("embed face at %v", det.BBox))
	}
	observability.InferenceDuration.WithLabelValues("embed").Observe(time.Since(start).Seconds())

	return Face{BBox: det.BBox, Confidence: det.Confidence, Embedding: vec, Crop: crop}, true, nil
}

// Close releases the ONNX sessions.
func (e *ONNXExtractor) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.detector != nil {
		e.detector.Close()
	}
	if e.embedder != nil {
		e.embedder.Close()
	}
}
