package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Recognitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fd",
		Name:      "recognitions_total",
		Help:      "Recognition attempts by result (recognized, unknown)",
	}, []string{"result"})

	Identities = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "fd",
		Name:      "identities",
		Help:      "Number of enrolled identities",
	})

	Samples = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "fd",
		Name:      "samples",
		Help:      "Number of stored embedding samples",
	})

	StoreOpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "fd",
		Name:      "store_op_duration_seconds",
		Help:      "Duration of face store operations",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
	}, []string{"op"})

	StorageErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fd",
		Name:      "storage_errors_total",
		Help:      "Failed durable writes or reads by operation",
	}, []string{"op"})

	FramesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fd",
		Name:      "frames_processed_total",
		Help:      "Total number of frames processed",
	}, []string{"stream_id"})

	FacesDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fd",
		Name:      "faces_detected_total",
		Help:      "Total number of faces detected",
	}, []string{"stream_id"})

	FacesRecognized = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fd",
		Name:      "faces_recognized_total",
		Help:      "Total number of faces recognized from the catalog",
	}, []string{"stream_id"})

	InferenceDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "fd",
		Name:      "inference_duration_seconds",
		Help:      "Duration of ML inference stages",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
	}, []string{"stage"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "fd",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	ActiveStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "fd",
		Name:      "ingest_active_streams",
		Help:      "Camera streams currently being captured",
	})

	FramesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fd",
		Name:      "ingest_frames_published_total",
		Help:      "Frames captured and queued for recognition",
	}, []string{"stream_id"})

	FrameQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "fd",
		Name:      "frame_queue_depth",
		Help:      "Frame tasks waiting in the FRAMES stream",
	})

	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "fd",
		Name:      "ws_connections",
		Help:      "Number of active WebSocket connections",
	})
)
