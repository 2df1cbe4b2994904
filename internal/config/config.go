package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	fderr "github.com/your-org/facerec/pkg/errors"
)

const (
	BackendLocal  = "local"
	BackendMinIO  = "minio"
	BackendMemory = "memory"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Store   StoreConfig   `yaml:"store"`
	MinIO   MinIOConfig   `yaml:"minio"`
	NATS    NATSConfig    `yaml:"nats"`
	Vision  VisionConfig  `yaml:"vision"`
	Live    LiveConfig    `yaml:"live"`
	Ingest  IngestConfig  `yaml:"ingest"`
	Logging LoggingConfig `yaml:"logging"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	APIKey          string        `yaml:"api_key"`
	MaxUploadBytes  int64         `yaml:"max_upload_bytes"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type StoreConfig struct {
	Backend string `yaml:"backend"`
	DataDir string `yaml:"data_dir"`
	// Threshold overrides the catalog's recognition threshold when set.
	Threshold   *float64 `yaml:"threshold"`
	ModelID     string   `yaml:"model_id"`
	DeferStats  bool     `yaml:"defer_stats"`
	LoadWorkers int      `yaml:"load_workers"`
}

type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// NATSConfig is optional; an empty URL disables the live loop.
type NATSConfig struct {
	URL string `yaml:"url"`
}

type VisionConfig struct {
	Enabled            bool    `yaml:"enabled"`
	ModelsDir          string  `yaml:"models_dir"`
	DetectionThreshold float64 `yaml:"detection_threshold"`
	ModelID            string  `yaml:"model_id"`
	EmbeddingDim       int     `yaml:"embedding_dim"`
	LibraryPath        string  `yaml:"library_path"`
}

type LiveConfig struct {
	WorkerCount   int  `yaml:"worker_count"`
	PublishEvents bool `yaml:"publish_events"`
}

// IngestConfig drives cmd/ingestor, which captures camera frames with ffmpeg
// and publishes them to the FRAMES stream.
type IngestConfig struct {
	FrameWidth     int            `yaml:"frame_width"`
	ControlSubject string         `yaml:"control_subject"`
	Streams        []StreamSource `yaml:"streams"`
}

// StreamSource is one camera. Type is "rtsp", "http", "file" or "youtube";
// youtube URLs are resolved with yt-dlp before capture.
type StreamSource struct {
	ID   string `yaml:"id" json:"stream_id"`
	URL  string `yaml:"url" json:"url"`
	Type string `yaml:"type" json:"type"`
	FPS  int    `yaml:"fps" json:"fps"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads config from a YAML file and applies environment variable
// overrides. An empty path yields defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fderr.Wrap(err, fderr.CodeConfigLoadReadFailure, "read config file", fderr.Field("path", path))
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fderr.Wrap(err, fderr.CodeConfigParseInvalidFormat, "parse config", fderr.Field("path", path))
		}
	}

	applyEnvOverrides(cfg)
	setDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the store or server cannot run with.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendLocal, BackendMemory:
	case BackendMinIO:
		if c.MinIO.Endpoint == "" || c.MinIO.Bucket == "" {
			return invalid("minio.endpoint", "minio backend needs endpoint and bucket")
		}
	default:
		return invalid("store.backend", fmt.Sprintf("unknown backend %q", c.Store.Backend))
	}
	if t := c.Store.Threshold; t != nil && (*t < 0 || *t > 1) {
		return invalid("store.threshold", fmt.Sprintf("threshold %v outside [0,1]", *t))
	}
	if c.Vision.DetectionThreshold < 0 || c.Vision.DetectionThreshold > 1 {
		return invalid("vision.detection_threshold", "detection threshold outside [0,1]")
	}
	seen := make(map[string]bool, len(c.Ingest.Streams))
	for i, src := range c.Ingest.Streams {
		field := fmt.Sprintf("ingest.streams[%d]", i)
		if src.ID == "" || src.URL == "" {
			return invalid(field, "stream needs id and url")
		}
		if seen[src.ID] {
			return invalid(field, fmt.Sprintf("duplicate stream id %q", src.ID))
		}
		seen[src.ID] = true
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return invalid("server.port", fmt.Sprintf("port %d out of range", c.Server.Port))
	}
	return nil
}

func invalid(field, msg string) error {
	return fderr.New(fderr.CodeConfigValidateInvalidValue, msg, fderr.Field("field", field))
}

func setDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.MaxUploadBytes == 0 {
		cfg.Server.MaxUploadBytes = 10 << 20
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = BackendLocal
	}
	if cfg.Store.DataDir == "" {
		cfg.Store.DataDir = "./data"
	}
	if cfg.Store.LoadWorkers == 0 {
		cfg.Store.LoadWorkers = 8
	}
	if cfg.MinIO.Bucket == "" {
		cfg.MinIO.Bucket = "faces"
	}
	if cfg.Vision.ModelsDir == "" {
		cfg.Vision.ModelsDir = "./models"
	}
	if cfg.Vision.DetectionThreshold == 0 {
		cfg.Vision.DetectionThreshold = 0.5
	}
	if cfg.Vision.ModelID == "" {
		cfg.Vision.ModelID = "arcface_w600k_r50"
	}
	if cfg.Vision.EmbeddingDim == 0 {
		cfg.Vision.EmbeddingDim = 512
	}
	if cfg.Store.ModelID == "" {
		cfg.Store.ModelID = cfg.Vision.ModelID
	}
	if cfg.Live.WorkerCount == 0 {
		cfg.Live.WorkerCount = 4
	}
	if cfg.Ingest.FrameWidth == 0 {
		cfg.Ingest.FrameWidth = 1280
	}
	if cfg.Ingest.ControlSubject == "" {
		cfg.Ingest.ControlSubject = "stream.control"
	}
	for i := range cfg.Ingest.Streams {
		if cfg.Ingest.Streams[i].FPS == 0 {
			cfg.Ingest.Streams[i].FPS = 5
		}
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FD_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("FD_API_KEY"); v != "" {
		cfg.Server.APIKey = v
	}
	if v := os.Getenv("FD_STORE_BACKEND"); v != "" {
		cfg.Store.Backend = v
	}
	if v := os.Getenv("FD_DATA_DIR"); v != "" {
		cfg.Store.DataDir = v
	}
	if v := os.Getenv("FD_THRESHOLD"); v != "" {
		if t, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Store.Threshold = &t
		}
	}
	if v := os.Getenv("FD_DEFER_STATS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Store.DeferStats = b
		}
	}
	if v := os.Getenv("FD_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("FD_MINIO_ENDPOINT"); v != "" {
		cfg.MinIO.Endpoint = v
	}
	if v := os.Getenv("FD_MINIO_ACCESS_KEY"); v != "" {
		cfg.MinIO.AccessKey = v
	}
	if v := os.Getenv("FD_MINIO_SECRET_KEY"); v != "" {
		cfg.MinIO.SecretKey = v
	}
	if v := os.Getenv("FD_MINIO_BUCKET"); v != "" {
		cfg.MinIO.Bucket = v
	}
	if v := os.Getenv("FD_MODELS_DIR"); v != "" {
		cfg.Vision.ModelsDir = v
	}
	if v := os.Getenv("FD_VISION_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Vision.Enabled = b
		}
	}
	if v := os.Getenv("FD_LIVE_WORKER_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Live.WorkerCount = n
		}
	}
	if v := os.Getenv("FD_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}
