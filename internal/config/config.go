// Package config loads service configuration from defaults, an optional YAML
// file named by CONFIG_FILE and environment variables, in that order.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete service configuration.
type Config struct {
	Service       ServiceConfig       `yaml:"service"`
	STT           STTConfig           `yaml:"stt"`
	Pipeline      PipelineConfig      `yaml:"pipeline"`
	Limits        LimitsConfig        `yaml:"limits"`
	Kafka         KafkaConfig         `yaml:"kafka"`
	Store         StoreConfig         `yaml:"store"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServiceConfig holds service-level settings.
type ServiceConfig struct {
	Principal       string        `yaml:"principal"`
	HTTPPort        string        `yaml:"httpPort"`
	GRPCPort        string        `yaml:"grpcPort"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// STTConfig selects and configures the transcription backend.
type STTConfig struct {
	Provider      string        `yaml:"provider"` // mock, google, http
	LanguageCode  string        `yaml:"languageCode"`
	SampleRateHz  int           `yaml:"sampleRateHz"`
	Channels      int           `yaml:"channels"`
	AudioEncoding string        `yaml:"audioEncoding"`
	Model         string        `yaml:"model"`
	Punctuation   bool          `yaml:"punctuation"`
	Endpoint      string        `yaml:"endpoint"`
	APIKey        string        `yaml:"apiKey"`
	MaxConcurrent int           `yaml:"maxConcurrent"`
	CallTimeout   time.Duration `yaml:"callTimeout"`
	MockLatency   time.Duration `yaml:"mockLatency"`
}

// PipelineConfig tunes the per-session audio pipeline.
type PipelineConfig struct {
	ReorderWindow      time.Duration `yaml:"reorderWindow"`
	RetransmitTimeout  time.Duration `yaml:"retransmitTimeout"`
	MaxPendingFrames   int           `yaml:"maxPendingFrames"`
	VADSensitivity     string        `yaml:"vadSensitivity"` // low, medium, high, disabled
	VADMinConfidence   float64       `yaml:"vadMinConfidence"`
	WindowMin          time.Duration `yaml:"windowMin"`
	WindowMax          time.Duration `yaml:"windowMax"`
	MinSpeech          time.Duration `yaml:"minSpeech"`
	MaxWait            time.Duration `yaml:"maxWait"`
	MaxChunk           time.Duration `yaml:"maxChunk"`
	EndSilence         time.Duration `yaml:"endSilence"`
	Overlap            time.Duration `yaml:"overlap"`
	MaxAttempts        int           `yaml:"maxAttempts"`
	BackoffBase        time.Duration `yaml:"backoffBase"`
	BackoffMax         time.Duration `yaml:"backoffMax"`
	SettleWindow       time.Duration `yaml:"settleWindow"`
	MaxSegmentDuration time.Duration `yaml:"maxSegmentDuration"`
	FinalizeTimeout    time.Duration `yaml:"finalizeTimeout"`
	ReconnectGrace     time.Duration `yaml:"reconnectGrace"`
	TickInterval       time.Duration `yaml:"tickInterval"`
}

// LimitsConfig bounds resource use per connection and per process.
type LimitsConfig struct {
	MaxSessions       int           `yaml:"maxSessions"`
	QueueSize         int           `yaml:"queueSize"`
	EnqueueTimeout    time.Duration `yaml:"enqueueTimeout"`
	OutboundQueueSize int           `yaml:"outboundQueueSize"`
	MaxFrameBytes     int           `yaml:"maxFrameBytes"`
	FramesPerSecond   float64       `yaml:"framesPerSecond"`
	FrameBurst        int           `yaml:"frameBurst"`
}

// KafkaConfig holds Kafka publisher settings.
type KafkaConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Brokers      []string `yaml:"brokers"`
	TopicPartial string   `yaml:"topicPartial"`
	TopicFinal   string   `yaml:"topicFinal"`
	TopicSession string   `yaml:"topicSession"`
	Principal    string   `yaml:"principal"`
}

// StoreConfig holds transcript persistence settings.
type StoreConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// ObservabilityConfig holds logging and metrics settings.
type ObservabilityConfig struct {
	LogLevel    string `yaml:"logLevel"`
	LogFormat   string `yaml:"logFormat"`
	MetricsPort string `yaml:"metricsPort"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			Principal:       "svc-live-transcription",
			HTTPPort:        "8080",
			GRPCPort:        "50051",
			ShutdownTimeout: 15 * time.Second,
		},
		STT: STTConfig{
			Provider:      "mock",
			LanguageCode:  "en-US",
			SampleRateHz:  16000,
			Channels:      1,
			AudioEncoding: "LINEAR16",
			Punctuation:   true,
			MaxConcurrent: 8,
			CallTimeout:   10 * time.Second,
			MockLatency:   80 * time.Millisecond,
		},
		Pipeline: PipelineConfig{
			ReorderWindow:      150 * time.Millisecond,
			RetransmitTimeout:  500 * time.Millisecond,
			MaxPendingFrames:   50,
			VADSensitivity:     "medium",
			VADMinConfidence:   0.6,
			WindowMin:          200 * time.Millisecond,
			WindowMax:          800 * time.Millisecond,
			MinSpeech:          1200 * time.Millisecond,
			MaxWait:            2500 * time.Millisecond,
			MaxChunk:           8 * time.Second,
			EndSilence:         600 * time.Millisecond,
			Overlap:            300 * time.Millisecond,
			MaxAttempts:        3,
			BackoffBase:        200 * time.Millisecond,
			BackoffMax:         2 * time.Second,
			SettleWindow:       2 * time.Second,
			MaxSegmentDuration: 15 * time.Second,
			FinalizeTimeout:    10 * time.Second,
			ReconnectGrace:     30 * time.Second,
			TickInterval:       50 * time.Millisecond,
		},
		Limits: LimitsConfig{
			MaxSessions:       500,
			QueueSize:         256,
			EnqueueTimeout:    50 * time.Millisecond,
			OutboundQueueSize: 256,
			MaxFrameBytes:     64 * 1024,
			FramesPerSecond:   100,
			FrameBurst:        200,
		},
		Kafka: KafkaConfig{
			TopicPartial: "transcripts.partial",
			TopicFinal:   "transcripts.final",
			TopicSession: "transcripts.session",
		},
		Store: StoreConfig{
			Enabled: true,
			Path:    "transcripts.sqlite",
		},
		Observability: ObservabilityConfig{
			LogLevel:    "info",
			LogFormat:   "json",
			MetricsPort: "9090",
		},
	}
}

// Load builds the configuration: defaults, then the YAML file named by
// CONFIG_FILE if set, then environment variables. Unparseable environment
// values keep the previous value.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if cfg.Kafka.Principal == "" {
		cfg.Kafka.Principal = cfg.Service.Principal
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	s := &c.Service
	s.Principal = envOrDefault("SERVICE_PRINCIPAL", s.Principal)
	s.HTTPPort = envOrDefault("HTTP_PORT", s.HTTPPort)
	s.GRPCPort = envOrDefault("GRPC_PORT", s.GRPCPort)
	s.ShutdownTimeout = envOrDefaultDuration("SHUTDOWN_TIMEOUT", s.ShutdownTimeout)

	t := &c.STT
	t.Provider = envOrDefault("STT_PROVIDER", t.Provider)
	t.LanguageCode = envOrDefault("STT_LANGUAGE_CODE", t.LanguageCode)
	t.SampleRateHz = envOrDefaultInt("STT_SAMPLE_RATE_HZ", t.SampleRateHz)
	t.Channels = envOrDefaultInt("STT_CHANNELS", t.Channels)
	t.AudioEncoding = envOrDefault("STT_AUDIO_ENCODING", t.AudioEncoding)
	t.Model = envOrDefault("STT_MODEL", t.Model)
	t.Punctuation = envOrDefaultBool("STT_PUNCTUATION", t.Punctuation)
	t.Endpoint = envOrDefault("STT_ENDPOINT", t.Endpoint)
	t.APIKey = envOrDefault("STT_API_KEY", t.APIKey)
	t.MaxConcurrent = envOrDefaultInt("STT_MAX_CONCURRENT", t.MaxConcurrent)
	t.CallTimeout = envOrDefaultDuration("STT_CALL_TIMEOUT", t.CallTimeout)
	t.MockLatency = envOrDefaultDuration("STT_MOCK_LATENCY", t.MockLatency)

	p := &c.Pipeline
	p.ReorderWindow = envOrDefaultDuration("REORDER_WINDOW", p.ReorderWindow)
	p.RetransmitTimeout = envOrDefaultDuration("RETRANSMIT_TIMEOUT", p.RetransmitTimeout)
	p.MaxPendingFrames = envOrDefaultInt("MAX_PENDING_FRAMES", p.MaxPendingFrames)
	p.VADSensitivity = envOrDefault("VAD_SENSITIVITY", p.VADSensitivity)
	p.VADMinConfidence = envOrDefaultFloat("VAD_MIN_CONFIDENCE", p.VADMinConfidence)
	p.WindowMin = envOrDefaultDuration("WINDOW_MIN", p.WindowMin)
	p.WindowMax = envOrDefaultDuration("WINDOW_MAX", p.WindowMax)
	p.MinSpeech = envOrDefaultDuration("DISPATCH_MIN_SPEECH", p.MinSpeech)
	p.MaxWait = envOrDefaultDuration("DISPATCH_MAX_WAIT", p.MaxWait)
	p.MaxChunk = envOrDefaultDuration("DISPATCH_MAX_CHUNK", p.MaxChunk)
	p.EndSilence = envOrDefaultDuration("DISPATCH_END_SILENCE", p.EndSilence)
	p.Overlap = envOrDefaultDuration("DISPATCH_OVERLAP", p.Overlap)
	p.MaxAttempts = envOrDefaultInt("DISPATCH_MAX_ATTEMPTS", p.MaxAttempts)
	p.BackoffBase = envOrDefaultDuration("DISPATCH_BACKOFF_BASE", p.BackoffBase)
	p.BackoffMax = envOrDefaultDuration("DISPATCH_BACKOFF_MAX", p.BackoffMax)
	p.SettleWindow = envOrDefaultDuration("SEGMENT_SETTLE_WINDOW", p.SettleWindow)
	p.MaxSegmentDuration = envOrDefaultDuration("SEGMENT_MAX_DURATION", p.MaxSegmentDuration)
	p.FinalizeTimeout = envOrDefaultDuration("FINALIZE_TIMEOUT", p.FinalizeTimeout)
	p.ReconnectGrace = envOrDefaultDuration("RECONNECT_GRACE", p.ReconnectGrace)
	p.TickInterval = envOrDefaultDuration("TICK_INTERVAL", p.TickInterval)

	l := &c.Limits
	l.MaxSessions = envOrDefaultInt("MAX_SESSIONS", l.MaxSessions)
	l.QueueSize = envOrDefaultInt("SESSION_QUEUE_SIZE", l.QueueSize)
	l.EnqueueTimeout = envOrDefaultDuration("ENQUEUE_TIMEOUT", l.EnqueueTimeout)
	l.OutboundQueueSize = envOrDefaultInt("OUTBOUND_QUEUE_SIZE", l.OutboundQueueSize)
	l.MaxFrameBytes = envOrDefaultInt("MAX_FRAME_BYTES", l.MaxFrameBytes)
	l.FramesPerSecond = envOrDefaultFloat("FRAMES_PER_SECOND", l.FramesPerSecond)
	l.FrameBurst = envOrDefaultInt("FRAME_BURST", l.FrameBurst)

	k := &c.Kafka
	k.Enabled = envOrDefaultBool("KAFKA_ENABLED", k.Enabled)
	k.Brokers = envOrDefaultList("KAFKA_BROKERS", k.Brokers)
	k.TopicPartial = envOrDefault("KAFKA_TOPIC_PARTIAL", k.TopicPartial)
	k.TopicFinal = envOrDefault("KAFKA_TOPIC_FINAL", k.TopicFinal)
	k.TopicSession = envOrDefault("KAFKA_TOPIC_SESSION", k.TopicSession)
	k.Principal = envOrDefault("KAFKA_PRINCIPAL", k.Principal)

	st := &c.Store
	st.Enabled = envOrDefaultBool("STORE_ENABLED", st.Enabled)
	st.Path = envOrDefault("STORE_PATH", st.Path)

	o := &c.Observability
	o.LogLevel = envOrDefault("LOG_LEVEL", o.LogLevel)
	o.LogFormat = envOrDefault("LOG_FORMAT", o.LogFormat)
	o.MetricsPort = envOrDefault("METRICS_PORT", o.MetricsPort)
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	switch c.STT.Provider {
	case "mock", "google":
	case "http":
		if c.STT.Endpoint == "" {
			return fmt.Errorf("stt config: endpoint is required for the http provider")
		}
	default:
		return fmt.Errorf("stt config: unknown provider %q", c.STT.Provider)
	}
	if c.STT.SampleRateHz < 8000 || c.STT.SampleRateHz > 48000 {
		return fmt.Errorf("stt config: sample rate must be between 8000 and 48000, got %d", c.STT.SampleRateHz)
	}
	if c.STT.Channels < 1 || c.STT.Channels > 2 {
		return fmt.Errorf("stt config: channels must be 1 or 2, got %d", c.STT.Channels)
	}
	if c.STT.MaxConcurrent < 1 {
		return fmt.Errorf("stt config: maxConcurrent must be at least 1, got %d", c.STT.MaxConcurrent)
	}

	switch strings.ToLower(c.Pipeline.VADSensitivity) {
	case "", "low", "medium", "high", "disabled":
	default:
		return fmt.Errorf("pipeline config: unknown vad sensitivity %q", c.Pipeline.VADSensitivity)
	}
	if c.Pipeline.VADMinConfidence < 0 || c.Pipeline.VADMinConfidence > 1 {
		return fmt.Errorf("pipeline config: vadMinConfidence must be between 0 and 1, got %f", c.Pipeline.VADMinConfidence)
	}

	durations := map[string]time.Duration{
		"reorderWindow":      c.Pipeline.ReorderWindow,
		"retransmitTimeout":  c.Pipeline.RetransmitTimeout,
		"windowMin":          c.Pipeline.WindowMin,
		"windowMax":          c.Pipeline.WindowMax,
		"minSpeech":          c.Pipeline.MinSpeech,
		"maxWait":            c.Pipeline.MaxWait,
		"maxChunk":           c.Pipeline.MaxChunk,
		"backoffBase":        c.Pipeline.BackoffBase,
		"backoffMax":         c.Pipeline.BackoffMax,
		"settleWindow":       c.Pipeline.SettleWindow,
		"maxSegmentDuration": c.Pipeline.MaxSegmentDuration,
		"finalizeTimeout":    c.Pipeline.FinalizeTimeout,
		"reconnectGrace":     c.Pipeline.ReconnectGrace,
		"tickInterval":       c.Pipeline.TickInterval,
		"callTimeout":        c.STT.CallTimeout,
		"enqueueTimeout":     c.Limits.EnqueueTimeout,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("config: %s must be positive, got %v", name, d)
		}
	}
	if c.Pipeline.WindowMax < c.Pipeline.WindowMin {
		return fmt.Errorf("pipeline config: windowMax (%v) must not be below windowMin (%v)", c.Pipeline.WindowMax, c.Pipeline.WindowMin)
	}
	if c.Pipeline.Overlap < 0 || c.Pipeline.EndSilence < 0 {
		return fmt.Errorf("pipeline config: overlap and endSilence cannot be negative")
	}
	if c.Pipeline.MaxAttempts < 1 {
		return fmt.Errorf("pipeline config: maxAttempts must be at least 1, got %d", c.Pipeline.MaxAttempts)
	}

	if c.Limits.QueueSize < 1 || c.Limits.OutboundQueueSize < 1 {
		return fmt.Errorf("limits config: queue sizes must be at least 1")
	}
	if c.Limits.MaxFrameBytes < 1 {
		return fmt.Errorf("limits config: maxFrameBytes must be at least 1, got %d", c.Limits.MaxFrameBytes)
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka config: brokers are required when kafka is enabled")
	}
	if c.Store.Enabled && c.Store.Path == "" {
		return fmt.Errorf("store config: path is required when the store is enabled")
	}
	return nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrDefaultInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envOrDefaultFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envOrDefaultBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envOrDefaultDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envOrDefaultList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
