package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Duration is a time.Duration that decodes from either a Go duration string
// ("30m", "1.5s") or a number of seconds.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MarshalJSON encodes the duration as a Go duration string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts "30m" style strings or plain seconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		parsed, err := parseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
		return nil
	}
	var secs float64
	if err := json.Unmarshal(b, &secs); err != nil {
		return fmt.Errorf("duration must be a string or a number of seconds: %s", string(b))
	}
	*d = Duration(time.Duration(secs * float64(time.Second)))
	return nil
}

// parseDuration parses a Go duration, falling back to plain seconds.
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return time.ParseDuration(s)
}

// ProviderConfig configures one LLM provider.
type ProviderConfig struct {
	APIKey      string  `json:"api_key,omitempty"`
	BaseURL     string  `json:"base_url,omitempty"`
	Model       string  `json:"model,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	// Temperature is optional so that 0 (deterministic sampling) can be set.
	Temperature *float64 `json:"temperature,omitempty"`
}

// ProcessingConfig controls request dispatch.
type ProcessingConfig struct {
	// MaxConcurrentRequests bounds in-flight turns during batch processing.
	MaxConcurrentRequests int      `json:"max_concurrent_requests,omitempty"`
	RetryAttempts         int      `json:"retry_attempts,omitempty"`
	RetryDelay            Duration `json:"retry_delay,omitempty"`
	// RequestTimeout applies to each provider attempt.
	RequestTimeout Duration `json:"request_timeout,omitempty"`
	// ContextLimit is how many prior messages are loaded per turn.
	ContextLimit int `json:"context_limit,omitempty"`
}

// WorkflowConfig controls phase transitions.
type WorkflowConfig struct {
	DefaultPhase string `json:"default_phase,omitempty"`
	// AutoTransition is a pointer so a file can switch the default (true) off.
	AutoTransition *bool    `json:"auto_transition,omitempty"`
	PhaseTimeout   Duration `json:"phase_timeout,omitempty"`
	// StateBackend selects the workflow state store: "memory" or "badger".
	StateBackend string `json:"state_backend,omitempty"`
}

// AutoTransitionEnabled reports the effective auto-transition flag.
func (w WorkflowConfig) AutoTransitionEnabled() bool {
	return w.AutoTransition == nil || *w.AutoTransition
}

// RAGConfig controls chunking, embedding and retrieval.
type RAGConfig struct {
	ChunkSize           int     `json:"chunk_size,omitempty"`
	ChunkOverlap        int     `json:"chunk_overlap,omitempty"`
	TopK                int     `json:"top_k,omitempty"`
	SimilarityThreshold float64 `json:"similarity_threshold,omitempty"`
	// Embedder is "hash" (local, offline) or "openai".
	Embedder           string `json:"embedder,omitempty"`
	EmbeddingModel     string `json:"embedding_model,omitempty"`
	EmbeddingDimension int    `json:"embedding_dimension,omitempty"`
	// IndexFile is relative to the base directory unless absolute.
	IndexFile string `json:"index_file,omitempty"`
	// AugmentTurns appends retrieved passages to turn system prompts.
	AugmentTurns bool `json:"augment_turns,omitempty"`
}

// KnowledgeConfig controls the knowledge directory loader.
type KnowledgeConfig struct {
	Dir   string `json:"dir,omitempty"`
	Watch bool   `json:"watch,omitempty"`
	// RefreshSchedule is a cron spec for periodic index rebuilds. Empty disables.
	RefreshSchedule string `json:"refresh_schedule,omitempty"`
}

// AutomationConfig controls the desktop automation runner and its control channel.
type AutomationConfig struct {
	ServerURL      string   `json:"server_url,omitempty"`
	MachineID      string   `json:"machine_id,omitempty"`
	StepTimeout    Duration `json:"step_timeout,omitempty"`
	RetryCount     int      `json:"retry_count,omitempty"`
	RetryDelay     Duration `json:"retry_delay,omitempty"`
	ReconnectDelay Duration `json:"reconnect_delay,omitempty"`
	Capabilities   []string `json:"capabilities,omitempty"`
}

// Config holds application configuration.
type Config struct {
	// DefaultProvider names the provider used when a request does not choose one.
	DefaultProvider string `json:"default_provider,omitempty"`

	// Providers maps provider name ("openai", "deepseek", "echo") to its settings.
	Providers map[string]ProviderConfig `json:"providers,omitempty"`

	Processing ProcessingConfig `json:"processing"`
	Workflow   WorkflowConfig   `json:"workflow"`
	RAG        RAGConfig        `json:"rag"`
	Knowledge  KnowledgeConfig  `json:"knowledge"`
	Automation AutomationConfig `json:"automation"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `json:"log_level,omitempty"`
	// LogFormat is "text" or "json".
	LogFormat string `json:"log_format,omitempty"`

	// HTTPAddr is the listen address for the JSON API.
	HTTPAddr string `json:"http_addr,omitempty"`

	// DBMaxOpenConns limits the maximum number of open database connections.
	// 0 means use sql.DB default (unlimited).
	DBMaxOpenConns int `json:"db_max_open_conns,omitempty"`

	// DBMaxIdleConns limits the maximum number of idle database connections.
	DBMaxIdleConns int `json:"db_max_idle_conns,omitempty"`

	// AllowedPaths are extra directories (absolute) that seed files may be
	// read from and transcripts exported to, besides ~/.counsel/seeds and
	// ~/.counsel/exports.
	AllowedPaths []string `json:"allowed_paths,omitempty"`

	// AllowUnsafePaths disables directory restrictions on file paths.
	// Symlinks are still rejected.
	AllowUnsafePaths bool `json:"allow_unsafe_paths,omitempty"`

	// DisabledTools is a list of MCP tool names to exclude from registration.
	// Unknown tool names are logged as warnings.
	DisabledTools []string `json:"disabled_tools,omitempty"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		DefaultProvider: "openai",
		Providers: map[string]ProviderConfig{
			"openai": {
				Model:       "gpt-4-turbo-preview",
				MaxTokens:   2000,
				Temperature: Float(0.7),
			},
			"deepseek": {
				BaseURL:     "https://api.deepseek.com/v1",
				Model:       "deepseek-chat",
				MaxTokens:   2000,
				Temperature: Float(0.7),
			},
		},
		Processing: ProcessingConfig{
			MaxConcurrentRequests: 10,
			RetryAttempts:         3,
			RetryDelay:            Duration(time.Second),
			RequestTimeout:        Duration(30 * time.Second),
			ContextLimit:          10,
		},
		Workflow: WorkflowConfig{
			DefaultPhase: "INFO_COLLECTION",
			PhaseTimeout: Duration(30 * time.Minute),
			StateBackend: "memory",
		},
		RAG: RAGConfig{
			ChunkSize:           500,
			ChunkOverlap:        50,
			TopK:                5,
			SimilarityThreshold: 0.7,
			Embedder:            "hash",
			EmbeddingModel:      "text-embedding-3-small",
			EmbeddingDimension:  384,
			IndexFile:           "index.msgpack",
		},
		Automation: AutomationConfig{
			ServerURL:      "ws://localhost:3000",
			MachineID:      "default-machine",
			StepTimeout:    Duration(30 * time.Second),
			RetryCount:     3,
			RetryDelay:     Duration(time.Second),
			ReconnectDelay: Duration(5 * time.Second),
			Capabilities: []string{
				"wechat_automation",
				"desktop_automation",
				"image_recognition",
				"text_input",
				"mouse_control",
				"keyboard_control",
			},
		},
		LogLevel:  "info",
		LogFormat: "text",
		HTTPAddr:  "127.0.0.1:8080",
	}
}

// Load loads configuration from baseDir/config.json and applies environment overrides.
// Returns default config if the file doesn't exist.
// The baseDir parameter allows tests to use t.TempDir() instead of ~/.counsel.
func Load(baseDir string) (*Config, error) {
	cfg, err := loadFile(filepath.Join(baseDir, "config.json"))
	if err != nil {
		return nil, err
	}
	if err := ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFileRaw loads configuration from a specific file path.
// Returns zero-valued config if the file doesn't exist (not defaults).
func loadFileRaw(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, err
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadFile loads configuration from a specific file path.
// Returns default config if the file doesn't exist.
func loadFile(configPath string) (*Config, error) {
	cfg, err := loadFileRaw(configPath)
	if err != nil {
		return nil, err
	}
	return Merge(DefaultConfig(), cfg), nil
}

// ApplyEnv overlays environment variables onto cfg. lookup is os.LookupEnv
// outside tests.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}

	setProvider := func(name, key string) {
		if v, ok := lookup(key); ok && v != "" {
			if cfg.Providers == nil {
				cfg.Providers = map[string]ProviderConfig{}
			}
			p := cfg.Providers[name]
			p.APIKey = v
			cfg.Providers[name] = p
		}
	}
	setProvider("openai", "OPENAI_API_KEY")
	setProvider("deepseek", "DEEPSEEK_API_KEY")

	str("DEFAULT_AI_PROVIDER", &cfg.DefaultProvider)
	str("LOG_LEVEL", &cfg.LogLevel)

	if err := num("MAX_CONCURRENT_REQUESTS", &cfg.Processing.MaxConcurrentRequests); err != nil {
		return err
	}
	if err := num("CHUNK_SIZE", &cfg.RAG.ChunkSize); err != nil {
		return err
	}
	if err := num("CHUNK_OVERLAP", &cfg.RAG.ChunkOverlap); err != nil {
		return err
	}
	if err := num("RAG_TOP_K", &cfg.RAG.TopK); err != nil {
		return err
	}

	if v, ok := lookup("AUTO_TRANSITION"); ok && v != "" {
		enabled := strings.EqualFold(strings.TrimSpace(v), "true")
		cfg.Workflow.AutoTransition = &enabled
	}
	if v, ok := lookup("PHASE_TIMEOUT"); ok && v != "" {
		d, err := parseDuration(v)
		if err != nil {
			return fmt.Errorf("PHASE_TIMEOUT: %w", err)
		}
		cfg.Workflow.PhaseTimeout = Duration(d)
	}
	if v, ok := lookup("SIMILARITY_THRESHOLD"); ok && v != "" {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return fmt.Errorf("SIMILARITY_THRESHOLD: %w", err)
		}
		cfg.RAG.SimilarityThreshold = f
	}
	return nil
}

// Merge combines base and overlay configs.
// Overlay values take precedence for scalars; arrays are merged and deduplicated.
func Merge(base, overlay *Config) *Config {
	result := &Config{
		DefaultProvider: pick(overlay.DefaultProvider, base.DefaultProvider),
		LogLevel:        pick(overlay.LogLevel, base.LogLevel),
		LogFormat:       pick(overlay.LogFormat, base.LogFormat),
		HTTPAddr:        pick(overlay.HTTPAddr, base.HTTPAddr),
		DBMaxOpenConns:  pick(overlay.DBMaxOpenConns, base.DBMaxOpenConns),
		DBMaxIdleConns:  pick(overlay.DBMaxIdleConns, base.DBMaxIdleConns),
	}

	// Providers merge field by field so a file can set just an api_key.
	result.Providers = make(map[string]ProviderConfig, len(base.Providers)+len(overlay.Providers))
	for name, p := range base.Providers {
		result.Providers[name] = p
	}
	for name, o := range overlay.Providers {
		b := result.Providers[name]
		result.Providers[name] = ProviderConfig{
			APIKey:      pick(o.APIKey, b.APIKey),
			BaseURL:     pick(o.BaseURL, b.BaseURL),
			Model:       pick(o.Model, b.Model),
			MaxTokens:   pick(o.MaxTokens, b.MaxTokens),
			Temperature: pick(o.Temperature, b.Temperature),
		}
	}

	bp, op := base.Processing, overlay.Processing
	result.Processing = ProcessingConfig{
		MaxConcurrentRequests: pick(op.MaxConcurrentRequests, bp.MaxConcurrentRequests),
		RetryAttempts:         pick(op.RetryAttempts, bp.RetryAttempts),
		RetryDelay:            pick(op.RetryDelay, bp.RetryDelay),
		RequestTimeout:        pick(op.RequestTimeout, bp.RequestTimeout),
		ContextLimit:          pick(op.ContextLimit, bp.ContextLimit),
	}

	bw, ow := base.Workflow, overlay.Workflow
	result.Workflow = WorkflowConfig{
		DefaultPhase:   pick(ow.DefaultPhase, bw.DefaultPhase),
		AutoTransition: bw.AutoTransition,
		PhaseTimeout:   pick(ow.PhaseTimeout, bw.PhaseTimeout),
		StateBackend:   pick(ow.StateBackend, bw.StateBackend),
	}
	if ow.AutoTransition != nil {
		result.Workflow.AutoTransition = ow.AutoTransition
	}

	br, or := base.RAG, overlay.RAG
	result.RAG = RAGConfig{
		ChunkSize:           pick(or.ChunkSize, br.ChunkSize),
		ChunkOverlap:        pick(or.ChunkOverlap, br.ChunkOverlap),
		TopK:                pick(or.TopK, br.TopK),
		SimilarityThreshold: pick(or.SimilarityThreshold, br.SimilarityThreshold),
		Embedder:            pick(or.Embedder, br.Embedder),
		EmbeddingModel:      pick(or.EmbeddingModel, br.EmbeddingModel),
		EmbeddingDimension:  pick(or.EmbeddingDimension, br.EmbeddingDimension),
		IndexFile:           pick(or.IndexFile, br.IndexFile),
		// Booleans: overlay wins if true, else base
		AugmentTurns: br.AugmentTurns || or.AugmentTurns,
	}

	bk, ko := base.Knowledge, overlay.Knowledge
	result.Knowledge = KnowledgeConfig{
		Dir:             pick(ko.Dir, bk.Dir),
		Watch:           bk.Watch || ko.Watch,
		RefreshSchedule: pick(ko.RefreshSchedule, bk.RefreshSchedule),
	}

	ba, oa := base.Automation, overlay.Automation
	result.Automation = AutomationConfig{
		ServerURL:      pick(oa.ServerURL, ba.ServerURL),
		MachineID:      pick(oa.MachineID, ba.MachineID),
		StepTimeout:    pick(oa.StepTimeout, ba.StepTimeout),
		RetryCount:     pick(oa.RetryCount, ba.RetryCount),
		RetryDelay:     pick(oa.RetryDelay, ba.RetryDelay),
		ReconnectDelay: pick(oa.ReconnectDelay, ba.ReconnectDelay),
		Capabilities:   mergeStringSlice(ba.Capabilities, oa.Capabilities),
	}

	result.AllowedPaths = mergeStringSlice(base.AllowedPaths, overlay.AllowedPaths)
	result.AllowUnsafePaths = base.AllowUnsafePaths || overlay.AllowUnsafePaths
	result.DisabledTools = mergeStringSlice(base.DisabledTools, overlay.DisabledTools)

	return result
}

// pick returns overlay if non-zero, else base.
// Float returns a pointer to v, for optional numeric settings.
func Float(v float64) *float64 { return &v }

func pick[T comparable](overlay, base T) T {
	var zero T
	if overlay != zero {
		return overlay
	}
	return base
}

// mergeStringSlice combines two slices, trims whitespace, and removes duplicates.
func mergeStringSlice(a, b []string) []string {
	seen := make(map[string]bool)
	result := make([]string, 0, len(a)+len(b))

	for _, s := range a {
		s = strings.TrimSpace(s)
		if s != "" && !seen[s] {
			seen[s] = true
			result = append(result, s)
		}
	}
	for _, s := range b {
		s = strings.TrimSpace(s)
		if s != "" && !seen[s] {
			seen[s] = true
			result = append(result, s)
		}
	}

	if len(result) == 0 {
		return nil
	}
	return result
}
