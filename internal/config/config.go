package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	DefaultPort             = 8080
	DefaultDBDSN            = "file:voxgate?mode=memory&cache=shared"
	DefaultLogLevel         = "info"
	DefaultEngine           = "stub"
	DefaultBeamSize         = 1
	DefaultStreamFlushBytes = 10 * 1024
	DefaultStreamQueueDepth = 16
	DefaultStreamFormat     = "wav"
	DefaultMaxUploadBytes   = 25 << 20
	DefaultMaxTextLength    = 5000
	DefaultRateLimit        = 60

	ValidateContentType = "content-type"
	ValidateExtension   = "extension"
)

type Config struct {
	Port      int    `yaml:"port"`
	WorkDir   string `yaml:"work_dir"`
	DBDSN     string `yaml:"db_dsn"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	CORSOrigins   []string `yaml:"cors_origins"`
	AuthEnabled   bool     `yaml:"auth_enabled"`
	JWTSecret     string   `yaml:"jwt_secret"`
	AdminUsername string   `yaml:"admin_username"`
	AdminPassword string   `yaml:"admin_password"`

	STTEngine      string `yaml:"stt_engine"` // stub, whispercpp, openai
	WhisperURL     string `yaml:"whisper_url"`
	WhisperModel   string `yaml:"whisper_model"`
	WhisperConvert bool   `yaml:"whisper_convert"`
	OpenAIKey      string `yaml:"openai_api_key"`
	OpenAIBaseURL  string `yaml:"openai_base_url"`
	Translator     string `yaml:"translator"` // stub, google, deepl
	DeepLKey       string `yaml:"deepl_api_key"`
	TTSEngine      string `yaml:"tts_engine"` // stub, google, openai
	LangDetector   string `yaml:"lang_detector"` // stub, lingua

	BeamSize         int    `yaml:"beam_size"`
	WordTimestamps   bool   `yaml:"word_timestamps"`
	StreamFlushBytes int    `yaml:"stream_flush_bytes"`
	StreamQueueDepth int    `yaml:"stream_queue_depth"`
	StreamFormat     string `yaml:"stream_format"` // container of streamed audio
	MaxUploadBytes   int64  `yaml:"max_upload_bytes"`
	MaxTextLength    int    `yaml:"max_text_length"`
	UploadValidation string `yaml:"upload_validation"`
	RateLimit        int    `yaml:"rate_limit_per_minute"`
	ExposeErrors     bool   `yaml:"expose_errors"`
}

// Loader builds a Config from an optional YAML file (CONFIG_FILE) overlaid
// with environment variables. Tests can override Lookup and ReadFile.
type Loader struct {
	Lookup   func(string) (string, bool)
	ReadFile func(string) ([]byte, error)
}

// Load reads the process environment.
func Load() (*Config, error) {
	return Loader{}.Load()
}

func (l Loader) Load() (*Config, error) {
	if l.Lookup == nil {
		l.Lookup = os.LookupEnv
	}
	if l.ReadFile == nil {
		l.ReadFile = os.ReadFile
	}

	cfg := &Config{
		Port:           DefaultPort,
		WordTimestamps: true,
	}

	if path, ok := l.Lookup("CONFIG_FILE"); ok && strings.TrimSpace(path) != "" {
		data, err := l.ReadFile(strings.TrimSpace(path))
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	env := l.Lookup
	if err := overrideInt(env, "PORT", &cfg.Port); err != nil {
		return nil, err
	}
	overrideString(env, "WORK_DIR", &cfg.WorkDir)
	overrideString(env, "DB_DSN", &cfg.DBDSN)
	overrideString(env, "LOG_LEVEL", &cfg.LogLevel)
	overrideString(env, "LOG_FORMAT", &cfg.LogFormat)

	// CORS origins: comma-separated list or "*" (default)
	if v, ok := env("CORS_ORIGINS"); ok && strings.TrimSpace(v) != "" {
		cfg.CORSOrigins = splitList(v)
	}
	if err := overrideBool(env, "AUTH_ENABLED", &cfg.AuthEnabled); err != nil {
		return nil, err
	}
	overrideString(env, "JWT_SECRET", &cfg.JWTSecret)
	overrideString(env, "ADMIN_USERNAME", &cfg.AdminUsername)
	overrideString(env, "ADMIN_PASSWORD", &cfg.AdminPassword)

	overrideString(env, "STT_ENGINE", &cfg.STTEngine)
	overrideString(env, "WHISPER_URL", &cfg.WhisperURL)
	overrideString(env, "WHISPER_MODEL", &cfg.WhisperModel)
	if err := overrideBool(env, "WHISPER_CONVERT", &cfg.WhisperConvert); err != nil {
		return nil, err
	}
	overrideString(env, "OPENAI_API_KEY", &cfg.OpenAIKey)
	overrideString(env, "OPENAI_BASE_URL", &cfg.OpenAIBaseURL)
	overrideString(env, "TRANSLATOR", &cfg.Translator)
	overrideString(env, "DEEPL_API_KEY", &cfg.DeepLKey)
	overrideString(env, "TTS_ENGINE", &cfg.TTSEngine)
	overrideString(env, "LANG_DETECTOR", &cfg.LangDetector)

	for key, target := range map[string]*int{
		"BEAM_SIZE":             &cfg.BeamSize,
		"STREAM_FLUSH_BYTES":    &cfg.StreamFlushBytes,
		"STREAM_QUEUE_DEPTH":    &cfg.StreamQueueDepth,
		"MAX_TEXT_LENGTH":       &cfg.MaxTextLength,
		"RATE_LIMIT_PER_MINUTE": &cfg.RateLimit,
	} {
		if err := overrideInt(env, key, target); err != nil {
			return nil, err
		}
	}
	if v, ok := env("MAX_UPLOAD_BYTES"); ok && strings.TrimSpace(v) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("config: MAX_UPLOAD_BYTES: %w", err)
		}
		cfg.MaxUploadBytes = n
	}
	if err := overrideBool(env, "WORD_TIMESTAMPS", &cfg.WordTimestamps); err != nil {
		return nil, err
	}
	overrideString(env, "UPLOAD_VALIDATION", &cfg.UploadValidation)
	overrideString(env, "STREAM_FORMAT", &cfg.StreamFormat)
	if err := overrideBool(env, "EXPOSE_ERRORS", &cfg.ExposeErrors); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate applies defaults and rejects out-of-range values.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: port must be in 1..65535, got %d", c.Port)
	}
	if c.WorkDir == "" {
		c.WorkDir = os.TempDir() + "/voxgate"
	}
	if c.DBDSN == "" {
		c.DBDSN = DefaultDBDSN
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if len(c.CORSOrigins) == 0 {
		c.CORSOrigins = []string{"*"}
	}
	if c.AdminUsername == "" {
		c.AdminUsername = "admin"
	}
	if c.AdminPassword == "" {
		c.AdminPassword = "admin"
	}
	// JWT secret: require explicit setting or generate random
	if c.JWTSecret == "" {
		b := make([]byte, 32)
		if _, err := rand.Read(b); err != nil {
			return fmt.Errorf("config: generate jwt secret: %w", err)
		}
		c.JWTSecret = hex.EncodeToString(b)
	}

	if c.STTEngine == "" {
		c.STTEngine = DefaultEngine
	}
	if c.Translator == "" {
		c.Translator = DefaultEngine
	}
	if c.TTSEngine == "" {
		c.TTSEngine = DefaultEngine
	}
	if c.LangDetector == "" {
		c.LangDetector = "lingua"
		if c.TTSEngine == DefaultEngine {
			c.LangDetector = DefaultEngine
		}
	}
	if err := oneOf("stt_engine", c.STTEngine, "stub", "whispercpp", "openai"); err != nil {
		return err
	}
	if err := oneOf("translator", c.Translator, "stub", "google", "deepl"); err != nil {
		return err
	}
	if err := oneOf("tts_engine", c.TTSEngine, "stub", "google", "openai"); err != nil {
		return err
	}
	if err := oneOf("lang_detector", c.LangDetector, "stub", "lingua"); err != nil {
		return err
	}
	if c.STTEngine == "whispercpp" && c.WhisperURL == "" {
		return fmt.Errorf("config: whisper_url is required for the whispercpp engine")
	}

	if c.BeamSize == 0 {
		c.BeamSize = DefaultBeamSize
	}
	if c.BeamSize < 1 {
		return fmt.Errorf("config: beam_size must be >= 1, got %d", c.BeamSize)
	}
	if c.StreamFlushBytes == 0 {
		c.StreamFlushBytes = DefaultStreamFlushBytes
	}
	if c.StreamFlushBytes < 0 {
		return fmt.Errorf("config: stream_flush_bytes must be > 0, got %d", c.StreamFlushBytes)
	}
	if c.StreamQueueDepth <= 0 {
		c.StreamQueueDepth = DefaultStreamQueueDepth
	}
	c.StreamFormat = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(c.StreamFormat)), ".")
	if c.StreamFormat == "" {
		c.StreamFormat = DefaultStreamFormat
	}
	if err := oneOf("stream_format", c.StreamFormat, "wav", "webm", "ogg", "opus", "mp3", "m4a", "aac", "flac"); err != nil {
		return err
	}
	if c.MaxUploadBytes <= 0 {
		c.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if c.MaxTextLength <= 0 {
		c.MaxTextLength = DefaultMaxTextLength
	}
	if c.UploadValidation == "" {
		c.UploadValidation = ValidateContentType
	}
	if err := oneOf("upload_validation", c.UploadValidation, ValidateContentType, ValidateExtension); err != nil {
		return err
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("config: rate_limit_per_minute must be >= 0, got %d", c.RateLimit)
	}
	if c.RateLimit == 0 {
		c.RateLimit = DefaultRateLimit
	}
	return nil
}

func oneOf(name, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("config: %s must be one of %s, got %q", name, strings.Join(allowed, ", "), value)
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func overrideString(lookup func(string) (string, bool), key string, target *string) {
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		*target = strings.TrimSpace(value)
	}
}

func overrideInt(lookup func(string) (string, bool), key string, target *int) error {
	value, ok := lookup(key)
	if !ok || strings.TrimSpace(value) == "" {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*target = n
	return nil
}

func overrideBool(lookup func(string) (string, bool), key string, target *bool) error {
	value, ok := lookup(key)
	if !ok || strings.TrimSpace(value) == "" {
		return nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*target = b
	return nil
}
