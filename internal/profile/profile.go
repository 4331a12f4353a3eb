package profile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Profile is configuration to start the main server.
type Profile struct {
	// Server
	Mode      string // "prod" | "dev" | "demo"
	Addr      string
	Port      int
	Data      string
	Driver    string // "postgres" | "sqlite"
	DSN       string
	Version   string
	PublicURL string // externally reachable base URL, used for WAHA webhook callbacks

	// Secrets
	EncryptionKey string // passphrase for sealing tenant credentials, >= 32 chars
	JWTSecret     string

	// Process-level LLM defaults (OpenAI-compatible protocol). Tenants may
	// override provider/key/model per row in user_credential.
	LLMProvider    string
	LLMAPIKey      string
	LLMBaseURL     string
	LLMModel       string
	LLMMaxTokens   int
	LLMTemperature float64

	// Embedding configuration
	EmbeddingProvider   string
	EmbeddingModel      string
	EmbeddingAPIKey     string
	EmbeddingBaseURL    string
	EmbeddingDimensions int

	// Merge window (milliseconds)
	MergeWindowMs    int
	MergeWindowMinMs int
	MergeWindowMaxMs int

	// Pipeline workers per stage
	WorkersRetrieve int
	WorkersInfer    int
	WorkersReply    int

	// Humanizer
	ReplyRetryDelayMs int
	TypingIndicator   bool

	// WAHA gateway
	WAHAMinVersion   string
	WAHARateLimitRPS float64
	WAHARateBurst    int

	// Ops alerting (optional)
	TelegramBotToken  string
	TelegramOpsChatID int64
}

// Provider default configurations for LLM.
// Used when WAFLOW_LLM_BASE_URL is not explicitly set.
var llmProviderDefaults = map[string]struct {
	BaseURL string
	Model   string
}{
	"openai": {
		BaseURL: "https://api.openai.com/v1",
		Model:   "gpt-4o-mini",
	},
	"deepseek": {
		BaseURL: "https://api.deepseek.com",
		Model:   "deepseek-chat",
	},
	"siliconflow": {
		BaseURL: "https://api.siliconflow.cn/v1",
		Model:   "Qwen/Qwen2.5-72B-Instruct",
	},
	"dashscope": {
		BaseURL: "https://dashscope.aliyuncs.com/compatible-mode/v1",
		Model:   "qwen-max-latest",
	},
	"openrouter": {
		BaseURL: "https://openrouter.ai/api/v1",
		Model:   "deepseek/deepseek-chat",
	},
	"ollama": {
		BaseURL: "http://localhost:11434/v1",
		Model:   "llama3.1",
	},
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// JWTSigningSecret returns the secret that signs management API tokens.
// Outside prod a missing WAFLOW_JWT_SECRET is derived from ENCRYPTION_KEY so
// tokens stay valid across restarts without extra setup. Offline tooling
// (the token subcommand) uses this without running the full Validate.
func (p *Profile) JWTSigningSecret() (string, error) {
	if p.JWTSecret != "" {
		return p.JWTSecret, nil
	}
	if p.Mode == "prod" {
		return "", errors.New("WAFLOW_JWT_SECRET must be set in prod mode")
	}
	if len(p.EncryptionKey) < 32 {
		return "", errors.New("ENCRYPTION_KEY must be set and at least 32 characters long")
	}
	return p.EncryptionKey + ":jwt", nil
}

// getEnvOrDefault returns environment variable value or default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvOrDefaultInt returns environment variable value as int or default value.
func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvOrDefaultFloat returns environment variable value as float64 or default value.
func getEnvOrDefaultFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

// FromEnv loads configuration from environment variables.
func (p *Profile) FromEnv() {
	// ENCRYPTION_KEY is deliberately unprefixed: it is shared with the
	// deployment tooling that provisions tenant secrets.
	p.EncryptionKey = getEnvOrDefault("ENCRYPTION_KEY", "")
	p.JWTSecret = getEnvOrDefault("WAFLOW_JWT_SECRET", "")
	p.PublicURL = getEnvOrDefault("WAFLOW_PUBLIC_URL", "")

	// Process-level LLM defaults
	p.LLMProvider = getEnvOrDefault("WAFLOW_LLM_PROVIDER", "openai")
	p.LLMAPIKey = getEnvOrDefault("WAFLOW_LLM_API_KEY", "")
	p.LLMBaseURL = getEnvOrDefault("WAFLOW_LLM_BASE_URL", "")
	p.LLMModel = getEnvOrDefault("WAFLOW_LLM_MODEL", "")
	p.LLMMaxTokens = getEnvOrDefaultInt("WAFLOW_LLM_MAX_TOKENS", 1024)
	p.LLMTemperature = getEnvOrDefaultFloat("WAFLOW_LLM_TEMPERATURE", 0.7)

	if p.LLMProvider != "" {
		if _, ok := llmProviderDefaults[p.LLMProvider]; !ok {
			slog.Warn("unknown LLM provider, using default: openai", "provider", p.LLMProvider)
			p.LLMProvider = "openai"
		}
	}
	if p.LLMBaseURL == "" || p.LLMModel == "" {
		if defaults, ok := llmProviderDefaults[p.LLMProvider]; ok {
			if p.LLMBaseURL == "" {
				p.LLMBaseURL = defaults.BaseURL
			}
			if p.LLMModel == "" {
				p.LLMModel = defaults.Model
			}
		}
	}

	// Embedding configuration
	p.EmbeddingProvider = getEnvOrDefault("WAFLOW_EMBEDDING_PROVIDER", "siliconflow")
	p.EmbeddingModel = getEnvOrDefault("WAFLOW_EMBEDDING_MODEL", "BAAI/bge-m3")
	p.EmbeddingAPIKey = getEnvOrDefault("WAFLOW_EMBEDDING_API_KEY", p.LLMAPIKey)
	p.EmbeddingBaseURL = getEnvOrDefault("WAFLOW_EMBEDDING_BASE_URL", "https://api.siliconflow.cn/v1")
	p.EmbeddingDimensions = getEnvOrDefaultInt("WAFLOW_EMBEDDING_DIMENSIONS", 1024)

	// Merge window
	p.MergeWindowMs = getEnvOrDefaultInt("WAFLOW_MERGE_WINDOW_MS", 2000)
	p.MergeWindowMinMs = getEnvOrDefaultInt("WAFLOW_MERGE_WINDOW_MIN_MS", 1500)
	p.MergeWindowMaxMs = getEnvOrDefaultInt("WAFLOW_MERGE_WINDOW_MAX_MS", 3000)

	// Stage workers
	p.WorkersRetrieve = getEnvOrDefaultInt("WAFLOW_WORKERS_RETRIEVE", 4)
	p.WorkersInfer = getEnvOrDefaultInt("WAFLOW_WORKERS_INFER", 2)
	p.WorkersReply = getEnvOrDefaultInt("WAFLOW_WORKERS_REPLY", 4)

	// Humanizer
	p.ReplyRetryDelayMs = getEnvOrDefaultInt("WAFLOW_REPLY_RETRY_DELAY_MS", 1000)
	p.TypingIndicator = getEnvOrDefault("WAFLOW_TYPING_INDICATOR", "true") == "true"

	// WAHA
	p.WAHAMinVersion = getEnvOrDefault("WAFLOW_WAHA_MIN_VERSION", "2023.12.1")
	p.WAHARateLimitRPS = getEnvOrDefaultFloat("WAFLOW_WAHA_RATE_LIMIT_RPS", 1)
	p.WAHARateBurst = getEnvOrDefaultInt("WAFLOW_WAHA_RATE_BURST", 3)

	// Telegram ops alerts
	p.TelegramBotToken = getEnvOrDefault("WAFLOW_TELEGRAM_BOT_TOKEN", "")
	if chatID := getEnvOrDefault("WAFLOW_TELEGRAM_OPS_CHAT_ID", ""); chatID != "" {
		if id, err := strconv.ParseInt(chatID, 10, 64); err == nil {
			p.TelegramOpsChatID = id
		}
	}
}

func checkDataDir(dataDir string) (string, error) {
	// Convert to absolute path if relative path is supplied.
	if !filepath.IsAbs(dataDir) {
		relativeDir := filepath.Join(filepath.Dir(os.Args[0]), dataDir)
		absDir, err := filepath.Abs(relativeDir)
		if err != nil {
			return "", err
		}
		dataDir = absDir
	}

	// Trim trailing \ or / in case user supplies
	dataDir = strings.TrimRight(dataDir, "\\/")
	if _, err := os.Stat(dataDir); err != nil {
		return "", errors.Wrapf(err, "unable to access data folder %s", dataDir)
	}
	return dataDir, nil
}

func (p *Profile) Validate() error {
	if p.Mode != "demo" && p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "demo"
	}

	if len(p.EncryptionKey) < 32 {
		return errors.New("ENCRYPTION_KEY must be set and at least 32 characters long")
	}

	if p.JWTSecret == "" {
		secret, err := p.JWTSigningSecret()
		if err != nil {
			return err
		}
		slog.Warn("WAFLOW_JWT_SECRET not set, deriving a dev secret from ENCRYPTION_KEY")
		p.JWTSecret = secret
	}

	if p.MergeWindowMinMs > p.MergeWindowMaxMs {
		return errors.Errorf("invalid merge window range [%d, %d]", p.MergeWindowMinMs, p.MergeWindowMaxMs)
	}
	if p.MergeWindowMs < p.MergeWindowMinMs {
		p.MergeWindowMs = p.MergeWindowMinMs
	}
	if p.MergeWindowMs > p.MergeWindowMaxMs {
		p.MergeWindowMs = p.MergeWindowMaxMs
	}

	if p.Mode == "prod" && p.Data == "" {
		if runtime.GOOS == "windows" {
			p.Data = filepath.Join(os.Getenv("ProgramData"), "waflow")
			if _, err := os.Stat(p.Data); os.IsNotExist(err) {
				if err := os.MkdirAll(p.Data, 0770); err != nil {
					slog.Error("failed to create data directory", slog.String("data", p.Data), slog.String("error", err.Error()))
					return err
				}
			}
		} else {
			p.Data = "/var/opt/waflow"
		}
	}

	dataDir, err := checkDataDir(p.Data)
	if err != nil {
		slog.Error("failed to check data dir", slog.String("data", dataDir), slog.String("error", err.Error()))
		return err
	}
	p.Data = dataDir

	if p.Driver == "sqlite" && p.DSN == "" {
		dbFile := fmt.Sprintf("waflow_%s.db", p.Mode)
		p.DSN = filepath.Join(dataDir, dbFile)
	}

	return nil
}
