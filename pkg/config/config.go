package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every tunable the daemon reads at startup. All values come from
// the environment; LoadFromEnv applies defaults for anything unset.
type Config struct {
	// Filesystem root for the agent's home. Everything else is derived from it
	// unless overridden individually.
	Root string

	IdentityFile     string
	PriorsSourceFile string
	PriorsStubFile   string
	WorkingLog       string
	TodoDB           string
	BinDir           string
	DocsDir          string
	MemoryDir        string
	EpisodesDir      string
	ArchiveDir       string
	OverflowDir      string
	VectorDBPath     string
	DownloadsDir     string
	LogsDir          string
	InboxDumpLog     string
	CommLog          string
	GenesisFile      string
	ProtocolsFile    string

	// Bus
	RedisURL           string
	RedisRetryAttempts int
	RedisRetryBase     time.Duration

	// LLM
	LLMProvider       string // "google" or "openrouter"
	GeminiAPIKey      string
	OpenRouterAPIKey  string
	OpenRouterSiteURL string
	OpenRouterAppName string
	ModelPro          string
	ModelFlash        string

	// Subprocesses
	MaxConcurrentSubprocs int
	SubprocTimeout        time.Duration
	SSHCmdTimeout         time.Duration

	// Human notifications
	NtfyURL   string
	NtfyToken string

	// Web tools
	SearxNGURL string

	// Governor
	GovernorLimit  int
	GovernorWindow time.Duration

	// Chat lock
	LockTTL time.Duration
}

// LoadEnvFile loads a dotenv file if it exists. A missing default file is not
// an error; an explicitly named file that fails to load is.
func LoadEnvFile(path string) error {
	if path == "" {
		if _, err := os.Stat(".env"); err == nil {
			return godotenv.Load(".env")
		}
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

// LoadFromEnv builds a Config from the process environment.
func LoadFromEnv() (*Config, error) {
	root := getEnv("AGENT_ROOT", "")
	if root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("AGENT_ROOT not set and home directory unavailable: %w", err)
		}
		root = home
	}

	cfg := &Config{
		Root: root,

		IdentityFile:     filepath.Join(root, getEnv("IDENTITY_FILE", ".agent-identity")),
		PriorsSourceFile: filepath.Join(root, ".agent-priors.md"),
		PriorsStubFile:   filepath.Join(root, ".agent-priors.stub"),
		WorkingLog:       filepath.Join(root, getEnv("WORKING_LOG", "working.log")),
		TodoDB:           filepath.Join(root, getEnv("TODO_DB", "todo.db")),
		BinDir:           filepath.Join(root, getEnv("BIN_DIR", "bin")),
		DocsDir:          filepath.Join(root, getEnv("DOCS_DIR", "docs")),
		MemoryDir:        filepath.Join(root, getEnv("MEMORY_DIR", "memory")),
		LogsDir:          filepath.Join(root, "logs"),
		CommLog:          filepath.Join(root, "communications.log"),

		RedisURL:           getEnv("REDIS_URL", ""),
		RedisRetryAttempts: getEnvInt("REDIS_RETRY_ATTEMPTS", 3),
		RedisRetryBase:     getEnvDuration("REDIS_RETRY_BASE", 500*time.Millisecond),

		LLMProvider:       getEnv("LLM_PROVIDER", "google"),
		GeminiAPIKey:      getEnv("GEMINI_API_KEY", ""),
		OpenRouterAPIKey:  getEnv("OPENROUTER_API_KEY", ""),
		OpenRouterSiteURL: getEnv("OPENROUTER_SITE_URL", "https://volition.indoria.org"),
		OpenRouterAppName: getEnv("OPENROUTER_APP_NAME", "Volition"),

		MaxConcurrentSubprocs: getEnvInt("MAX_CONCURRENT_SUBPROCS", 4),
		SubprocTimeout:        getEnvDuration("SUBPROC_TIMEOUT", 150*time.Second),
		SSHCmdTimeout:         getEnvDuration("SSH_CMD_TIMEOUT", 300*time.Second),

		NtfyURL:   getEnv("NTFY_URL", ""),
		NtfyToken: getEnv("NTFY_TOKEN", ""),

		SearxNGURL: getEnv("SEARXNG_URL", "https://civitat.es/search"),

		GovernorLimit:  getEnvInt("GOVERNOR_LIMIT", 15),
		GovernorWindow: getEnvDuration("GOVERNOR_WINDOW", 300*time.Second),

		LockTTL: getEnvDuration("CHAT_LOCK_TTL", 60*time.Second),
	}

	cfg.EpisodesDir = filepath.Join(cfg.MemoryDir, "episodes")
	cfg.ArchiveDir = filepath.Join(cfg.MemoryDir, "tier_1_archive")
	cfg.OverflowDir = filepath.Join(cfg.MemoryDir, "overflow")
	cfg.VectorDBPath = filepath.Join(cfg.MemoryDir, "vector.db")
	cfg.DownloadsDir = filepath.Join(cfg.MemoryDir, "downloads")
	cfg.InboxDumpLog = filepath.Join(cfg.LogsDir, "inbox_dump.jsonl")
	cfg.GenesisFile = filepath.Join(cfg.DocsDir, getEnv("GENESIS_PROMPT_FILE", "Genesis_Prompt.md"))
	cfg.ProtocolsFile = filepath.Join(cfg.DocsDir, "Fleet_Protocols.md")

	if cfg.RedisURL == "" {
		host := getEnv("REDIS_HOST", "localhost")
		port := getEnv("REDIS_PORT", "6379")
		password := getEnv("REDIS_PASSWORD", "volition")
		cfg.RedisURL = fmt.Sprintf("redis://:%s@%s:%s/0", password, host, port)
	}

	gemini := getEnv("GEMINI_MODEL", "gemini-2.5-pro")
	cfg.ModelPro = firstNonEmpty(os.Getenv("OPENROUTER_MODEL_PRO"), os.Getenv("GEMINI_MODEL_PRO"), gemini)
	cfg.ModelFlash = firstNonEmpty(os.Getenv("OPENROUTER_MODEL_FLASH"), getEnv("GEMINI_MODEL_FLASH", "gemini-2.5-flash"))

	return cfg, nil
}

// SubsFile returns the subscription persistence file.
func (c *Config) SubsFile() string {
	return filepath.Join(c.Root, ".agent-subscriptions")
}

// ClipboardPath returns the scratchpad file for the named agent.
func (c *Config) ClipboardPath(agentName string) string {
	return filepath.Join(c.Root, fmt.Sprintf(".agent-clipboard-%s.md", agentName))
}

// ChangelogPath returns today's operator changelog file.
func (c *Config) ChangelogPath(day time.Time) string {
	return filepath.Join(c.LogsDir, fmt.Sprintf("changelog_%s.md", day.Format("2006-01-02")))
}

// EnsureDirs creates the directory tree the daemon writes into.
func (c *Config) EnsureDirs() error {
	dirs := []string{
		c.BinDir, c.DocsDir, c.MemoryDir, c.EpisodesDir,
		c.ArchiveDir, c.OverflowDir, c.DownloadsDir, c.LogsDir,
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", d, err)
		}
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// getEnvDuration accepts either a Go duration string ("150s") or a bare number
// of seconds, which is what the deployment scripts export.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(f * float64(time.Second))
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
