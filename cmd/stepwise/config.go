package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rendis/stepwise/pkg/schema"
)

// Project is a named application under test.
type Project struct {
	BaseURL string `json:"base_url"`
	TestDir string `json:"test_dir"`
}

// Config holds all stepwise configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	BackendCommand   string             `json:"backend_command"`
	BackendArgs      []string           `json:"backend_args"`
	CallTimeoutSec   int                `json:"call_timeout_sec"`
	StepTimeoutSec   int                `json:"step_timeout_sec"`
	OracleTimeoutSec int                `json:"oracle_timeout_sec"`
	LLMBaseURL       string             `json:"llm_base_url"`
	LLMModel         string             `json:"llm_model"`
	LLMAPIKeyEnv     string             `json:"llm_api_key_env"`
	OutputDir        string             `json:"output_dir"`
	DBPath           string             `json:"db_path"`
	LogLevel         string             `json:"log_level"`
	Projects         map[string]Project `json:"projects"`
}

func defaultConfig() Config {
	return Config{
		BackendCommand:   "npx",
		BackendArgs:      []string{"@playwright/mcp@latest", "--headless"},
		CallTimeoutSec:   30,
		StepTimeoutSec:   120,
		OracleTimeoutSec: 60,
		LLMBaseURL:       "https://api.openai.com/v1",
		LLMModel:         "gpt-4o-mini",
		LLMAPIKeyEnv:     "OPENAI_API_KEY",
		OutputDir:        filepath.Join(stepwiseDir(), "runs"),
		DBPath:           filepath.Join(stepwiseDir(), "history.db"),
		LogLevel:         "info",
		Projects:         map[string]Project{},
	}
}

func stepwiseDir() string {
	if v := os.Getenv("STEPWISE_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".stepwise"
	}
	return filepath.Join(home, ".stepwise")
}

func settingsPath() string {
	return filepath.Join(stepwiseDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("STEPWISE_BACKEND_COMMAND"); v != "" {
		cfg.BackendCommand = v
	}
	if v := os.Getenv("STEPWISE_BACKEND_ARGS"); v != "" {
		cfg.BackendArgs = strings.Fields(v)
	}
	envSeconds("STEPWISE_CALL_TIMEOUT", &cfg.CallTimeoutSec)
	envSeconds("STEPWISE_STEP_TIMEOUT", &cfg.StepTimeoutSec)
	envSeconds("STEPWISE_ORACLE_TIMEOUT", &cfg.OracleTimeoutSec)
	if v := os.Getenv("STEPWISE_LLM_BASE_URL"); v != "" {
		cfg.LLMBaseURL = v
	}
	if v := os.Getenv("STEPWISE_LLM_MODEL"); v != "" {
		cfg.LLMModel = v
	}
	if v := os.Getenv("STEPWISE_LLM_API_KEY_ENV"); v != "" {
		cfg.LLMAPIKeyEnv = v
	}
	if v := os.Getenv("STEPWISE_OUTPUT_DIR"); v != "" {
		cfg.OutputDir = v
	}
	if v := os.Getenv("STEPWISE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("STEPWISE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	if cfg.Projects == nil {
		cfg.Projects = map[string]Project{}
	}
	return cfg
}

func envSeconds(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = n
		}
	}
}

func (c Config) CallTimeout() time.Duration   { return time.Duration(c.CallTimeoutSec) * time.Second }
func (c Config) StepTimeout() time.Duration   { return time.Duration(c.StepTimeoutSec) * time.Second }
func (c Config) OracleTimeout() time.Duration { return time.Duration(c.OracleTimeoutSec) * time.Second }

// dbURI returns the libsql connection string for DBPath.
func (c Config) dbURI() string {
	if strings.HasPrefix(c.DBPath, "file:") || strings.Contains(c.DBPath, "://") {
		return c.DBPath
	}
	return "file:" + c.DBPath
}

// loadTest reads a project's test file. Relative paths resolve against the
// project's test dir and may not leave it. The project's base URL is put in
// front of the document so relative navigation can be resolved.
func (c Config) loadTest(project, testFile string) (string, error) {
	p, ok := c.Projects[project]
	if !ok {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "unknown project %q", project)
	}

	path := testFile
	if !filepath.IsAbs(path) {
		path = filepath.Join(p.TestDir, testFile)
		rel, err := filepath.Rel(p.TestDir, path)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return "", schema.NewErrorf(schema.ErrCodeValidation, "test file %q is outside the project test dir", testFile)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeNotFound, "read test file %s: %s", path, err.Error()).WithCause(err)
	}

	doc := string(data)
	if p.BaseURL != "" {
		doc = "Base URL: " + p.BaseURL + "\n\n" + doc
	}
	return doc, nil
}
