package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Config holds the options shared by every command.
type Config struct {
	RulesPath     string
	Output        string
	DecodeSubject bool
	StateDir      string
	MetricsFile   string
	Progress      bool
	LogLevel      string
	LogDir        string
}

// IMAPConfig holds the connection options of the root command.
type IMAPConfig struct {
	Host               string
	Port               int
	Username           string
	Password           string
	UseTLS             bool
	InsecureSkipVerify bool
	Mailbox            string
}

const (
	EnvIMAPHost  = "IMAP_HOST"
	EnvIMAPPort  = "IMAP_PORT"
	EnvIMAPUser  = "IMAP_USER"
	EnvIMAPPass  = "IMAP_PASS"
	EnvRulesFile = "RULES_FILE"
)

const DefaultRulesPath = "rules.json"

// LoadDotEnv loads path into the process environment without overriding
// variables that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// RegisterFlags attaches the shared flags as persistent flags of cmd.
func RegisterFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.String("rules", DefaultRulesPath, "Rule definition file (.json, .yaml, .yml or .toml; falls back to RULES_FILE env var)")
	flags.String("output", "text", "Report format: text, json or csv")
	flags.Bool("decode-subject", false, "Decode RFC 2047 encoded subjects before matching")
	flags.String("state-dir", "", "Directory for processed-message state; empty disables skipping")
	flags.String("metrics-file", "", "Write Prometheus metrics in textfile format to this path")
	flags.Bool("progress", false, "Show a progress bar")
	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("log-dir", "", "Also write logs to a timestamped file in this directory")
}

// RegisterIMAPFlags attaches the connection flags to cmd.
func RegisterIMAPFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String("imap-host", "", "IMAP server hostname (falls back to IMAP_HOST env var)")
	flags.Int("imap-port", 993, "IMAP server port (falls back to IMAP_PORT env var)")
	flags.String("imap-user", "", "IMAP username (falls back to IMAP_USER env var)")
	flags.String("imap-pass", "", "IMAP password (falls back to IMAP_PASS env var)")
	flags.Bool("use-tls", true, "Use TLS for the IMAP connection")
	flags.Bool("insecure-skip-verify", false, "Skip TLS certificate verification (not recommended)")
	flags.String("mailbox", "INBOX", "Mailbox to read unseen messages from")
}

// LoadConfig converts the parsed shared flags into a validated Config.
func LoadConfig(cmd *cobra.Command) (Config, error) {
	flags := cmd.Flags()

	rulesPath, err := flags.GetString("rules")
	if err != nil {
		return Config{}, err
	}
	output, err := flags.GetString("output")
	if err != nil {
		return Config{}, err
	}
	decodeSubject, err := flags.GetBool("decode-subject")
	if err != nil {
		return Config{}, err
	}
	stateDir, err := flags.GetString("state-dir")
	if err != nil {
		return Config{}, err
	}
	metricsFile, err := flags.GetString("metrics-file")
	if err != nil {
		return Config{}, err
	}
	progress, err := flags.GetBool("progress")
	if err != nil {
		return Config{}, err
	}
	logLevel, err := flags.GetString("log-level")
	if err != nil {
		return Config{}, err
	}
	logDir, err := flags.GetString("log-dir")
	if err != nil {
		return Config{}, err
	}

	if !flags.Changed("rules") {
		if env := strings.TrimSpace(os.Getenv(EnvRulesFile)); env != "" {
			rulesPath = env
		}
	}
	if stateDir != "" {
		stateDir = filepath.Clean(stateDir)
	}

	cfg := Config{
		RulesPath:     rulesPath,
		Output:        strings.ToLower(strings.TrimSpace(output)),
		DecodeSubject: decodeSubject,
		StateDir:      stateDir,
		MetricsFile:   metricsFile,
		Progress:      progress,
		LogLevel:      NormalizeLogLevel(logLevel),
		LogDir:        logDir,
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// LoadIMAPConfig reads the connection flags. A flag the user did not set
// takes its value from the matching environment variable, if present.
func LoadIMAPConfig(cmd *cobra.Command) (IMAPConfig, error) {
	flags := cmd.Flags()

	host, err := flags.GetString("imap-host")
	if err != nil {
		return IMAPConfig{}, err
	}
	port, err := flags.GetInt("imap-port")
	if err != nil {
		return IMAPConfig{}, err
	}
	user, err := flags.GetString("imap-user")
	if err != nil {
		return IMAPConfig{}, err
	}
	pass, err := flags.GetString("imap-pass")
	if err != nil {
		return IMAPConfig{}, err
	}
	useTLS, err := flags.GetBool("use-tls")
	if err != nil {
		return IMAPConfig{}, err
	}
	insecureSkipVerify, err := flags.GetBool("insecure-skip-verify")
	if err != nil {
		return IMAPConfig{}, err
	}
	mailbox, err := flags.GetString("mailbox")
	if err != nil {
		return IMAPConfig{}, err
	}

	if !flags.Changed("imap-host") {
		host = envOr(EnvIMAPHost, host)
	}
	if !flags.Changed("imap-user") {
		user = envOr(EnvIMAPUser, user)
	}
	if !flags.Changed("imap-pass") {
		pass = envOr(EnvIMAPPass, pass)
	}
	if !flags.Changed("imap-port") {
		if raw := strings.TrimSpace(os.Getenv(EnvIMAPPort)); raw != "" {
			port, err = strconv.Atoi(raw)
			if err != nil {
				return IMAPConfig{}, fmt.Errorf("invalid %s %q: %w", EnvIMAPPort, raw, err)
			}
		}
	}

	cfg := IMAPConfig{
		Host:               strings.TrimSpace(host),
		Port:               port,
		Username:           user,
		Password:           pass,
		UseTLS:             useTLS,
		InsecureSkipVerify: insecureSkipVerify,
		Mailbox:            mailbox,
	}

	if err := validateIMAPConfig(cfg); err != nil {
		return IMAPConfig{}, err
	}

	return cfg, nil
}

// NormalizeLogLevel lowercases level and maps "warning" to "warn".
func NormalizeLogLevel(level string) string {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "warning" {
		return "warn"
	}
	return level
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func validateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.RulesPath) == "" {
		return fmt.Errorf("--rules must not be empty")
	}

	switch cfg.Output {
	case "text", "json", "csv":
	default:
		return fmt.Errorf("invalid --output: %s", cfg.Output)
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid --log-level: %s", cfg.LogLevel)
	}

	return nil
}

func validateIMAPConfig(cfg IMAPConfig) error {
	if cfg.Host == "" {
		return fmt.Errorf("IMAP host must be provided via --imap-host or %s env var", EnvIMAPHost)
	}
	if cfg.Username == "" {
		return fmt.Errorf("IMAP username must be provided via --imap-user or %s env var", EnvIMAPUser)
	}
	if cfg.Password == "" {
		return fmt.Errorf("IMAP password must be provided via --imap-pass or %s env var", EnvIMAPPass)
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return fmt.Errorf("--imap-port must be between 1 and 65535")
	}
	if strings.TrimSpace(cfg.Mailbox) == "" {
		return fmt.Errorf("--mailbox must not be empty")
	}
	return nil
}
