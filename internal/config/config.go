package config

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// Config holds all application configuration.
type Config struct {
	Server        ServerConfig        `json:"server"`
	Database      DatabaseConfig      `json:"database"`
	Scheduler     SchedulerConfig     `json:"scheduler"`
	Backup        BackupConfig        `json:"backup"`
	Tape          TapeConfig          `json:"tape"`
	Logging       LoggingConfig       `json:"logging"`
	Auth          AuthConfig          `json:"auth"`
	Notifications NotificationsConfig `json:"notifications"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	// URL follows the DATABASE_URL convention, but nothing reads it: the
	// backend is always SQLite, opened at Path.
	URL  string `json:"url"`
	Path string `json:"path"`
}

// SchedulerConfig holds the scheduler engine's tick and recovery behavior.
type SchedulerConfig struct {
	Enabled           bool   `json:"enabled"`
	TickInterval      int    `json:"tick_interval_seconds"`
	MonthlyBackupCron string `json:"monthly_backup_cron"`
	RetentionCheckCron string `json:"retention_check_cron"`
	UnlockAllOnStart  bool   `json:"unlock_all_on_start"`
}

// BackupConfig holds the backup pipeline's staging and sizing behavior.
type BackupConfig struct {
	CompressDir      string `json:"compress_dir"`
	MaxGroupBytes    int64  `json:"max_file_size"`
	Codec            string `json:"codec"` // pigz, gzip, zstd
	CompressorRetries int   `json:"compressor_retries"`
	TapeMoverInterval int   `json:"tape_mover_interval_seconds"`
	FullSweepInterval int   `json:"full_sweep_interval_seconds"`
	RecoveryTempDir  string `json:"recovery_temp_dir"`
}

// TapeConfig holds the thin tape-device interface configuration consumed by
// the tape-mover stage. Detailed SCSI/LTFS settings live in the external
// tape-device interface library, out of scope here.
type TapeConfig struct {
	DriveLetter string `json:"tape_drive_letter"`
	BlockSize   int    `json:"block_size"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level"`
	Format     string `json:"format"` // "json" or "text"
	OutputPath string `json:"output_path"`
}

// AuthConfig holds operator-API-key configuration gating the scheduler's
// admin-recovery endpoints (unlock / unlock-all). Full user authentication
// is out of scope.
type AuthConfig struct {
	OperatorKeyHeader string `json:"operator_key_header"`
}

// NotificationsConfig holds notification configuration.
type NotificationsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	Email    EmailConfig    `json:"email"`
}

// TelegramConfig holds Telegram bot configuration.
type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	ChatID   string `json:"chat_id"`
}

// EmailConfig holds SMTP email configuration.
type EmailConfig struct {
	Enabled    bool   `json:"enabled"`
	SMTPHost   string `json:"smtp_host"`
	SMTPPort   int    `json:"smtp_port"`
	Username   string `json:"username"`
	Password   string `json:"password"`
	FromEmail  string `json:"from_email"`
	FromName   string `json:"from_name"`
	ToEmails   string `json:"to_emails"` // Comma-separated list
	UseTLS     bool   `json:"use_tls"`
	SkipVerify bool   `json:"skip_verify"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			URL:  "sqlite:///var/lib/tapebackarr/tapebackarr.db",
			Path: "/var/lib/tapebackarr/tapebackarr.db",
		},
		Scheduler: SchedulerConfig{
			Enabled:            true,
			TickInterval:       60,
			MonthlyBackupCron:  "0 0 1 * *",
			RetentionCheckCron: "0 3 * * *",
			UnlockAllOnStart:   true,
		},
		Backup: BackupConfig{
			CompressDir:       "/var/lib/tapebackarr/compress",
			MaxGroupBytes:     10 * 1024 * 1024 * 1024, // 10 GB
			Codec:             "pigz",
			CompressorRetries: 3,
			TapeMoverInterval: 5,
			FullSweepInterval: 30,
			RecoveryTempDir:   "/var/lib/tapebackarr/recovery-tmp",
		},
		Tape: TapeConfig{
			DriveLetter: "O",
			BlockSize:   1048576,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			OutputPath: "/var/log/tapebackarr/tapebackarr.log",
		},
		Auth: AuthConfig{
			OperatorKeyHeader: "X-Operator-Key",
		},
		Notifications: NotificationsConfig{
			Telegram: TelegramConfig{
				Enabled:  false,
				BotToken: "",
				ChatID:   "",
			},
			Email: EmailConfig{
				Enabled:    false,
				SMTPHost:   "",
				SMTPPort:   587,
				Username:   "",
				Password:   "",
				FromEmail:  "",
				FromName:   "TapeBackarr",
				ToEmails:   "",
				UseTLS:     true,
				SkipVerify: false,
			},
		},
	}
}

// Load loads configuration from a JSON file, falling back to defaults if the
// file does not exist.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save saves the configuration to a JSON file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}
