package localsmtp

import (
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/roadrunner-server/errors"
	"gopkg.in/yaml.v3"

	"github.com/mczdsm/HVlocalsmtp/intake"
	"github.com/mczdsm/HVlocalsmtp/logger"
)

// Defaults applied by InitDefault for unset fields.
const (
	DefaultBasePath          = "/scans/users/"
	DefaultMaxAttachmentSize = 50 * 1024 * 1024
	DefaultHost              = "0.0.0.0"
	DefaultPort              = 1025
	DefaultHostname          = "scanners.local"
	DefaultMaxRecipients     = 50
	DefaultReadTimeout       = 60 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultOwnerID           = 1000
	DefaultDirMode           = os.FileMode(0o775)
	DefaultFileMode          = os.FileMode(0o664)
	DefaultNotifyTimeout     = 30 * time.Second
)

// Notification providers.
const (
	NotifyNone = ""
	NotifyLog  = "log"
	NotifySES  = "ses"
)

// Config holds the complete service configuration. Values come from, in
// increasing precedence: built-in defaults, the YAML file, the environment and
// command-line flags. No field carries a go-flags default tag, so the second
// parse never clobbers YAML values.
type Config struct {
	Config string `short:"c" long:"config" description:"Path to YAML config file" env:"HVSMTP_CONFIG" yaml:"-"`

	// Storage
	BasePath          string `long:"base-path" description:"Root of the per-recipient folders" env:"SCAN_BASE_PATH" yaml:"base_path"`
	MaxAttachmentSize int64  `long:"max-attachment-size" description:"Per-attachment byte ceiling" env:"MAX_ATTACHMENT_SIZE" yaml:"max_attachment_size"`
	UID               string `long:"uid" description:"Owner uid of created files, -1 to keep" env:"SCAN_UID" yaml:"uid"`
	GID               string `long:"gid" description:"Owner gid of created files, -1 to keep" env:"SCAN_GID" yaml:"gid"`
	DirMode           string `long:"dir-mode" description:"Octal mode of recipient folders" env:"SCAN_DIR_MODE" yaml:"dir_mode"`
	FileMode          string `long:"file-mode" description:"Octal mode of stored files" env:"SCAN_FILE_MODE" yaml:"file_mode"`
	MaxAttempts       int    `long:"max-attempts" description:"Name allocation attempts per attachment" env:"SCAN_MAX_ATTEMPTS" yaml:"max_attempts"`

	// SMTP listener
	Host           string        `long:"host" description:"Listen host" env:"SMTP_HOST" yaml:"host"`
	Port           int           `short:"p" long:"port" description:"Listen port" env:"SMTP_PORT" yaml:"port"`
	Hostname       string        `long:"hostname" description:"Hostname announced in the greeting" env:"SMTP_HOSTNAME" yaml:"hostname"`
	MaxMessageSize int64         `long:"max-message-size" description:"DATA size limit in bytes" env:"SMTP_MAX_MESSAGE_SIZE" yaml:"max_message_size"`
	MaxRecipients  int           `long:"max-recipients" description:"RCPT TO limit per transaction" env:"SMTP_MAX_RECIPIENTS" yaml:"max_recipients"`
	ReadTimeout    time.Duration `long:"read-timeout" description:"Client command timeout" env:"SMTP_READ_TIMEOUT" yaml:"read_timeout"`
	WriteTimeout   time.Duration `long:"write-timeout" description:"Reply write timeout" env:"SMTP_WRITE_TIMEOUT" yaml:"write_timeout"`

	// Logging and extras
	LoggingMode string `long:"logging-mode" description:"production or debug" env:"LOGGING_MODE" yaml:"logging_mode"`
	LogDir      string `long:"log-dir" description:"Directory of audit.log and error.log" env:"LOG_DIR" yaml:"log_dir"`
	TestMode    bool   `long:"test-mode" description:"Send synthetic scans to the local listener" env:"TEST_MODE" yaml:"test_mode"`
	JournalPath string `long:"journal" description:"JSON-lines delivery journal path" env:"JOURNAL_PATH" yaml:"journal_path"`
	MetricsAddr string `long:"metrics-addr" description:"Listen address of /metrics" env:"METRICS_ADDR" yaml:"metrics_addr"`

	// Notifications
	NotifyProvider     string        `long:"notify" description:"Notification provider: log or ses" env:"NOTIFY_PROVIDER" yaml:"notify_provider"`
	NotifyDomain       string        `long:"notify-domain" description:"Rewrite notification addresses to this domain" env:"NOTIFY_DOMAIN" yaml:"notify_domain"`
	NotifyTimeout      time.Duration `long:"notify-timeout" description:"Time limit per notification" env:"NOTIFY_TIMEOUT" yaml:"notify_timeout"`
	SESRegion          string        `long:"ses-region" env:"SES_REGION" yaml:"ses_region"`
	SESSender          string        `long:"ses-sender" env:"SES_SENDER" yaml:"ses_sender"`
	SESAccessKeyID     string        `long:"ses-access-key-id" env:"SES_ACCESS_KEY_ID" yaml:"ses_access_key_id"`
	SESSecretAccessKey string        `long:"ses-secret-access-key" env:"SES_SECRET_ACCESS_KEY" yaml:"ses_secret_access_key"`

	// resolved by InitDefault
	uid, gid int
	dirMode  os.FileMode
	fileMode os.FileMode
	logMode  logger.Mode
}

// LoadConfig reads the YAML file named by -c/HVSMTP_CONFIG, then lets the
// environment and args override it. Defaults are not applied; call InitDefault.
func LoadConfig(args []string) (*Config, error) {
	const op = errors.Op("config_load")
	cfg := &Config{}

	// First pass only finds the config file path.
	parser := flags.NewParser(cfg, flags.IgnoreUnknown)
	if _, err := parser.ParseArgs(args); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			return nil, err
		}
	}

	if cfg.Config != "" {
		if err := loadConfigFile(cfg.Config, cfg); err != nil {
			return nil, errors.E(op, err)
		}
	}

	parser = flags.NewParser(cfg, flags.HelpFlag|flags.PassDoubleDash)
	if _, err := parser.ParseArgs(args); err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// InitDefault validates configuration and sets defaults
func (c *Config) InitDefault() error {
	const op = errors.Op("config_init_default")

	if c.BasePath == "" {
		c.BasePath = DefaultBasePath
	}

	if c.MaxAttachmentSize == 0 {
		c.MaxAttachmentSize = DefaultMaxAttachmentSize
	}
	if c.MaxAttachmentSize < 0 {
		return errors.E(op, errors.Errorf("max_attachment_size must be positive, got %d", c.MaxAttachmentSize))
	}

	// Base64 grows attachments by a third; leave room for headers and text parts.
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 2 * c.MaxAttachmentSize
	}
	if c.MaxMessageSize < 0 {
		return errors.E(op, errors.Errorf("max_message_size must be positive, got %d", c.MaxMessageSize))
	}

	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Port < 1 || c.Port > 65535 {
		return errors.E(op, errors.Errorf("port out of range: %d", c.Port))
	}
	if c.Hostname == "" {
		c.Hostname = DefaultHostname
	}

	if c.MaxRecipients == 0 {
		c.MaxRecipients = DefaultMaxRecipients
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = intake.DefaultMaxAttempts
	}

	var err error
	if c.uid, err = parseOwner("uid", c.UID); err != nil {
		return errors.E(op, err)
	}
	if c.gid, err = parseOwner("gid", c.GID); err != nil {
		return errors.E(op, err)
	}
	if c.dirMode, err = parseMode("dir_mode", c.DirMode, DefaultDirMode); err != nil {
		return errors.E(op, err)
	}
	if c.fileMode, err = parseMode("file_mode", c.FileMode, DefaultFileMode); err != nil {
		return errors.E(op, err)
	}

	// Test mode watches the synthetic traffic on the console.
	if c.TestMode {
		c.LoggingMode = string(logger.Debug)
	}
	if c.logMode, err = logger.ParseMode(c.LoggingMode); err != nil {
		return errors.E(op, err)
	}
	c.LoggingMode = string(c.logMode)
	if c.LogDir == "" {
		c.LogDir = c.BasePath
	}

	c.NotifyProvider = strings.ToLower(strings.TrimSpace(c.NotifyProvider))
	switch c.NotifyProvider {
	case NotifyNone, NotifyLog:
	case NotifySES:
		if c.SESRegion == "" || c.SESSender == "" {
			return errors.E(op, errors.Str("ses notifications need ses_region and ses_sender"))
		}
	default:
		return errors.E(op, errors.Errorf("invalid notify_provider: %s (must be log or ses)", c.NotifyProvider))
	}
	if c.NotifyTimeout == 0 {
		c.NotifyTimeout = DefaultNotifyTimeout
	}

	return nil
}

func parseOwner(name, value string) (int, error) {
	if strings.TrimSpace(value) == "" {
		return DefaultOwnerID, nil
	}
	id, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || id < -1 {
		return 0, errors.Errorf("invalid %s: %q", name, value)
	}
	return id, nil
}

func parseMode(name, value string, def os.FileMode) (os.FileMode, error) {
	if strings.TrimSpace(value) == "" {
		return def, nil
	}
	m, err := strconv.ParseUint(strings.TrimSpace(value), 8, 32)
	if err != nil || m > 0o7777 {
		return 0, errors.Errorf("invalid %s: %q (want octal, e.g. 0775)", name, value)
	}
	return os.FileMode(m), nil
}

// Addr is the SMTP listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// LogMode is the resolved logging mode. Valid after InitDefault.
func (c *Config) LogMode() logger.Mode {
	return c.logMode
}

// Pipeline projects the intake settings. Valid after InitDefault.
func (c *Config) Pipeline() intake.Config {
	return intake.Config{
		BasePath:          c.BasePath,
		MaxAttachmentSize: c.MaxAttachmentSize,
		UID:               c.uid,
		GID:               c.gid,
		DirMode:           c.dirMode,
		FileMode:          c.fileMode,
		MaxAttempts:       c.MaxAttempts,
	}
}
