package localsmtp

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mczdsm/HVlocalsmtp/intake"
	"github.com/mczdsm/HVlocalsmtp/logger"
)

func TestInitDefaultDefaults(t *testing.T) {
	cfg := &Config{}
	if err := cfg.InitDefault(); err != nil {
		t.Fatalf("InitDefault: %v", err)
	}

	if cfg.BasePath != DefaultBasePath {
		t.Errorf("BasePath = %q", cfg.BasePath)
	}
	if cfg.MaxAttachmentSize != 52428800 {
		t.Errorf("MaxAttachmentSize = %d", cfg.MaxAttachmentSize)
	}
	if cfg.MaxMessageSize != 2*52428800 {
		t.Errorf("MaxMessageSize = %d", cfg.MaxMessageSize)
	}
	if cfg.Addr() != "0.0.0.0:1025" {
		t.Errorf("Addr = %q", cfg.Addr())
	}
	if cfg.Hostname != "scanners.local" {
		t.Errorf("Hostname = %q", cfg.Hostname)
	}
	if cfg.ReadTimeout != 60*time.Second || cfg.WriteTimeout != 10*time.Second {
		t.Errorf("timeouts = %v/%v", cfg.ReadTimeout, cfg.WriteTimeout)
	}
	if cfg.LogMode() != logger.Production {
		t.Errorf("LogMode = %q", cfg.LogMode())
	}
	if cfg.LogDir != DefaultBasePath {
		t.Errorf("LogDir = %q, want base path", cfg.LogDir)
	}

	want := intake.Config{
		BasePath:          DefaultBasePath,
		MaxAttachmentSize: 52428800,
		UID:               1000,
		GID:               1000,
		DirMode:           0o775,
		FileMode:          0o664,
		MaxAttempts:       intake.DefaultMaxAttempts,
	}
	if got := cfg.Pipeline(); got != want {
		t.Errorf("Pipeline() = %+v, want %+v", got, want)
	}
}

func TestInitDefaultValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{
			name:    "negative attachment size",
			cfg:     Config{MaxAttachmentSize: -1},
			wantErr: "max_attachment_size must be positive",
		},
		{
			name:    "negative message size",
			cfg:     Config{MaxMessageSize: -5},
			wantErr: "max_message_size must be positive",
		},
		{
			name:    "port out of range",
			cfg:     Config{Port: 70000},
			wantErr: "port out of range",
		},
		{
			name:    "non-octal dir mode",
			cfg:     Config{DirMode: "0789"},
			wantErr: "invalid dir_mode",
		},
		{
			name:    "file mode too wide",
			cfg:     Config{FileMode: "77777"},
			wantErr: "invalid file_mode",
		},
		{
			name:    "bad uid",
			cfg:     Config{UID: "root"},
			wantErr: "invalid uid",
		},
		{
			name:    "unknown logging mode",
			cfg:     Config{LoggingMode: "verbose"},
			wantErr: "unknown logging mode",
		},
		{
			name:    "ses without sender",
			cfg:     Config{NotifyProvider: "ses", SESRegion: "eu-west-1"},
			wantErr: "ses notifications need ses_region and ses_sender",
		},
		{
			name:    "unknown notify provider",
			cfg:     Config{NotifyProvider: "pager"},
			wantErr: "invalid notify_provider: pager",
		},
		{
			name: "ses complete",
			cfg:  Config{NotifyProvider: "SES", SESRegion: "eu-west-1", SESSender: "scans@example.com"},
		},
		{
			name: "ownership unchanged",
			cfg:  Config{UID: "-1", GID: "-1"},
		},
		{
			name: "debug mode",
			cfg:  Config{LoggingMode: "DEBUG"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.InitDefault()
			if tt.wantErr != "" {
				if err == nil {
					t.Errorf("expected error containing %q, got nil", tt.wantErr)
				} else if !strings.Contains(err.Error(), tt.wantErr) {
					t.Errorf("expected error containing %q, got %q", tt.wantErr, err.Error())
				}
			} else if err != nil {
				t.Errorf("expected no error, got %q", err.Error())
			}
		})
	}
}

func TestInitDefaultModesAndOwners(t *testing.T) {
	cfg := &Config{UID: "-1", GID: "33", DirMode: "0750", FileMode: "640"}
	if err := cfg.InitDefault(); err != nil {
		t.Fatal(err)
	}

	p := cfg.Pipeline()
	if p.UID != -1 || p.GID != 33 {
		t.Errorf("owner = %d:%d", p.UID, p.GID)
	}
	if p.DirMode != 0o750 || p.FileMode != 0o640 {
		t.Errorf("modes = %o/%o", p.DirMode, p.FileMode)
	}
}

func TestTestModeForcesDebug(t *testing.T) {
	cfg := &Config{TestMode: true, LoggingMode: "production"}
	if err := cfg.InitDefault(); err != nil {
		t.Fatal(err)
	}
	if cfg.LogMode() != logger.Debug {
		t.Errorf("LogMode = %q, want debug", cfg.LogMode())
	}
}

func TestLoadConfigFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `base_path: /srv/scans
max_attachment_size: 1048576
port: 2525
hostname: mfp.office
dir_mode: "0750"
read_timeout: 30s
notify_provider: log
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg := &Config{}
	if err := loadConfigFile(configPath, cfg); err != nil {
		t.Fatalf("loadConfigFile failed: %v", err)
	}

	if cfg.BasePath != "/srv/scans" {
		t.Errorf("expected base path /srv/scans, got %s", cfg.BasePath)
	}
	if cfg.MaxAttachmentSize != 1048576 {
		t.Errorf("expected attachment size 1048576, got %d", cfg.MaxAttachmentSize)
	}
	if cfg.Port != 2525 {
		t.Errorf("expected port 2525, got %d", cfg.Port)
	}
	if cfg.Hostname != "mfp.office" {
		t.Errorf("expected hostname mfp.office, got %s", cfg.Hostname)
	}
	if cfg.DirMode != "0750" {
		t.Errorf("expected dir mode 0750, got %s", cfg.DirMode)
	}
	if cfg.ReadTimeout != 30*time.Second {
		t.Errorf("expected read timeout 30s, got %v", cfg.ReadTimeout)
	}
	if cfg.NotifyProvider != "log" {
		t.Errorf("expected notify provider log, got %s", cfg.NotifyProvider)
	}
}

func TestLoadConfigFileNotFound(t *testing.T) {
	cfg := &Config{}
	if err := loadConfigFile("/nonexistent/config.yaml", cfg); err == nil {
		t.Error("expected error for nonexistent file, got nil")
	}
}

func TestLoadConfigPrecedence(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("port: 2525\nhostname: from-file\nbase_path: /from/file\n"), 0644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("SMTP_HOSTNAME", "from-env")

	cfg, err := LoadConfig([]string{"-c", configPath, "--base-path", "/from/flag"})
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Port != 2525 {
		t.Errorf("port = %d, want value from file", cfg.Port)
	}
	if cfg.Hostname != "from-env" {
		t.Errorf("hostname = %q, want value from env", cfg.Hostname)
	}
	if cfg.BasePath != "/from/flag" {
		t.Errorf("base path = %q, want value from flag", cfg.BasePath)
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("SCAN_BASE_PATH", "/env/scans")
	t.Setenv("MAX_ATTACHMENT_SIZE", "4096")
	t.Setenv("TEST_MODE", "true")

	cfg, err := LoadConfig(nil)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if err := cfg.InitDefault(); err != nil {
		t.Fatal(err)
	}

	if cfg.BasePath != "/env/scans" || cfg.MaxAttachmentSize != 4096 {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.MaxMessageSize != 8192 {
		t.Errorf("MaxMessageSize = %d, want twice the attachment size", cfg.MaxMessageSize)
	}
	if !cfg.TestMode || cfg.LogMode() != logger.Debug {
		t.Errorf("test mode = %v, log mode = %q", cfg.TestMode, cfg.LogMode())
	}
}

func TestLoadConfigBadFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("port: [not a number\n"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadConfig([]string{"--config", configPath}); err == nil {
		t.Error("expected error for invalid YAML")
	}
}
