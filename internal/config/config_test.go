package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/meshcitadel/meshcitadel/internal/config"
)

// writeConfig writes a YAML config file into a temp dir and returns its path.
func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "citadel.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load with defaults: %v", err)
	}

	if cfg.BBS.MaxMessagesPerRoom != 300 {
		t.Errorf("MaxMessagesPerRoom = %d, want 300", cfg.BBS.MaxMessagesPerRoom)
	}
	if cfg.Auth.SessionTimeout != time.Hour {
		t.Errorf("SessionTimeout = %v, want 1h", cfg.Auth.SessionTimeout)
	}
	if cfg.Auth.PasswordCacheDuration != 14*24*time.Hour {
		t.Errorf("PasswordCacheDuration = %v, want 336h", cfg.Auth.PasswordCacheDuration)
	}
	if cfg.Transport.MeshCore.AckTimeout != 8*time.Second {
		t.Errorf("AckTimeout = %v, want 8s", cfg.Transport.MeshCore.AckTimeout)
	}
	if cfg.Transport.MeshCore.MaxPacketSize != 140 {
		t.Errorf("MaxPacketSize = %d, want 140", cfg.Transport.MeshCore.MaxPacketSize)
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, `
bbs:
  system_name: Test Board
  max_users: 42
auth:
  session_timeout: 30m
transport:
  meshcore:
    serial_port: /dev/ttyACM1
    ack_timeout: 4s
    contact_manager:
      max_device_contacts: 50
      contact_limit_buffer: 5
database:
  db_path: /tmp/test.db
`)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BBS.SystemName != "Test Board" {
		t.Errorf("SystemName = %q", cfg.BBS.SystemName)
	}
	if cfg.BBS.MaxUsers != 42 {
		t.Errorf("MaxUsers = %d, want 42", cfg.BBS.MaxUsers)
	}
	if cfg.Auth.SessionTimeout != 30*time.Minute {
		t.Errorf("SessionTimeout = %v, want 30m", cfg.Auth.SessionTimeout)
	}
	if cfg.Transport.MeshCore.SerialPort != "/dev/ttyACM1" {
		t.Errorf("SerialPort = %q", cfg.Transport.MeshCore.SerialPort)
	}
	if got := cfg.Transport.MeshCore.ContactManager.EffectiveCapacity(); got != 45 {
		t.Errorf("EffectiveCapacity = %d, want 45", got)
	}
	// Untouched keys keep their defaults.
	if cfg.BBS.MaxMessagesPerRoom != 300 {
		t.Errorf("MaxMessagesPerRoom = %d, want default 300", cfg.BBS.MaxMessagesPerRoom)
	}
}

func TestNumericDurations(t *testing.T) {
	// Bare numbers carry the documented units: seconds for the
	// timeouts, days for the password cache, hours for adverts.
	path := writeConfig(t, `
auth:
  session_timeout: 3600
  password_cache_duration: 14
transport:
  meshcore:
    advert_interval: 6
    ack_timeout: 8
    inter_packet_delay: 0.5
    send_timeout: 10
    watchdog_timeout: 60
`)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Auth.SessionTimeout != 3600*time.Second {
		t.Errorf("SessionTimeout = %v, want 1h", cfg.Auth.SessionTimeout)
	}
	if cfg.Auth.PasswordCacheDuration != 14*24*time.Hour {
		t.Errorf("PasswordCacheDuration = %v, want 336h", cfg.Auth.PasswordCacheDuration)
	}
	if cfg.Transport.MeshCore.AdvertInterval != 6*time.Hour {
		t.Errorf("AdvertInterval = %v, want 6h", cfg.Transport.MeshCore.AdvertInterval)
	}
	if cfg.Transport.MeshCore.AckTimeout != 8*time.Second {
		t.Errorf("AckTimeout = %v, want 8s", cfg.Transport.MeshCore.AckTimeout)
	}
	if cfg.Transport.MeshCore.InterPacketDelay != 500*time.Millisecond {
		t.Errorf("InterPacketDelay = %v, want 500ms", cfg.Transport.MeshCore.InterPacketDelay)
	}
	if cfg.Transport.MeshCore.SendTimeout != 10*time.Second {
		t.Errorf("SendTimeout = %v, want 10s", cfg.Transport.MeshCore.SendTimeout)
	}
	if cfg.Transport.MeshCore.WatchdogTimeout != time.Minute {
		t.Errorf("WatchdogTimeout = %v, want 1m", cfg.Transport.MeshCore.WatchdogTimeout)
	}
}

func TestNumericDurationFromEnv(t *testing.T) {
	t.Setenv("CITADEL_AUTH__SESSION_TIMEOUT", "1800")

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Auth.SessionTimeout != 30*time.Minute {
		t.Errorf("SessionTimeout = %v, want 30m", cfg.Auth.SessionTimeout)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CITADEL_BBS__SYSTEM_NAME", "Env Board")
	t.Setenv("CITADEL_AUTH__SESSION_TIMEOUT", "90s")
	t.Setenv("CITADEL_TRANSPORT__MESHCORE__MAX_RETRIES", "7")
	t.Setenv("CITADEL_TRANSPORT__MESHCORE__MULTI_ACKS", "false")

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BBS.SystemName != "Env Board" {
		t.Errorf("SystemName = %q, want Env Board", cfg.BBS.SystemName)
	}
	if cfg.Auth.SessionTimeout != 90*time.Second {
		t.Errorf("SessionTimeout = %v, want 90s", cfg.Auth.SessionTimeout)
	}
	if cfg.Transport.MeshCore.MaxRetries != 7 {
		t.Errorf("MaxRetries = %d, want 7", cfg.Transport.MeshCore.MaxRetries)
	}
	if cfg.Transport.MeshCore.MultiAcks {
		t.Error("MultiAcks = true, want false via env")
	}
}

func TestEnvOverridesBeatFile(t *testing.T) {
	path := writeConfig(t, "bbs:\n  system_name: File Board\n")
	t.Setenv("CITADEL_BBS__SYSTEM_NAME", "Env Board")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BBS.SystemName != "Env Board" {
		t.Errorf("SystemName = %q, env should override file", cfg.BBS.SystemName)
	}
}

func TestReloadPreservesRebootOnlyKeys(t *testing.T) {
	path := writeConfig(t, `
bbs:
  max_messages_per_room: 999
  max_rooms: 999
  max_users: 999
  system_name: Reloaded
`)

	running, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	cfg, err := config.Reload(path, running)
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if cfg.BBS.SystemName != "Reloaded" {
		t.Errorf("SystemName = %q, want Reloaded", cfg.BBS.SystemName)
	}
	if cfg.BBS.MaxMessagesPerRoom != running.BBS.MaxMessagesPerRoom {
		t.Errorf("MaxMessagesPerRoom changed across reload: %d", cfg.BBS.MaxMessagesPerRoom)
	}
	if cfg.BBS.MaxRooms != running.BBS.MaxRooms {
		t.Errorf("MaxRooms changed across reload: %d", cfg.BBS.MaxRooms)
	}
	if cfg.BBS.MaxUsers != running.BBS.MaxUsers {
		t.Errorf("MaxUsers changed across reload: %d", cfg.BBS.MaxUsers)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr error
	}{
		{"empty db path", func(c *config.Config) { c.Database.DBPath = "" }, config.ErrEmptyDBPath},
		{"empty socket", func(c *config.Config) { c.Transport.CLI.Socket = "" }, config.ErrEmptySocket},
		{"tiny packet size", func(c *config.Config) { c.Transport.MeshCore.MaxPacketSize = 8 }, config.ErrInvalidPacketSize},
		{"zero session timeout", func(c *config.Config) { c.Auth.SessionTimeout = 0 }, config.ErrInvalidSessionTimeout},
		{"buffer eats capacity", func(c *config.Config) {
			c.Transport.MeshCore.ContactManager.MaxDeviceContacts = 10
			c.Transport.MeshCore.ContactManager.ContactLimitBuffer = 10
		}, config.ErrInvalidCapacity},
		{"bad log level", func(c *config.Config) { c.Logging.LogLevel = "loud" }, config.ErrInvalidLogLevel},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			tc.mutate(cfg)
			if err := config.Validate(cfg); !errors.Is(err, tc.wantErr) {
				t.Errorf("Validate = %v, want %v", err, tc.wantErr)
			}
		})
	}
}
