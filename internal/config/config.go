// Package config manages mesh-citadel daemon configuration using koanf/v2.
//
// Configuration is layered: built-in defaults, then the YAML file, then
// environment variable overrides (CITADEL_ prefix, double underscore as
// the nesting separator, e.g. CITADEL_AUTH__SESSION_TIMEOUT).
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// envPrefix is stripped from override variables: CITADEL_BBS__MAX_USERS.
const envPrefix = "CITADEL_"

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete mesh-citadel configuration.
type Config struct {
	BBS          BBSConfig          `koanf:"bbs"`
	Auth         AuthConfig         `koanf:"auth"`
	Registration RegistrationConfig `koanf:"registration"`
	Transport    TransportConfig    `koanf:"transport"`
	Database     DatabaseConfig     `koanf:"database"`
	Logging      LoggingConfig      `koanf:"logging"`
	Metrics      MetricsConfig      `koanf:"metrics"`
}

// BBSConfig holds board-wide limits and identity.
type BBSConfig struct {
	// SystemName is shown in greetings and the ctl status output.
	SystemName string `koanf:"system_name"`

	// MaxMessagesPerRoom caps the retained messages per room.
	// Reboot-only: ignored by Reload.
	MaxMessagesPerRoom int `koanf:"max_messages_per_room"`

	// MaxRooms caps the number of rooms. Reboot-only.
	MaxRooms int `koanf:"max_rooms"`

	// MaxUsers caps the number of registered users. Reboot-only.
	MaxUsers int `koanf:"max_users"`

	// MailMessageLimit caps retained Mail-room messages per user.
	MailMessageLimit int `koanf:"mail_message_limit"`

	// StartingRoom is the room new sessions land in.
	StartingRoom string `koanf:"starting_room"`

	// TwitRoom names the room where Twit users may read and post.
	TwitRoom string `koanf:"twit_room"`

	// ExportFormat selects the message export encoding ("json" or "yaml").
	ExportFormat string `koanf:"export_format"`
}

// AuthConfig holds session and credential policy.
type AuthConfig struct {
	// SessionTimeout is the idle interval after which a session expires.
	SessionTimeout time.Duration `koanf:"session_timeout"`

	// MaxPasswordLength bounds accepted password input.
	MaxPasswordLength int `koanf:"max_password_length"`

	// MaxUsernameLength bounds accepted username input.
	MaxUsernameLength int `koanf:"max_username_length"`

	// PasswordCacheDuration is the validity window of the per-node
	// password cache used for automatic re-login.
	PasswordCacheDuration time.Duration `koanf:"password_cache_duration"`

	// RecoveryQuestions are offered during password reset.
	RecoveryQuestions []string `koanf:"recovery_questions"`
}

// RegistrationConfig holds the registration workflow policy.
type RegistrationConfig struct {
	// TermsRequired inserts a terms-agreement step into registration.
	TermsRequired bool `koanf:"terms_required"`

	// TermsText is the terms prompt shown when TermsRequired is set.
	TermsText string `koanf:"terms_text"`
}

// TransportConfig groups the transport surfaces.
type TransportConfig struct {
	CLI      CLIConfig      `koanf:"cli"`
	MeshCore MeshCoreConfig `koanf:"meshcore"`
}

// CLIConfig holds the local admin socket configuration.
type CLIConfig struct {
	// Socket is the unix socket path for the admin CLI.
	Socket string `koanf:"socket"`
}

// MeshCoreConfig holds the radio transport parameters.
type MeshCoreConfig struct {
	// SerialPort is the device path of the USB mesh companion.
	SerialPort string `koanf:"serial_port"`

	// BaudRate is the serial line speed.
	BaudRate int `koanf:"baud_rate"`

	// Frequency is the radio frequency in MHz.
	Frequency float64 `koanf:"frequency"`

	// Bandwidth is the channel bandwidth in kHz.
	Bandwidth float64 `koanf:"bandwidth"`

	// SpreadingFactor is the LoRa spreading factor.
	SpreadingFactor int `koanf:"spreading_factor"`

	// CodingRate is the LoRa coding rate denominator.
	CodingRate int `koanf:"coding_rate"`

	// TxPower is the transmit power in dBm.
	TxPower int `koanf:"tx_power"`

	// Name is the advertised node name.
	Name string `koanf:"name"`

	// MultiAcks enables redundant ACK transmission on the device.
	MultiAcks bool `koanf:"multi_acks"`

	// AdvertInterval is the period between advertisement broadcasts.
	AdvertInterval time.Duration `koanf:"advert_interval"`

	// AckTimeout is how long a sent chunk waits for its ACK.
	AckTimeout time.Duration `koanf:"ack_timeout"`

	// InterPacketDelay separates consecutive chunk transmissions.
	InterPacketDelay time.Duration `koanf:"inter_packet_delay"`

	// MaxPacketSize is the maximum radio frame payload in bytes.
	MaxPacketSize int `koanf:"max_packet_size"`

	// MaxRetries bounds send attempts per chunk.
	MaxRetries int `koanf:"max_retries"`

	// MaxFloodAttempts bounds flood-routed retries on devices that
	// support send_msg_with_retry.
	MaxFloodAttempts int `koanf:"max_flood_attempts"`

	// FloodAfter is the direct-attempt count before flood routing.
	FloodAfter int `koanf:"flood_after"`

	// SendTimeout is the per-attempt timeout for device-side retry.
	SendTimeout time.Duration `koanf:"send_timeout"`

	// WatchdogTimeout restarts the mesh engine when no feed arrives
	// within this interval.
	WatchdogTimeout time.Duration `koanf:"watchdog_timeout"`

	ContactManager ContactManagerConfig `koanf:"contact_manager"`
}

// ContactManagerConfig bounds the on-device contact store.
type ContactManagerConfig struct {
	// MaxDeviceContacts is the device's contact memory capacity.
	MaxDeviceContacts int `koanf:"max_device_contacts"`

	// ContactLimitBuffer is headroom subtracted from the device capacity;
	// effective capacity = MaxDeviceContacts - ContactLimitBuffer.
	ContactLimitBuffer int `koanf:"contact_limit_buffer"`

	// UpdateContacts enables the startup contact reconciliation pass.
	UpdateContacts bool `koanf:"update_contacts"`
}

// DatabaseConfig holds storage settings.
type DatabaseConfig struct {
	// DBPath is the SQLite database file path.
	DBPath string `koanf:"db_path"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	// LogLevel is "debug", "info", "warn", or "error".
	LogLevel string `koanf:"log_level"`

	// LogFormat is "json" or "text".
	LogFormat string `koanf:"log_format"`

	// LogFilePath redirects log output to a file when non-empty.
	LogFilePath string `koanf:"log_file_path"`
}

// MetricsConfig holds the Prometheus endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint.
	// Empty disables the endpoint.
	Addr string `koanf:"addr"`

	// Path is the URL path for the metrics endpoint.
	Path string `koanf:"path"`
}

// EffectiveCapacity returns the contact ceiling the contact manager
// respects: max_device_contacts - contact_limit_buffer.
func (c ContactManagerConfig) EffectiveCapacity() int {
	n := c.MaxDeviceContacts - c.ContactLimitBuffer
	if n < 0 {
		return 0
	}
	return n
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		BBS: BBSConfig{
			SystemName:         "Mesh-Citadel",
			MaxMessagesPerRoom: 300,
			MaxRooms:           100,
			MaxUsers:           500,
			MailMessageLimit:   50,
			StartingRoom:       "Lobby",
			TwitRoom:           "The Pit",
			ExportFormat:       "json",
		},
		Auth: AuthConfig{
			SessionTimeout:        time.Hour,
			MaxPasswordLength:     64,
			MaxUsernameLength:     32,
			PasswordCacheDuration: 14 * 24 * time.Hour,
		},
		Registration: RegistrationConfig{
			TermsRequired: true,
			TermsText:     "Be excellent to each other. Agree? (yes/no)",
		},
		Transport: TransportConfig{
			CLI: CLIConfig{
				Socket: "/run/citadel/admin.sock",
			},
			MeshCore: MeshCoreConfig{
				SerialPort:       "/dev/ttyUSB0",
				BaudRate:         115200,
				Frequency:        910.525,
				Bandwidth:        250,
				SpreadingFactor:  10,
				CodingRate:       5,
				TxPower:          22,
				Name:             "mesh-citadel",
				MultiAcks:        true,
				AdvertInterval:   6 * time.Hour,
				AckTimeout:       8 * time.Second,
				InterPacketDelay: 500 * time.Millisecond,
				MaxPacketSize:    140,
				MaxRetries:       3,
				MaxFloodAttempts: 2,
				FloodAfter:       2,
				SendTimeout:      10 * time.Second,
				WatchdogTimeout:  60 * time.Second,
				ContactManager: ContactManagerConfig{
					MaxDeviceContacts:  100,
					ContactLimitBuffer: 10,
					UpdateContacts:     true,
				},
			},
		},
		Database: DatabaseConfig{
			DBPath: "/var/lib/citadel/citadel.db",
		},
		Logging: LoggingConfig{
			LogLevel:  "info",
			LogFormat: "text",
		},
		Metrics: MetricsConfig{
			Addr: ":9180",
			Path: "/metrics",
		},
	}
}

// -------------------------------------------------------------------------
// Loading
// -------------------------------------------------------------------------

// Load reads the YAML file at path and applies environment overrides.
// An empty path skips the file layer; defaults plus env apply. The
// returned config is validated.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
	}

	// CITADEL_AUTH__SESSION_TIMEOUT -> auth.session_timeout
	// (strip prefix, lowercase, double underscore -> dot).
	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	if err := normalizeDurations(k); err != nil {
		return nil, fmt.Errorf("normalize durations: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %q: %w", path, err)
	}

	return cfg, nil
}

// Reload re-reads the configuration but carries the reboot-only keys
// over from the running config: bbs.max_messages_per_room, bbs.max_rooms,
// and bbs.max_users cannot change without a restart.
func Reload(path string, running *Config) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	cfg.BBS.MaxMessagesPerRoom = running.BBS.MaxMessagesPerRoom
	cfg.BBS.MaxRooms = running.BBS.MaxRooms
	cfg.BBS.MaxUsers = running.BBS.MaxUsers
	return cfg, nil
}

// durationUnits maps each duration key to the unit its documentation
// assigns bare numbers: session_timeout and the meshcore timeouts count
// seconds, password_cache_duration counts days, advert_interval counts
// hours. Duration strings ("90m") are unaffected.
var durationUnits = map[string]time.Duration{
	"auth.session_timeout":                  time.Second,
	"auth.password_cache_duration":          24 * time.Hour,
	"transport.meshcore.advert_interval":    time.Hour,
	"transport.meshcore.ack_timeout":        time.Second,
	"transport.meshcore.inter_packet_delay": time.Second,
	"transport.meshcore.send_timeout":       time.Second,
	"transport.meshcore.watchdog_timeout":   time.Second,
}

// normalizeDurations rewrites bare numeric values of duration keys into
// time.Duration using the key's documented unit, so `session_timeout:
// 3600` means 3600 seconds rather than 3600 nanoseconds. Non-numeric
// values pass through to the decoder's duration-string hook.
func normalizeDurations(k *koanf.Koanf) error {
	for key, unit := range durationUnits {
		if !k.Exists(key) {
			continue
		}

		var n float64
		switch v := k.Get(key).(type) {
		case int:
			n = float64(v)
		case int64:
			n = float64(v)
		case float64:
			n = v
		case string:
			// Env overrides arrive as strings: "3600" is numeric,
			// "90m" is a duration string for the decode hook.
			parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				continue
			}
			n = parsed
		default:
			continue
		}

		if err := k.Set(key, time.Duration(n*float64(unit))); err != nil {
			return fmt.Errorf("set %s: %w", key, err)
		}
	}
	return nil
}

// envKeyMapper transforms CITADEL_TRANSPORT__MESHCORE__ACK_TIMEOUT into
// transport.meshcore.ack_timeout. Single underscores stay: they belong
// to the key itself.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "__", ".")
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, d *Config) error {
	defaultMap := map[string]any{
		"bbs.system_name":           d.BBS.SystemName,
		"bbs.max_messages_per_room": d.BBS.MaxMessagesPerRoom,
		"bbs.max_rooms":             d.BBS.MaxRooms,
		"bbs.max_users":             d.BBS.MaxUsers,
		"bbs.mail_message_limit":    d.BBS.MailMessageLimit,
		"bbs.starting_room":         d.BBS.StartingRoom,
		"bbs.twit_room":             d.BBS.TwitRoom,
		"bbs.export_format":         d.BBS.ExportFormat,

		"auth.session_timeout":         d.Auth.SessionTimeout.String(),
		"auth.max_password_length":     d.Auth.MaxPasswordLength,
		"auth.max_username_length":     d.Auth.MaxUsernameLength,
		"auth.password_cache_duration": d.Auth.PasswordCacheDuration.String(),

		"registration.terms_required": d.Registration.TermsRequired,
		"registration.terms_text":     d.Registration.TermsText,

		"transport.cli.socket": d.Transport.CLI.Socket,

		"transport.meshcore.serial_port":        d.Transport.MeshCore.SerialPort,
		"transport.meshcore.baud_rate":          d.Transport.MeshCore.BaudRate,
		"transport.meshcore.frequency":          d.Transport.MeshCore.Frequency,
		"transport.meshcore.bandwidth":          d.Transport.MeshCore.Bandwidth,
		"transport.meshcore.spreading_factor":   d.Transport.MeshCore.SpreadingFactor,
		"transport.meshcore.coding_rate":        d.Transport.MeshCore.CodingRate,
		"transport.meshcore.tx_power":           d.Transport.MeshCore.TxPower,
		"transport.meshcore.name":               d.Transport.MeshCore.Name,
		"transport.meshcore.multi_acks":         d.Transport.MeshCore.MultiAcks,
		"transport.meshcore.advert_interval":    d.Transport.MeshCore.AdvertInterval.String(),
		"transport.meshcore.ack_timeout":        d.Transport.MeshCore.AckTimeout.String(),
		"transport.meshcore.inter_packet_delay": d.Transport.MeshCore.InterPacketDelay.String(),
		"transport.meshcore.max_packet_size":    d.Transport.MeshCore.MaxPacketSize,
		"transport.meshcore.max_retries":        d.Transport.MeshCore.MaxRetries,
		"transport.meshcore.max_flood_attempts": d.Transport.MeshCore.MaxFloodAttempts,
		"transport.meshcore.flood_after":        d.Transport.MeshCore.FloodAfter,
		"transport.meshcore.send_timeout":       d.Transport.MeshCore.SendTimeout.String(),
		"transport.meshcore.watchdog_timeout":   d.Transport.MeshCore.WatchdogTimeout.String(),

		"transport.meshcore.contact_manager.max_device_contacts":  d.Transport.MeshCore.ContactManager.MaxDeviceContacts,
		"transport.meshcore.contact_manager.contact_limit_buffer": d.Transport.MeshCore.ContactManager.ContactLimitBuffer,
		"transport.meshcore.contact_manager.update_contacts":      d.Transport.MeshCore.ContactManager.UpdateContacts,

		"database.db_path": d.Database.DBPath,

		"logging.log_level":     d.Logging.LogLevel,
		"logging.log_format":    d.Logging.LogFormat,
		"logging.log_file_path": d.Logging.LogFilePath,

		"metrics.addr": d.Metrics.Addr,
		"metrics.path": d.Metrics.Path,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrEmptyDBPath indicates database.db_path is empty.
	ErrEmptyDBPath = errors.New("database.db_path must not be empty")

	// ErrEmptySocket indicates transport.cli.socket is empty.
	ErrEmptySocket = errors.New("transport.cli.socket must not be empty")

	// ErrInvalidPacketSize indicates max_packet_size cannot fit a chunk
	// suffix plus payload.
	ErrInvalidPacketSize = errors.New("transport.meshcore.max_packet_size must be at least 16")

	// ErrInvalidSessionTimeout indicates a non-positive session timeout.
	ErrInvalidSessionTimeout = errors.New("auth.session_timeout must be positive")

	// ErrInvalidAckTimeout indicates a non-positive ACK timeout.
	ErrInvalidAckTimeout = errors.New("transport.meshcore.ack_timeout must be positive")

	// ErrInvalidCapacity indicates the contact buffer leaves no device
	// capacity.
	ErrInvalidCapacity = errors.New("contact_limit_buffer must be smaller than max_device_contacts")

	// ErrInvalidLogLevel indicates an unrecognized logging.log_level.
	ErrInvalidLogLevel = errors.New("logging.log_level must be one of debug, info, warn, error")
)

// Validate checks cross-field constraints on the configuration.
func Validate(cfg *Config) error {
	if cfg.Database.DBPath == "" {
		return ErrEmptyDBPath
	}
	if cfg.Transport.CLI.Socket == "" {
		return ErrEmptySocket
	}
	if cfg.Transport.MeshCore.MaxPacketSize < 16 {
		return ErrInvalidPacketSize
	}
	if cfg.Auth.SessionTimeout <= 0 {
		return ErrInvalidSessionTimeout
	}
	if cfg.Transport.MeshCore.AckTimeout <= 0 {
		return ErrInvalidAckTimeout
	}
	cm := cfg.Transport.MeshCore.ContactManager
	if cm.MaxDeviceContacts > 0 && cm.ContactLimitBuffer >= cm.MaxDeviceContacts {
		return ErrInvalidCapacity
	}
	switch cfg.Logging.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidLogLevel, cfg.Logging.LogLevel)
	}
	return nil
}
