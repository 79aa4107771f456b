package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/bafang-config/internal/device"
	"github.com/shaunagostinho/bafang-config/internal/mqtt"
	"github.com/shaunagostinho/bafang-config/internal/trace"
)

// Config holds all configuration of the configurator service.
type Config struct {
	mu sync.RWMutex

	// Controller connection
	Serial SerialConfig `yaml:"serial" json:"serial"`

	// Protocol behaviour
	Protocol ProtocolConfig `yaml:"protocol" json:"protocol"`

	// HTTP server
	Server ServerConfig `yaml:"server" json:"server"`

	// Raw traffic recording
	Trace trace.Config `yaml:"trace" json:"trace"`

	// Profile snapshots
	Store StoreConfig `yaml:"store" json:"store"`

	// Event publishing
	MQTT mqtt.Config `yaml:"mqtt" json:"mqtt"`

	path string // file path for save/load
}

type SerialConfig struct {
	Type          string `yaml:"type" json:"type"`          // "serial" or "demo"
	PortPath      string `yaml:"port_path" json:"portPath"` // e.g. /dev/ttyUSB0
	BaudRate      int    `yaml:"baud_rate" json:"baudRate"`
	ReadTimeoutMs int    `yaml:"read_timeout_ms" json:"readTimeoutMs"`
	DemoChunk     int    `yaml:"demo_chunk" json:"demoChunk"` // emulator bytes per read
}

type ProtocolConfig struct {
	VerifyChecksum      bool `yaml:"verify_checksum" json:"verifyChecksum"`
	AbortChainOnFailure bool `yaml:"abort_chain_on_failure" json:"abortChainOnFailure"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

type StoreConfig struct {
	Path string `yaml:"path" json:"path"` // leveldb directory, empty disables snapshots
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Serial: SerialConfig{
			Type:          "serial",
			PortPath:      "/dev/ttyUSB0",
			BaudRate:      device.DefaultBaudRate,
			ReadTimeoutMs: 500,
			DemoChunk:     4,
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
		Trace: trace.Config{
			Enabled: false,
			Path:    "/var/log/bafang",
			MaxRows: 100_000,
		},
		Store: StoreConfig{
			Path: "/var/lib/bafang/snapshots",
		},
		MQTT: mqtt.Config{
			Topic: "bafang",
		},
	}
}

// Path is the file the config was loaded from.
func (c *Config) Path() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.path
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string, log *slog.Logger) *Config {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "config")

	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Info("no config file, using defaults", "path", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Warn("cannot parse config, using defaults", "path", path, "err", err)
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Info("loaded config", "path", path)
	}

	// Load .env file from the same directory as the config, or from CWD
	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		loadEnvFile(ep, log)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string, log *slog.Logger) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Info("loading .env", "path", path)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		// Real env takes precedence
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

func envBool(v string) bool {
	return v == "1" || v == "true" || v == "yes"
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: BAFANG_PORT, BAFANG_BAUD, BAFANG_DEMO, BAFANG_VERIFY_CHECKSUM,
// BAFANG_ABORT_CHAIN, LISTEN_ADDR, TRACE_ENABLED, TRACE_PATH, STORE_PATH,
// MQTT_BROKER, MQTT_CLIENT_ID, MQTT_USERNAME, MQTT_PASSWORD, MQTT_TOPIC
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("BAFANG_PORT"); v != "" {
		c.Serial.PortPath = v
	}
	if v := os.Getenv("BAFANG_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Serial.BaudRate = n
		}
	}
	if v := os.Getenv("BAFANG_DEMO"); v != "" && envBool(v) {
		c.Serial.Type = "demo"
	}
	if v := os.Getenv("BAFANG_VERIFY_CHECKSUM"); v != "" {
		c.Protocol.VerifyChecksum = envBool(v)
	}
	if v := os.Getenv("BAFANG_ABORT_CHAIN"); v != "" {
		c.Protocol.AbortChainOnFailure = envBool(v)
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("TRACE_ENABLED"); v != "" {
		c.Trace.Enabled = envBool(v)
	}
	if v := os.Getenv("TRACE_PATH"); v != "" {
		c.Trace.Path = v
	}
	if v := os.Getenv("STORE_PATH"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("MQTT_BROKER"); v != "" {
		c.MQTT.Broker = v
	}
	if v := os.Getenv("MQTT_CLIENT_ID"); v != "" {
		c.MQTT.ClientID = v
	}
	if v := os.Getenv("MQTT_USERNAME"); v != "" {
		c.MQTT.Username = v
	}
	if v := os.Getenv("MQTT_PASSWORD"); v != "" {
		c.MQTT.Password = v
	}
	if v := os.Getenv("MQTT_TOPIC"); v != "" {
		c.MQTT.Topic = v
	}
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.path == "" {
		return fmt.Errorf("config has no file path")
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0644)
}

const maskedPassword = "********"

// ToJSON serializes config for the API. The MQTT password is not exposed.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	data, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if section, ok := m["mqtt"].(map[string]interface{}); ok && section["password"] != "" {
		section["password"] = maskedPassword
	}
	return json.Marshal(m)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	// A masked password echoed back by a client keeps the stored one.
	if section, ok := patch["mqtt"].(map[string]interface{}); ok && section["password"] == maskedPassword {
		delete(section, "password")
	}
	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	return json.Unmarshal(merged, c)
}

// TraceEnabled reports the current trace setting.
func (c *Config) TraceEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Trace.Enabled
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
