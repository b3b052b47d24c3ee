// Package config implements the config-file/env/flag precedence chain
// documented in spec.md §6: built-in defaults, then a TOML config file,
// then environment variables, then an explicit --config file, then CLI
// flags win last. Grounded on the teacher's cmd/warren, which binds
// cobra persistent flags straight to process behavior with no
// intermediate config object; this package plays the same role, adding
// only the file/env layers spec.md's precedence order requires, parsed
// with pelletier/go-toml/v2 (already in the dependency graph via the
// teacher's go.mod).
package config

import (
	"os"
	"strconv"

	"github.com/pelletier/go-toml/v2"
)

// MS holds the Metadata Server's resolved configuration.
type MS struct {
	GrpcAddr             string `toml:"grpc_addr"`
	HTTPAddr             string `toml:"http_addr"`
	LogLevel             string `toml:"log_level"`
	EnableSwagger        bool   `toml:"enable_swagger"`
	ExecutionLogMaxBytes int64  `toml:"execution_log_max_bytes"`
	DataDir              string `toml:"data_dir"`
}

// DefaultMS returns spec.md's built-in MS defaults.
func DefaultMS() MS {
	return MS{
		GrpcAddr:             "0.0.0.0:7443",
		HTTPAddr:             "0.0.0.0:7080",
		LogLevel:             "info",
		EnableSwagger:        false,
		ExecutionLogMaxBytes: 10 * 1024 * 1024,
		DataDir:              msHome() + "/data",
	}
}

// LoadMS resolves MS config through the full precedence chain.
// explicitConfigPath is the --config flag's value, empty if unset.
func LoadMS(explicitConfigPath string) (MS, error) {
	cfg := DefaultMS()

	if err := mergeTOMLFile(&cfg, defaultMSConfigPath()); err != nil {
		return cfg, err
	}

	mergeMSEnv(&cfg)

	if explicitConfigPath != "" {
		if err := mergeTOMLFile(&cfg, explicitConfigPath); err != nil {
			return cfg, err
		}
	}

	return cfg, nil
}

func mergeMSEnv(cfg *MS) {
	if v := os.Getenv("MS_GRPC_ADDR"); v != "" {
		cfg.GrpcAddr = v
	}
	if v := os.Getenv("MS_HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := os.Getenv("MS_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("MS_ENABLE_SWAGGER"); v != "" {
		cfg.EnableSwagger = v == "true" || v == "1"
	}
	if v := os.Getenv("MS_EXECUTION_LOG_MAX_BYTES"); v != "" {
		if n, ok := parseInt64(v); ok {
			cfg.ExecutionLogMaxBytes = n
		}
	}
}

func msHome() string {
	if v := os.Getenv("MS_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home + "/.sms"
}

func defaultMSConfigPath() string { return msHome() + "/config.toml" }

// WA holds the Worker Agent's resolved configuration.
type WA struct {
	NodeName               string `toml:"node_name"`
	GrpcAddr               string `toml:"grpc_addr"`
	HTTPAddr               string `toml:"http_addr"`
	MSGrpcAddr             string `toml:"ms_grpc_addr"`
	MSHTTPAddr             string `toml:"ms_http_addr"`
	AutoRegister           bool   `toml:"auto_register"`
	HeartbeatIntervalMs    int64  `toml:"heartbeat_interval_ms"`
	CleanupIntervalMs      int64  `toml:"cleanup_interval_ms"`
	StorageBackend         string `toml:"storage_backend"`
	StorageDataDir         string `toml:"storage_data_dir"`
	StorageMaxCacheMB      int64  `toml:"storage_max_cache_mb"`
	StorageCompression     bool   `toml:"storage_compression_enabled"`
	StorageMaxObjectSize   int64  `toml:"storage_max_object_size"`
	LogLevel               string `toml:"log_level"`
	LogFormat              string `toml:"log_format"`
	LogFile                string `toml:"log_file"`
	SMSConnectTimeoutMs    int64  `toml:"sms_connect_timeout_ms"`
	SMSConnectRetryMs      int64  `toml:"sms_connect_retry_ms"`
	ReconnectTotalTimeoutMs int64 `toml:"reconnect_total_timeout_ms"`
}

// DefaultWA returns spec.md's built-in WA defaults.
func DefaultWA() WA {
	hostname, _ := os.Hostname()
	return WA{
		NodeName:                hostname,
		GrpcAddr:                "0.0.0.0:7444",
		HTTPAddr:                "0.0.0.0:7081",
		MSGrpcAddr:              "127.0.0.1:7443",
		MSHTTPAddr:              "127.0.0.1:7080",
		AutoRegister:            true,
		HeartbeatIntervalMs:     5000,
		CleanupIntervalMs:       60000,
		StorageBackend:          "bolt",
		StorageDataDir:          waHome() + "/data",
		StorageMaxCacheMB:       256,
		StorageCompression:      false,
		StorageMaxObjectSize:    10 * 1024 * 1024,
		LogLevel:                "info",
		LogFormat:               "console",
		SMSConnectTimeoutMs:     10000,
		SMSConnectRetryMs:       2000,
		ReconnectTotalTimeoutMs: 60000,
	}
}

// LoadWA resolves WA config through the full precedence chain.
func LoadWA(explicitConfigPath string) (WA, error) {
	cfg := DefaultWA()

	if err := mergeTOMLFile(&cfg, defaultWAConfigPath()); err != nil {
		return cfg, err
	}

	mergeWAEnv(&cfg)

	if explicitConfigPath != "" {
		if err := mergeTOMLFile(&cfg, explicitConfigPath); err != nil {
			return cfg, err
		}
	}

	return cfg, nil
}

func mergeWAEnv(cfg *WA) {
	setStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setStr("WA_NODE_NAME", &cfg.NodeName)
	setStr("WA_GRPC_ADDR", &cfg.GrpcAddr)
	setStr("WA_HTTP_ADDR", &cfg.HTTPAddr)
	setStr("WA_MS_GRPC_ADDR", &cfg.MSGrpcAddr)
	setStr("WA_MS_HTTP_ADDR", &cfg.MSHTTPAddr)
	setStr("WA_STORAGE_BACKEND", &cfg.StorageBackend)
	setStr("WA_STORAGE_DATA_DIR", &cfg.StorageDataDir)
	setStr("WA_LOG_LEVEL", &cfg.LogLevel)
	setStr("WA_LOG_FORMAT", &cfg.LogFormat)
	setStr("WA_LOG_FILE", &cfg.LogFile)

	if v := os.Getenv("WA_AUTO_REGISTER"); v != "" {
		cfg.AutoRegister = v == "true" || v == "1"
	}
	if v := os.Getenv("WA_STORAGE_COMPRESSION_ENABLED"); v != "" {
		cfg.StorageCompression = v == "true" || v == "1"
	}
	setInt := func(key string, dst *int64) {
		if v := os.Getenv(key); v != "" {
			if n, ok := parseInt64(v); ok {
				*dst = n
			}
		}
	}
	setInt("WA_HEARTBEAT_INTERVAL", &cfg.HeartbeatIntervalMs)
	setInt("WA_CLEANUP_INTERVAL", &cfg.CleanupIntervalMs)
	setInt("WA_STORAGE_MAX_CACHE_MB", &cfg.StorageMaxCacheMB)
	setInt("WA_STORAGE_MAX_OBJECT_SIZE", &cfg.StorageMaxObjectSize)
	setInt("WA_SMS_CONNECT_TIMEOUT_MS", &cfg.SMSConnectTimeoutMs)
	setInt("WA_SMS_CONNECT_RETRY_MS", &cfg.SMSConnectRetryMs)
	setInt("WA_RECONNECT_TOTAL_TIMEOUT_MS", &cfg.ReconnectTotalTimeoutMs)
}

func waHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home + "/.spear/wa"
}

func defaultWAConfigPath() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home + "/.spear/config.toml"
	}
	return ".spear/config.toml"
}

// mergeTOMLFile decodes path over cfg, leaving cfg unchanged if path
// does not exist. cfg must be a pointer to MS or WA.
func mergeTOMLFile(cfg any, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return toml.Unmarshal(data, cfg)
}

func parseInt64(s string) (int64, bool) {
	n, err := strconv.ParseInt(s, 10, 64)
	return n, err == nil
}
