// Config loading for the dicomvault server.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/mesh-intelligence/dicomvault/internal/paths"
	"github.com/mesh-intelligence/dicomvault/pkg/types"
)

const (
	configFileName = "config"
	configFileType = "yaml"
	configFileExt  = "config.yaml"
)

// defaultConfigYAML is written to config.yaml on first run.
const defaultConfigYAML = `# dicomvault configuration

# Directory holding the index database and the storage area.
# data_dir:

# Public-id salt. Changing it invalidates every public id.
salt: dicomvault

# REST listen address.
http_addr: ":8042"

# Duplicate-instance policy: default | ignore | overwrite
store_mode: default

# Recycling limits; 0 disables.
max_storage_size: 0
max_patient_count: 0

# Remote DICOM modalities, keyed by symbolic name.
# dicom_modalities:
#   pacs:
#     aet: PACS
#     host: pacs.example.org
#     port: 104

# Remote HTTP peers, keyed by symbolic name.
# peers:
#   mirror:
#     url: http://mirror.example.org:8042
`

// loadConfig reads config.yaml from the resolved config directory using
// Viper. It creates the config directory and a default config.yaml on
// first run; a missing config.yaml is not an error.
func loadConfig(configDir string) (*types.Config, error) {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure config dir: %w", err)
	}
	if err := ensureDefaultConfigFile(configDir); err != nil {
		return nil, fmt.Errorf("ensure default config: %w", err)
	}

	v := viper.New()
	v.SetDefault("salt", "dicomvault")
	v.SetDefault("http_addr", ":8042")
	v.SetDefault("http_timeout", "15s")
	v.SetDefault("store_mode", string(types.StoreModeDefault))
	v.SetDefault("stable_age", "60s")
	v.SetDefault("job_workers", 1)
	v.SetDefault("job_checkpoint_interval", "10s")
	v.SetDefault("compression_level", 6)
	v.SetDefault("zip64", true)

	v.SetConfigName(configFileName)
	v.SetConfigType(configFileType)
	v.AddConfigPath(configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &types.Config{
		DataDir:               v.GetString("data_dir"),
		StorageDir:            v.GetString("storage_dir"),
		IndexPath:             v.GetString("index_path"),
		Salt:                  v.GetString("salt"),
		MaxStorageSize:        v.GetInt64("max_storage_size"),
		MaxPatientCount:       v.GetInt64("max_patient_count"),
		StoreMode:             types.StoreMode(v.GetString("store_mode")),
		CompressAttachments:   v.GetBool("compress_attachments"),
		StableAge:             v.GetDuration("stable_age"),
		JobWorkers:            v.GetInt("job_workers"),
		JobCheckpointInterval: v.GetDuration("job_checkpoint_interval"),
		HTTPAddr:              v.GetString("http_addr"),
		HTTPTimeout:           v.GetDuration("http_timeout"),
		ZIP64:                 v.GetBool("zip64"),
		CompressionLevel:      v.GetInt("compression_level"),
	}

	if err := v.UnmarshalKey("dicom_modalities", &cfg.DicomModalities); err != nil {
		return nil, fmt.Errorf("dicom_modalities: %w", err)
	}
	if err := v.UnmarshalKey("peers", &cfg.Peers); err != nil {
		return nil, fmt.Errorf("peers: %w", err)
	}
	return cfg, nil
}

// resolveDataPaths fills the directory-derived fields of the config.
func resolveDataPaths(cfg *types.Config, flagDataDir string) error {
	dataDir, err := paths.ResolveDataDir(flagDataDir, cfg.DataDir)
	if err != nil {
		return err
	}
	cfg.DataDir = dataDir
	if cfg.StorageDir == "" {
		cfg.StorageDir = filepath.Join(dataDir, "storage")
	}
	if cfg.IndexPath == "" {
		cfg.IndexPath = filepath.Join(dataDir, "index.db")
	}
	if cfg.StableAge <= 0 {
		cfg.StableAge = time.Minute
	}
	return nil
}

// ensureDefaultConfigFile creates a default config.yaml if the file does
// not exist in the config directory.
func ensureDefaultConfigFile(configDir string) error {
	path := filepath.Join(configDir, configFileExt)

	_, err := os.Stat(path)
	if err == nil {
		return nil
	}
	if !os.IsNotExist(err) {
		return fmt.Errorf("stat config file: %w", err)
	}
	return os.WriteFile(path, []byte(defaultConfigYAML), 0o644)
}
