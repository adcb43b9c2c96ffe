package types

import (
	"errors"
	"time"
)

// Config holds the process-wide configuration assembled at startup and
// passed by reference through construction. There are no global
// configuration singletons.
type Config struct {
	// DataDir is the root directory; the index database and the storage
	// area live underneath unless overridden.
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// StorageDir is the content-addressable storage root. Defaults to
	// <DataDir>/storage.
	StorageDir string `json:"storage_dir" yaml:"storage_dir"`

	// IndexPath is the sqlite database file. Defaults to
	// <DataDir>/index.db.
	IndexPath string `json:"index_path" yaml:"index_path"`

	// Salt seeds the public-id hash. Changing it changes every public id.
	Salt string `json:"salt" yaml:"salt"`

	// MaxStorageSize caps the total compressed bytes kept; 0 disables
	// recycling by size.
	MaxStorageSize int64 `json:"max_storage_size" yaml:"max_storage_size"`

	// MaxPatientCount caps the number of patients kept; 0 disables
	// recycling by count.
	MaxPatientCount int64 `json:"max_patient_count" yaml:"max_patient_count"`

	// StoreMode selects the duplicate-instance policy.
	StoreMode StoreMode `json:"store_mode" yaml:"store_mode"`

	// CompressAttachments applies gzip to blobs before storage.
	CompressAttachments bool `json:"compress_attachments" yaml:"compress_attachments"`

	// StableAge is how long a resource must stay untouched before the
	// stability scanner marks it stable.
	StableAge time.Duration `json:"stable_age" yaml:"stable_age"`

	// JobWorkers is the size of the job engine worker pool.
	JobWorkers int `json:"job_workers" yaml:"job_workers"`

	// JobCheckpointInterval is how often the serialized job registry is
	// persisted.
	JobCheckpointInterval time.Duration `json:"job_checkpoint_interval" yaml:"job_checkpoint_interval"`

	// HTTPAddr is the REST listen address.
	HTTPAddr string `json:"http_addr" yaml:"http_addr"`

	// HTTPTimeout bounds outbound peer calls.
	HTTPTimeout time.Duration `json:"http_timeout" yaml:"http_timeout"`

	// ZIP64 enables large archives; without it exports over 4 GiB fail.
	ZIP64 bool `json:"zip64" yaml:"zip64"`

	// CompressionLevel is the archive deflate level, 0..9.
	CompressionLevel int `json:"compression_level" yaml:"compression_level"`

	// DicomModalities are the known remote AETs, keyed by symbolic name.
	DicomModalities map[string]ModalityConfig `json:"dicom_modalities" yaml:"dicom_modalities"`

	// Peers are remote HTTP servers, keyed by symbolic name.
	Peers map[string]PeerConfig `json:"peers" yaml:"peers"`
}

// ModalityConfig describes one remote DICOM node.
type ModalityConfig struct {
	AET  string `json:"aet" yaml:"aet"`
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
}

// PeerConfig describes one remote HTTP peer.
type PeerConfig struct {
	URL      string `json:"url" yaml:"url"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
}

// Config validation errors.
var (
	ErrDataDirEmpty            = errors.New("data directory must not be empty")
	ErrStoreModeUnknown        = errors.New("unknown store mode")
	ErrJobWorkersInvalid       = errors.New("job workers must be positive")
	ErrCompressionLevelInvalid = errors.New("compression level must be in 0..9")
)

// validStoreModes is the set of recognized store modes.
var validStoreModes = map[StoreMode]bool{
	StoreModeDefault:            true,
	StoreModeIgnoreDuplicate:    true,
	StoreModeOverwriteDuplicate: true,
}

// Validate checks that the Config is well-formed, returning a sentinel
// error from this package on failure.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return ErrDataDirEmpty
	}
	if c.StoreMode != "" && !validStoreModes[c.StoreMode] {
		return ErrStoreModeUnknown
	}
	if c.JobWorkers < 1 {
		return ErrJobWorkersInvalid
	}
	if c.CompressionLevel < 0 || c.CompressionLevel > 9 {
		return ErrCompressionLevelInvalid
	}
	return nil
}
