package config

import (
	"os"
	"path/filepath"
	"sync"

	"emperror.dev/errors"
	"github.com/apex/log"
	"github.com/asaskevich/govalidator"
	"github.com/creasty/defaults"
	"gopkg.in/yaml.v2"
)

// DefaultLocation is the default path the daemon reads its configuration from.
const DefaultLocation = "/etc/forge/config.yml"

var (
	mu      sync.RWMutex
	_config *Configuration
)

// Locker specific to writing the configuration to the disk, this happens
// in areas that might already be locked, so we don't want to crash the process.
var _writeLock sync.Mutex

// ApiConfiguration defines the configuration for the internal API that is
// exposed by the daemon webserver.
type ApiConfiguration struct {
	// The interface that the internal webserver should bind to.
	Host string `default:"0.0.0.0" yaml:"host"`

	// The port that the internal webserver should bind to.
	Port int `default:"8080" yaml:"port"`

	// The maximum size for module packages uploaded through the API in MiB.
	UploadLimit int64 `default:"100" json:"upload_limit" yaml:"upload_limit"`
}

// SystemConfiguration defines basic system configuration settings and the
// directory layout the daemon operates within.
type SystemConfiguration struct {
	// The root directory where daemon data is stored.
	RootDirectory string `default:"/var/lib/forge" yaml:"root_directory"`

	// Directory where installed module packages live, one directory per module
	// slug.
	ModulesDirectory string `default:"/var/lib/forge/modules" yaml:"modules_directory"`

	// Directory where logs are stored.
	LogDirectory string `default:"/var/log/forge" yaml:"log_directory"`

	// Directory where temporary files are created during package extraction.
	TmpDirectory string `default:"/tmp/forge" yaml:"tmp_directory"`

	// Path of the sqlite database holding module and migration ledger records.
	DatabaseFile string `default:"/var/lib/forge/forge.db" yaml:"database_file"`
}

// ModulesConfiguration tunes the package pipeline and the background jobs the
// lifecycle manager runs.
type ModulesConfiguration struct {
	// MaxArchiveSize is the maximum total uncompressed size of an uploaded
	// module package in MiB.
	MaxArchiveSize int64 `default:"512" yaml:"max_archive_size"`

	// MaxFileSize is the maximum uncompressed size of a single file within a
	// module package in MiB.
	MaxFileSize int64 `default:"128" yaml:"max_file_size"`

	// ExtractWorkers is the number of background workers used for package
	// extraction.
	ExtractWorkers int `default:"4" yaml:"extract_workers"`

	// CheckInterval is how often, in minutes, the on-disk consistency sweep
	// runs. Modules whose package directory disappeared are force-disabled.
	CheckInterval int `default:"15" yaml:"check_interval"`
}

// Configuration is the root configuration object for the daemon.
type Configuration struct {
	// The location from which this configuration instance was instantiated.
	path string

	// Determines if the daemon should be running in debug mode.
	Debug bool `default:"false" json:"debug" yaml:"debug"`

	Api     ApiConfiguration     `json:"api" yaml:"api"`
	System  SystemConfiguration  `json:"system" yaml:"system"`
	Modules ModulesConfiguration `json:"modules" yaml:"modules"`
}

// NewAtPath creates a new struct and sets the path where it should be stored.
// This function does not modify the currently stored global configuration.
func NewAtPath(path string) (*Configuration, error) {
	var c Configuration
	// Configures the default values for many of the configuration options present
	// in the structs. Values set in the configuration file take priority over the
	// default values.
	if err := defaults.Set(&c); err != nil {
		return nil, err
	}
	c.path = path
	return &c, nil
}

// Set the global configuration instance. This is a blocking operation such that
// anything trying to set a different configuration value, or read the
// configuration will be paused until it is complete.
func Set(c *Configuration) {
	mu.Lock()
	_config = c
	mu.Unlock()
}

// Get returns the global configuration instance. This is a thread-safe
// operation that will block if the configuration is presently being modified.
//
// Be aware that you CANNOT make modifications to the currently stored
// configuration by modifying the struct returned by this function. The only way
// to make modifications is by using the Update() function and passing data
// through in the callback.
func Get() *Configuration {
	mu.RLock()
	// Create a copy of the struct so that all modifications made beyond this
	// point are immutable.
	c := *_config
	mu.RUnlock()
	return &c
}

// Update performs an in-situ update of the global configuration object using
// a thread-safe mutex lock. This is the correct way to make modifications to
// the global configuration.
func Update(callback func(c *Configuration)) {
	mu.Lock()
	defer mu.Unlock()
	callback(_config)
}

// Path returns the file path where this configuration is stored.
func (c *Configuration) Path() string {
	return c.path
}

// Validate checks the loaded configuration for obviously broken values before
// the daemon starts using it.
func (c *Configuration) Validate() error {
	if c.Api.Port < 1 || c.Api.Port > 65535 {
		return errors.Errorf("config: invalid api port: %d", c.Api.Port)
	}
	if !govalidator.IsHost(c.Api.Host) && !govalidator.IsIP(c.Api.Host) {
		return errors.Errorf("config: invalid api host: %s", c.Api.Host)
	}
	if c.Modules.ExtractWorkers < 1 {
		return errors.Errorf("config: extract_workers must be at least 1, got %d", c.Modules.ExtractWorkers)
	}
	if c.Modules.CheckInterval < 1 {
		return errors.Errorf("config: check_interval must be at least 1 minute, got %d", c.Modules.CheckInterval)
	}
	return nil
}

// WriteToDisk writes the configuration to the disk. This is a thread safe
// operation and will only allow one write at a time. Additional calls while
// writing are queued up.
func WriteToDisk(c *Configuration) error {
	_writeLock.Lock()
	defer _writeLock.Unlock()

	if c.path == "" {
		return errors.New("cannot write configuration, no path defined in struct")
	}
	b, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(c.path, b, 0o600)
}

// FromFile reads the configuration from the provided file and stores it in the
// global singleton for this instance.
func FromFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	c, err := NewAtPath(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return err
	}
	if err := c.Validate(); err != nil {
		return err
	}
	// Store this configuration in the global state.
	Set(c)
	return nil
}

// ConfigureDirectories ensures that all the system directories exist on the
// system. These directories are created so that only the owner can read the
// data, and no other users.
//
// This function IS NOT thread-safe.
func ConfigureDirectories() error {
	for _, dir := range []string{
		_config.System.RootDirectory,
		_config.System.ModulesDirectory,
		_config.System.LogDirectory,
		_config.System.TmpDirectory,
	} {
		log.WithField("path", dir).Debug("ensuring directory exists")
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return errors.Wrapf(err, "config: could not create directory %s", dir)
		}
	}
	return nil
}
