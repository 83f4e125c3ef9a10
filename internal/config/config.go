package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds the settings shared by every dumpctl command.
type Config struct {
	// Region is the cloud region for storage and workers.
	Region string `yaml:"region"`
	// Bucket is the destination bucket for uploads and worker output.
	Bucket string `yaml:"bucket"`
	// OutputDir is the local root where artifacts are downloaded.
	OutputDir string `yaml:"output_dir"`
	// SessionFile stores the last launched worker so monitoring can resume.
	SessionFile string `yaml:"session_file"`
	// Timeout bounds listing, manifest and API calls.
	Timeout time.Duration `yaml:"timeout"`
	// Parallelism is the number of artifacts processed at once.
	Parallelism int `yaml:"parallelism"`
	// Transfer tunes the local transfer executor.
	Transfer TransferConfig `yaml:"transfer"`
	// Storage describes the S3-compatible object store.
	Storage StorageConfig `yaml:"storage"`
	// Worker describes disposable workers for remote transfers.
	Worker WorkerConfig `yaml:"worker"`
	// Metrics configures the optional Pushgateway export.
	Metrics MetricsConfig `yaml:"metrics"`
	// Datasets lists the dump sources.
	Datasets []Dataset `yaml:"datasets"`
}

// TransferConfig tunes local transfers and verification.
type TransferConfig struct {
	// Tool selects the transferer: "wget" or "http".
	Tool string `yaml:"tool"`
	// MaxAttempts is the retry budget for transient failures.
	MaxAttempts int `yaml:"max_attempts"`
	// RetryDelay is the pause between attempts.
	RetryDelay time.Duration `yaml:"retry_delay"`
	// ChunkSize is the read size used when hashing.
	ChunkSize int `yaml:"chunk_size"`
}

// StorageConfig describes the object store endpoint.
type StorageConfig struct {
	// Endpoint is host[:port] of the S3-compatible API.
	Endpoint string `yaml:"endpoint"`
	// AccessKey is optional; the default credential chain is used when empty.
	AccessKey string `yaml:"access_key,omitempty"`
	// SecretKey pairs with AccessKey.
	SecretKey string `yaml:"secret_key,omitempty"`
	// Insecure disables TLS, for local S3-compatible servers.
	Insecure bool `yaml:"insecure,omitempty"`
}

// WorkerConfig describes the disposable worker used for remote transfers.
type WorkerConfig struct {
	// ImageID is the machine image; looked up from ImageOwner/ImageNameFilter when empty.
	ImageID string `yaml:"image_id,omitempty"`
	// ImageOwner is the account publishing the base image.
	ImageOwner string `yaml:"image_owner"`
	// ImageNameFilter selects the newest matching image name.
	ImageNameFilter string `yaml:"image_name_filter"`
	// InstanceType is the worker size.
	InstanceType string `yaml:"instance_type"`
	// InstanceProfile grants the worker write access to the bucket.
	InstanceProfile string `yaml:"instance_profile"`
	// DiskSizeGB must hold the largest single artifact.
	DiskSizeGB int64 `yaml:"disk_size_gb"`
	// DeviceName is the root block device of the image.
	DeviceName string `yaml:"device_name"`
	// WorkDir is where the worker stores artifacts before upload.
	WorkDir string `yaml:"work_dir"`
	// PollInterval is the fixed monitor polling interval.
	PollInterval time.Duration `yaml:"poll_interval"`
	// CompletionMarker is the console line printed when the script finishes.
	CompletionMarker string `yaml:"completion_marker"`
	// FailureMarker is the console line printed when any file failed to transfer.
	FailureMarker string `yaml:"failure_marker"`
	// DownloadTimeout is the per-try network timeout on the worker.
	DownloadTimeout time.Duration `yaml:"download_timeout"`
	// DownloadTries is the per-file retry budget on the worker.
	DownloadTries int `yaml:"download_tries"`
	// CompletionKey is the object written when every file was uploaded.
	CompletionKey string `yaml:"completion_key"`
	// AccessKey is used for the compute API; see CloudCredentials.
	AccessKey string `yaml:"access_key,omitempty"`
	// SecretKey pairs with AccessKey.
	SecretKey string `yaml:"secret_key,omitempty"`
	// ShutdownWhenDone powers the worker off after the script ends.
	ShutdownWhenDone bool `yaml:"shutdown_when_done,omitempty"`
}

// MetricsConfig configures run metrics.
type MetricsConfig struct {
	// PushgatewayURL enables pushing metrics at the end of a run when set.
	PushgatewayURL string `yaml:"pushgateway_url,omitempty"`
	// Job is the Pushgateway job label.
	Job string `yaml:"job"`
}

// Dataset describes one dump source.
type Dataset struct {
	// Name identifies the dataset on the command line.
	Name string `yaml:"name"`
	// ListingURL is the directory listing holding the dumps or their version directories.
	ListingURL string `yaml:"listing_url"`
	// VersionPattern, when set, selects the latest version directory inside ListingURL first.
	VersionPattern string `yaml:"version_pattern,omitempty"`
	// Files are fixed artifact names inside the resolved directory.
	Files []string `yaml:"files,omitempty"`
	// Pattern selects a single artifact by name when Files is empty.
	Pattern string `yaml:"pattern,omitempty"`
	// FallbackPattern is tried once when Pattern matches nothing.
	FallbackPattern string `yaml:"fallback_pattern,omitempty"`
	// Manifest is the checksum file name inside the resolved directory.
	Manifest string `yaml:"manifest,omitempty"`
	// Prefix is the object key prefix in the bucket.
	Prefix string `yaml:"prefix"`
}

const (
	// DefaultConfigFilename is the default filename for dumpctl settings.
	DefaultConfigFilename = "dumpctl-settings.yaml"

	// DefaultEnvFilename is the dotenv file read for credentials and regional defaults.
	DefaultEnvFilename = ".env"

	// DefaultSessionFilename stores the last launched worker.
	DefaultSessionFilename = "config/ec2_instance.json"

	// DefaultRegion is used when neither settings nor environment name one.
	DefaultRegion = "eu-west-3"

	// DefaultTimeout is the default duration for network operations.
	DefaultTimeout = 30 * time.Second

	// DefaultPollInterval is the monitor polling interval.
	DefaultPollInterval = 10 * time.Second

	// DefaultCompletionMarker is printed by the worker script when it finishes.
	DefaultCompletionMarker = "DUMP-TRANSFER-COMPLETED"

	// DefaultFailureMarker is printed by the worker script when a transfer failed.
	DefaultFailureMarker = "DUMP-TRANSFER-FAILED"

	// DefaultFilePermissions is the default file permission for config files.
	DefaultFilePermissions = 0o600

	// DefaultDirPermissions is used for download and config directories.
	DefaultDirPermissions = 0o755

	// DefaultChunkSize is the read size used when hashing artifacts.
	DefaultChunkSize = 4096

	// ToolWget selects the wget command line transferer.
	ToolWget = "wget"
	// ToolHTTP selects the built-in HTTP transferer.
	ToolHTTP = "http"

	defaultOutputDir       = "data/raw"
	defaultMaxAttempts     = 3
	defaultRetryDelay      = 5 * time.Second
	defaultEndpoint        = "s3.amazonaws.com"
	defaultImageOwner      = "099720109477"
	defaultImageNameFilter = "ubuntu/images/hvm-ssd/ubuntu-jammy-22.04-amd64-server-*"
	defaultInstanceType    = "t3.small"
	defaultProfile         = "EC2-S3-Access-Profile"
	defaultDiskSizeGB      = 150
	defaultDeviceName      = "/dev/sda1"
	defaultWorkDir         = "/data"
	defaultDownloadTimeout = 300 * time.Second
	defaultDownloadTries   = 3
	defaultMetricsJob      = "dump_fetcher"
	defaultCompletionKey   = "raw/.download-completed"
)

// Environment variable names consulted for fields the settings file leaves empty.
const (
	EnvAccessKey = "AWS_ACCESS_KEY_ID"
	EnvSecretKey = "AWS_SECRET_ACCESS_KEY"
	EnvRegion    = "AWS_DEFAULT_REGION"
	EnvBucket    = "S3_BUCKET_NAME"
	EnvEndpoint  = "S3_ENDPOINT"
)

var (
	// errConfigIsNotSet is returned when a nil configuration is provided.
	errConfigIsNotSet = errors.New("configuration is not set")
	// errBucketRequired is returned by RequireBucket when no bucket is configured.
	errBucketRequired = errors.New("bucket must be provided")
	// errInvalidDataset is returned for malformed dataset entries.
	errInvalidDataset = errors.New("invalid dataset")
	// errUnknownTool is returned for an unsupported transfer tool.
	errUnknownTool = errors.New("unknown transfer tool")
	// errUnknownDataset is returned by Dataset lookups.
	errUnknownDataset = errors.New("unknown dataset")
)

// Load reads settings from path, overlays the environment (including envFile)
// for fields the file left empty, then validates and fills defaults.
// A missing file is tolerated only when path is empty.
func Load(path, envFile string) (*Config, error) {
	tolerateMissing := path == ""
	if path == "" {
		path = DefaultConfigFilename
	}

	var cfg Config

	contents, err := os.ReadFile(filepath.Clean(path))

	switch {
	case err == nil:
		if err = yaml.Unmarshal(contents, &cfg); err != nil {
			return nil, fmt.Errorf("unmarshal settings: %w", err)
		}
	case tolerateMissing && errors.Is(err, fs.ErrNotExist):
		// Built-in defaults plus environment.
	default:
		return nil, fmt.Errorf("read settings: %w", err)
	}

	if err = ApplyEnvironment(&cfg, envFile); err != nil {
		return nil, err
	}

	if err = Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Save writes settings to the provided path.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if path == "" {
		path = DefaultConfigFilename
	}

	if err := Validate(cfg); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err = os.MkdirAll(dir, DefaultDirPermissions); err != nil {
			return fmt.Errorf("create settings directory: %w", err)
		}
	}

	// Restrict permissions: the file may hold storage keys.
	if err := os.WriteFile(filepath.Clean(path), data, DefaultFilePermissions); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}

	return nil
}

// ApplyEnvironment loads envFile (if it exists) into the process environment
// without overriding variables already set, then copies environment values
// into fields that are still empty.
func ApplyEnvironment(cfg *Config, envFile string) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if envFile == "" {
		envFile = DefaultEnvFilename
	}

	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", envFile, err)
	}

	env := viper.New()
	env.AutomaticEnv()

	setIfEmpty(&cfg.Region, env.GetString(EnvRegion))
	setIfEmpty(&cfg.Bucket, env.GetString(EnvBucket))
	setIfEmpty(&cfg.Storage.Endpoint, env.GetString(EnvEndpoint))
	setIfEmpty(&cfg.Storage.AccessKey, env.GetString(EnvAccessKey))
	setIfEmpty(&cfg.Storage.SecretKey, env.GetString(EnvSecretKey))

	return nil
}

// Validate checks the provided settings and fills defaults for missing values.
//
//nolint:cyclop // Flat list of defaults reads better than helpers.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	setIfEmpty(&cfg.Region, DefaultRegion)
	setIfEmpty(&cfg.OutputDir, defaultOutputDir)
	setIfEmpty(&cfg.SessionFile, DefaultSessionFilename)
	setIfEmpty(&cfg.Transfer.Tool, ToolWget)
	setIfEmpty(&cfg.Storage.Endpoint, defaultEndpoint)
	setIfEmpty(&cfg.Worker.ImageOwner, defaultImageOwner)
	setIfEmpty(&cfg.Worker.ImageNameFilter, defaultImageNameFilter)
	setIfEmpty(&cfg.Worker.InstanceType, defaultInstanceType)
	setIfEmpty(&cfg.Worker.InstanceProfile, defaultProfile)
	setIfEmpty(&cfg.Worker.DeviceName, defaultDeviceName)
	setIfEmpty(&cfg.Worker.WorkDir, defaultWorkDir)
	setIfEmpty(&cfg.Worker.CompletionMarker, DefaultCompletionMarker)
	setIfEmpty(&cfg.Worker.FailureMarker, DefaultFailureMarker)
	setIfEmpty(&cfg.Worker.CompletionKey, defaultCompletionKey)
	setIfEmpty(&cfg.Metrics.Job, defaultMetricsJob)

	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 1
	}

	if cfg.Transfer.MaxAttempts <= 0 {
		cfg.Transfer.MaxAttempts = defaultMaxAttempts
	}

	if cfg.Transfer.RetryDelay <= 0 {
		cfg.Transfer.RetryDelay = defaultRetryDelay
	}

	if cfg.Transfer.ChunkSize <= 0 {
		cfg.Transfer.ChunkSize = DefaultChunkSize
	}

	if cfg.Worker.DiskSizeGB <= 0 {
		cfg.Worker.DiskSizeGB = defaultDiskSizeGB
	}

	if cfg.Worker.PollInterval <= 0 {
		cfg.Worker.PollInterval = DefaultPollInterval
	}

	if cfg.Worker.DownloadTimeout <= 0 {
		cfg.Worker.DownloadTimeout = defaultDownloadTimeout
	}

	if cfg.Worker.DownloadTries <= 0 {
		cfg.Worker.DownloadTries = defaultDownloadTries
	}

	if len(cfg.Datasets) == 0 {
		cfg.Datasets = DefaultDatasets()
	}

	switch cfg.Transfer.Tool {
	case ToolWget, ToolHTTP:
	default:
		return fmt.Errorf("%w: %q", errUnknownTool, cfg.Transfer.Tool)
	}

	if cfg.Metrics.PushgatewayURL != "" {
		if _, err := url.ParseRequestURI(cfg.Metrics.PushgatewayURL); err != nil {
			return fmt.Errorf("invalid pushgateway URL: %w", err)
		}
	}

	return validateDatasets(cfg.Datasets)
}

// RequireBucket returns an error when no destination bucket is configured.
func (c *Config) RequireBucket() error {
	if strings.TrimSpace(c.Bucket) == "" {
		return fmt.Errorf("%w (set it in settings or %s)", errBucketRequired, EnvBucket)
	}

	return nil
}

// CloudCredentials returns the static keys for the compute API. Storage keys
// are reused only when storage itself is AWS; empty keys select the default AWS chain.
func (c *Config) CloudCredentials() (string, string) {
	if c.Worker.AccessKey != "" && c.Worker.SecretKey != "" {
		return c.Worker.AccessKey, c.Worker.SecretKey
	}

	if awsEndpoint(c.Storage.Endpoint) {
		return c.Storage.AccessKey, c.Storage.SecretKey
	}

	return "", ""
}

// awsEndpoint reports whether endpoint, with or without scheme and port, is an AWS host.
func awsEndpoint(endpoint string) bool {
	host := strings.TrimSpace(endpoint)
	if host == "" {
		return true
	}

	if u, err := url.Parse(host); err == nil && u.Host != "" {
		host = u.Hostname()
	} else {
		host, _, _ = strings.Cut(host, ":")
	}

	host = strings.ToLower(host)

	return host == "amazonaws.com" || strings.HasSuffix(host, ".amazonaws.com")
}

// Dataset returns the dataset with the provided name.
func (c *Config) Dataset(name string) (Dataset, error) {
	for _, ds := range c.Datasets {
		if ds.Name == name {
			return ds, nil
		}
	}

	return Dataset{}, fmt.Errorf("%w: %q", errUnknownDataset, name)
}

// SelectDatasets returns the named datasets, or all of them when names is empty.
func (c *Config) SelectDatasets(names []string) ([]Dataset, error) {
	if len(names) == 0 {
		return append([]Dataset(nil), c.Datasets...), nil
	}

	result := make([]Dataset, 0, len(names))

	for _, name := range names {
		ds, err := c.Dataset(name)
		if err != nil {
			return nil, err
		}

		result = append(result, ds)
	}

	return result, nil
}

// validateDatasets checks names, URLs and patterns of every dataset.
func validateDatasets(datasets []Dataset) error {
	seen := make(map[string]struct{}, len(datasets))

	for i, ds := range datasets {
		if ds.Name == "" {
			return fmt.Errorf("%w: entry %d has no name", errInvalidDataset, i)
		}

		if _, dup := seen[ds.Name]; dup {
			return fmt.Errorf("%w: duplicate name %q", errInvalidDataset, ds.Name)
		}

		seen[ds.Name] = struct{}{}

		if _, err := url.ParseRequestURI(ds.ListingURL); err != nil {
			return fmt.Errorf("%w: %s: listing url: %w", errInvalidDataset, ds.Name, err)
		}

		if (len(ds.Files) == 0) == (ds.Pattern == "") {
			return fmt.Errorf("%w: %s: exactly one of files or pattern is required", errInvalidDataset, ds.Name)
		}

		if ds.FallbackPattern != "" && ds.Pattern == "" {
			return fmt.Errorf("%w: %s: fallback_pattern needs pattern", errInvalidDataset, ds.Name)
		}

		for _, expr := range []string{ds.VersionPattern, ds.Pattern, ds.FallbackPattern} {
			if expr == "" {
				continue
			}

			if _, err := regexp.Compile(expr); err != nil {
				return fmt.Errorf("%w: %s: %w", errInvalidDataset, ds.Name, err)
			}
		}
	}

	return nil
}

// setIfEmpty assigns value to target when target is blank.
func setIfEmpty(target *string, value string) {
	if strings.TrimSpace(*target) == "" {
		*target = strings.TrimSpace(value)
	}
}
