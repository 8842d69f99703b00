// Package config loads process configuration from an optional TOML file
// overlaid with environment variables: a base file, then per-process
// overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Storage holds the object-store and database connection settings shared by
// every process.
type Storage struct {
	DatabaseURL     string `toml:"database_url"`
	S3Bucket        string `toml:"s3_bucket"`
	S3Region        string `toml:"s3_region"`
	AWSAccessKeyID  string `toml:"aws_access_key_id"`
	AWSSecretKey    string `toml:"aws_secret_access_key"`
}

func (s Storage) Validate() error {
	if s.DatabaseURL == "" {
		return fmt.Errorf("database_url is required")
	}
	if s.S3Bucket == "" {
		return fmt.Errorf("s3_bucket is required")
	}
	return nil
}

// VLM holds the vision-language model provider settings.
type VLM struct {
	APIURL string `toml:"vlm_api_url"`
	APIKey string `toml:"vlm_api_key"`
	Model  string `toml:"vlm_model"`
}

func (v VLM) Validate() error {
	if v.APIURL == "" || v.Model == "" {
		return fmt.Errorf("vlm_api_url and vlm_model are required")
	}
	return nil
}

// Scheduler holds the Scheduler process's tunables.
type Scheduler struct {
	Storage
	CycleDuration time.Duration `toml:"-"`
	CheckInterval time.Duration `toml:"-"`
	AutoStart     bool          `toml:"auto_start"`

	CycleDurationMin int `toml:"cycle_duration_min"`
	CheckIntervalSec int `toml:"check_interval_sec"`
}

func (s *Scheduler) resolveDurations() {
	if s.CycleDurationMin == 0 {
		s.CycleDurationMin = 60
	}
	if s.CheckIntervalSec == 0 {
		s.CheckIntervalSec = 30
	}
	s.CycleDuration = time.Duration(s.CycleDurationMin) * time.Minute
	s.CheckInterval = time.Duration(s.CheckIntervalSec) * time.Second
}

// Worker holds the Evaluator Worker process's tunables.
type Worker struct {
	Storage
	VLM

	APIURL          string        `toml:"api_url"`
	PollInterval    time.Duration `toml:"-"`
	LeaseDuration   time.Duration `toml:"-"`
	ExpectedEvalDur time.Duration `toml:"-"`
	BatchSize       int           `toml:"batch_size"`
	Concurrency     int           `toml:"concurrency"`

	PollIntervalSec      int `toml:"poll_interval_sec"`
	LeaseDurationSec     int `toml:"lease_duration_sec"`
	ExpectedEvalTimeSec  int `toml:"expected_eval_time_sec"`
}

func (w *Worker) resolveDurations() {
	if w.PollIntervalSec == 0 {
		w.PollIntervalSec = 5
	}
	if w.BatchSize == 0 {
		w.BatchSize = 4
	}
	if w.Concurrency == 0 {
		w.Concurrency = 4
	}
	if w.ExpectedEvalTimeSec == 0 {
		w.ExpectedEvalTimeSec = 45
	}
	w.PollInterval = time.Duration(w.PollIntervalSec) * time.Second
	w.ExpectedEvalDur = time.Duration(w.ExpectedEvalTimeSec) * time.Second
	lease := 3 * w.ExpectedEvalDur
	if lease < 60*time.Second {
		lease = 60 * time.Second
	}
	if w.LeaseDurationSec != 0 {
		lease = time.Duration(w.LeaseDurationSec) * time.Second
	}
	w.LeaseDuration = lease
}

// API holds the HTTP API process's tunables.
type API struct {
	Storage
	ListenAddr string `toml:"listen_addr"`
}

func (a *API) resolveDefaults() {
	if a.ListenAddr == "" {
		a.ListenAddr = ":8080"
	}
}

// loadTOML decodes path into dst if path is non-empty and exists. A missing
// optional file is not an error.
func loadTOML(path string, dst any) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	_, err := toml.DecodeFile(path, dst)
	return err
}

func overlayStorage(s *Storage) {
	overlayString(&s.DatabaseURL, "DATABASE_URL")
	overlayString(&s.S3Bucket, "S3_BUCKET")
	overlayString(&s.S3Region, "S3_REGION")
	overlayString(&s.AWSAccessKeyID, "AWS_ACCESS_KEY_ID")
	overlayString(&s.AWSSecretKey, "AWS_SECRET_ACCESS_KEY")
}

func overlayVLM(v *VLM) {
	overlayString(&v.APIURL, "VLM_API_URL")
	overlayString(&v.APIKey, "VLM_API_KEY")
	overlayString(&v.Model, "VLM_MODEL")
}

func overlayString(dst *string, env string) {
	if v, ok := os.LookupEnv(env); ok && v != "" {
		*dst = v
	}
}

// LoadScheduler loads Scheduler config from an optional TOML file + environment.
func LoadScheduler(path string) (*Scheduler, error) {
	var cfg Scheduler
	if err := loadTOML(path, &cfg); err != nil {
		return nil, fmt.Errorf("load scheduler config: %w", err)
	}
	overlayStorage(&cfg.Storage)
	cfg.resolveDurations()
	if err := cfg.Storage.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadWorker loads Worker config from an optional TOML file + environment.
func LoadWorker(path string) (*Worker, error) {
	var cfg Worker
	if err := loadTOML(path, &cfg); err != nil {
		return nil, fmt.Errorf("load worker config: %w", err)
	}
	overlayStorage(&cfg.Storage)
	overlayVLM(&cfg.VLM)
	overlayString(&cfg.APIURL, "WORKER_API_URL")
	cfg.resolveDurations()
	if err := cfg.Storage.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.VLM.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadAPI loads API config from an optional TOML file + environment.
func LoadAPI(path string) (*API, error) {
	var cfg API
	if err := loadTOML(path, &cfg); err != nil {
		return nil, fmt.Errorf("load api config: %w", err)
	}
	overlayStorage(&cfg.Storage)
	overlayString(&cfg.ListenAddr, "LISTEN_ADDR")
	cfg.resolveDefaults()
	if err := cfg.Storage.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
