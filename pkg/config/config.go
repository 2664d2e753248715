// Package config loads the orchestrator's configuration: compiled-in
// defaults, optionally overlaid by a YAML file, optionally overlaid again
// by environment variables using "__" as the struct-path separator (e.g.
// AutoRouter__MaxBytes=...), per spec §6.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// AutoRouterConfig holds C4 thresholds.
type AutoRouterConfig struct {
	MaxBytes            int64 `yaml:"max_bytes"`
	MaxItems            int64 `yaml:"max_items"`
	ConfidenceHigh      int   `yaml:"confidence_high"`
	ConfidenceMedium    int   `yaml:"confidence_medium"`
	ConfidenceLow       int   `yaml:"confidence_low"`
}

// ShardConfig holds C5 planning caps.
type ShardConfig struct {
	MaxWindowDays         int   `yaml:"max_window_days"`
	MaxBytes              int64 `yaml:"max_bytes"`
	MaxItems              int64 `yaml:"max_items"`
	MaxPerCustodian       int   `yaml:"max_per_custodian"`
	Adaptive              bool  `yaml:"adaptive"`
	AlignCalendar         bool  `yaml:"align_calendar"`
	MinWindowDays         int   `yaml:"min_window_days"`
	MaxRetries            int   `yaml:"max_retries"`
	MaxTotalShards        int   `yaml:"max_total_shards"`
}

// SchedulerConfig holds C6 lease/reap timing.
type SchedulerConfig struct {
	LeaseDurationSeconds int `yaml:"lease_duration_s"`
	ReapIntervalSeconds  int `yaml:"reap_interval_s"`
}

// DeltaConfig holds delta-cursor staleness thresholds consumed by collector
// drivers.
type DeltaConfig struct {
	MaxAgeDays  int `yaml:"max_age_days"`
	MaxFailures int `yaml:"max_failures"`
}

// CollectorConfig holds C8 progress-reporting cadence and the
// exponential-backoff-with-jitter shape collector drivers must use when
// absorbing upstream throttling.
type CollectorConfig struct {
	ProgressIntervalSeconds int     `yaml:"progress_interval_s"`
	ProgressItemsThreshold  int     `yaml:"progress_items_threshold"`
	BackoffInitialMs        int     `yaml:"backoff_initial_ms"`
	BackoffMaxMs            int     `yaml:"backoff_max_ms"`
	BackoffMultiplier       float64 `yaml:"backoff_multiplier"`
	MaxBackoffAttempts      int     `yaml:"max_backoff_attempts"`
}

// ManifestConfig holds C9 signing and WORM-sealing behavior.
type ManifestConfig struct {
	SigningEnabled  bool   `yaml:"signing_enabled"`
	SigningKeyPath  string `yaml:"signing_key_path"`
	IncludeCSV      bool   `yaml:"include_csv"`
	ImmutablePolicyID string `yaml:"immutable_policy_id"`
}

// ReconcileConfig holds C10 tolerances and behavior flags.
type ReconcileConfig struct {
	SizeTolerancePct  float64 `yaml:"size_tolerance_pct"`
	ExtraTolerancePct float64 `yaml:"extra_tolerance_pct"`
	RequireHashMatch  bool    `yaml:"require_hash_match"`
	NormalizePaths    bool    `yaml:"normalize_paths"`
	IncludeFolders    bool    `yaml:"include_folders"`
	ReportsDir        string  `yaml:"reports_dir"`
}

// WorkerConfig holds the shard-execution worker pool's concurrency and
// polling cadence.
type WorkerConfig struct {
	MaxConcurrentShards int `yaml:"max_concurrent_shards"`
	PollIntervalMs      int `yaml:"poll_interval_ms"`
	ClaimEmptyBackoffMs int `yaml:"claim_empty_backoff_ms"`
}

// StorageConfig holds filesystem ArtifactStore root and the Postgres DSN
// for the MetadataStore.
type StorageConfig struct {
	Root       string `yaml:"root"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

// ServerConfig holds the Control API listen address.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// Config is the top-level, fully-populated orchestrator configuration.
type Config struct {
	AutoRouter AutoRouterConfig `yaml:"auto_router"`
	Shard      ShardConfig      `yaml:"shard"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Delta      DeltaConfig      `yaml:"delta"`
	Collector  CollectorConfig  `yaml:"collector"`
	Manifest   ManifestConfig   `yaml:"manifest"`
	Reconcile  ReconcileConfig  `yaml:"reconcile"`
	Worker     WorkerConfig     `yaml:"worker"`
	Storage    StorageConfig    `yaml:"storage"`
	Server     ServerConfig     `yaml:"server"`
}

// Defaults returns the configuration defaults enumerated in spec §6.
func Defaults() Config {
	return Config{
		AutoRouter: AutoRouterConfig{
			MaxBytes:         107374182400,
			MaxItems:         500000,
			ConfidenceHigh:   90,
			ConfidenceMedium: 80,
			ConfidenceLow:    70,
		},
		Shard: ShardConfig{
			MaxWindowDays:   30,
			MaxBytes:        50 * 1 << 30,
			MaxItems:        250000,
			MaxPerCustodian: 12,
			Adaptive:        true,
			AlignCalendar:   true,
			MinWindowDays:   1,
			MaxRetries:      3,
			MaxTotalShards:  100000,
		},
		Scheduler: SchedulerConfig{
			LeaseDurationSeconds: 1800,
			ReapIntervalSeconds:  60,
		},
		Delta: DeltaConfig{
			MaxAgeDays:  30,
			MaxFailures: 3,
		},
		Collector: CollectorConfig{
			ProgressIntervalSeconds: 60,
			ProgressItemsThreshold:  100,
			BackoffInitialMs:        500,
			BackoffMaxMs:            60000,
			BackoffMultiplier:       2.0,
			MaxBackoffAttempts:      8,
		},
		Manifest: ManifestConfig{
			SigningEnabled:    false,
			IncludeCSV:        true,
			ImmutablePolicyID: "default-worm-policy",
		},
		Reconcile: ReconcileConfig{
			SizeTolerancePct:  0.1,
			ExtraTolerancePct: 0.05,
			RequireHashMatch:  false,
			NormalizePaths:    true,
			IncludeFolders:    false,
			ReportsDir:        "./reports",
		},
		Worker: WorkerConfig{
			MaxConcurrentShards: 8,
			PollIntervalMs:      2000,
			ClaimEmptyBackoffMs: 5000,
		},
		Storage: StorageConfig{
			Root: "./data",
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
	}
}

// Load builds a Config starting from Defaults(), overlaying path (if
// non-empty) as YAML, then overlaying process environment variables whose
// name matches a struct path joined with "__" (each segment matched
// case-insensitively against a field's yaml tag or Go field name), e.g.
// AutoRouter__MaxBytes=200000000000.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(&cfg, os.Environ()); err != nil {
		return cfg, fmt.Errorf("config: env overrides: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides walks env (as "KEY=VALUE" pairs) and, for each key
// containing "__", resolves the path against cfg's yaml tags and sets the
// matching field.
func applyEnvOverrides(cfg *Config, env []string) error {
	for _, kv := range env {
		key, val, ok := strings.Cut(kv, "=")
		if !ok || !strings.Contains(key, "__") {
			continue
		}
		segments := strings.Split(key, "__")
		if err := setByPath(reflect.ValueOf(cfg).Elem(), segments, val); err != nil {
			// Unrecognized path segments are not configuration errors —
			// the process environment carries many unrelated variables.
			continue
		}
	}
	return nil
}

func setByPath(v reflect.Value, segments []string, val string) error {
	if len(segments) == 0 {
		return setScalar(v, val)
	}
	if v.Kind() != reflect.Struct {
		return fmt.Errorf("not a struct at segment %q", segments[0])
	}
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := strings.Split(field.Tag.Get("yaml"), ",")[0]
		if strings.EqualFold(tag, segments[0]) || strings.EqualFold(field.Name, segments[0]) {
			return setByPath(v.Field(i), segments[1:], val)
		}
	}
	return fmt.Errorf("unknown field %q", segments[0])
}

func setScalar(v reflect.Value, val string) error {
	switch v.Kind() {
	case reflect.String:
		v.SetString(val)
	case reflect.Bool:
		b, err := strconv.ParseBool(val)
		if err != nil {
			return err
		}
		v.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return err
		}
		v.SetInt(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return err
		}
		v.SetFloat(f)
	default:
		return fmt.Errorf("unsupported kind %s", v.Kind())
	}
	return nil
}
