// Package config loads and watches the uploader configuration file (config.yaml).
//
// Top-level types:
//   - Config{RainMachine, Archive, Metrics, Log} — full config tree parsed from YAML
//   - RainMachineConfig — ip, token/token_env, protocol (https|http), verify_tls,
//     skip_upload, post_interval, max_backlog, stale, log_success, log_failure,
//     timeout, max_tries, retry_wait, breaker_failures, breaker_cooldown
//   - ArchiveConfig — dsn/dsn_env, table, poll_interval
//   - MetricsConfig — listen address for /metrics
//   - LogConfig — level and format of the process logger
//
// Load(path) loads an optional .env beside the file, reads the YAML, applies
// defaults (https, 1h post interval, 60s timeout, 3 tries, 5s retry wait,
// table "archive", 30s poll) and validates enums and ranges.
//
// RainMachineConfig.Validate is separate: a missing ip or token turns the
// uploader off instead of failing the load.
//
// Watch(ctx, path, logger, onChange) uses fsnotify on the parent directory to
// detect writes and atomic renames of the file and calls onChange with the
// newly parsed Config.
package config
