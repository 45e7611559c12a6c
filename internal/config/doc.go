// Package config handles HCL configuration parsing, defaults, and validation
// for the harborshield daemon.
//
// # Overview
//
// The daemon reads a single HCL file (default /etc/harborshield/harborshield.hcl).
// A missing file is not an error: every field has a default. Durations are
// written as Go duration strings ("500ms", "1m") and checked by [Config.Validate].
//
// # Configuration Blocks
//
//   - reconcile: debounce window, retry policy, and resolver parallelism
//   - runtime: container runtime endpoint and resync bounds
//   - log: level, format, and optional remote syslog
//
// Expressions may reference the process environment through the env object:
//
//	runtime {
//	  docker_host = env.DOCKER_HOST
//	}
package config
