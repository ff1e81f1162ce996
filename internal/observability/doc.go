// Package observability provides structured logging and Prometheus metrics
// for the prompt firewall.
//
// This package implements:
//   - zap loggers configured from LOG_LEVEL and LOG_FORMAT
//   - a Prometheus collector that observes evaluations, policy writes,
//     cache lookups, audit writes and HTTP requests
//
// The collector satisfies the Observer interfaces of the policy, audit and
// firewall services so they never import Prometheus directly.
package observability
