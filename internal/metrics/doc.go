// Package metrics exposes the gateway's Prometheus collectors.
package metrics
