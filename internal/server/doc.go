// Package server exposes the relay over HTTP: room control endpoints, the
// writer and listener websockets, and health, statistics and Prometheus
// endpoints for monitoring.
package server
