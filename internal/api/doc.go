// Package api exposes the ops HTTP interface of a running crawl: liveness,
// readiness, a JSON stats snapshot and the Prometheus scrape endpoint.
package api
