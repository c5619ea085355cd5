// Package api hosts the HTTP server, middleware, and handlers of a lab node.
// Notable routes:
//   - GET /state, /about, /resources and POST /action for the workflow engine.
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /history for recently finished actions.
package api
