// Package api hosts the admin HTTP server. Routes:
//   - GET /healthz and /readyz for probes; readyz touches the frontier store.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/seeds to enqueue seed URLs.
//   - GET /v1/policies/{domain} for the adaptive policy and its state.
//   - GET /v1/proxies/stats, POST /v1/proxies and DELETE /v1/proxies/{id}
//     to inspect and edit the proxy inventory.
package api
