// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/tasks/{kind} to queue a task, GET /v1/tasks[/{id}] to follow it.
//   - GET /v1/records and POST /v1/records/{code}/{view|like|unlike}.
//   - GET /v1/history/ops, GET /v1/exist-ids, GET /v1/notices.
//   - GET|PUT|DELETE /v1/auth/client for the remote partner credentials.
package api
