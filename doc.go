// Package main hosts the luneth entrypoint.
//
// Architecture overview:
//   - CLI: cmd builds one server.App per invocation and runs tasks in process through the dispatcher's bridge.
//     `luneth serve` runs the same App as an HTTP service.
//   - HTTP API: internal/api.Server exposes health, metrics, task submission, record browsing, history, and partner
//     credentials. Submitted tasks are validated, given an ID, and queued for the dispatcher.
//   - Dispatcher & bridge: tasks flow through a bounded in-memory queue sized by dispatcher.queue_depth and are run by
//     dispatcher.workers workers. Each run happens on its own goroutine and a panic becomes a failed task.
//   - Crawl pipeline: the catalog session fetches pages with Colly, promotes thin or failed responses to Chromedp
//     when crawler.render is set, and parses listings and record pages with goquery.
//   - Persistence: records, remote identifiers, operation history, and task history live in SQLite, Postgres, or
//     memory. Images go to a local directory or a GCS bucket.
//   - Progress: pipelines emit events into a batching hub that fans out to zap logs, Prometheus collectors, and task
//     notices (Pub/Sub when configured, otherwise an in-process buffer served at /v1/notices).
//   - Configuration & plumbing: Viper reads the config file and LUNETH_* env vars; zap provides structured logging;
//     OpenTelemetry spans cover tasks and remote calls when telemetry.tracing is set.
//
// Quick checklist:
//   - Set crawler.base_url (and crawler.start_url for auto crawls).
//   - Pick storage.driver (sqlite, postgres, memory) and storage.images (local, gcs).
//   - Provide remote.base_url, remote.client_id, and remote.client_secret to enable pull, idol, and submit.
//   - Run locally: go run . crawl batch ABC-001 --config config.yaml, or go run . serve.
package main
