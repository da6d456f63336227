// Package cmd defines the CLI commands for the adaptive-crawler executable.
//
// Architecture overview:
//   - Frontier: internal/frontier normalizes and deduplicates URLs and hands out tasks by priority class, FIFO within
//     a class. State lives in memory or in Redis (state.frontier), namespaced by state.scope.
//   - Domain policy: internal/policy keeps a per-domain delay, backoff window and transport. Blocking statuses
//     (429/403/503) and detected challenge pages double the delay, open a backoff window and escalate the domain to the
//     headless browser for good; successes decay the delay toward the floor.
//   - Proxy pool: internal/proxypool scores proxies by success rate, latency and failure streaks, bans them after
//     repeated failures and selects with the configured strategy. Inventory comes from proxy_pool.proxies, an inventory
//     file, or POST /v1/proxies.
//   - Orchestrator & dispatcher: internal/orchestrator runs one step per task (robots, backoff, politeness pause, proxy
//     selection, fetch, feedback, link expansion); internal/dispatcher runs crawler.workers of those loops at once.
//   - Persistence & fanout: successful pages are optionally written to a blob store (memory/local/GCS) and announced on
//     Pub/Sub. Policies and proxy health persist to Redis or Postgres when configured.
//
// Commands:
//   - crawl: enqueue the seeds and run until the frontier drains.
//   - serve: run the workers and the admin API (health, metrics, seeds, policies, proxies) until SIGINT/SIGTERM.
//
// Quick checklist:
//   - Configure with a YAML file (--config) or env vars: CRAWLER_CRAWLER_WORKERS, CRAWLER_STATE_FRONTIER,
//     CRAWLER_REDIS_ADDR, CRAWLER_POSTGRES_DSN, CRAWLER_ARCHIVE_BACKEND, CRAWLER_HEADLESS_ENABLED.
//   - Run locally: go run . crawl --seed https://example.com/
package cmd
