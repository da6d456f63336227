// Package crawler holds the shared model of the adaptive crawl core: tasks,
// domain policies, proxy descriptors and fetch outcomes, plus the collaborator
// interfaces (stores, robots, fetchers, link extraction) the frontier, policy
// manager, proxy pool and orchestrator are written against.
package crawler
