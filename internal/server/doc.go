// Package server hosts the Fiber HTTP service and its middleware chain: panic
// recovery, request ids, and the split between `/-/` diagnostics routes and
// the catch-all proxy handler that turns every other request into a fetch
// signal for the agent runtime. It also owns the shared upstream http.Client
// so install, reconcile, and per-request fetches reuse one connection pool.
package server
