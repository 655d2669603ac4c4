// Package server exposes migration plans and the asynchronous task gate over HTTP.
//
// # Router
//
// [NewRouter] builds a chi router with request ids, real client addresses, structured request logging,
// Prometheus instrumentation and panic recovery. Metrics are labelled by route pattern, never by raw path,
// so plan ids do not explode label cardinality.
//
// # Handlers
//
// Handlers implement [Handler] and mount their own routes. The API handler serves:
//
//	GET    /healthz
//	GET    /plans                     list plans (status, owner, awaiting filters)
//	POST   /plans                     build a plan from a JSON or XML descriptor
//	GET    /plans/{id}                plan with paths, items and counts
//	DELETE /plans/{id}
//	GET    /plans/{id}/items          items (status filter)
//	GET    /plans/{id}/paths
//	PUT    /plans/{id}/active-path    select the active migration path
//	POST   /plans/{id}/start
//	POST   /plans/{id}/pause
//	POST   /plans/{id}/finish
//	POST   /objects/{id}/available    resume plans awaiting an object
//	GET    /async/{token}             poll a gate request
//	GET    /async/results/{id}        download a stored result payload
//
// Errors are written as JSON with a message and, for validation failures, the per-object problems.
// [StatusOf] maps domain errors to HTTP status codes.
//
// # Lifecycle
//
// [Server.ListenAndServe] runs until its context is cancelled and then shuts down gracefully within the
// configured timeout.
package server
