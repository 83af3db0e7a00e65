// Package worker is the executor side of pipcast: an HTTP agent that
// applies the coordinator's environment actions to the local virtual
// environment.
//
// Endpoints:
//
//	POST /env/apply   apply a cluster.EnvAction (204, or 500 with reason)
//	GET  /env/list    installed packages as a cluster.ListResponse
//	GET  /health      liveness probe used by the coordinator
//	GET  /info        node identity and action counters
//
// A worker must be serving before it calls Register: the coordinator
// replays the standing actions against it while handling the request.
package worker
