// Package cluster defines the wire types and HTTP/JSON helpers shared by
// the pipcast coordinator, its worker nodes and the CLI.
//
// # Topology
//
// The coordinator (driver) is the hub, nodes (executors) are spokes:
//
//	              ┌──────────────┐
//	              │ Coordinator  │
//	              │ - Registry   │
//	              │ - Broadcast  │
//	              │ - Health Mon │
//	              └──────┬───────┘
//	                     │
//	      ┌──────────────┼──────────────┐
//	      │              │              │
//	┌─────▼─────┐ ┌─────▼─────┐ ┌─────▼─────┐
//	│  Node 1   │ │  Node 2   │ │  Node 3   │
//	│ virtualenv│ │ virtualenv│ │ virtualenv│
//	└───────────┘ └───────────┘ └───────────┘
//
// # Protocol
//
// Node registration (POST /register on the coordinator):
//   - Body is a RegisterRequest
//   - The coordinator replays every standing environment action on the
//     node before it answers, so a 204 means the node is caught up
//
// Environment mutation (POST /env/apply on a node):
//   - Body is an EnvAction (install carries the descriptor, uninstall the name)
//   - 204 on success, an ErrorResponse with status 500 on failure
//
// Environment listing (GET /env/list on a node):
//   - Returns a ListResponse with the packages pip reports
//
// Health checking (GET /health on every process).
//
// # Errors
//
// Non-2xx responses become *StatusError. Its Message field carries the
// "error" field of an ErrorResponse body, or the raw body text.
package cluster
