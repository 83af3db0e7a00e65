// Package broadcast runs environment actions on every worker in the
// cluster, both the workers attached now and the ones that attach later.
//
// Two lists make up a Channel's state:
//
//   - members: the workers that are caught up and accept actions
//   - standing: the actions every future worker must apply first
//
// RunOnAllWorkers fans an action out to the members concurrently and
// waits for every answer, each bounded by the per-worker timeout.
// RunOnEveryFutureWorker appends to the standing list without blocking.
// Attach is the membership-change hook: a joining worker replays the
// standing list in order and only then becomes a member, so it never
// runs work against an environment that is behind the cluster.
//
// A caller that must not miss a concurrently joining worker records the
// standing action first and broadcasts second. A join that completes
// before the broadcast snapshot is taken is then either in the snapshot
// or has already replayed the action.
package broadcast
