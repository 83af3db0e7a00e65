// Package registry tracks which packages the cluster is expected to have
// installed.
//
// The registry is persisted as a single comma-joined descriptor string in
// the session configuration store, for example:
//
//	package1,package2==1.0.0,package3==2.0.0@http://some-repo/
//
// Package identity is the name alone: "arrow==0.12.1" and "arrow" are the
// same package, so the second cannot be added while the first is tracked.
package registry
