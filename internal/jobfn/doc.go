// Package jobfn registers the functions that can run as background jobs and
// derives their identities and result keys.
//
// A function's identity is a content hash of its declaring package and its
// source, so the same function maps to the same task name across restarts
// and across the serving and worker processes, and an edited function gets a
// new name instead of reusing stale worker code.
package jobfn
