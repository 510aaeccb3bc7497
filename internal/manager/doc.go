// Package manager provides the CallbackManager: the façade callers use to
// submit long-running functions by deterministic key, poll for results and
// progress, cancel jobs, and reuse cached results. It works identically over
// any backend.Backend.
package manager
