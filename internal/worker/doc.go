// Package worker executes registered job functions outside the serving
// request path and writes their results and progress to the shared store.
// It backs both the process-pool child (RunChild) and the queue worker.
package worker
