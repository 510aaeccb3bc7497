// Package backend defines the interface that executor backends (the local
// process pool and the distributed task queue) implement, along with the
// job and handle types exchanged between the manager and those backends.
package backend
