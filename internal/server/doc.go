// Package server hosts the Fiber HTTP service and request middleware chain
// that wires incoming traffic into the cache gateway. It bootstraps Fiber,
// attaches logging and recovery middlewares, and exposes the shared upstream
// http.Client plus header-copy helpers that other packages (gateway,
// syncqueue, notify) reuse. Keep exports narrow and accept explicit
// dependencies.
package server
