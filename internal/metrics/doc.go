// Package metrics holds the uploader's Prometheus collectors.
//
// Collectors live in a private registry so tests and multiple uploaders do not
// collide on the global one. Handler exposes them over HTTP; WriteText dumps
// them in the text exposition format, which the process logs at shutdown.
//
// All Record* methods are safe to call on a nil *Metrics.
package metrics
