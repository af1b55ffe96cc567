// Package server hosts the Fiber HTTP service, the request middleware chain,
// and the pure path classifier that maps the upstream Hub URL space onto
// mirror routes. The app answers the index banner and health probe itself and
// hands every classified route to a MirrorHandler, so the proxy layer never
// touches raw paths. Future phases may extend this package with metrics
// endpoints or admin surfaces, so keep exports narrow and accept explicit
// dependencies.
package server
