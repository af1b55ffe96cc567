// Package chunkcache defines the disk-backed block store responsible for
// translating repository files into ReposPath/<type>s/<org>/<name>/blocks
// sparse files with bitmap sidecars. The cache exposes handle acquisition
// with reference counting, per-block fetch deduplication, and range filling,
// and surfaces in-use information for the evictor. Proxy handlers depend on
// this package to stream cached bytes or trigger upstream fetches without
// duplicating filesystem logic.
package chunkcache
