// Package governance provides the retry and timeout primitives shared by the
// pipeline's storage-bound stages, most notably the settler's compensating
// retry after a transient commit failure.
package governance
