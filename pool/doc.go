// Package pool provides named client channels: each Channel maintains a
// pool of HTTP/2 subchannels over a set of endpoints and picks one per
// call through a pluggable balancer (round-robin, random, consistent
// hash, direct, or exclusive claim). Endpoints come from a static list or
// a pluggable resolver with optional periodic refresh, and channels are
// registered process-wide by name.
package pool
