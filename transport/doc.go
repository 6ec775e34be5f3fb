// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package transport owns the daemon's sockets: listeners bound to TCP or
// local (unix) addresses and the peer connections they accept. Sockets are
// non-blocking descriptors driven by the reader loop; a Connection is
// reference counted and its descriptor is closed on the last release.
package transport
