// Package server implements the UDP echo server and its HTTP monitoring API.
// Each inbound datagram is logged in three views and sent back unmodified to
// its source, on either a blocking read loop or a gnet event loop.
package server
