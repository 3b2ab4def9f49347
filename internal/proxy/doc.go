// Package proxy is the client-facing side of gatekeep.
//
// A [Server] accepts connections, reads one request head from each and then
// refuses it, tunnels it, answers it from the cache, or fetches it from the
// origin. Every connection carries exactly one request and is closed
// afterwards.
package proxy
