// Package blocklist holds the set of URL patterns the proxy refuses to serve.
//
// Matching is loose: the scheme is ignored and a URL is
// blocked when it equals a pattern or starts with it, so "example.com/ads"
// blocks "http://example.com/ads/banner.png". CONNECT targets are plain
// host:port strings and match the same way.
package blocklist
