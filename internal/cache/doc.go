// Package cache implements the proxy's response cache.
//
// A [Store] maps request URLs to entries carrying last-access timestamps. It
// holds at most MaxEntries entries, evicting the least recently used one to
// make room, and treats an entry as fresh while less than the freshness
// window has passed since its previous access.
//
// Response bodies are kept outside the index in a [Payloads] backend: one
// file per response ([FilePayloads]) or a goleveldb database
// ([LevelDBPayloads]). The index itself is persisted by package persist.
package cache
