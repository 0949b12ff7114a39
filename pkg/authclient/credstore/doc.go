// Package credstore holds the client's access/refresh credential pair.
//
// Reads are served from an in-process cache. The cache is backed by a tab-scoped,
// obfuscated Backend whose change notifications keep other tabs' caches current
// without any network call to the API.
package credstore
