// Package session is the server-side Session Registry.
//
// The registry keeps exactly one current record per principal. A record holds
// fingerprints of the access and refresh tokens issued by the latest login or
// refresh; any token whose fingerprint does not match is rejected even when it
// is cryptographically valid and unexpired. Writes overwrite, they never append.
//
// Changes are published on a feed (Watch) so that long-lived connections bound to
// a superseded or revoked session can be torn down on every API instance.
package session
