// Package authkit is an embeddable authentication toolkit built around
// a session and token issuance engine: it establishes, renews, verifies,
// and revokes authenticated state across two strategies (opaque
// server-side sessions and signed access/refresh token pairs) and drives
// the federated-login handshake that produces them.
//
// The engine is constructed through a [Builder] with explicit
// dependencies: a storage adapter, a signing keystore, a credential
// hasher, and optional OAuth providers. There is no hidden process-wide
// state; multiple instances may run concurrently against shared
// storage, with refresh-token rotation synchronized solely by the
// store's conditional writes.
package authkit
