// Package contracts defines the message envelope exchanged between the
// cloud and local agents, along with the enums and error types shared by
// every layer of the routing core.
//
// The envelope is a fixed set of required fields plus an opaque JSON
// payload. Integrity and expiry are capabilities of the envelope itself:
//   - VerifyChecksum detects corruption of the identity-bearing fields
//   - IsExpired implements the TTL policy used by the router and enforcer
//
// One message is one UTF-8 JSON document, both on disk and on the wire.
package contracts
