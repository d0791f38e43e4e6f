/*
Package identity manages per-context Ed25519 identities and the session
key exchange.

Private keys persist in the Identity storage column and never leave this
package; signing happens through the Identity handle. The handshake is the
only plaintext phase of a session: the initiator proves a member identity
against the responder's random challenge, both sides exchange signed
ephemeral X25519 components, and the derived session key — bound to the
context and both identities — arms the channel. Every subsequent message
is encrypted with nonce counters starting at zero.
*/
package identity
