/*
Package shs implements the Scuttlebutt secret-handshake protocol and its box
stream transport: a bidirectional streaming transport, mutually authenticated
with long-term ed25519 identity keys and secured with NaCl secretbox.

An identity is an ed25519 key pair. The 32-byte public key serves as the
identity, the private key is derived from a 32-byte seed. In this package,
keys and seeds are stored in base64-raw-url encoding, making them easy to
handle and embed in config files and addresses.

Handshakes are scoped to a network through a fixed 32-byte network key. Both
parties must hold the same network key to complete a handshake; the key of the
main Scuttlebutt network is MainNetwork. Trust is configured out of bounds,
like with SSH and WireGuard. No PKI, no certificate authorities, no X.509.
Keys do not expire.

This package provides two interfaces to the protocol. Dial and Listen are
similar to "net" and "crypto/tls" for making blocking secure connections, and
parse extended shs addresses that optionally contain public and private keys
(described below). Connect and Serve drive a connection from incoming byte
chunks and deliver decrypted messages to an application handler built by a
HandlerFactory, resolving a Completion once the handshake finishes. The
underlying ClientHandshake, ServerHandshake and Stream types can also be fed
directly for integration in other event loops.

Errors returned by shs are typically wrapped with additional information. Use
errors.Is() or Unwrap to check for errors.

# Security

The handshake exchanges four fixed-size messages: client hello, server hello,
client authenticate, server accept. Hellos carry ephemeral curve25519 keys
authenticated with the network key, so parties on different networks fail
immediately. The ephemeral key exchange provides forward secrecy. The client
proves its identity first and only to a server whose identity it already
knows; the server reveals nothing to clients that do not know its public key,
so server identities cannot be probed. Transport messages are encrypted with
XSalsa20-Poly1305 under per-direction keys, with counter nonces so tampering,
reordering and replay are all detected. A stream ends with an authenticated
goodbye frame; a plain connection close before it is reported as an error, not
as a clean end of stream.

# Shs addresses

Shs uses an address format that can include keys, or specify where the keys
should be read from:

	host:port+local+remote

Host and port are like in regular dial addresses. Local specifies the (source
of) the local identity seed, remote the remote's public key.

Local can be a literal seed. Remote can be a comma-separated list of literal
public keys.

Alternatively, shs can read keys from the nearest ".shs" directory. If local
is "fs", the seed is read from ".shs/identity". If remote is "known", a list
of trusted public keys is read from ".shs/known_hosts"; a client resolves the
server identity from it by dial address. Shs uses "+fs+known" as default
policy for connections. Servers also recognize "tofu" for remote, trusting
client public keys on first use. See ParseAddress for details.

Use cmd/shs to initialize a ".shs" directory and to create simple servers and
clients.
*/
package shs
