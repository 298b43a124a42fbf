// Package relay implements the per-port UDP relay placed in front of a game
// server bound to a loopback address.
//
// A Relay listens on an external address, keeps one session per client
// address and forwards admitted traffic to the server through a dedicated
// outbound socket per session. Replies arriving on that socket are mapped
// back to the client through the reverse table and sent from the external
// socket, so the server sees one local peer per client.
//
// # Admission delay
//
// The first datagram of a new client is dropped and the client is held for
// the admission delay (3s by default). The first datagram that arrives once
// the delay is over allocates the outbound socket and is forwarded. Flood
// tools that give up on an endpoint after about 2s never get through.
//
// # Cleanup and bans
//
// Sessions without client traffic for the idle timeout are removed by a
// periodic cleanup pass, which closes their sockets. An IP that loses at
// least BanThreshold sessions in one pass is blocked until the process
// exits.
//
// # Thread Safety
//
// All relay state is owned by the goroutine running Run; only Stats may be
// called concurrently. Relays for different ports share nothing.
package relay
