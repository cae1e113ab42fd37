// Package respserver provides the RESP protocol server for KeyMesh.
//
// It speaks the RESP2 subset the KeyMesh data engine supports. Each
// accepted connection runs a dispatcher that applies commands against
// the engine and writes one reply frame per command; a connection that
// subscribes switches into a push loop that also forwards published
// messages as they arrive.
//
// Supported commands:
//   - PING, QUIT
//   - GET, SET, DEL, EXISTS, TTL
//   - HSET, HGET, HGETALL
//   - PUBLISH, SUBSCRIBE, UNSUBSCRIBE
package respserver
