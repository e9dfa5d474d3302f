// Package ranklink connects the ranks of a fixed-size job so any rank can
// send tagged messages to any other.
//
// Every process of the job calls [Init] with its rank, the job size and
// where rank 0 listens, usually all read from the launcher's environment
// with [FromEnv]. Init returns once every rank registered, and a [Job] is
// then ready to [Job.Send] and [Job.PostReceive].
//
// ## How it works
//
// Rank 0 runs the control plane: every rank sends it a record of where it
// listens, and rank 0 acknowledges nobody until all of them did. Later,
// the first message to a peer looks its record up and opens a connection
// on demand. When both peers dial each other at once, the connection
// accepted by the higher rank wins.
//
// Each peer is reached through exactly one transport, chosen the first
// time it is needed:
//
// * Shared memory, between ranks of the same host, or of the same clique
// when given with [WithShmCliques].
// * VIA, an RDMA style transport with descriptor rings and credit based
// flow control, when both ranks have a [via.Provider].
// * TCP sockets otherwise.
//
// A message is matched on the receiving side by tag only. Messages from
// one rank arrive in the order it sent them.
//
// ## Progress
//
// By default transports own goroutines that push incoming data into the
// message queue. With [WithCooperativeProgress] they own none, and data
// only moves while the application waits on a request.
//
// ## Failures
//
// Any transport or control plane failure is fatal: the rank logs its
// rank, host and the failing operation, releases what it holds and exits.
// Peers notice the lost connections and abort in turn.
//
// [via.Provider]: https://pkg.go.dev/github.com/raskyld/ranklink/pkg/via#Provider
package ranklink
