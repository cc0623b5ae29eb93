// Package federation connects a server to its peers. Peers are named by
// domain and reached over a small gRPC service whose payloads are JSON
// documents.
//
// The PeerResolver maps domains to addresses and keys and tracks peer
// health with exponential backoff. The Client calls peers through a
// pooled connection per domain. The Server answers event fetches, pushes
// and frontier queries. On top of those, the Fetcher supplies missing
// events to channel backfill, the Pusher fans locally authored events out
// to joined servers, and the Joiner brings a remote channel in so a local
// user can join it.
package federation
