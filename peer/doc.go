/*
Package peer owns the single connection to the execution peer.

A Manager opens the connection lazily, retries the connect step with a fixed RetryPolicy, and holds
one exclusive section for the whole connect + send + await round trip, so the peer never sees two
requests interleaved. Any transport failure during a call discards the connection; the next call
dials again. A goroutine reads from the connection for its whole life, so a peer closing an idle
connection is noticed too. Calls themselves are never retried.

There is no request ID on the peer channel: one request is outstanding at a time.
*/
package peer
