/*
Package protocol is the wire codec shared by the execution peer channel and the client channel.

Requests are flat JSON objects of the form {"command": <name>, "params": <object>}. Replies are
either {"result": <any>} or {"error": <string>}. Messages sent to clients are wrapped in an Envelope
that additionally carries a "type" discriminator so a client can tell replies from broadcasts.

Decoding never fails loudly: every byte sequence maps either to a value or to an *Error of kind
KindMalformed, so one bad message never has to take down the connection it arrived on.
*/
package protocol
