// Package mirror provides secondary sinks for stream lines.
//
// A mirror receives every line the registry writes to a stream, in write
// order, together with the stream name. Two mirrors exist:
//
//   - Remote publishes each line as a JSON envelope over a websocket and
//     ends the run with a termination message.
//   - Archive stores each line in a SQLite database, keyed by run ID and
//     sequence number.
//
// Both are used from the single pipeline goroutine; they are still safe for
// concurrent use so that Close may come from a deferred path.
package mirror
