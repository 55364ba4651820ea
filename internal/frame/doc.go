// Package frame decodes the binary event stream written by an instrumented subject.
//
// # Wire Format
//
// The subject writes fixed-size frames to its stdout. Every frame is exactly
// 1040 bytes:
//
//	offset  size  field
//	0       8     timestamp (signed, little-endian)
//	8       4     event type ordinal (signed, little-endian)
//	12      1028  payload (text, NUL-padded)
//
// # Event Types
//
//	0  timed event           clock_start|clock_pause|clock_resume|clock_reset,<clock>
//	1  state event           variable_value_assigned,<variable>,<value>
//	2  process event         task_started|task_finished|checkpoint_reached,<name>
//	3  component event       <component>,<function>,<parameters>[,<result>]
//	4  self-loggable init    <stream name>
//	5  self-loggable event   <stream name>,<line body>
//	6  end of report         (payload ignored)
//
// Any other ordinal is decoded as Unknown. It is not an error.
//
// # Payload
//
// The payload ends at the first NUL byte. Leading and trailing white space is
// removed.
//
// # Truncation
//
// Frame boundaries are fixed offsets, so the only malformed input is a final
// frame cut short by the end of the stream. The decoder yields it once with
// Truncated set and type Unknown, then reports ErrEndOfStream.
package frame
