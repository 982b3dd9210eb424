package domain

// StreamCursor is the opaque, monotonically increasing position token a
// backend stream assigns to each appended entry (Redis-style "<ms>-<seq>").
type StreamCursor string

// Newest is the special XREAD marker meaning "only entries appended after
// this blocking read begins" (Redis's "$").
const Newest StreamCursor = "$"

// Zero is the cursor that reads a stream from its very first entry.
const Zero StreamCursor = "0-0"

// StreamEntry is one decoded record read back from a backend stream.
type StreamEntry struct {
	Cursor StreamCursor
	JSON   []byte
}
