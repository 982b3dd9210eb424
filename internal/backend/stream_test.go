package backend

import (
	"testing"

	"github.com/redis/go-redis/v9"
)

func TestDecodeEntriesExtractsPayloadField(t *testing.T) {
	msgs := []redis.XMessage{
		{ID: "1-0", Values: map[string]any{payloadField: `{"a":1}`}},
		{ID: "2-0", Values: map[string]any{payloadField: []byte(`{"a":2}`)}},
	}

	entries := decodeEntries(msgs)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if string(entries[0].Cursor) != "1-0" || string(entries[0].JSON) != `{"a":1}` {
		t.Fatalf("unexpected first entry: %+v", entries[0])
	}
	if string(entries[1].Cursor) != "2-0" || string(entries[1].JSON) != `{"a":2}` {
		t.Fatalf("unexpected second entry: %+v", entries[1])
	}
}

func TestDecodeEntriesSkipsMissingOrUnrecognizedPayload(t *testing.T) {
	msgs := []redis.XMessage{
		{ID: "1-0", Values: map[string]any{"other": "x"}},
		{ID: "2-0", Values: map[string]any{payloadField: 42}},
		{ID: "3-0", Values: map[string]any{payloadField: `{"ok":true}`}},
	}

	entries := decodeEntries(msgs)
	if len(entries) != 1 {
		t.Fatalf("expected 1 surviving entry, got %d", len(entries))
	}
	if string(entries[0].Cursor) != "3-0" {
		t.Fatalf("expected surviving entry to be 3-0, got %s", entries[0].Cursor)
	}
}
