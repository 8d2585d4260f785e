// Package json implements the streaming reader for item/nano JSON exports.
// It decodes a large top-level array (or an object wrapping one named array)
// incrementally with encoding/json's token API, yielding fixed-size batches
// of canonical records without ever materializing the whole file.
//
// Design goals:
//   - No whole-file buffering; peak memory is O(batch size) records plus one
//     in-flight element.
//   - Structural problems (root is neither an array nor an object containing
//     an array of objects) fail fast, before any batch is yielded.
//   - Per-element decode problems never kill the stream: the element is
//     replaced by a marker record carrying the raw fragment so the validate
//     stage can count and report it.
package json

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"itemdb/internal/record"
)

// BatchFn receives each yielded batch. Returning a non-nil error stops the
// stream and propagates the error to the caller of StreamBatches.
type BatchFn func(batch []*record.Record) error

// StreamBatches reads one JSON export from r and invokes emit once per batch
// of up to batchSize records, in file order. Restart semantics are "reopen
// the file"; there is no mid-file resume.
//
// Accepted top-level shapes:
//
//	[ {record}, ... ]
//	{ "<key>": [ {record}, ... ], ... }
//
// For the object form, the first property whose value is an array is treated
// as the record list; remaining properties are skipped token-by-token.
//
// Cancellation is checked at batch boundaries.
func StreamBatches(ctx context.Context, r io.Reader, batchSize int, emit BatchFn) error {
	if batchSize <= 0 {
		return fmt.Errorf("json: batchSize must be > 0, got %d", batchSize)
	}
	if emit == nil {
		return fmt.Errorf("json: emit must not be nil")
	}

	dec := json.NewDecoder(r)

	tok, err := dec.Token()
	if err != nil {
		if err == io.EOF {
			return fmt.Errorf("json: empty input")
		}
		return fmt.Errorf("json: decode root: %w", err)
	}

	delim, ok := tok.(json.Delim)
	if !ok {
		return fmt.Errorf("json: root is %v, want array or object", tok)
	}

	switch delim {
	case '[':
		return streamArray(ctx, dec, batchSize, emit)

	case '{':
		// Scan properties until the first array value; stream it, then drain
		// the remainder of the wrapper object.
		for dec.More() {
			if _, err := dec.Token(); err != nil { // property name
				return fmt.Errorf("json: read wrapper key: %w", err)
			}
			vtok, err := dec.Token()
			if err != nil {
				return fmt.Errorf("json: read wrapper value: %w", err)
			}
			if d, ok := vtok.(json.Delim); ok && d == '[' {
				if err := streamArray(ctx, dec, batchSize, emit); err != nil {
					return err
				}
				return skipRemainder(dec)
			}
			if err := skipAfter(dec, vtok); err != nil {
				return fmt.Errorf("json: skip wrapper value: %w", err)
			}
		}
		return fmt.Errorf("json: object root contains no array property")

	default:
		return fmt.Errorf("json: unexpected root delimiter %q", delim)
	}
}

// streamArray consumes array elements up to and including the closing ']'.
// The decoder must be positioned immediately after the opening '['.
func streamArray(ctx context.Context, dec *json.Decoder, batchSize int, emit BatchFn) error {
	batch := make([]*record.Record, 0, batchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := emit(batch); err != nil {
			return err
		}
		batch = make([]*record.Record, 0, batchSize)
		return nil
	}

	for dec.More() {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			// The stream itself is broken; nothing downstream can recover.
			return fmt.Errorf("json: decode element: %w", err)
		}
		batch = append(batch, decodeElement(raw))
		if len(batch) >= batchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if _, err := dec.Token(); err != nil { // closing ']'
		return fmt.Errorf("json: close array: %w", err)
	}
	return flush()
}

// decodeElement turns one raw array element into a canonical record shell.
// Elements that are not JSON objects become decode-failure markers.
func decodeElement(raw json.RawMessage) *record.Record {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		frag := make([]byte, len(raw))
		copy(frag, raw)
		return &record.Record{DecodeErr: err, RawFragment: frag}
	}
	return &record.Record{RawFields: fields}
}

// skipRemainder drains the rest of the current object, including its
// closing '}'.
func skipRemainder(dec *json.Decoder) error {
	for dec.More() {
		if _, err := dec.Token(); err != nil {
			return err
		}
		if err := skipValue(dec); err != nil {
			return err
		}
	}
	_, err := dec.Token()
	return err
}

// skipValue consumes exactly one JSON value from dec.
func skipValue(dec *json.Decoder) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	return skipAfter(dec, tok)
}

// skipAfter consumes the remainder of a value whose first token was tok.
func skipAfter(dec *json.Decoder, tok json.Token) error {
	d, ok := tok.(json.Delim)
	if !ok || (d != '[' && d != '{') {
		return nil
	}
	for dec.More() {
		if err := skipValue(dec); err != nil {
			return err
		}
	}
	_, err := dec.Token() // closing delimiter
	return err
}
