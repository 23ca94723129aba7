// Copyright (C) 2026 Genie Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package stream

import (
	"context"
	"errors"
	"io"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Drain consumes a completion byte stream to exhaustion.
//
// # Description
//
// Bytes are decoded incrementally as UTF-8: a multi-byte rune split across
// two reads is carried over and decoded whole, never surfaced as a broken
// sequence. After each read that grew the buffer, onChunk is invoked with
// the FULL accumulated text so far (consumers replace, not append), but
// only as often as the throttle allows. The final state is always flushed
// once the stream ends, so the last onChunk call carries the complete text
// even when the throttle just fired.
//
// # Inputs
//
//   - ctx: Cancellation aborts the drain between reads.
//   - r: The completion body. Drain does not close it.
//   - th: Pacing for onChunk. Nil means unthrottled.
//   - onChunk: Progress callback. Nil means collect-only.
//
// # Outputs
//
//   - string: Everything decoded so far, complete on success and partial
//     on error.
//   - error: ctx.Err() on cancellation, the read error otherwise.
func Drain(ctx context.Context, r io.Reader, th *Throttle, onChunk func(string)) (string, error) {
	var (
		full    strings.Builder
		pending []byte
		readBuf = make([]byte, 4096)
		decoder = unicode.UTF8.NewDecoder()
	)

	emit := func() {
		if onChunk != nil {
			onChunk(full.String())
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return full.String(), err
		}

		n, readErr := r.Read(readBuf)
		grew := false
		if n > 0 {
			pending = append(pending, readBuf[:n]...)
			var decodeErr error
			before := full.Len()
			pending, decodeErr = decodeInto(&full, decoder, pending, false)
			if decodeErr != nil {
				return full.String(), decodeErr
			}
			grew = full.Len() > before
		}

		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				if _, decodeErr := decodeInto(&full, decoder, pending, true); decodeErr != nil {
					return full.String(), decodeErr
				}
				emit()
				return full.String(), nil
			}
			return full.String(), readErr
		}

		if grew && (th == nil || th.Allow()) {
			emit()
		}
	}
}

// decodeInto decodes as much of pending as possible into full, returning
// the undecodable remainder. With atEOF false, an incomplete trailing rune
// is left in the remainder for the next read; with atEOF true it is
// replaced per the decoder's policy.
func decodeInto(full *strings.Builder, decoder *encoding.Decoder, pending []byte, atEOF bool) ([]byte, error) {
	dst := make([]byte, len(pending)+utf8.UTFMax)
	for len(pending) > 0 {
		nDst, nSrc, err := decoder.Transform(dst, pending, atEOF)
		full.Write(dst[:nDst])
		pending = pending[nSrc:]
		switch {
		case err == nil:
			return pending, nil
		case errors.Is(err, transform.ErrShortSrc):
			return pending, nil
		case errors.Is(err, transform.ErrShortDst):
			continue
		default:
			return pending, err
		}
	}
	return pending, nil
}
