// Copyright (c) 2026 Jeremy Hahn
// Copyright (c) 2026 Automate The Things, LLC
//
// This file is part of go-webcontrol.
//
// go-webcontrol is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package retry provides bounded retry for fallible operations and a
// connection state tracker for surfaces that need to react to the
// backend going away.
package retry

import "context"

// DefaultMaxAttempts bounds an operation when the caller passes a
// non-positive attempt count.
const DefaultMaxAttempts = 3

// Do invokes op up to maxAttempts times, returning the first success.
// Retries are immediate; op is responsible for its own per-attempt
// timeouts. maxAttempts counts total invocations, not re-invocations,
// so maxAttempts=1 means no retry. After the final attempt the last
// error is returned unchanged. A cancelled context stops further
// attempts and returns ctx.Err().
func Do[T any](ctx context.Context, maxAttempts int, op func(context.Context) (T, error)) (T, error) {
	var zero T
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err
	}
	return zero, lastErr
}

// DoVoid is Do for operations with no result value.
func DoVoid(ctx context.Context, maxAttempts int, op func(context.Context) error) error {
	_, err := Do(ctx, maxAttempts, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}
