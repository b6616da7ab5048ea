// Package pagination drives bounded, lazy iteration over cursor-paginated
// upstream listings.
package pagination

import (
	"context"
)

// FetchPage retrieves one page of items. An empty next cursor (or a cursor
// equal to the one passed in) marks the end of the listing.
type FetchPage[T any] func(ctx context.Context, cursor string) (items []T, next string, err error)

// Stream is a single-consumer pull sequence. It owns its cursor chain,
// dedupe set and page buffer; restarting means constructing a new one.
type Stream[T any] struct {
	fetch    FetchPage[T]
	id       func(T) string
	maxItems int

	cursor  string
	buf     []T
	seen    map[string]struct{}
	emitted int
	done    bool
}

// New builds a stream that yields at most maxItems distinct items in the
// upstream's page order. maxItems must be >= 1.
func New[T any](fetch FetchPage[T], id func(T) string, maxItems int) *Stream[T] {
	if maxItems < 1 {
		maxItems = 1
	}
	return &Stream[T]{
		fetch:    fetch,
		id:       id,
		maxItems: maxItems,
		seen:     map[string]struct{}{},
	}
}

// Next yields the next item. ok is false once the stream is exhausted,
// either by emitting maxItems or by running off the end of the cursor
// chain.
func (s *Stream[T]) Next(ctx context.Context) (item T, ok bool, err error) {
	var zero T
	for {
		if s.emitted >= s.maxItems {
			return zero, false, nil
		}
		if err := ctx.Err(); err != nil {
			return zero, false, err
		}

		for len(s.buf) > 0 {
			item, s.buf = s.buf[0], s.buf[1:]
			key := s.id(item)
			if _, dup := s.seen[key]; dup {
				continue
			}
			s.seen[key] = struct{}{}
			s.emitted++
			return item, true, nil
		}

		if s.done {
			return zero, false, nil
		}

		items, next, err := s.fetch(ctx, s.cursor)
		if err != nil {
			return zero, false, err
		}
		s.buf = items
		// a missing or stagnant cursor ends the chain after this page
		if next == "" || next == s.cursor {
			s.done = true
		}
		s.cursor = next
		if len(items) == 0 {
			// an empty page ends the listing even when the upstream
			// still hands out a cursor
			s.done = true
		}
	}
}

// Collect drains the stream into a slice.
func (s *Stream[T]) Collect(ctx context.Context) ([]T, error) {
	var out []T
	for {
		item, ok, err := s.Next(ctx)
		if err != nil {
			return out, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, item)
	}
}
