// Package transport keeps a client's copy of an order channel fresh.
//
// Both adapters deliver the full, server-authoritative message list; they
// differ only in what triggers a fetch. PollingAdapter fetches on a timer,
// PushAdapter fetches when the server's WebSocket stream reports a change.
// A fetch already in flight absorbs every trigger that arrives while it
// runs, and each fetch is bounded by a timeout.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mbd888/escrowchat/internal/message"
)

// ErrClosed is returned by operations on a closed adapter.
var ErrClosed = errors.New("transport closed")

// DefaultFetchTimeout bounds a single fetch.
const DefaultFetchTimeout = 10 * time.Second

// FetchFunc loads the channel's current message list.
type FetchFunc func(ctx context.Context) ([]*message.Message, error)

// RefreshFunc receives every successfully fetched list.
type RefreshFunc func([]*message.Message)

// Adapter is a source of channel refreshes.
type Adapter interface {
	// Fetch loads the list now, joining a fetch already in flight.
	Fetch(ctx context.Context) ([]*message.Message, error)
	// Run calls onRefresh with each new list until ctx is done or the
	// adapter is closed.
	Run(ctx context.Context, onRefresh RefreshFunc) error
	Close() error
}

// fetcher runs FetchFunc with in-flight suppression and a timeout.
type fetcher struct {
	fn      FetchFunc
	timeout time.Duration
	group   singleflight.Group
	closed  chan struct{}
}

func newFetcher(fn FetchFunc, timeout time.Duration) *fetcher {
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	return &fetcher{fn: fn, timeout: timeout, closed: make(chan struct{})}
}

func (f *fetcher) fetch(ctx context.Context) ([]*message.Message, error) {
	select {
	case <-f.closed:
		return nil, ErrClosed
	default:
	}

	ch := f.group.DoChan("fetch", func() (interface{}, error) {
		// The shared fetch is not tied to any one caller's context.
		fctx, cancel := context.WithTimeout(context.Background(), f.timeout)
		defer cancel()
		go func() {
			select {
			case <-f.closed:
				cancel()
			case <-fctx.Done():
			}
		}()
		return f.fn(fctx)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.closed:
		return nil, ErrClosed
	case res := <-ch:
		select {
		case <-f.closed:
			return nil, ErrClosed
		default:
		}
		if res.Err != nil {
			return nil, fmt.Errorf("fetch messages: %w", res.Err)
		}
		msgs, _ := res.Val.([]*message.Message)
		return msgs, nil
	}
}

// close must be called at most once.
func (f *fetcher) close() {
	close(f.closed)
}
