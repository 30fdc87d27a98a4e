package api

import (
	"context"
	"errors"
	"net/url"
	"sync"
)

// ErrSuperseded is returned by a fetch that a newer fetch for the same key
// replaced before it completed. Its result must not be applied.
var ErrSuperseded = errors.New("fetch superseded by a newer request")

// maxFollowPages bounds FetchAll against a server that never stops
// returning next links.
const maxFollowPages = 500

// Fetcher runs snapshot reads with last-request-wins semantics per key:
// starting a fetch cancels the one in flight for the same key.
type Fetcher struct {
	client *Client

	mu      sync.Mutex
	seq     map[string]uint64
	cancels map[string]context.CancelFunc
}

func NewFetcher(client *Client) *Fetcher {
	return &Fetcher{
		client:  client,
		seq:     make(map[string]uint64),
		cancels: make(map[string]context.CancelFunc),
	}
}

// Tasks fetches one page. apply, when non-nil, runs only if this fetch is
// still the latest for key, and runs before any newer fetch can apply.
func (f *Fetcher) Tasks(ctx context.Context, key string, filter TaskFilter, apply func(Page[Task])) (Page[Task], error) {
	return fetchLatest(ctx, f, key, func(ctx context.Context) (Page[Task], error) {
		return f.client.ListTasks(ctx, filter)
	}, apply)
}

// AllTasks follows next links from filter's page until the last one.
func (f *Fetcher) AllTasks(ctx context.Context, key string, filter TaskFilter, apply func([]Task)) ([]Task, error) {
	return fetchLatest(ctx, f, key, func(ctx context.Context) ([]Task, error) {
		return FetchAll(ctx, filter.Values(), f.client.listTasks)
	}, apply)
}

func (f *Fetcher) Agents(ctx context.Context, key string, apply func([]Agent)) ([]Agent, error) {
	return fetchLatest(ctx, f, key, func(ctx context.Context) ([]Agent, error) {
		return FetchAll(ctx, nil, f.client.listAgents)
	}, apply)
}

// Cancel aborts the fetch in flight for key, if any.
func (f *Fetcher) Cancel(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq[key]++
	if cancel := f.cancels[key]; cancel != nil {
		cancel()
		delete(f.cancels, key)
	}
}

func fetchLatest[T any](ctx context.Context, f *Fetcher, key string, fetch func(context.Context) (T, error), apply func(T)) (T, error) {
	var zero T
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	f.mu.Lock()
	f.seq[key]++
	mine := f.seq[key]
	if prev := f.cancels[key]; prev != nil {
		prev()
	}
	f.cancels[key] = cancel
	f.mu.Unlock()

	out, err := fetch(ctx)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seq[key] != mine {
		return zero, ErrSuperseded
	}
	delete(f.cancels, key)
	if err != nil {
		return zero, err
	}
	if apply != nil {
		apply(out)
	}
	return out, nil
}

// FetchAll collects every page of a list endpoint starting at q.
func FetchAll[T any](ctx context.Context, q url.Values, list func(context.Context, url.Values) (Page[T], error)) ([]T, error) {
	var all []T
	for i := 0; i < maxFollowPages; i++ {
		page, err := list(ctx, q)
		if err != nil {
			return nil, err
		}
		all = append(all, page.Results...)
		if !page.HasNext() {
			return all, nil
		}
		q, err = nextQuery(page.Next)
		if err != nil {
			return nil, err
		}
	}
	return nil, errors.New("too many pages")
}
