package testutil

import (
	"context"
	"strconv"
	"sync"

	"github.com/Sternrassler/tweet-puller/pkg/remote"
)

// FakeRemote is an in-memory remote.Remote with scripted pages and failures.
// Cursors are page indexes rendered as strings.
type FakeRemote struct {
	mu sync.Mutex

	Subject remote.Subject

	// ResolveErrs are returned, in order, by ResolveSubject before it succeeds.
	ResolveErrs []error

	// Pages are served in order; the last page has no next cursor.
	Pages [][]remote.Item

	// PageErrs are returned, in order, for the page index before it is served.
	PageErrs map[int][]error

	ResolveCalls int
	FetchCalls   int
	Cursors      []string
}

// NewFakeRemote creates a fake remote serving pages for subject.
func NewFakeRemote(subject remote.Subject, pages ...[]remote.Item) *FakeRemote {
	return &FakeRemote{
		Subject:  subject,
		Pages:    pages,
		PageErrs: make(map[int][]error),
	}
}

// FailPage queues errs for page index i.
func (f *FakeRemote) FailPage(i int, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.PageErrs[i] = append(f.PageErrs[i], errs...)
}

// ResolveSubject implements remote.Remote.
func (f *FakeRemote) ResolveSubject(ctx context.Context, name string) (remote.Subject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ResolveCalls++

	if len(f.ResolveErrs) > 0 {
		err := f.ResolveErrs[0]
		f.ResolveErrs = f.ResolveErrs[1:]
		return remote.Subject{}, err
	}
	if name != f.Subject.ScreenName {
		return remote.Subject{}, &remote.Error{Kind: remote.KindNotFound, StatusCode: 404, Message: "not found"}
	}
	return f.Subject, nil
}

// FetchPage implements remote.Remote.
func (f *FakeRemote) FetchPage(ctx context.Context, subject remote.Subject, cursor string) (remote.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.FetchCalls++
	f.Cursors = append(f.Cursors, cursor)

	idx := 0
	if cursor != "" {
		var err error
		if idx, err = strconv.Atoi(cursor); err != nil {
			return remote.Page{}, &remote.Error{Kind: remote.KindClient, StatusCode: 400, Message: "bad cursor"}
		}
	}

	if errs := f.PageErrs[idx]; len(errs) > 0 {
		f.PageErrs[idx] = errs[1:]
		return remote.Page{}, errs[0]
	}

	if idx >= len(f.Pages) {
		return remote.Page{}, nil
	}

	page := remote.Page{Items: f.Pages[idx]}
	if idx+1 < len(f.Pages) {
		page.NextCursor = strconv.Itoa(idx + 1)
	}
	return page, nil
}

// Items builds raw items with the given ids and timestamps (RFC3339).
func Items(pairs ...[2]string) []remote.Item {
	items := make([]remote.Item, 0, len(pairs))
	for _, p := range pairs {
		items = append(items, remote.Item{
			"id":         p[0],
			"text":       "post " + p[0],
			"created_at": p[1],
		})
	}
	return items
}
