// Package remote defines the contract the extraction pipeline needs from the
// remote API, the error taxonomy it reports, and an HTTP implementation of
// that contract.
package remote

import (
	"context"
)

// Subject is the account whose collection is extracted.
type Subject struct {
	ID         string `json:"id"`
	ScreenName string `json:"username"`
	Name       string `json:"name"`
}

// Item is one raw record as returned by the remote, decoded from JSON.
type Item map[string]any

// Page is one page of a remote collection.
// An empty NextCursor means the collection is exhausted.
type Page struct {
	Items      []Item
	NextCursor string
}

// Remote is implemented by any client able to serve the pipeline.
// Errors should be *Error values so callers can classify them.
type Remote interface {
	// ResolveSubject looks up a subject by screen name.
	ResolveSubject(ctx context.Context, name string) (Subject, error)

	// FetchPage returns the page at cursor. An empty cursor requests the newest page.
	// Items are expected newest first.
	FetchPage(ctx context.Context, subject Subject, cursor string) (Page, error)
}
