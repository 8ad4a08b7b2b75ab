// Package storage implements the HTTP transport to a Sync 1.5 storage
// service: Hawk-signed collection requests, X-If-Unmodified-Since
// preconditions, backoff handling, and the batched upload queue.
package storage

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/weavekit/sync15/internal/bso"
)

// SortOrder selects the server-side ordering of a collection fetch.
type SortOrder string

const (
	SortNewest SortOrder = "newest"
	SortOldest SortOrder = "oldest"
	SortIndex  SortOrder = "index"
)

// CollectionRequest describes one GET against a collection. Zero value
// fetches ids only; engines normally use Full().NewerThan(lastSync).
type CollectionRequest struct {
	Collection string
	full       bool
	newer      *bso.ServerTimestamp
	limit      uint32
	order      SortOrder
	ids        []bso.Guid
}

// NewCollectionRequest starts a request against the named collection.
func NewCollectionRequest(collection string) *CollectionRequest {
	return &CollectionRequest{Collection: collection}
}

// Full asks for complete records rather than bare ids.
func (r *CollectionRequest) Full() *CollectionRequest {
	r.full = true
	return r
}

// NewerThan restricts the fetch to records modified strictly after ts.
func (r *CollectionRequest) NewerThan(ts bso.ServerTimestamp) *CollectionRequest {
	r.newer = &ts
	return r
}

// Limit caps the number of returned records.
func (r *CollectionRequest) Limit(n uint32) *CollectionRequest {
	r.limit = n
	return r
}

// Sort selects the result ordering.
func (r *CollectionRequest) Sort(order SortOrder) *CollectionRequest {
	r.order = order
	return r
}

// Ids restricts the fetch to the given record ids.
func (r *CollectionRequest) Ids(ids ...bso.Guid) *CollectionRequest {
	r.ids = ids
	return r
}

// Query renders the request as URL query parameters.
func (r *CollectionRequest) Query() url.Values {
	q := url.Values{}
	if r.full {
		q.Set("full", "1")
	}
	if r.newer != nil {
		q.Set("newer", r.newer.String())
	}
	if r.limit > 0 {
		q.Set("limit", strconv.FormatUint(uint64(r.limit), 10))
	}
	if r.order != "" {
		q.Set("sort", string(r.order))
	}
	if len(r.ids) > 0 {
		ids := make([]string, len(r.ids))
		for i, id := range r.ids {
			ids[i] = string(id)
		}
		q.Set("ids", strings.Join(ids, ","))
	}
	return q
}
