package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weavekit/sync15/internal/bso"
	"github.com/weavekit/sync15/internal/common"
)

// batchServer is a minimal collection POST endpoint speaking the batch
// protocol, recording every POST it sees.
type batchServer struct {
	t        *testing.T
	posts    []postCapture
	failWith map[int]int // post index -> status to return
	modified string
}

type postCapture struct {
	query   map[string]string
	records []bso.Bso
	xius    string
}

func (s *batchServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	idx := len(s.posts)

	var records []bso.Bso
	require.NoError(s.t, json.NewDecoder(r.Body).Decode(&records))
	q := map[string]string{}
	for k, v := range r.URL.Query() {
		q[k] = v[0]
	}
	s.posts = append(s.posts, postCapture{query: q, records: records, xius: r.Header.Get("X-If-Unmodified-Since")})

	if status, ok := s.failWith[idx]; ok {
		w.WriteHeader(status)
		return
	}

	ids := make([]bso.Guid, len(records))
	for i, rec := range records {
		ids[i] = rec.Id
	}
	body := map[string]any{"success": ids, "failed": map[string]string{}}

	if r.URL.Query().Get("commit") == "true" {
		w.Header().Set("X-Last-Modified", s.modified)
		json.NewEncoder(w).Encode(body)
		return
	}
	body["batch"] = "batch123"
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(body)
}

func record(i int, payloadLen int) *bso.Bso {
	return bso.New(bso.Guid(fmt.Sprintf("record%06d", i)), strings.Repeat("x", payloadLen))
}

func TestPostQueue_SingleCommitPost(t *testing.T) {
	srv := &batchServer{t: t, modified: "50.00"}
	c, _ := newTestClient(t, srv)

	limits := InfoConfiguration{MaxPostRecords: 100}
	q := NewPostQueue(c, "tabs", limits, 10_000, false)

	for i := 0; i < 5; i++ {
		ok, err := q.Enqueue(context.Background(), record(i, 10))
		require.NoError(t, err)
		assert.True(t, ok)
	}
	info, err := q.Done(context.Background())
	require.NoError(t, err)

	// everything fit in one POST, which must be the commit
	require.Len(t, srv.posts, 1)
	assert.Equal(t, "true", srv.posts[0].query["batch"])
	assert.Equal(t, "true", srv.posts[0].query["commit"])
	assert.Equal(t, "10.00", srv.posts[0].xius)
	assert.Equal(t, bso.ServerTimestamp(50_000), info.ModifiedTimestamp)
	assert.Len(t, info.SuccessfulIds, 5)
	assert.Empty(t, info.FailedIds)
}

func TestPostQueue_SplitsByRecordCount(t *testing.T) {
	srv := &batchServer{t: t, modified: "50.00"}
	c, _ := newTestClient(t, srv)

	// 150 records with max_post_records=100: exactly 2 POSTs, the last
	// one the only commit.
	q := NewPostQueue(c, "tabs", InfoConfiguration{MaxPostRecords: 100}, 10_000, false)
	for i := 0; i < 150; i++ {
		ok, err := q.Enqueue(context.Background(), record(i, 10))
		require.NoError(t, err)
		assert.True(t, ok)
	}
	info, err := q.Done(context.Background())
	require.NoError(t, err)

	require.Len(t, srv.posts, 2)
	assert.Len(t, srv.posts[0].records, 100)
	assert.Len(t, srv.posts[1].records, 50)
	assert.Equal(t, "true", srv.posts[0].query["batch"])
	assert.Empty(t, srv.posts[0].query["commit"])
	assert.Equal(t, "batch123", srv.posts[1].query["batch"])
	assert.Equal(t, "true", srv.posts[1].query["commit"])
	assert.Len(t, info.SuccessfulIds, 150)

	// both POSTs carry the same XIUS
	assert.Equal(t, srv.posts[0].xius, srv.posts[1].xius)
}

func TestPostQueue_SplitsByPostBytes(t *testing.T) {
	srv := &batchServer{t: t, modified: "50.00"}
	c, _ := newTestClient(t, srv)

	// each serialized record is well over 400 bytes, so at most 2 fit
	q := NewPostQueue(c, "tabs", InfoConfiguration{MaxPostBytes: 1200, MaxRecordPayloadBytes: 1000}, 10_000, false)
	for i := 0; i < 5; i++ {
		ok, err := q.Enqueue(context.Background(), record(i, 400))
		require.NoError(t, err)
		assert.True(t, ok)
	}
	_, err := q.Done(context.Background())
	require.NoError(t, err)

	require.Len(t, srv.posts, 3)
	var commits int
	for _, p := range srv.posts {
		if p.query["commit"] == "true" {
			commits++
		}
	}
	assert.Equal(t, 1, commits)
}

func TestPostQueue_NewBatchWhenTotalRecordsExceeded(t *testing.T) {
	srv := &batchServer{t: t, modified: "50.00"}
	c, _ := newTestClient(t, srv)

	q := NewPostQueue(c, "tabs", InfoConfiguration{MaxPostRecords: 2, MaxTotalRecords: 4}, 10_000, false)
	for i := 0; i < 6; i++ {
		ok, err := q.Enqueue(context.Background(), record(i, 10))
		require.NoError(t, err)
		assert.True(t, ok)
	}
	info, err := q.Done(context.Background())
	require.NoError(t, err)

	// 4 records per batch, 2 per POST: the first batch takes two POSTs
	// ending in its commit, the remaining 2 records fit a single POST
	// that both opens and commits the second batch.
	require.Len(t, srv.posts, 3)
	assert.Empty(t, srv.posts[0].query["commit"])
	assert.Equal(t, "true", srv.posts[1].query["commit"])
	assert.Equal(t, "true", srv.posts[2].query["commit"])
	assert.Equal(t, "true", srv.posts[2].query["batch"])
	assert.Len(t, info.SuccessfulIds, 6)

	// the second batch's XIUS is the first batch's commit timestamp
	assert.Equal(t, "50.00", srv.posts[2].xius)
}

func TestPostQueue_PreconditionFailureAborts(t *testing.T) {
	srv := &batchServer{t: t, modified: "50.00", failWith: map[int]int{1: http.StatusPreconditionFailed}}
	c, _ := newTestClient(t, srv)

	q := NewPostQueue(c, "tabs", InfoConfiguration{MaxPostRecords: 100}, 10_000, false)
	var err error
	for i := 0; i < 150; i++ {
		_, err = q.Enqueue(context.Background(), record(i, 10))
		if err != nil {
			break
		}
	}
	if err == nil {
		_, err = q.Done(context.Background())
	}
	var pf *common.PreconditionFailedError
	require.ErrorAs(t, err, &pf)
}

func TestPostQueue_OversizeLenient(t *testing.T) {
	srv := &batchServer{t: t, modified: "50.00"}
	c, _ := newTestClient(t, srv)

	q := NewPostQueue(c, "tabs", InfoConfiguration{MaxRecordPayloadBytes: 100}, 10_000, false)

	ok, err := q.Enqueue(context.Background(), record(0, 10))
	require.NoError(t, err)
	assert.True(t, ok)

	big := record(1, 500)
	ok, err = q.Enqueue(context.Background(), big)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = q.Enqueue(context.Background(), record(2, 10))
	require.NoError(t, err)
	assert.True(t, ok)

	info, err := q.Done(context.Background())
	require.NoError(t, err)
	assert.Contains(t, info.FailedIds, big.Id)
	assert.Len(t, info.SuccessfulIds, 2)
	assert.Equal(t, bso.ServerTimestamp(50_000), info.ModifiedTimestamp)
}

func TestPostQueue_OversizeStrict(t *testing.T) {
	srv := &batchServer{t: t, modified: "50.00"}
	c, _ := newTestClient(t, srv)

	q := NewPostQueue(c, "tabs", InfoConfiguration{MaxRecordPayloadBytes: 100}, 10_000, true)
	_, err := q.Enqueue(context.Background(), record(0, 500))
	assert.ErrorIs(t, err, common.ErrRecordTooLarge)
}

func TestPostQueue_NoBatchSupportFallback(t *testing.T) {
	// a pre-batch server: no batch token, plain 200 with a timestamp
	var posts int
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		posts++
		var records []bso.Bso
		require.NoError(t, json.NewDecoder(r.Body).Decode(&records))
		ids := make([]bso.Guid, len(records))
		for i, rec := range records {
			ids[i] = rec.Id
		}
		w.Header().Set("X-Last-Modified", fmt.Sprintf("%d.00", 50+posts))
		json.NewEncoder(w).Encode(map[string]any{"success": ids, "failed": map[string]string{}, "modified": 50 + posts})
	}))

	q := NewPostQueue(c, "tabs", InfoConfiguration{MaxPostRecords: 2}, 10_000, false)
	for i := 0; i < 5; i++ {
		ok, err := q.Enqueue(context.Background(), record(i, 10))
		require.NoError(t, err)
		assert.True(t, ok)
	}
	info, err := q.Done(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, posts)
	assert.Len(t, info.SuccessfulIds, 5)
	// the final POST's timestamp wins
	assert.Equal(t, bso.ServerTimestamp(53_000), info.ModifiedTimestamp)
}

func TestPostQueue_EmptyDone(t *testing.T) {
	srv := &batchServer{t: t, modified: "50.00"}
	c, _ := newTestClient(t, srv)

	q := NewPostQueue(c, "tabs", InfoConfiguration{}, 10_000, false)
	info, err := q.Done(context.Background())
	require.NoError(t, err)
	assert.Empty(t, srv.posts)
	assert.Zero(t, info.ModifiedTimestamp)
}
