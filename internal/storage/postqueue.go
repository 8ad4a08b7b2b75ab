package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/weavekit/sync15/internal/bso"
	"github.com/weavekit/sync15/internal/common"
	"github.com/weavekit/sync15/internal/logging"
)

// recordOverhead is the JSON separator cost of one record inside the
// POST body array ("[", "," and "]" amortized).
const recordOverhead = 2

// UploadInfo summarizes one completed upload: which records the server
// accepted, which it rejected, and the commit timestamp the engine must
// persist as its new last-sync.
type UploadInfo struct {
	SuccessfulIds     []bso.Guid
	FailedIds         []bso.Guid
	ModifiedTimestamp bso.ServerTimestamp
}

// PostQueue streams encrypted Bsos to one collection under the batch
// protocol, splitting them into POSTs that respect the server limits.
//
// In lenient mode an oversized record is reported through FailedIds and
// the rest of the upload proceeds; in strict mode any oversized or
// rejected record fails the whole upload.
type PostQueue struct {
	client     *Client
	collection string
	limits     InfoConfiguration
	xius       bso.ServerTimestamp
	strict     bool
	log        logging.Logger

	batchID      string // server batch token; "" when no batch is open
	posted       [][]byte
	postedIDs    []bso.Guid
	postBytes    uint64
	batchBytes   uint64
	batchRecords uint32

	info UploadInfo
}

// NewPostQueue prepares an upload to collection. Every POST carries
// xius as X-If-Unmodified-Since: the collection timestamp observed when
// the sync began.
func NewPostQueue(client *Client, collection string, limits InfoConfiguration, xius bso.ServerTimestamp, strict bool) *PostQueue {
	return &PostQueue{
		client:     client,
		collection: collection,
		limits:     limits.normalized(),
		xius:       xius,
		strict:     strict,
		log:        client.log.With("collection", collection),
	}
}

// Enqueue adds a record to the upload, flushing POSTs and committing
// batches as limits require. It returns false (nil error) when the
// record is too large to upload in lenient mode.
func (q *PostQueue) Enqueue(ctx context.Context, record *bso.Bso) (bool, error) {
	if uint64(len(record.Payload)) > q.limits.MaxRecordPayloadBytes {
		return q.rejectOversize(record.Id)
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return false, fmt.Errorf("failed to marshal record %q: %w", record.Id, err)
	}
	recLen := uint64(len(raw)) + recordOverhead
	if recLen > q.limits.MaxPostBytes {
		// can never fit in any POST regardless of what else is queued
		return q.rejectOversize(record.Id)
	}

	batchFits := q.batchBytes+recLen <= q.limits.MaxTotalBytes &&
		q.batchRecords < q.limits.MaxTotalRecords
	postFits := q.postBytes+recLen <= q.limits.MaxPostBytes &&
		uint32(len(q.postedIDs)) < q.limits.MaxPostRecords

	if !batchFits {
		// current batch is full: commit it and open a new one
		if err := q.Flush(ctx, true); err != nil {
			return false, err
		}
	} else if !postFits {
		if err := q.flushPost(ctx, false); err != nil {
			return false, err
		}
	}

	q.posted = append(q.posted, raw)
	q.postedIDs = append(q.postedIDs, record.Id)
	q.postBytes += recLen
	q.batchBytes += recLen
	q.batchRecords++
	return true, nil
}

func (q *PostQueue) rejectOversize(id bso.Guid) (bool, error) {
	if q.strict {
		return false, fmt.Errorf("%w: %q", common.ErrRecordTooLarge, id)
	}
	q.info.FailedIds = append(q.info.FailedIds, id)
	return false, nil
}

// Flush sends whatever is pending. With final=true the POST carries
// commit=true and closes the batch; the response's X-Last-Modified
// becomes UploadInfo.ModifiedTimestamp.
func (q *PostQueue) Flush(ctx context.Context, final bool) error {
	if len(q.posted) == 0 && q.batchID == "" {
		return nil
	}
	return q.flushPost(ctx, final)
}

// Done commits any pending batch and returns the accumulated upload
// info. In strict mode rejected records surface as ErrRecordUploadFailed.
func (q *PostQueue) Done(ctx context.Context) (UploadInfo, error) {
	if err := q.Flush(ctx, true); err != nil {
		return UploadInfo{}, err
	}
	if q.strict && len(q.info.FailedIds) > 0 {
		return UploadInfo{}, fmt.Errorf("%w: %d records", common.ErrRecordUploadFailed, len(q.info.FailedIds))
	}
	return q.info, nil
}

// postResponse is the body of a collection POST.
type postResponse struct {
	Batch    string              `json:"batch"`
	Modified bso.ServerTimestamp `json:"modified"`
	Success  []bso.Guid          `json:"success"`
	Failed   map[bso.Guid]string `json:"failed"`
}

func (q *PostQueue) flushPost(ctx context.Context, commit bool) error {
	body := make([]byte, 0, q.postBytes+2)
	body = append(body, '[')
	for i, raw := range q.posted {
		if i > 0 {
			body = append(body, ',')
		}
		body = append(body, raw...)
	}
	body = append(body, ']')

	query := url.Values{}
	if q.batchID == "" {
		query.Set("batch", "true")
	} else {
		query.Set("batch", q.batchID)
	}
	if commit {
		query.Set("commit", "true")
	}

	xius := q.xius
	resp, err := q.client.exec(ctx, http.MethodPost, "/storage/"+q.collection, query, body, &xius)
	if err != nil {
		return err
	}

	var parsed postResponse
	if len(resp.body) > 0 {
		if err := json.Unmarshal(resp.body, &parsed); err != nil {
			return fmt.Errorf("%w: bad POST response body: %v", common.ErrServerBatchProblem, err)
		}
	}
	q.info.SuccessfulIds = append(q.info.SuccessfulIds, parsed.Success...)
	for id := range parsed.Failed {
		q.info.FailedIds = append(q.info.FailedIds, id)
	}

	q.posted = nil
	q.postedIDs = nil
	q.postBytes = 0

	if commit {
		switch {
		case resp.hasModified:
			q.info.ModifiedTimestamp = resp.lastModified
		case parsed.Modified != 0:
			q.info.ModifiedTimestamp = parsed.Modified
		default:
			return common.ErrMissingServerTimestamp
		}
		q.batchID = ""
		q.batchBytes = 0
		q.batchRecords = 0
		// a later batch in the same upload must not 412 against the
		// commit we just made
		q.xius = q.info.ModifiedTimestamp
		return nil
	}

	if parsed.Batch != "" {
		q.batchID = parsed.Batch
		return nil
	}

	// Server without batch support: every POST commits on its own, so
	// remember its timestamp and keep XIUS in step.
	if resp.hasModified {
		q.info.ModifiedTimestamp = resp.lastModified
		q.xius = resp.lastModified
	} else if parsed.Modified != 0 {
		q.info.ModifiedTimestamp = parsed.Modified
		q.xius = parsed.Modified
	} else {
		return common.ErrMissingServerTimestamp
	}
	q.batchBytes = 0
	q.batchRecords = 0
	q.log.Debug(ctx, "server lacks batch support, falling back to plain POSTs")
	return nil
}
