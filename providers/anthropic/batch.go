package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/parleyai/parley/batch"
	"github.com/parleyai/parley/core"
	"github.com/parleyai/parley/internal/httpclient"
)

// BatchService implements batch.Service over the Message Batches API.
// Requests travel inline in the create call; results come back as a JSONL
// document at the batch's results_url.
type BatchService struct {
	client *Client
}

// NewBatchService wraps a client for batch submission.
func NewBatchService(client *Client) *BatchService {
	return &BatchService{client: client}
}

type batchRequestItem struct {
	CustomID string          `json:"custom_id"`
	Params   json.RawMessage `json:"params"`
}

type batchObject struct {
	ID               string `json:"id"`
	ProcessingStatus string `json:"processing_status"`
	RequestCounts    struct {
		Processing int `json:"processing"`
		Succeeded  int `json:"succeeded"`
		Errored    int `json:"errored"`
		Canceled   int `json:"canceled"`
		Expired    int `json:"expired"`
	} `json:"request_counts"`
	ResultsURL string `json:"results_url"`
	CreatedAt  string `json:"created_at"`
}

type batchResultLine struct {
	CustomID string `json:"custom_id"`
	Result   struct {
		Type    string          `json:"type"`
		Message json.RawMessage `json:"message"`
		Error   json.RawMessage `json:"error"`
	} `json:"result"`
}

func (s *BatchService) Submit(ctx context.Context, reqs []batch.TaggedRequest) (*batch.Job, error) {
	items := make([]batchRequestItem, 0, len(reqs))
	for _, tr := range reqs {
		req := tr.Req
		req.Model = chooseModel(req.Model, s.client.opts.model)
		params, err := s.client.codec.BuildRequest(req, false)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", tr.Tag, err)
		}
		items = append(items, batchRequestItem{CustomID: tr.Tag, Params: params})
	}

	payload, err := json.Marshal(map[string]any{"requests": items})
	if err != nil {
		return nil, err
	}
	body, err := s.client.doJSON(ctx, "/messages/batches", payload)
	if err != nil {
		return nil, err
	}
	var vendor batchObject
	if err := json.Unmarshal(body, &vendor); err != nil {
		return nil, fmt.Errorf("decode batch: %w", err)
	}
	return toBatchJob(&vendor), nil
}

func (s *BatchService) Poll(ctx context.Context, job *batch.Job) (*batch.Job, error) {
	body, err := s.get(ctx, "/messages/batches/"+job.ID)
	if err != nil {
		return nil, err
	}
	var vendor batchObject
	if err := json.Unmarshal(body, &vendor); err != nil {
		return nil, fmt.Errorf("decode batch: %w", err)
	}
	return toBatchJob(&vendor), nil
}

func (s *BatchService) Fetch(ctx context.Context, job *batch.Job) ([]batch.Item, error) {
	resultsURL := job.Metadata["results_url"]
	if resultsURL == "" {
		return nil, core.NewError(core.ErrBadRequest, "anthropic: batch has no results yet")
	}
	body, err := s.get(ctx, resultsURL)
	if err != nil {
		return nil, err
	}

	var items []batch.Item
	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), 8<<20)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		items = append(items, s.decodeItem(line))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan results: %w", err)
	}
	return items, nil
}

func (s *BatchService) Cancel(ctx context.Context, job *batch.Job) error {
	_, err := s.client.doJSON(ctx, "/messages/batches/"+job.ID+"/cancel", []byte("{}"))
	return err
}

func (s *BatchService) decodeItem(line []byte) batch.Item {
	var res batchResultLine
	if err := json.Unmarshal(line, &res); err != nil {
		return batch.Item{Err: batch.ItemError("", "undecodable batch line", err)}
	}
	item := batch.Item{Tag: res.CustomID}
	switch res.Result.Type {
	case "succeeded":
		turn, err := s.client.codec.ParseResponse(res.Result.Message)
		if err != nil {
			item.Err = batch.ItemError(res.CustomID, "malformed batch item response", err)
			break
		}
		item.Reply = &core.Reply{
			Turn:     *turn,
			Model:    responseModel(res.Result.Message, ""),
			Provider: "anthropic",
			Usage:    turn.Usage,
		}
	case "errored":
		message := "batch item failed"
		var envelope apiErrorEnvelope
		if err := json.Unmarshal(res.Result.Error, &envelope); err == nil && envelope.Error.Message != "" {
			message = envelope.Error.Message
		}
		item.Err = batch.ItemError(res.CustomID, message, nil)
	case "canceled", "expired":
		item.Err = batch.ItemError(res.CustomID, "batch item "+res.Result.Type, nil)
	default:
		item.Err = batch.ItemError(res.CustomID, fmt.Sprintf("unknown result type %q", res.Result.Type), nil)
	}
	return item
}

func (s *BatchService) get(ctx context.Context, path string) ([]byte, error) {
	resp, err := httpclient.Do(ctx, s.client.http, s.client.opts.retry, func() (*http.Request, error) {
		return s.client.newRequest(ctx, http.MethodGet, path, nil)
	})
	if err != nil {
		return nil, wrapTransport(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, core.NewError(core.ErrServerError, "anthropic: read response", core.WithWrapped(err))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, decodeAPIError(resp.StatusCode, resp.Header, body)
	}
	return body, nil
}

func toBatchJob(v *batchObject) *batch.Job {
	counts := v.RequestCounts
	job := &batch.Job{
		ID:     v.ID,
		Status: mapBatchStatus(v.ProcessingStatus),
		Counts: batch.Counts{
			Total:     counts.Processing + counts.Succeeded + counts.Errored + counts.Canceled + counts.Expired,
			Completed: counts.Succeeded,
			Failed:    counts.Errored + counts.Canceled + counts.Expired,
		},
		Metadata: map[string]string{},
	}
	if v.CreatedAt != "" {
		if ts, err := time.Parse(time.RFC3339, v.CreatedAt); err == nil {
			job.CreatedAt = ts
		}
	}
	if v.ResultsURL != "" {
		job.Metadata["results_url"] = v.ResultsURL
	}
	return job
}

func mapBatchStatus(status string) batch.Status {
	switch status {
	case "in_progress", "canceling":
		return batch.StatusRunning
	case "ended":
		return batch.StatusCompleted
	default:
		return batch.StatusQueued
	}
}
