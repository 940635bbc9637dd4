package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/parleyai/parley/batch"
	"github.com/parleyai/parley/core"
	"github.com/parleyai/parley/internal/httpclient"
)

// BatchService implements batch.Service over the Files and Batches APIs:
// requests travel as a JSONL upload, results come back as a JSONL file keyed
// by custom_id.
type BatchService struct {
	client *Client
}

// NewBatchService wraps a client for batch submission.
func NewBatchService(client *Client) *BatchService {
	return &BatchService{client: client}
}

type batchLine struct {
	CustomID string          `json:"custom_id"`
	Method   string          `json:"method"`
	URL      string          `json:"url"`
	Body     json.RawMessage `json:"body"`
}

type batchResultLine struct {
	ID       string `json:"id"`
	CustomID string `json:"custom_id"`
	Response *struct {
		StatusCode int             `json:"status_code"`
		Body       json.RawMessage `json:"body"`
	} `json:"response"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type batchJob struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	InputFileID   string `json:"input_file_id"`
	OutputFileID  string `json:"output_file_id"`
	ErrorFileID   string `json:"error_file_id"`
	CreatedAt     int64  `json:"created_at"`
	RequestCounts struct {
		Total     int `json:"total"`
		Completed int `json:"completed"`
		Failed    int `json:"failed"`
	} `json:"request_counts"`
}

type fileObject struct {
	ID string `json:"id"`
}

func (s *BatchService) Submit(ctx context.Context, reqs []batch.TaggedRequest) (*batch.Job, error) {
	var jsonl bytes.Buffer
	for _, tr := range reqs {
		req := tr.Req
		req.Model = chooseModel(req.Model, s.client.opts.model)
		payload, err := s.client.codec.BuildRequest(req, false)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", tr.Tag, err)
		}
		line, err := json.Marshal(batchLine{
			CustomID: tr.Tag,
			Method:   http.MethodPost,
			URL:      "/v1/chat/completions",
			Body:     payload,
		})
		if err != nil {
			return nil, fmt.Errorf("encode batch line: %w", err)
		}
		jsonl.Write(line)
		jsonl.WriteByte('\n')
	}

	fileID, err := s.uploadFile(ctx, "requests.jsonl", jsonl.Bytes())
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(map[string]any{
		"input_file_id":     fileID,
		"endpoint":          "/v1/chat/completions",
		"completion_window": "24h",
	})
	if err != nil {
		return nil, err
	}
	body, _, err := s.client.doJSON(ctx, "/batches", payload, false)
	if err != nil {
		return nil, err
	}
	var job batchJob
	if err := json.Unmarshal(body, &job); err != nil {
		return nil, fmt.Errorf("decode batch job: %w", err)
	}
	return toBatchJob(&job), nil
}

func (s *BatchService) Poll(ctx context.Context, job *batch.Job) (*batch.Job, error) {
	body, err := s.getJSON(ctx, "/batches/"+job.ID)
	if err != nil {
		return nil, err
	}
	var vendor batchJob
	if err := json.Unmarshal(body, &vendor); err != nil {
		return nil, fmt.Errorf("decode batch job: %w", err)
	}
	return toBatchJob(&vendor), nil
}

func (s *BatchService) Fetch(ctx context.Context, job *batch.Job) ([]batch.Item, error) {
	var items []batch.Item
	if fileID := job.Metadata["output_file_id"]; fileID != "" {
		fetched, err := s.fileItems(ctx, fileID)
		if err != nil {
			return nil, err
		}
		items = append(items, fetched...)
	}
	if fileID := job.Metadata["error_file_id"]; fileID != "" {
		fetched, err := s.fileItems(ctx, fileID)
		if err != nil {
			return nil, err
		}
		items = append(items, fetched...)
	}
	return items, nil
}

func (s *BatchService) Cancel(ctx context.Context, job *batch.Job) error {
	_, _, err := s.client.doJSON(ctx, "/batches/"+job.ID+"/cancel", []byte("{}"), false)
	return err
}

func (s *BatchService) fileItems(ctx context.Context, fileID string) ([]batch.Item, error) {
	body, err := s.getJSON(ctx, "/files/"+fileID+"/content")
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
		return nil, fmt.Errorf("scan result file: %w", err)
	}
	return items, nil
}

func (s *BatchService) decodeItem(line []byte) batch.Item {
	var res batchResultLine
	if err := json.Unmarshal(line, &res); err != nil {
		return batch.Item{Err: batch.ItemError("", "undecodable batch line", err)}
	}
	item := batch.Item{Tag: res.CustomID}
	switch {
	case res.Error != nil:
		item.Err = batch.ItemError(res.CustomID, res.Error.Message, nil)
	case res.Response == nil:
		item.Err = batch.ItemError(res.CustomID, "batch line carried no response", nil)
	case res.Response.StatusCode != http.StatusOK:
		vendorErr := s.client.decodeAPIError(res.Response.StatusCode, http.Header{}, res.Response.Body)
		item.Err = batch.ItemError(res.CustomID, "batch item failed", vendorErr)
	default:
		turn, err := s.client.codec.ParseResponse(res.Response.Body)
		if err != nil {
			item.Err = batch.ItemError(res.CustomID, "malformed batch item response", err)
			break
		}
		item.Reply = &core.Reply{
			Turn:     *turn,
			Model:    responseModel(res.Response.Body, ""),
			Provider: s.client.opts.provider,
			Usage:    turn.Usage,
		}
	}
	return item
}

func (s *BatchService) uploadFile(ctx context.Context, name string, data []byte) (string, error) {
	resp, err := httpclient.Do(ctx, s.client.http, s.client.opts.retry, func() (*http.Request, error) {
		var body bytes.Buffer
		writer := multipart.NewWriter(&body)
		if err := writer.WriteField("purpose", "batch"); err != nil {
			return nil, err
		}
		part, err := writer.CreateFormFile("file", name)
		if err != nil {
			return nil, err
		}
		if _, err := part.Write(data); err != nil {
			return nil, err
		}
		if err := writer.Close(); err != nil {
			return nil, err
		}
		req, err := s.client.newRequest(ctx, http.MethodPost, "/files", body.Bytes())
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", writer.FormDataContentType())
		return req, nil
	})
	if err != nil {
		return "", s.client.wrapTransport(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", core.NewError(core.ErrServerError, s.client.opts.provider+": read upload response", core.WithWrapped(err))
	}
	if resp.StatusCode != http.StatusOK {
		return "", s.client.decodeAPIError(resp.StatusCode, resp.Header, body)
	}
	var file fileObject
	if err := json.Unmarshal(body, &file); err != nil {
		return "", fmt.Errorf("decode file object: %w", err)
	}
	return file.ID, nil
}

func (s *BatchService) getJSON(ctx context.Context, path string) ([]byte, error) {
	resp, err := httpclient.Do(ctx, s.client.http, s.client.opts.retry, func() (*http.Request, error) {
		return s.client.newRequest(ctx, http.MethodGet, path, nil)
	})
	if err != nil {
		return nil, s.client.wrapTransport(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, core.NewError(core.ErrServerError, s.client.opts.provider+": read response", core.WithWrapped(err))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, s.client.decodeAPIError(resp.StatusCode, resp.Header, body)
	}
	return body, nil
}

func toBatchJob(v *batchJob) *batch.Job {
	job := &batch.Job{
		ID:     v.ID,
		Status: mapBatchStatus(v.Status),
		Counts: batch.Counts{
			Total:     v.RequestCounts.Total,
			Completed: v.RequestCounts.Completed,
			Failed:    v.RequestCounts.Failed,
		},
		Metadata: map[string]string{},
	}
	if v.CreatedAt > 0 {
		job.CreatedAt = time.Unix(v.CreatedAt, 0)
	}
	if v.InputFileID != "" {
		job.Metadata["input_file_id"] = v.InputFileID
	}
	if v.OutputFileID != "" {
		job.Metadata["output_file_id"] = v.OutputFileID
	}
	if v.ErrorFileID != "" {
		job.Metadata["error_file_id"] = v.ErrorFileID
	}
	return job
}

func mapBatchStatus(status string) batch.Status {
	switch status {
	case "validating":
		return batch.StatusQueued
	case "in_progress", "finalizing", "cancelling":
		return batch.StatusRunning
	case "completed":
		return batch.StatusCompleted
	case "failed":
		return batch.StatusFailed
	case "expired":
		return batch.StatusExpired
	case "cancelled":
		return batch.StatusCanceled
	default:
		return batch.StatusQueued
	}
}
