// Package batch submits groups of generation requests to vendor batch APIs
// and returns results in submission order regardless of vendor ordering.
package batch

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/parleyai/parley/core"
)

// Status is the normalized lifecycle state of a batch job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusExpired   Status = "expired"
	StatusCanceled  Status = "canceled"
)

// Terminal reports whether the status will never change again.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusExpired, StatusCanceled:
		return true
	}
	return false
}

// Counts summarizes item progress within a job.
type Counts struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Job identifies a submitted batch. ID is the vendor's job identifier;
// Metadata carries vendor plumbing such as result file ids.
type Job struct {
	ID        string            `json:"id"`
	Provider  string            `json:"provider"`
	Status    Status            `json:"status"`
	Counts    Counts            `json:"counts"`
	CreatedAt time.Time         `json:"created_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Item is one result within a fetched batch. Exactly one of Reply and Err is
// set; a per-item failure never fails the fetch.
type Item struct {
	Ordinal int
	Tag     string
	Reply   *core.Reply
	Err     error
}

// TaggedRequest pairs a request with the ordinal-carrying tag it travels
// under inside the vendor payload.
type TaggedRequest struct {
	Tag string
	Req core.Request
}

// Service is implemented per vendor. Submit sends the tagged requests and
// returns the created job; Poll refreshes status; Fetch decodes finished
// items keyed by tag, in whatever order the vendor stored them.
type Service interface {
	Submit(ctx context.Context, reqs []TaggedRequest) (*Job, error)
	Poll(ctx context.Context, job *Job) (*Job, error)
	Fetch(ctx context.Context, job *Job) ([]Item, error)
	Cancel(ctx context.Context, job *Job) error
}

const tagPrefix = "item-"

// Tag builds the identifier attached to each submitted item. The embedded
// ordinal records the submission position; the uuid suffix keeps tags unique
// across jobs sharing a vendor namespace.
func Tag(ordinal int) string {
	return fmt.Sprintf("%s%05d-%s", tagPrefix, ordinal, uuid.NewString())
}

// Ordinal recovers the submission position from a tag, or -1 when the tag
// was not produced by Tag.
func Ordinal(tag string) int {
	rest, ok := strings.CutPrefix(tag, tagPrefix)
	if !ok {
		return -1
	}
	idx := strings.IndexByte(rest, '-')
	if idx < 0 {
		return -1
	}
	n, err := strconv.Atoi(rest[:idx])
	if err != nil || n < 0 {
		return -1
	}
	return n
}

// ItemError builds the per-item failure attached to a fetched Item.
func ItemError(tag, message string, wrapped error) error {
	opts := []core.ErrorOption{core.WithDetails(map[string]any{"tag": tag})}
	if wrapped != nil {
		opts = append(opts, core.WithWrapped(wrapped))
	}
	return core.NewError(core.ErrBatchItem, message, opts...)
}
