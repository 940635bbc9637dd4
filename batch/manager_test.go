package batch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/parleyai/parley/core"
)

type fakeService struct {
	submitted []TaggedRequest
	polls     int
	pollPlan  []Status
	items     []Item
}

func (f *fakeService) Submit(ctx context.Context, reqs []TaggedRequest) (*Job, error) {
	f.submitted = append([]TaggedRequest(nil), reqs...)
	return &Job{ID: "batch_1", Status: StatusQueued, CreatedAt: time.Now()}, nil
}

func (f *fakeService) Poll(ctx context.Context, job *Job) (*Job, error) {
	status := StatusCompleted
	if f.polls < len(f.pollPlan) {
		status = f.pollPlan[f.polls]
	}
	f.polls++
	updated := *job
	updated.Status = status
	return &updated, nil
}

func (f *fakeService) Fetch(ctx context.Context, job *Job) ([]Item, error) {
	return append([]Item(nil), f.items...), nil
}

func (f *fakeService) Cancel(ctx context.Context, job *Job) error {
	return nil
}

func TestSubmitTagsRequestsInOrder(t *testing.T) {
	svc := &fakeService{}
	m := NewManager()
	if err := m.Register("openai", svc); err != nil {
		t.Fatalf("register: %v", err)
	}

	reqs := []core.Request{
		{Turns: []core.Turn{core.UserTextTurn("one")}},
		{Turns: []core.Turn{core.UserTextTurn("two")}},
		{Turns: []core.Turn{core.UserTextTurn("three")}},
	}
	job, err := m.Submit(context.Background(), "openai", reqs)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if job.Provider != "openai" || job.Counts.Total != 3 {
		t.Fatalf("job = %+v", job)
	}
	if len(svc.submitted) != 3 {
		t.Fatalf("submitted = %d", len(svc.submitted))
	}
	for i, tr := range svc.submitted {
		if Ordinal(tr.Tag) != i {
			t.Fatalf("tag %q does not carry ordinal %d", tr.Tag, i)
		}
	}
	if svc.submitted[0].Tag == svc.submitted[1].Tag {
		t.Fatalf("tags must be unique")
	}
}

func TestResultsRestoreSubmissionOrder(t *testing.T) {
	tags := []string{Tag(0), Tag(1), Tag(2)}
	svc := &fakeService{items: []Item{
		{Tag: tags[2], Reply: &core.Reply{Turn: core.AssistantTurn(core.TextPart("third"))}},
		{Tag: tags[0], Reply: &core.Reply{Turn: core.AssistantTurn(core.TextPart("first"))}},
		{Tag: tags[1], Err: ItemError(tags[1], "item exploded", nil)},
	}}
	m := NewManager()
	m.Register("openai", svc)

	items, err := m.Results(context.Background(), &Job{ID: "batch_1", Provider: "openai", Status: StatusCompleted})
	if err != nil {
		t.Fatalf("results: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("items = %d", len(items))
	}
	if items[0].Reply.Text() != "first" {
		t.Fatalf("item 0 = %+v", items[0])
	}
	if items[1].Err == nil || !core.IsBatchItem(items[1].Err) {
		t.Fatalf("item 1 should carry a batch item error: %v", items[1].Err)
	}
	if items[2].Reply.Text() != "third" {
		t.Fatalf("item 2 = %+v", items[2])
	}
	for i, item := range items[:3] {
		if item.Ordinal != i {
			t.Fatalf("ordinal %d = %d", i, item.Ordinal)
		}
	}
}

func TestResultsForeignTagsSortLast(t *testing.T) {
	svc := &fakeService{items: []Item{
		{Tag: "vendor-extra"},
		{Tag: Tag(0), Reply: &core.Reply{Turn: core.AssistantTurn(core.TextPart("only"))}},
	}}
	m := NewManager()
	m.Register("openai", svc)

	items, err := m.Results(context.Background(), &Job{Provider: "openai"})
	if err != nil {
		t.Fatalf("results: %v", err)
	}
	if items[0].Tag == "vendor-extra" {
		t.Fatalf("foreign tag sorted first")
	}
	if items[1].Ordinal != -1 {
		t.Fatalf("foreign ordinal = %d", items[1].Ordinal)
	}
}

func TestWaitPollsUntilTerminal(t *testing.T) {
	svc := &fakeService{pollPlan: []Status{StatusRunning, StatusRunning, StatusCompleted}}
	m := NewManager()
	m.Register("openai", svc)

	job := &Job{ID: "batch_1", Provider: "openai", Status: StatusQueued}
	done, err := m.Wait(context.Background(), job, time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if done.Status != StatusCompleted {
		t.Fatalf("status = %s", done.Status)
	}
	if svc.polls != 3 {
		t.Fatalf("polls = %d, want 3", svc.polls)
	}
}

func TestWaitHonorsContext(t *testing.T) {
	svc := &fakeService{}
	m := NewManager()
	m.Register("openai", svc)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.Wait(ctx, &Job{Provider: "openai", Status: StatusQueued}, time.Minute)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if svc.polls != 0 {
		t.Fatalf("polled %d times after cancellation", svc.polls)
	}
}

func TestSubmitUnknownProvider(t *testing.T) {
	m := NewManager()
	_, err := m.Submit(context.Background(), "nope", []core.Request{{Turns: []core.Turn{core.UserTextTurn("x")}}})
	if !core.IsBadRequest(err) {
		t.Fatalf("err = %v, want bad request", err)
	}
}

func TestOrdinalParsing(t *testing.T) {
	if got := Ordinal(Tag(42)); got != 42 {
		t.Fatalf("ordinal = %d, want 42", got)
	}
	for _, bad := range []string{"", "item-", "item-abc-x", "other-00001-x"} {
		if got := Ordinal(bad); got != -1 {
			t.Fatalf("Ordinal(%q) = %d, want -1", bad, got)
		}
	}
}
