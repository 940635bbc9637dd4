package gemini

import (
	"net/http"
	"time"

	"github.com/parleyai/parley/internal/httpclient"
)

type Option func(*options)

type options struct {
	apiKey       string
	model        string
	baseURL      string
	httpClient   *http.Client
	streamClient *http.Client
	headers      map[string]string
	timeout      time.Duration
	retry        httpclient.RetryPolicy
}

func defaultOptions() options {
	return options{
		baseURL: "https://generativelanguage.googleapis.com/v1beta",
		timeout: 60 * time.Second,
		headers: map[string]string{},
		retry:   httpclient.DefaultRetryPolicy(),
	}
}

func WithAPIKey(key string) Option {
	return func(o *options) { o.apiKey = key }
}

func WithModel(model string) Option {
	return func(o *options) { o.model = model }
}

func WithBaseURL(url string) Option {
	return func(o *options) { o.baseURL = url }
}

func WithHTTPClient(client *http.Client) Option {
	return func(o *options) { o.httpClient = client }
}

// WithStreamClient overrides the client used for streaming calls, which
// otherwise gets no response timeout.
func WithStreamClient(client *http.Client) Option {
	return func(o *options) { o.streamClient = client }
}

func WithHeader(key, value string) Option {
	return func(o *options) { o.headers[key] = value }
}

func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

func WithRetryPolicy(policy httpclient.RetryPolicy) Option {
	return func(o *options) { o.retry = policy }
}
