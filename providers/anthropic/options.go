package anthropic

import (
	"net/http"
	"time"

	"github.com/parleyai/parley/internal/httpclient"
)

type Option func(*options)

type options struct {
	apiKey       string
	baseURL      string
	model        string
	version      string
	httpClient   *http.Client
	streamClient *http.Client
	headers      map[string]string
	timeout      time.Duration
	retry        httpclient.RetryPolicy
}

func defaultOptions() options {
	return options{
		baseURL: "https://api.anthropic.com/v1",
		version: "2023-06-01",
		timeout: 120 * time.Second,
		headers: map[string]string{},
		retry:   httpclient.DefaultRetryPolicy(),
	}
}

// WithAPIKey configures the API key.
func WithAPIKey(key string) Option {
	return func(o *options) { o.apiKey = key }
}

// WithModel sets the default model.
func WithModel(model string) Option {
	return func(o *options) { o.model = model }
}

// WithBaseURL overrides the API base URL.
func WithBaseURL(url string) Option {
	return func(o *options) { o.baseURL = url }
}

// WithVersion overrides the anthropic-version header.
func WithVersion(version string) Option {
	return func(o *options) { o.version = version }
}

// WithHTTPClient sets a custom HTTP client, used for streaming as well
// unless WithStreamClient is also given.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) { o.httpClient = client }
}

// WithStreamClient sets the HTTP client used for streaming responses.
func WithStreamClient(client *http.Client) Option {
	return func(o *options) { o.streamClient = client }
}

// WithHeader adds a static request header.
func WithHeader(key, value string) Option {
	return func(o *options) {
		if o.headers == nil {
			o.headers = map[string]string{}
		}
		o.headers[key] = value
	}
}

// WithTimeout customizes the non-streaming request timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithRetryPolicy overrides the default retry behavior.
func WithRetryPolicy(policy httpclient.RetryPolicy) Option {
	return func(o *options) { o.retry = policy }
}
