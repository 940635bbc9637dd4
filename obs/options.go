package obs

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// ExporterType enumerates supported tracing exporter backends.
type ExporterType string

const (
	ExporterOTLP   ExporterType = "otlp"
	ExporterStdout ExporterType = "stdout"
	ExporterNone   ExporterType = "none"
)

// Options control observability initialization.
type Options struct {
	ServiceName string
	Environment string
	Version     string

	Exporter    ExporterType
	Endpoint    string
	Insecure    bool
	Headers     map[string]string
	SampleRatio float64

	Braintrust BraintrustOptions

	DisableMetrics bool
}

// BraintrustOptions configure Braintrust logging.
type BraintrustOptions struct {
	Enabled   bool
	APIKey    string
	Project   string
	ProjectID string
	Dataset   string
	BaseURL   string

	BatchSize     int
	FlushInterval time.Duration
	HTTPTimeout   time.Duration
}

// DefaultOptions returns sane defaults when env configuration is partial.
func DefaultOptions() Options {
	return Options{
		Exporter:    ExporterOTLP,
		SampleRatio: 1.0,
		Braintrust: BraintrustOptions{
			BatchSize:     32,
			FlushInterval: 3 * time.Second,
			HTTPTimeout:   10 * time.Second,
		},
	}
}

// OptionsFromEnv builds Options from the environment. PARLEY_OBS_EXPORTER
// selects the trace backend (otlp, stdout, none), OTEL_EXPORTER_OTLP_ENDPOINT
// and OTEL_EXPORTER_OTLP_INSECURE configure OTLP, and the BRAINTRUST_*
// variables enable the completion sink. Unset variables keep the defaults.
func OptionsFromEnv() Options {
	opts := DefaultOptions()

	switch strings.ToLower(strings.TrimSpace(os.Getenv("PARLEY_OBS_EXPORTER"))) {
	case "stdout":
		opts.Exporter = ExporterStdout
	case "otlp":
		opts.Exporter = ExporterOTLP
	case "none":
		opts.Exporter = ExporterNone
	}
	if opts.Exporter == ExporterOTLP {
		if endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); endpoint != "" {
			opts.Endpoint = endpoint
		}
		if strings.EqualFold(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE"), "true") {
			opts.Insecure = true
		}
		if opts.Endpoint == "" {
			// OTLP needs an explicit endpoint; without one stay silent.
			opts.Exporter = ExporterNone
		}
	}

	if strings.EqualFold(os.Getenv("PARLEY_OBS_DISABLE_METRICS"), "true") {
		opts.DisableMetrics = true
	}
	if ratio := strings.TrimSpace(os.Getenv("PARLEY_OBS_SAMPLE_RATIO")); ratio != "" {
		if v, err := strconv.ParseFloat(ratio, 64); err == nil && v > 0 && v <= 1 {
			opts.SampleRatio = v
		}
	}

	if key := strings.TrimSpace(os.Getenv("BRAINTRUST_API_KEY")); key != "" {
		project := strings.TrimSpace(os.Getenv("BRAINTRUST_PROJECT_NAME"))
		projectID := strings.TrimSpace(os.Getenv("BRAINTRUST_PROJECT_ID"))
		if project != "" || projectID != "" {
			opts.Braintrust.Enabled = true
			opts.Braintrust.APIKey = key
			opts.Braintrust.Project = project
			opts.Braintrust.ProjectID = projectID
			opts.Braintrust.Dataset = strings.TrimSpace(os.Getenv("BRAINTRUST_DATASET"))
			opts.Braintrust.BaseURL = strings.TrimSpace(os.Getenv("BRAINTRUST_BASE_URL"))
		}
	}

	return opts
}
