package core

import "github.com/parleyai/parley/schema"

// StreamDelta is one parsed streaming event. Fragment holds the delta in the
// vendor's accumulator shape; Terminal marks the vendor's end-of-stream
// sentinel, which carries no fragment.
type StreamDelta struct {
	Fragment map[string]any
	Terminal bool
}

// Adapter is the wire contract every vendor implementation satisfies. It is
// deliberately free of I/O: BuildRequest and ParseResponse translate between
// the canonical turn model and the vendor's JSON, ParseStreamEvent recognizes
// one streaming event, MergeChunks folds event fragments into a running
// accumulator, and Finalize converts the accumulator into the same Turn shape
// ParseResponse produces. For any response, finalizing the folded stream of
// deltas must be content-equal to parsing the equivalent non-streaming body:
// same text, same tool requests, same structured value. Token counts are
// exempt since vendors may omit usage from streams.
type Adapter interface {
	BuildRequest(req Request, streaming bool) ([]byte, error)
	ParseResponse(body []byte) (*Turn, error)
	ParseStreamEvent(data []byte) (*StreamDelta, error)
	MergeChunks(acc, delta map[string]any) map[string]any
	Finalize(acc map[string]any) (*Turn, error)
	Compile(node *schema.Node) (map[string]any, error)
}
