package core

import "io"

// CollectStream drains a stream and returns the aggregated Reply. The reply's
// turn is the finish event's turn; text deltas observed along the way are only
// used when the stream failed to deliver a finish event.
func CollectStream(stream *Stream) (*Reply, error) {
	if stream == nil {
		return nil, ErrStreamClosed
	}
	var reply Reply
	var text []byte
	for event := range stream.Events() {
		switch event.Type {
		case EventTextDelta:
			text = append(text, event.TextDelta...)
		case EventFinish:
			if event.Turn != nil {
				reply.Turn = *event.Turn
			}
			reply.Usage = event.Usage
			reply.Model = event.Model
			reply.Provider = event.Provider
		case EventError:
			if event.Error != nil {
				return nil, event.Error
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}
	if len(reply.Turn.Parts) == 0 && len(text) > 0 {
		reply.Turn = Turn{Role: Assistant, Parts: []Part{Text{Text: string(text)}}}
	}
	return &reply, nil
}

// StreamToWriter writes streaming text deltas to the provided writer.
func StreamToWriter(stream *Stream, w io.Writer) error {
	for event := range stream.Events() {
		if event.Type == EventTextDelta {
			if _, err := io.WriteString(w, event.TextDelta); err != nil {
				return err
			}
		}
		if event.Type == EventError && event.Error != nil {
			return event.Error
		}
	}
	return stream.Err()
}
