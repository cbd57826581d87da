package pipeline

import (
	"context"
	"io"

	"github.com/aj-archipelago/cortex-sub000/llm"
	"github.com/aj-archipelago/cortex-sub000/llm/stream"
)

// Stream is one in-flight streaming call. Recv yields canonical deltas
// until io.EOF; the caller must Close when done.
type Stream struct {
	body io.ReadCloser
	dec  *stream.Decoder
	proc llm.StreamProcessor
	prog *llm.Progress
	pub  llm.ProgressPublisher

	requestID string
	pathway   string
	err       error
}

// ExecuteStream opens a streaming call. When the adapter implements
// llm.StreamProcessor its frame handler is used; otherwise the default
// normalizer applies.
func (p *Pipeline) ExecuteStream(ctx context.Context, a llm.Adapter, pw llm.Pathway, req *llm.Request, pub llm.ProgressPublisher) (*Stream, error) {
	req.Stream = true

	p.logger.Info("llm stream start",
		"pathway", pw.Name,
		"requestId", req.Context.RequestID,
		"url", req.URL)
	if rl, ok := a.(llm.RequestLogger); ok {
		rl.LogRequestData(p.logger, req, req.Body)
	}

	body, err := p.tr.DoStream(ctx, req)
	if err != nil {
		return nil, p.normalizeError(pw, err)
	}

	proc, ok := a.(llm.StreamProcessor)
	if !ok {
		proc = stream.NewNormalizer(pw.Name, p.logger)
	}
	if pub == nil {
		pub = llm.NopPublisher{}
	}
	return &Stream{
		body:      body,
		dec:       stream.NewDecoder(body),
		proc:      proc,
		prog:      llm.NewProgress(),
		pub:       pub,
		requestID: req.Context.RequestID,
		pathway:   pw.Name,
	}, nil
}

// Recv returns the next forward-ready delta. It reports io.EOF once the
// stream completes, and a classified error if a frame is unparseable or
// carries an embedded failure.
func (s *Stream) Recv() (*llm.StreamDelta, error) {
	if s.err != nil {
		return nil, s.err
	}
	for {
		if s.prog.Done() {
			s.err = io.EOF
			s.publish("completed")
			return nil, io.EOF
		}

		frame, err := s.dec.Next()
		if err != nil {
			if err == io.EOF {
				s.err = io.EOF
				return nil, io.EOF
			}
			s.err = err
			return nil, err
		}

		if err := s.proc.ProcessStreamEvent(frame, s.prog); err != nil {
			s.err = err
			s.publish("failed")
			return nil, err
		}

		if delta, ok := s.prog.TakePending(); ok {
			s.publish("streaming")
			return delta, nil
		}
	}
}

// Progress is the completion fraction consumed so far.
func (s *Stream) Progress() float64 { return s.prog.Completion() }

// Reasoning is the accumulated reasoning text, available once streaming
// ends.
func (s *Stream) Reasoning() string { return s.prog.Reasoning() }

func (s *Stream) Close() error { return s.body.Close() }

func (s *Stream) publish(status string) {
	f := s.prog.Completion()
	s.pub.Publish(llm.ProgressEvent{
		RequestID: s.requestID,
		Progress:  &f,
		Status:    status,
	})
}
