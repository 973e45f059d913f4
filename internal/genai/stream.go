package genai

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"

	errs "content-orchestrator/internal/common/errors"
)

// Stream is a finite, pull-based sequence of text fragments. Next returns
// io.EOF once the service signals completion. A Stream cannot be restarted;
// Close releases the connection and may be called at any time.
type Stream struct {
	mu      sync.Mutex
	body    io.ReadCloser
	scanner *bufio.Scanner
	cancel  context.CancelFunc
	done    bool
	err     error
}

type streamEvent struct {
	Delta string `json:"delta"`
	Done  bool   `json:"done"`
	Error string `json:"error,omitempty"`
}

// Stream opens a streaming generation. The stream lives until it is drained,
// closed, or ctx ends.
func (c *Client) Stream(ctx context.Context, req GenerationRequest) (*Stream, error) {
	streamCtx, cancel := context.WithCancel(ctx)

	httpReq, err := c.newRequest(streamCtx, c.cfg.StreamPath, c.wire(req, true))
	if err != nil {
		cancel()
		return nil, err
	}
	httpReq.Header.Set("Accept", "application/x-ndjson")

	resp, err := c.stream.Do(httpReq)
	if err != nil {
		cancel()
		return nil, classifyTransportError(ctx, err)
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		cancel()
		return nil, classifyStatus(resp.StatusCode, string(raw))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	c.log.Debug("stream opened", map[string]interface{}{"step": req.Step})
	return &Stream{body: resp.Body, scanner: scanner, cancel: cancel}, nil
}

// Next blocks until the next fragment is available. Cancelling ctx aborts
// the underlying request and closes the stream.
func (s *Stream) Next(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done {
		if s.err != nil {
			return "", s.err
		}
		return "", io.EOF
	}
	if err := ctx.Err(); err != nil {
		s.finish(err)
		return "", err
	}

	stop := context.AfterFunc(ctx, s.cancel)
	defer stop()

	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		line = strings.TrimPrefix(line, "data:")
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "[DONE]" {
			s.finish(nil)
			return "", io.EOF
		}

		var ev streamEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			err = errs.NewGenerationFailedError("malformed stream event", false, err)
			s.finish(err)
			return "", err
		}
		if ev.Error != "" {
			err := errs.NewGenerationFailedError(ev.Error, false, nil)
			s.finish(err)
			return "", err
		}
		if ev.Done {
			if ev.Delta != "" {
				s.finish(nil)
				return ev.Delta, nil
			}
			s.finish(nil)
			return "", io.EOF
		}
		if ev.Delta != "" {
			return ev.Delta, nil
		}
	}

	if err := ctx.Err(); err != nil {
		s.finish(err)
		return "", err
	}
	if err := s.scanner.Err(); err != nil && !errors.Is(err, context.Canceled) {
		err = errs.NewGenerationFailedError("stream interrupted", true, err)
		s.finish(err)
		return "", err
	}
	s.finish(nil)
	return "", io.EOF
}

// Collect drains the stream into a single string.
func (s *Stream) Collect(ctx context.Context) (string, error) {
	defer s.Close()
	var b strings.Builder
	for {
		part, err := s.Next(ctx)
		if errors.Is(err, io.EOF) {
			return b.String(), nil
		}
		if err != nil {
			return b.String(), err
		}
		b.WriteString(part)
	}
}

func (s *Stream) Close() error {
	// unblock a concurrent Next before waiting for it
	s.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finish(nil)
	return nil
}

// finish must be called with mu held.
func (s *Stream) finish(err error) {
	if s.done {
		return
	}
	s.done = true
	s.err = err
	s.cancel()
	s.body.Close()
}
