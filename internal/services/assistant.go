package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tmaxmax/go-sse"
)

// Assistant performs the network exchange with the remote assistant endpoint. It sends a single
// question and materializes the reply incrementally, as the response body streams in.
type Assistant struct {
	endpoint string
	framing  Framing

	client *http.Client

	logger *slog.Logger
}

// Framing tells how the assistant endpoint frames its streaming body.
type Framing string

type assistantRequest struct {
	Question string `json:"question"`
}

const (
	// FramingRaw treats the body as an opaque growing text stream. Each transport read becomes one
	// chunk once decoded.
	FramingRaw Framing = "raw"
	// FramingSSE treats the body as server-sent events. The data of each event becomes one chunk and
	// a "[DONE]" data ends the stream.
	FramingSSE Framing = "sse"

	readBufferSize = 4096
	maxErrorBody   = 512

	errLoggerKey = "err"
)

var (
	// ErrUnexpectedStatus is returned when the endpoint answers with a non-success status.
	ErrUnexpectedStatus = errors.New("unexpected status code")
	// ErrNoStream is returned when the endpoint answers without a readable body.
	ErrNoStream = errors.New("response has no readable stream")
	// ErrUnsupportedCharset is returned when the response declares a charset that can't be decoded.
	ErrUnsupportedCharset = errors.New("unsupported charset")
	// ErrRemote is returned when a server-sent events stream carries an error event.
	ErrRemote = errors.New("assistant reported an error")
	// ErrUnknownFraming is returned by ParseFraming for values other than raw and sse.
	ErrUnknownFraming = errors.New("unknown framing")
)

// ParseFraming validates a configured framing. An empty value is FramingRaw.
func ParseFraming(s string) (Framing, error) {
	switch f := Framing(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FramingRaw, nil
	case FramingRaw, FramingSSE:
		return f, nil
	default:
		return "", fmt.Errorf("%w %q, expected %q or %q", ErrUnknownFraming, s, FramingRaw, FramingSSE)
	}
}

// NewAssistant creates a new Assistant targeting endpoint. A zero timeout means the exchange is only
// bounded by the transport and the context given to Stream or Run. An empty framing defaults to
// FramingRaw.
func NewAssistant(endpoint string, framing Framing, timeout time.Duration, logger *slog.Logger) Assistant {
	if framing == "" {
		framing = FramingRaw
	}
	return Assistant{
		endpoint: endpoint,
		framing:  framing,
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With(slog.String("module", "assistant")),
	}
}

// Run performs one turn with the three-callback contract. onChunk is called once per decoded chunk,
// in arrival order. Then exactly one of onDone or onError is called, exactly once. Chunks delivered
// before an error stay delivered. Run blocks until the exchange is over.
func (a Assistant) Run(
	ctx context.Context,
	question string,
	onChunk func(string),
	onDone func(),
	onError func(error),
) {
	for chunk, err := range a.Stream(ctx, question) {
		if err != nil {
			onError(err)
			return
		}
		onChunk(chunk)
	}
	onDone()
}

// Stream sends question to the endpoint and returns an iterator that yields the decoded chunks of
// the reply. The sequence ends normally when the reply completes; on failure a single error is
// yielded and the sequence ends. Cancelling ctx ends the sequence with the context error.
func (a Assistant) Stream(ctx context.Context, question string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		resp, err := a.doRequest(ctx, question)
		if err != nil {
			yield("", err)
			return
		}
		defer resp.Body.Close()

		switch a.framing {
		case FramingSSE:
			a.readEvents(resp.Body, yield)
		default:
			a.readRaw(resp, yield)
		}
	}
}

func (a Assistant) readRaw(resp *http.Response, yield func(string, error) bool) {
	enc, err := responseEncoding(resp.Header.Get("Content-Type"))
	if err != nil {
		yield("", err)
		return
	}
	dec := newChunkDecoder(enc)

	buf := make([]byte, readBufferSize)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			text, err := dec.decode(buf[:n], false)
			if err != nil {
				yield("", err)
				return
			}
			a.logger.Debug("Received chunk", slog.Int("bytes", n), slog.Int("decoded", len(text)))
			// A read holding only the first bytes of a character decodes to nothing yet.
			if text != "" && !yield(text, nil) {
				return
			}
		}

		if readErr == nil {
			continue
		}
		if errors.Is(readErr, io.EOF) {
			text, err := dec.decode(nil, true)
			if err != nil {
				yield("", err)
				return
			}
			if text != "" {
				yield(text, nil)
			}
			return
		}
		yield("", fmt.Errorf("error reading response: %w", readErr))
		return
	}
}

func (a Assistant) readEvents(body io.Reader, yield func(string, error) bool) {
	for ev, err := range sse.Read(body, nil) {
		if err != nil {
			yield("", fmt.Errorf("error reading response: %w", err))
			return
		}

		a.logger.Debug("Received event", slog.String("type", ev.Type), slog.String("data", ev.Data))

		if ev.Type == "error" {
			yield("", fmt.Errorf("%w: %s", ErrRemote, ev.Data))
			return
		}
		if ev.Data == "[DONE]" {
			return
		}
		if ev.Data == "" {
			continue
		}
		if !yield(ev.Data, nil) {
			return
		}
	}
}

func (a Assistant) doRequest(ctx context.Context, question string) (*http.Response, error) {
	jsonBody, err := json.Marshal(assistantRequest{Question: question})
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream, text/plain")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error sending request: %w", err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("%w: %d, body: %s", ErrUnexpectedStatus, resp.StatusCode,
			strings.TrimSpace(string(body)))
	}
	// An empty 200 is a reply without chunks, only 204 means there is nothing to stream.
	if resp.StatusCode == http.StatusNoContent || resp.Body == nil {
		if resp.Body != nil {
			resp.Body.Close()
		}
		return nil, ErrNoStream
	}

	return resp, nil
}
