// Package stream splits the gateway's single chat byte stream into its three
// logical channels: answer text, thinking text, and trailing metadata.
//
// The wire format is in-band sentinel markers, not a framing protocol. Text
// before the first ThinkingMarker is answer content; reasoning text follows
// the marker until the MetadataMarker (repeated ThinkingMarkers are consumed,
// not echoed). MetadataMarker appears once, near the end of the stream, and
// everything after it is a JSON payload. The demultiplexer does not assume
// markers are atomic within a single read: bytes are buffered and scanned
// incrementally, so a marker split across reads is still detected. A possible
// marker prefix at the end of a read is held back until the next read
// disambiguates it, and flushed at EOF.
package stream

import (
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/xaenox/chatd/internal/models"
)

const (
	ThinkingMarker = "___THINKING___"
	MetadataMarker = "___METADATA___"
)

const readBufferSize = 4096

// Result is the final demultiplexed output of one stream. Metadata is nil
// when the stream carried none or when its payload failed to parse; a bad
// metadata payload is never an error.
type Result struct {
	Content  string
	Thinking string
	Metadata *models.MessageMetadata
}

// DeltaFunc receives the accumulated answer and thinking text after every
// processed read.
type DeltaFunc func(content, thinking string)

// metadataPayload matches the gateway's trailing JSON blob.
type metadataPayload struct {
	Model  string            `json:"model"`
	Tokens models.TokenUsage `json:"tokens"`
	// Duration is milliseconds on the wire.
	Duration  int64 `json:"duration"`
	Timestamp int64 `json:"timestamp"`
}

// Demux consumes the raw gateway stream until EOF, cancellation, or a read
// error. The returned Result always carries whatever accumulated before the
// stream stopped, including on error.
func Demux(ctx context.Context, r io.Reader, onDelta DeltaFunc) (Result, error) {
	d := demuxState{onDelta: onDelta}
	buf := make([]byte, readBufferSize)

	for {
		select {
		case <-ctx.Done():
			return d.finish(), ctx.Err()
		default:
		}

		n, err := r.Read(buf)
		if n > 0 {
			d.consume(string(buf[:n]))
		}
		if err == io.EOF {
			return d.finish(), nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return d.finish(), ctx.Err()
			}
			return d.finish(), err
		}
	}
}

type demuxState struct {
	onDelta  DeltaFunc
	content  strings.Builder
	thinking strings.Builder
	metadata strings.Builder

	// held is a stream tail that might be the start of a marker split
	// across reads.
	held       string
	inThinking bool
	inMetadata bool
}

func (d *demuxState) consume(chunk string) {
	if d.inMetadata {
		d.metadata.WriteString(chunk)
		return
	}

	text := d.held + chunk
	d.held = ""

	pos := 0
	for {
		idx, marker := nextMarker(text, pos)
		if idx < 0 {
			break
		}
		d.emit(text[pos:idx])
		pos = idx + len(marker)
		if marker == MetadataMarker {
			d.inMetadata = true
			d.metadata.WriteString(text[pos:])
			d.notify()
			return
		}
		d.inThinking = true
	}

	// No further marker: emit what cannot still become one and hold back
	// the rest.
	hold := markerPrefixLen(text[pos:])
	cut := len(text) - hold
	if cut < pos {
		cut = pos
	}
	d.emit(text[pos:cut])
	d.held = text[cut:]
	d.notify()
}

func (d *demuxState) emit(text string) {
	if text == "" {
		return
	}
	if d.inThinking {
		d.thinking.WriteString(text)
	} else {
		d.content.WriteString(text)
	}
}

func (d *demuxState) notify() {
	if d.onDelta != nil {
		d.onDelta(d.content.String(), d.thinking.String())
	}
}

// finish flushes any held-back tail and parses the metadata payload. Parse
// failures are swallowed: metadata is optional enrichment, never fatal.
func (d *demuxState) finish() Result {
	if d.held != "" && !d.inMetadata {
		d.emit(d.held)
		d.held = ""
		d.notify()
	}

	result := Result{
		Content:  d.content.String(),
		Thinking: d.thinking.String(),
	}
	if raw := strings.TrimSpace(d.metadata.String()); raw != "" {
		var payload metadataPayload
		if err := json.Unmarshal([]byte(raw), &payload); err == nil {
			result.Metadata = &models.MessageMetadata{
				Model:      payload.Model,
				Tokens:     payload.Tokens,
				DurationMs: payload.Duration,
				Timestamp:  payload.Timestamp,
			}
		}
	}
	return result
}

// nextMarker finds the earliest marker occurrence at or after pos.
func nextMarker(text string, pos int) (int, string) {
	ti := strings.Index(text[pos:], ThinkingMarker)
	mi := strings.Index(text[pos:], MetadataMarker)
	switch {
	case ti < 0 && mi < 0:
		return -1, ""
	case mi < 0 || (ti >= 0 && ti < mi):
		return pos + ti, ThinkingMarker
	default:
		return pos + mi, MetadataMarker
	}
}

// markerPrefixLen returns the length of the longest suffix of s that is a
// proper prefix of either marker.
func markerPrefixLen(s string) int {
	max := len(ThinkingMarker) - 1
	if len(s) < max {
		max = len(s)
	}
	for n := max; n > 0; n-- {
		tail := s[len(s)-n:]
		if strings.HasPrefix(ThinkingMarker, tail) || strings.HasPrefix(MetadataMarker, tail) {
			return n
		}
	}
	return 0
}
