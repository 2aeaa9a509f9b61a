package stream

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chunkReader yields each chunk as one Read, mimicking network chunk
// boundaries.
type chunkReader struct {
	chunks []string
	i      int
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if r.i >= len(r.chunks) {
		return 0, io.EOF
	}
	n := copy(p, r.chunks[r.i])
	r.i++
	return n, nil
}

func demux(t *testing.T, chunks ...string) Result {
	t.Helper()
	result, err := Demux(context.Background(), &chunkReader{chunks: chunks}, nil)
	require.NoError(t, err)
	return result
}

func TestDemuxAnswerOnly(t *testing.T) {
	result := demux(t, "Hello ", "world")
	assert.Equal(t, "Hello world", result.Content)
	assert.Empty(t, result.Thinking)
	assert.Nil(t, result.Metadata)
}

func TestDemuxThinkingWithinChunk(t *testing.T) {
	result := demux(t, "Hello___THINKING___pondering")
	assert.Equal(t, "Hello", result.Content)
	assert.Equal(t, "pondering", result.Thinking)
}

func TestDemuxMultipleThinkingMarkersInOneChunk(t *testing.T) {
	result := demux(t, "a___THINKING___b___THINKING___c")
	assert.Equal(t, "a", result.Content)
	assert.Equal(t, "bc", result.Thinking)
}

func TestDemuxThinkingPersistsAcrossChunks(t *testing.T) {
	// Once thinking begins, everything up to the metadata marker belongs
	// to the thinking channel; repeated markers are consumed, not echoed.
	result := demux(t,
		"Here is the answer",
		"___THINKING___first thought",
		" continued",
		"___THINKING___second thought",
	)
	assert.Equal(t, "Here is the answer", result.Content)
	assert.Equal(t, "first thought continuedsecond thought", result.Thinking)
}

func TestDemuxMetadata(t *testing.T) {
	result := demux(t,
		"Hi there",
		`___METADATA___{"model":"gpt-4o-mini","tokens":{"input":10,"output":20,"total":30},"duration":420,"timestamp":1700000000000}`,
	)
	assert.Equal(t, "Hi there", result.Content)
	require.NotNil(t, result.Metadata)
	assert.Equal(t, "gpt-4o-mini", result.Metadata.Model)
	assert.Equal(t, 10, result.Metadata.Tokens.Input)
	assert.Equal(t, 20, result.Metadata.Tokens.Output)
	assert.Equal(t, 30, result.Metadata.Tokens.Total)
	assert.Equal(t, int64(420), result.Metadata.DurationMs)
	assert.Equal(t, int64(1700000000000), result.Metadata.Timestamp)
}

func TestDemuxMetadataSharesChunkWithContent(t *testing.T) {
	result := demux(t, `Hello___METADATA___{"model":"m","duration":5}`)
	assert.Equal(t, "Hello", result.Content)
	require.NotNil(t, result.Metadata)
	assert.Equal(t, int64(5), result.Metadata.DurationMs)
}

func TestDemuxMetadataSpansChunks(t *testing.T) {
	result := demux(t, "Hi", `___METADATA___{"model":`, `"m","duration":7}`)
	assert.Equal(t, "Hi", result.Content)
	require.NotNil(t, result.Metadata)
	assert.Equal(t, "m", result.Metadata.Model)
}

func TestDemuxMalformedMetadataIsNotFatal(t *testing.T) {
	result := demux(t, "Hi___METADATA___{this is not json")
	assert.Equal(t, "Hi", result.Content)
	assert.Nil(t, result.Metadata)
}

func TestDemuxMetadataAfterThinking(t *testing.T) {
	result := demux(t, `answer___THINKING___why___METADATA___{"duration":1}`)
	assert.Equal(t, "answer", result.Content)
	assert.Equal(t, "why", result.Thinking)
	require.NotNil(t, result.Metadata)
}

func TestDemuxThinkingMarkerSplitAcrossChunks(t *testing.T) {
	result := demux(t, "Hello___THI", "NKING___deep")
	assert.Equal(t, "Hello", result.Content)
	assert.Equal(t, "deep", result.Thinking)
}

func TestDemuxMetadataMarkerSplitAcrossChunks(t *testing.T) {
	result := demux(t, "Hi___META", `DATA___{"duration":9}`)
	assert.Equal(t, "Hi", result.Content)
	require.NotNil(t, result.Metadata)
	assert.Equal(t, int64(9), result.Metadata.DurationMs)
}

func TestDemuxMarkerSplitOneBytePerRead(t *testing.T) {
	text := "ab___THINKING___cd"
	chunks := make([]string, 0, len(text))
	for _, r := range text {
		chunks = append(chunks, string(r))
	}
	result := demux(t, chunks...)
	assert.Equal(t, "ab", result.Content)
	assert.Equal(t, "cd", result.Thinking)
}

func TestDemuxFalseMarkerPrefixIsFlushed(t *testing.T) {
	// "___" could begin a marker; the following chunk proves it doesn't.
	result := demux(t, "tail___", "_more")
	assert.Equal(t, "tail____more", result.Content)
}

func TestDemuxTrailingMarkerPrefixFlushedAtEOF(t *testing.T) {
	result := demux(t, "end___")
	assert.Equal(t, "end___", result.Content)
}

func TestDemuxDeltasAccumulate(t *testing.T) {
	var contents []string
	var thinkings []string
	onDelta := func(content, thinking string) {
		contents = append(contents, content)
		thinkings = append(thinkings, thinking)
	}

	result, err := Demux(context.Background(), &chunkReader{chunks: []string{
		"Hel", "lo", "___THINKING___hm",
	}}, onDelta)
	require.NoError(t, err)

	assert.Equal(t, "Hello", result.Content)
	assert.Equal(t, "hm", result.Thinking)
	require.NotEmpty(t, contents)
	// Every observed value is a prefix of the next: increments are strictly
	// ordered and never regress.
	for i := 1; i < len(contents); i++ {
		assert.True(t, len(contents[i]) >= len(contents[i-1]))
		assert.Equal(t, contents[i][:len(contents[i-1])], contents[i-1])
	}
	assert.Equal(t, result.Content, contents[len(contents)-1])
	assert.Equal(t, result.Thinking, thinkings[len(thinkings)-1])
}

// cancellingReader emits its chunks, then cancels the context instead of
// ending the stream.
type cancellingReader struct {
	chunks []string
	i      int
	cancel context.CancelFunc
	ctx    context.Context
}

func (r *cancellingReader) Read(p []byte) (int, error) {
	if r.i < len(r.chunks) {
		n := copy(p, r.chunks[r.i])
		r.i++
		return n, nil
	}
	r.cancel()
	return 0, r.ctx.Err()
}

func TestDemuxCancellationKeepsPartials(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	reader := &cancellingReader{chunks: []string{"Hello wor"}, cancel: cancel, ctx: ctx}

	result, err := Demux(ctx, reader, nil)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "Hello wor", result.Content)
}

func TestMarkerPrefixLen(t *testing.T) {
	assert.Equal(t, 0, markerPrefixLen("hello"))
	assert.Equal(t, 3, markerPrefixLen("abc___"))
	assert.Equal(t, 11, markerPrefixLen("x___THINKING"))
	assert.Equal(t, 1, markerPrefixLen("_"))
	// A complete marker is not a prefix; it would have been consumed.
	assert.Equal(t, 13, markerPrefixLen("___THINKING__"))
}
