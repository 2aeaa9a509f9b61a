package attachment

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate("shot.png", "image/png", 1024))
	assert.NoError(t, Validate("doc.pdf", "application/pdf", MaxSizeBytes))

	err := Validate("notes.txt", "text/plain", 10)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "notes.txt", verr.Name)
	assert.Contains(t, verr.Reason, "unsupported type")

	err = Validate("huge.png", "image/png", MaxSizeBytes+1)
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Reason, "exceeds")

	err = Validate("weird.png", "image/png", -1)
	assert.ErrorAs(t, err, &verr)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	raw := []byte{0x89, 'P', 'N', 'G', 0x00, 0xff}

	att, err := Encode("shot.png", "image/png", raw)
	require.NoError(t, err)
	assert.Equal(t, "shot.png", att.Name)
	assert.Equal(t, "image/png", att.MimeType)
	assert.Equal(t, int64(len(raw)), att.SizeBytes)

	decoded, err := Decode(att)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(raw, decoded))
}

func TestEncodeRejectsInvalid(t *testing.T) {
	_, err := Encode("dump.bin", "application/octet-stream", []byte("x"))
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)

	oversized := bytes.Repeat([]byte{0xab}, MaxSizeBytes+1)
	_, err = Encode("big.png", "image/png", oversized)
	assert.ErrorAs(t, err, &verr)
}

func TestDecodeBadBase64(t *testing.T) {
	att, err := Encode("a.png", "image/png", []byte("ok"))
	require.NoError(t, err)
	att.Data = "not base64!!"

	_, err = Decode(att)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "a.png")
}

func TestDataURL(t *testing.T) {
	att, err := Encode("a.png", "image/png", []byte("hey"))
	require.NoError(t, err)

	url := DataURL(att)
	assert.True(t, strings.HasPrefix(url, "data:image/png;base64,"))
	assert.Equal(t, "data:image/png;base64,aGV5", url)
}
