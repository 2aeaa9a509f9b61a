package attachment

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/xaenox/chatd/internal/models"
)

// MaxSizeBytes is the upper bound for a single attachment.
const MaxSizeBytes = 3 * 1024 * 1024

// ValidationError describes an attachment rejected before it ever reaches the
// gateway.
type ValidationError struct {
	Name   string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("attachment %q rejected: %s", e.Name, e.Reason)
}

// Validate checks an attachment candidate against the accepted types
// (images and PDFs) and the size cap.
func Validate(name, mimeType string, size int64) error {
	if !strings.HasPrefix(mimeType, "image/") && mimeType != "application/pdf" {
		return &ValidationError{Name: name, Reason: fmt.Sprintf("unsupported type %s", mimeType)}
	}
	if size > MaxSizeBytes {
		return &ValidationError{Name: name, Reason: fmt.Sprintf("size %d exceeds %d byte limit", size, MaxSizeBytes)}
	}
	if size < 0 {
		return &ValidationError{Name: name, Reason: "negative size"}
	}
	return nil
}

// Encode validates raw file bytes and produces the inline transport
// representation owned by a message.
func Encode(name, mimeType string, data []byte) (models.Attachment, error) {
	if err := Validate(name, mimeType, int64(len(data))); err != nil {
		return models.Attachment{}, err
	}
	return models.Attachment{
		Name:      name,
		MimeType:  mimeType,
		SizeBytes: int64(len(data)),
		Data:      base64.StdEncoding.EncodeToString(data),
	}, nil
}

// Decode returns the raw bytes of an encoded attachment.
func Decode(att models.Attachment) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(att.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode attachment %q: %w", att.Name, err)
	}
	return data, nil
}

// DataURL renders an attachment as an inline data URL for multimodal
// completion requests.
func DataURL(att models.Attachment) string {
	return fmt.Sprintf("data:%s;base64,%s", att.MimeType, att.Data)
}
