package chat

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

const (
	MaxMessageBytes = 8192 // UTF-8 bytes
	MaxTextChars    = 2000 // max character count
	MaxNoticeChars  = 4000
)

var (
	ErrEmptyMessage = errors.New("message is empty")
	ErrInvalidUTF8  = errors.New("message contains invalid UTF-8")
	ErrNotImage     = errors.New("images must be a web address or a room asset")
)

var validate = validator.New()

// ValidateMessage checks that chat or whisper content meets content
// requirements.
func ValidateMessage(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	if !utf8.ValidString(text) {
		return ErrInvalidUTF8
	}
	if len(text) > MaxMessageBytes || utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("message exceeds %d character limit", MaxTextChars)
	}
	return nil
}

// ValidateImage checks that image content is a bare http(s) URL or a
// trusted asset path. Image content skips redaction and the mute check, so
// free text must not pass as an image.
func ValidateImage(content string, trusted func(string) bool) error {
	if trusted != nil && trusted(content) {
		return nil
	}
	if strings.ContainsFunc(content, unicode.IsSpace) || validate.Var(content, "http_url") != nil {
		return ErrNotImage
	}
	return nil
}

// ValidateNotice checks a room notice. An empty notice clears it.
func ValidateNotice(text string) error {
	if !utf8.ValidString(text) {
		return fmt.Errorf("notice contains invalid UTF-8")
	}
	if utf8.RuneCountInString(text) > MaxNoticeChars {
		return fmt.Errorf("notice exceeds %d character limit", MaxNoticeChars)
	}
	return nil
}
