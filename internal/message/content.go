package message

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxContentBytes = 4096 // 4KB max stored message
	MaxContentChars = 2000 // max character count
)

// ValidateContent checks that message content meets storage requirements.
func ValidateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyContent
	}
	if !utf8.ValidString(content) {
		return fmt.Errorf("%w: invalid UTF-8", ErrInvalidContent)
	}
	if len(content) > MaxContentBytes {
		return fmt.Errorf("%w: exceeds %d byte limit", ErrContentTooLong, MaxContentBytes)
	}
	if utf8.RuneCountInString(content) > MaxContentChars {
		return fmt.Errorf("%w: exceeds %d character limit", ErrContentTooLong, MaxContentChars)
	}
	return nil
}
