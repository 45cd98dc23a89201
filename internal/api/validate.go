package api

import (
	"strings"
	"unicode/utf8"
)

// maxCallIDLen bounds call ids accepted in paths.
const maxCallIDLen = 128

// maxTokenLen bounds push tokens. FCM tokens are around 160 characters and
// APNs tokens 64; the limit leaves room for other providers.
const maxTokenLen = 4096

// maxSearchLen bounds the history search term.
const maxSearchLen = 100

// validateStringLen checks that a string does not exceed maxLen runes.
// Returns an error message if invalid, empty string if OK.
func validateStringLen(field, value string, maxLen int) string {
	if utf8.RuneCountInString(value) > maxLen {
		return field + " exceeds maximum length"
	}
	return ""
}

// validateRequiredStringLen checks that a non-empty string does not exceed maxLen runes.
func validateRequiredStringLen(field, value string, maxLen int) string {
	if value == "" {
		return field + " is required"
	}
	return validateStringLen(field, value, maxLen)
}

// validateCallID checks a call id taken from the URL.
func validateCallID(value string) string {
	if msg := validateRequiredStringLen("call id", value, maxCallIDLen); msg != "" {
		return msg
	}
	if strings.TrimSpace(value) != value || containsControlChars(value) {
		return "call id contains invalid characters"
	}
	return ""
}

// validateToken checks a push token.
func validateToken(value string) string {
	if msg := validateRequiredStringLen("token", value, maxTokenLen); msg != "" {
		return msg
	}
	if strings.ContainsAny(value, " \t\r\n") || containsControlChars(value) {
		return "token contains invalid characters"
	}
	return ""
}

// containsControlChars checks whether a string has control characters
// (except common whitespace like \n, \r, \t).
func containsControlChars(s string) bool {
	for _, r := range s {
		if r < 32 && r != '\n' && r != '\r' && r != '\t' {
			return true
		}
	}
	return false
}

// validateNoControlChars rejects strings with control characters.
func validateNoControlChars(field, value string) string {
	if containsControlChars(value) {
		return field + " contains invalid characters"
	}
	return ""
}
