package security

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// emailPattern matches a quoted or unquoted local part of any script, then the
// domain, which is kept.
var emailPattern = regexp.MustCompile(`(?:"[^"\r\n]*"|[^\s<>"(),;:@\[\]]+)@([\p{L}\p{N}.-]+\.\p{L}{2,})`)

// RedactEmail masks the local part of an address, keeping the domain for
// debugging: "john@gmail.com" becomes "***@gmail.com". Input without an "@"
// is masked entirely.
func RedactEmail(address string) string {
	if address == "" {
		return ""
	}
	at := strings.LastIndexByte(address, '@')
	if at < 0 {
		return "***"
	}
	return "***@" + address[at+1:]
}

// RedactText masks every email address embedded in free text.
func RedactText(text string) string {
	return emailPattern.ReplaceAllString(text, "***@$1")
}

// RedactSubject keeps the first three characters of a subject and its length.
// Short subjects are returned unchanged.
func RedactSubject(subject string) string {
	n := utf8.RuneCountInString(subject)
	if n < 6 {
		return subject
	}
	return fmt.Sprintf("%s...[%d chars]", string([]rune(subject)[:3]), n)
}

// RedactKey hides the message-id prefix of an object key in logs.
func RedactKey(key string) string {
	if i := strings.LastIndexByte(key, '/'); i >= 0 {
		return ".../" + key[i+1:]
	}
	return key
}
