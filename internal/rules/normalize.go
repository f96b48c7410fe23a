package rules

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Normalize prepares text for contains/starts_with matching: NFC
// normalization, lowercasing, trimming, and collapsing every run of
// whitespace (tabs and newlines included) to a single ASCII space.
// Pure and total; all-whitespace input yields "".
//
// Idempotent: Normalize(Normalize(t)) == Normalize(t).
func Normalize(text string) string {
	text = norm.NFC.String(text)
	text = strings.ToLower(text)

	var b strings.Builder
	b.Grow(len(text))
	inSpace := false
	for _, r := range text {
		if unicode.IsSpace(r) {
			inSpace = true
			continue
		}
		if inSpace && b.Len() > 0 {
			b.WriteByte(' ')
		}
		inSpace = false
		b.WriteRune(r)
	}
	return b.String()
}

// ExtractPhone reduces a JID or human-formatted phone string to its
// bare digit sequence: the part before the first '@' (the
// messaging-network domain suffix) with every non-digit stripped.
// A group JID (digits only) passes through unchanged after suffix
// removal. Pure and total; empty input yields "".
func ExtractPhone(idOrNumber string) string {
	if at := strings.IndexByte(idOrNumber, '@'); at >= 0 {
		idOrNumber = idOrNumber[:at]
	}

	var b strings.Builder
	b.Grow(len(idOrNumber))
	for i := 0; i < len(idOrNumber); i++ {
		c := idOrNumber[i]
		if c >= '0' && c <= '9' {
			b.WriteByte(c)
		}
	}
	return b.String()
}
