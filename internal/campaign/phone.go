package campaign

import "strings"

// NormalizePhone reduces raw to digits with a country-code prefix. A leading
// international "00" is dropped, and a 10 or 11 digit national number gets
// defaultCountryCode in front. Anything shorter than 8 digits is unusable and
// yields "".
func NormalizePhone(raw, defaultCountryCode string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()

	digits = strings.TrimPrefix(digits, "00")

	if len(digits) < 8 {
		return ""
	}

	if len(digits) == 10 || len(digits) == 11 {
		digits = defaultCountryCode + digits
	}
	return digits
}
