package moderation

import (
	"regexp"
	"unicode"
)

// Compiled once and shared; regexp values are safe for concurrent use.
var (
	// urlPattern matches http/https URLs, www. URLs, and common TLD patterns.
	// The bare-domain variant requires a trailing "/" to avoid false positives
	// on version strings like "v2.0" or decimal numbers like "3.14".
	urlPattern = regexp.MustCompile(`(?i)(https?://\S+|www\.\S+|\S+\.(com|net|org|io|co|fr|xyz|info|biz|ru|cn|tk|ml|ga|cf)/\S*)`)

	// phonePattern matches various phone number formats such as:
	//   +1-555-123-4567, (555) 123-4567, 555.123.4567, 0612345678
	// Anchored to whitespace/string boundaries to avoid matching random digit
	// sequences embedded in normal words or short numbers like "100".
	phonePattern = regexp.MustCompile(`(?:^|\s)(\+?\d{1,3}[-.\s]?)?\(?\d{2,4}\)?[-.\s]?\d{3,4}[-.\s]?\d{3,4}(?:\s|$)`)

	// pairedPhonePattern matches numbers written in digit pairs, e.g.
	// 06 12 34 56 78 or +33 6 12 34 56 78.
	pairedPhonePattern = regexp.MustCompile(`(?:^|\s)(?:\+\d{2}\s?|0)[1-9](?:[\s.-]?\d{2}){4}(?:\s|$)`)

	emailPattern = regexp.MustCompile(`(?i)[a-z0-9._%+-]+@[a-z0-9.-]+\.[a-z]{2,}`)

	// handlePattern matches a social handle such as @someone. The leading
	// boundary keeps the local part of an email address out.
	handlePattern = regexp.MustCompile(`(?:^|[\s(])@[A-Za-z0-9_.]{2,30}`)
)

// structuralCheck is a pattern whose match suggests personal data.
type structuralCheck struct {
	name  string
	match func(string) bool
}

// structuralChecks each add the pattern weight once per message.
var structuralChecks = []structuralCheck{
	{name: "phone", match: func(text string) bool {
		return phonePattern.MatchString(text) || pairedPhonePattern.MatchString(text)
	}},
	{name: "email", match: emailPattern.MatchString},
	{name: "url", match: urlPattern.MatchString},
	{name: "handle", match: handlePattern.MatchString},
}

// hasCharFlood returns true if text contains run or more consecutive
// identical characters. Go's regexp package (RE2) does not support
// backreferences, so this is a simple linear scan.
func hasCharFlood(text string, run int) bool {
	count := 1
	prev := rune(-1)
	for _, r := range text {
		if r == prev {
			count++
			if count >= run {
				return true
			}
		} else {
			count = 1
			prev = r
		}
	}
	return false
}

// textShape counts the rune classes the caps and special-character rules
// look at.
type textShape struct {
	runes   int
	upper   int
	special int
}

func shapeOf(text string) textShape {
	var s textShape
	for _, r := range text {
		s.runes++
		switch {
		case unicode.IsUpper(r):
			s.upper++
		case unicode.IsLetter(r), unicode.IsDigit(r), unicode.IsSpace(r):
		default:
			s.special++
		}
	}
	return s
}
