package session

import (
	"regexp"
	"strings"
)

// icd10Pattern matches a category (letter, digit, alphanumeric) with an
// optional subcategory of up to four characters after the dot.
var icd10Pattern = regexp.MustCompile(`^[A-Z][0-9][0-9A-Z](\.[0-9A-Z]{1,4})?$`)

// NormalizeCode upper-cases and trims a code and inserts the dot after the
// category when it was written without one ("m170" -> "M17.0").
func NormalizeCode(code string) string {
	c := strings.ToUpper(strings.TrimSpace(code))
	if len(c) > 3 && !strings.Contains(c, ".") {
		c = c[:3] + "." + c[3:]
	}
	return c
}

// ValidCode reports whether code is a syntactically valid ICD-10 code after
// normalisation. It does not check the code against a release table.
func ValidCode(code string) bool {
	return icd10Pattern.MatchString(NormalizeCode(code))
}

// looksLikeCode reports whether s contains a token that ValidCode accepts,
// dotted ("M17.11") or not ("m1711"). Bare three-character categories are
// let through: they collide with ordinary tokens such as "B12" or "H2O".
// Used to keep codes out of patient-facing text.
func looksLikeCode(s string) bool {
	for _, tok := range codeTokenPattern.FindAllString(strings.ToUpper(s), -1) {
		if len(tok) > 3 && ValidCode(tok) {
			return true
		}
	}
	return false
}

var codeTokenPattern = regexp.MustCompile(`\b[A-Z][0-9][0-9A-Z][0-9A-Z.]*\b`)
