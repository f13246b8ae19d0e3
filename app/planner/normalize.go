package planner

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/lysyi3m/outing-planner/app/web"
)

// normalizeText folds width and case and drops everything that is not a
// letter or digit, so "ＤＩＮＯ  Fes!" and "dino fes" compare equal.
func normalizeText(s string) string {
	s = norm.NFKC.String(s)
	s = cases.Fold().String(s)

	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			return r
		}
		return -1
	}, s)
}

func normalizeURL(u string) string {
	return web.NormalizeURL(u)
}

// eventKey identifies a physical event by name and venue. It is empty when
// the name is unknown.
func eventKey(name, venue string) string {
	n := normalizeText(name)
	if n == "" {
		return ""
	}
	return n + "@" + normalizeText(venue)
}
