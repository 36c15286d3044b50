package discovery

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/winefact/winefact/internal/research"
)

var vintageRE = regexp.MustCompile(`\b(19|20)\d{2}\b`)

// wineSearcherCandidate composes a wine-searcher.com find URL for subjects
// that look like a wine (a name carrying or accompanied by a 4-digit
// vintage). It is deterministic and therefore ranked ahead of provider hits.
func wineSearcherCandidate(subject research.Subject) (research.SourceCandidate, bool) {
	name := strings.TrimSpace(subject.Name)
	vintage := subject.Attrs["vintage"]
	if vintage == "" {
		if m := vintageRE.FindString(name); m != "" {
			vintage = m
			name = strings.TrimSpace(vintageRE.ReplaceAllString(name, ""))
		}
	}
	if name == "" || vintage == "" {
		return research.SourceCandidate{}, false
	}
	u := fmt.Sprintf("https://www.wine-searcher.com/find/%s/%s/usa/-/ndbipe?Xsort_order=p&Xcurrencycode=USD&Xsavecurrency=Y",
		slugify(name), vintage)
	return research.SourceCandidate{URL: u, Provider: "winesearcher"}, true
}

func slugify(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	lastDash := false
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash && b.Len() > 0 {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
