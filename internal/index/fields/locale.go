package fields

import (
	"fmt"

	"golang.org/x/text/language"
)

// LocaleMatcher negotiates the region hint for phone normalization from an
// Accept-Language header against the enabled languages.
type LocaleMatcher struct {
	supported []language.Tag
	matcher   language.Matcher
}

// NewLocaleMatcher builds a matcher over BCP 47 tags. The first tag is the
// fallback when nothing matches.
func NewLocaleMatcher(languages []string) (*LocaleMatcher, error) {
	if len(languages) == 0 {
		return nil, fmt.Errorf("at least one language must be enabled")
	}
	tags := make([]language.Tag, 0, len(languages))
	for _, l := range languages {
		tag, err := language.Parse(l)
		if err != nil {
			return nil, fmt.Errorf("parse language %q: %w", l, err)
		}
		tags = append(tags, tag)
	}
	return &LocaleMatcher{supported: tags, matcher: language.NewMatcher(tags)}, nil
}

// Region returns the ISO 3166 region of the best enabled language for the header.
func (m *LocaleMatcher) Region(acceptLanguage string) string {
	_, index := language.MatchStrings(m.matcher, acceptLanguage)
	return regionOf(m.supported[index])
}

// DefaultRegion is the region of the first enabled language.
func (m *LocaleMatcher) DefaultRegion() string {
	return regionOf(m.supported[0])
}

func regionOf(tag language.Tag) string {
	region, _ := tag.Region()
	return region.String()
}
