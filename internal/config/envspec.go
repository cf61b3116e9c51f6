package config

import (
	"regexp"
	"strings"
)

var (
	envSpecWellFormed = regexp.MustCompile(`\S=\S`)
	envSpecDelimiter  = regexp.MustCompile(`\s?;\s?`)
)

// ParseEnvSpec parses a ;-delimited key=value environment spec into an
// overlay map. A spec with no key=value pattern anywhere is malformed and
// yields nil: nothing is merged. Each segment is split once on the first =,
// so values may themselves contain =.
func ParseEnvSpec(spec string) map[string]string {
	if !envSpecWellFormed.MatchString(spec) {
		return nil
	}

	overlay := make(map[string]string)
	for _, segment := range envSpecDelimiter.Split(spec, -1) {
		key, value, ok := strings.Cut(segment, "=")
		if !ok || key == "" {
			continue
		}
		overlay[key] = value
	}
	return overlay
}
