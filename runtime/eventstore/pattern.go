package eventstore

import (
	"regexp"
	"strings"

	"github.com/rillflow/rill/runtime/result"
)

// Pattern is a stream id glob. "*" matches any run of characters, every
// other character matches literally. "*" alone matches every stream.
type Pattern struct {
	raw string
	re  *regexp.Regexp
}

// CompilePattern validates and compiles a stream glob.
func CompilePattern(pattern string) (Pattern, error) {
	if pattern == "" {
		return Pattern{}, result.Validationf("empty stream pattern")
	}
	p := Pattern{raw: pattern}
	if pattern == "*" || !strings.Contains(pattern, "*") {
		return p, nil
	}
	var sb strings.Builder
	sb.WriteString("^")
	parts := strings.Split(pattern, "*")
	for i, part := range parts {
		sb.WriteString(regexp.QuoteMeta(part))
		if i < len(parts)-1 {
			sb.WriteString(".*")
		}
	}
	sb.WriteString("$")
	re, err := regexp.Compile(sb.String())
	if err != nil {
		return Pattern{}, result.Wrapf(result.KindValidation, err, "invalid stream pattern %q", pattern)
	}
	p.re = re
	return p, nil
}

// Match reports whether streamID matches the pattern.
func (p Pattern) Match(streamID string) bool {
	if p.raw == "*" {
		return true
	}
	if p.re == nil {
		return streamID == p.raw
	}
	return p.re.MatchString(streamID)
}

// String returns the original glob.
func (p Pattern) String() string { return p.raw }
