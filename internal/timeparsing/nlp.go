package timeparsing

import (
	"fmt"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

var nlParser *when.Parser

func init() {
	nlParser = when.New(nil)
	nlParser.Add(en.All...)
	nlParser.Add(common.All...)
}

// ParseNaturalLanguage parses expressions like "yesterday", "next monday",
// or "2 weeks ago" relative to now. Returns an error when the whole input
// is not a recognizable time expression.
func ParseNaturalLanguage(s string, now time.Time) (time.Time, error) {
	result, err := nlParser.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing %q: %w", s, err)
	}
	if result == nil {
		return time.Time{}, fmt.Errorf("not a natural-language time: %q", s)
	}
	return result.Time, nil
}
