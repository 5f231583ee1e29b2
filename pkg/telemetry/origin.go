package telemetry

import (
	"regexp"
	"strings"
)

// Unknown is reported for every origin field when no frame can be parsed.
const Unknown = "unknown"

// Origin is the source location of the first parsable frame of a trace.
type Origin struct {
	File   string
	Line   string
	Column string
}

// IsUnknown reports whether the origin is the fallback triple.
func (o Origin) IsUnknown() bool {
	return o.File == Unknown && o.Line == Unknown && o.Column == Unknown
}

// Matches "at fn (path:line:col)" and "at path:line:col".
var framePattern = regexp.MustCompile(`(?:at\s+(?:.*?\s+)?\(?)(.*?):(\d+):(\d+)\)?$`)

// ParseOrigin extracts the first frame matching path:line:column from a multi-line
// trace. Line 0 is the summary line and is never scanned. File is reduced to its
// base name. When nothing matches, every field is Unknown.
func ParseOrigin(text string) Origin {
	lines := strings.Split(text, "\n")
	for i := 1; i < len(lines); i++ {
		line := strings.TrimRight(lines[i], "\r")
		m := framePattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		file := m[1]
		if idx := strings.LastIndex(file, "/"); idx >= 0 && idx < len(file)-1 {
			file = file[idx+1:]
		}
		return Origin{File: file, Line: m[2], Column: m[3]}
	}
	return Origin{File: Unknown, Line: Unknown, Column: Unknown}
}
