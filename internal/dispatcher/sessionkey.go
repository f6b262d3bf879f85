package dispatcher

import "regexp"

// sessionKeyPattern matches a "#N " prefix at the start of content,
// capturing N. Per spec §4.4 step 7: "match ^\s*#(\d+)(\s+|$) at the
// start of content".
var sessionKeyPattern = regexp.MustCompile(`^\s*#(\d+)(\s+|$)`)

// extractSessionKey parses a leading "#N " prefix, returning the parsed
// key and the content with the prefix removed. If no prefix is present,
// returns (0, content) unchanged. extractSessionKey is the left-inverse
// of prepending "#<k> " (spec §8).
func extractSessionKey(content string) (int, string) {
	loc := sessionKeyPattern.FindStringSubmatchIndex(content)
	if loc == nil {
		return 0, content
	}

	numStart, numEnd := loc[2], loc[3]
	key := 0
	for _, c := range content[numStart:numEnd] {
		key = key*10 + int(c-'0')
	}

	return key, content[loc[1]:]
}
