package generator

import (
	"encoding/json"
	"regexp"
	"strings"
)

// openFence matches a ```python fence and the rest of its info line.
var openFence = regexp.MustCompile("(?i)```python[^\n]*\n?")

const closeFence = "```"

// ExtractCode pulls a script out of a model reply. A ```python fence wins;
// the code runs to the last closing fence after it, or to the end of the
// reply if the fence is never closed. Without a fence, the outermost {...}
// span is parsed as JSON and its "code" field is used.
func ExtractCode(reply string) (string, bool) {
	if loc := openFence.FindStringIndex(reply); loc != nil {
		body := reply[loc[1]:]
		if end := strings.LastIndex(body, closeFence); end >= 0 {
			body = body[:end]
		}
		if code := trimCode(body); code != "" {
			return code, true
		}
	}

	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start >= 0 && end > start {
		var payload struct {
			Code string `json:"code"`
		}
		if err := json.Unmarshal([]byte(reply[start:end+1]), &payload); err == nil {
			if code := trimCode(payload.Code); code != "" {
				return code, true
			}
		}
	}

	return "", false
}

// trimCode drops blank leading lines and trailing whitespace but keeps the
// indentation of the first code line.
func trimCode(s string) string {
	s = strings.TrimRight(s, " \t\r\n")
	for {
		nl := strings.IndexByte(s, '\n')
		if nl < 0 || strings.TrimSpace(s[:nl]) != "" {
			break
		}
		s = s[nl+1:]
	}
	if strings.TrimSpace(s) == "" {
		return ""
	}
	return s
}
