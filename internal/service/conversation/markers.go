package conversation

import (
	"regexp"
	"strings"
)

// 模型回复中的内联标记（提示词与解析器之间的固定协议）：
//
//	[READY_FOR_STORY]
//	[CONTEXT: <不含 ']' 的文本>]
//	[EMOTION: <不含 ']' 的文本>]
//
// 标签名大小写不敏感，标签内首尾空白忽略，空内容的标记被丢弃。
const (
	MarkerReady   = "[READY_FOR_STORY]"
	MarkerContext = "CONTEXT"
	MarkerEmotion = "EMOTION"
)

var (
	readyPattern   = regexp.MustCompile(`(?i)\[\s*READY_FOR_STORY\s*\]`)
	contextPattern = regexp.MustCompile(`(?i)\[\s*CONTEXT\s*:([^\]]*)\]`)
	emotionPattern = regexp.MustCompile(`(?i)\[\s*EMOTION\s*:([^\]]*)\]`)
	anyMarker      = regexp.MustCompile(`(?i)\[\s*(?:READY_FOR_STORY\s*|(?:CONTEXT|EMOTION)\s*:[^\]]*)\]`)

	horizontalSpace = regexp.MustCompile(`[ \t\f\v]+`)
	blankLines      = regexp.MustCompile(`\n{3,}`)
)

// Markers 是从一次模型回复中解析出的元数据。
type Markers struct {
	Ready    bool
	Contexts []string
	Emotions []string
	// Reply 是去除全部标记后的展示文本。
	Reply string
}

// ParseMarkers 提取标记并返回去标记后的回复；没有任何标记不是错误。
func ParseMarkers(raw string) Markers {
	return Markers{
		Ready:    readyPattern.MatchString(raw),
		Contexts: payloads(contextPattern, raw),
		Emotions: payloads(emotionPattern, raw),
		Reply:    Strip(raw),
	}
}

// Strip 反复移除标记直到不再变化，再规整空白。
// 结果中不会残留可识别的标记，且 Strip(Strip(s)) == Strip(s)。
func Strip(text string) string {
	current := text
	for {
		next := normalizeWhitespace(anyMarker.ReplaceAllString(current, ""))
		if next == current {
			return next
		}
		current = next
	}
}

func payloads(pattern *regexp.Regexp, raw string) []string {
	matches := pattern.FindAllStringSubmatch(raw, -1)
	if len(matches) == 0 {
		return nil
	}
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		if value := strings.TrimSpace(m[1]); value != "" {
			out = append(out, value)
		}
	}
	return out
}

func normalizeWhitespace(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(horizontalSpace.ReplaceAllString(line, " "))
	}
	text = strings.Join(lines, "\n")
	text = blankLines.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
