package ai

import (
	"encoding/json"
	"io"
	"strings"

	"github.com/invopop/jsonschema"
)

// GenerateSchema 反射出 T 的 JSON Schema，用于嵌入结构化输出的提示词。
func GenerateSchema[T any]() (string, error) {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties:  false,
		DoNotReference:             true,
		RequiredFromJSONSchemaTags: true,
	}
	var v T
	schema := reflector.Reflect(v)
	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// DecodeModelJSON 解析模型输出中的 JSON 对象。
// 先整体解析；失败时截取第一个 '{' 到最后一个 '}' 再试，以兼容代码块包裹或前后缀说明。
func DecodeModelJSON(outputText string, v any) error {
	s := strings.TrimSpace(outputText)
	if s == "" {
		return io.ErrUnexpectedEOF
	}

	if err := json.Unmarshal([]byte(s), v); err == nil {
		return nil
	}

	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start != -1 && end == -1 {
		return io.ErrUnexpectedEOF
	}
	if start == -1 || end <= start {
		return json.Unmarshal([]byte(s), v)
	}
	return json.Unmarshal([]byte(s[start:end+1]), v)
}
