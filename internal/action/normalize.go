package action

import "strings"

// NormalizeKeys 将对象的全部键从线上约定的 snake_case 递归转换为
// 内部约定的 camelCase。数组与嵌套对象一并处理，值保持原样。
func NormalizeKeys(value any) any {
	switch v := value.(type) {
	case map[string]any:
		normalized := make(map[string]any, len(v))
		for key, inner := range v {
			normalized[snakeToCamel(key)] = NormalizeKeys(inner)
		}
		return normalized
	case []any:
		normalized := make([]any, len(v))
		for i, inner := range v {
			normalized[i] = NormalizeKeys(inner)
		}
		return normalized
	default:
		return value
	}
}

// snakeToCamel 转换单个键名。没有下划线的键原样返回。
func snakeToCamel(key string) string {
	if !strings.Contains(key, "_") {
		return key
	}
	parts := strings.Split(key, "_")
	var builder strings.Builder
	builder.Grow(len(key))
	first := true
	for _, part := range parts {
		if part == "" {
			continue
		}
		if first {
			builder.WriteString(part)
			first = false
			continue
		}
		builder.WriteString(strings.ToUpper(part[:1]))
		builder.WriteString(part[1:])
	}
	if builder.Len() == 0 {
		return key
	}
	return builder.String()
}
