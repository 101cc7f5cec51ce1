// file: pkg/util/base64.go

package util

import (
	"encoding/base64"
	"sort"
	"unicode/utf8"
)

// DecodeBase64Map 就地把 data 中的 base64 字符串解码为明文。
// 无法解码、解码结果不是合法 UTF-8 或编码不规范的键保持原样，并按键名排序返回。
func DecodeBase64Map(data map[string]interface{}) []string {
	var skipped []string
	for k, v := range data {
		s, ok := v.(string)
		if !ok {
			skipped = append(skipped, k)
			continue
		}
		decoded, err := base64.StdEncoding.DecodeString(s)
		// 非规范编码（多余的填充位、换行）重新编码后会变，同样原样保留
		if err != nil || !utf8.Valid(decoded) || base64.StdEncoding.EncodeToString(decoded) != s {
			skipped = append(skipped, k)
			continue
		}
		data[k] = string(decoded)
	}
	sort.Strings(skipped)
	return skipped
}

// EncodeBase64Map 就地把 data 中的明文重新编码，跳过 skipped 中的键。
func EncodeBase64Map(data map[string]interface{}, skipped []string) {
	skip := make(map[string]bool, len(skipped))
	for _, k := range skipped {
		skip[k] = true
	}
	for k, v := range data {
		if skip[k] {
			continue
		}
		if s, ok := v.(string); ok {
			data[k] = base64.StdEncoding.EncodeToString([]byte(s))
		}
	}
}
