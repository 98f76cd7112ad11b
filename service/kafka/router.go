package kafka

import (
	"fmt"
	"hash/crc32"
)

// GenTopics 按 pattern 生成 N 个 topic：im.delivery-00, im.delivery-01, ...
func GenTopics(pattern string, n int) []string {
	if n <= 0 {
		n = 1
	}
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, fmt.Sprintf(pattern, i))
	}
	return out
}

// SelectTopicByKey 同一 key（userId）永远命中同一个 topic
func SelectTopicByKey(key string, topics []string) string {
	if len(topics) == 0 {
		return ""
	}
	h := crc32.ChecksumIEEE([]byte(key))
	return topics[int(h%uint32(len(topics)))]
}
