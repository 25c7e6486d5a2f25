package llm

import (
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// TokenCounter 在 provider 未返回 usage 时估算 token 数
type TokenCounter struct {
	once  sync.Once
	codec tokenizer.Codec
}

// DefaultTokenCounter 共享的 cl100k_base 计数器
var DefaultTokenCounter = &TokenCounter{}

func (t *TokenCounter) init() {
	t.once.Do(func() {
		if c, err := tokenizer.Get(tokenizer.Cl100kBase); err == nil {
			t.codec = c
		}
	})
}

// Count 返回 s 的 token 数；编码器不可用时按 4 字符 1 token 估算
func (t *TokenCounter) Count(s string) int {
	if s == "" {
		return 0
	}
	t.init()
	if t.codec != nil {
		if ids, _, err := t.codec.Encode(s); err == nil {
			return len(ids)
		}
	}
	return approxTokens(s)
}

// CountMessages 估算消息列表的 token 数（每条消息附加少量角色开销）
func (t *TokenCounter) CountMessages(msgs []Message) int {
	total := 0
	for _, m := range msgs {
		total += 4 + t.Count(m.Content)
	}
	return total
}

func approxTokens(s string) int {
	n := len(s) / 4
	if n < 1 {
		n = 1
	}
	return n
}
