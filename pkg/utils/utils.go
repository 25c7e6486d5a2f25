// Package utils 通用小工具，不依赖 internal
package utils

import "cmp"

// CoalesceString 返回第一个非空字符串
func CoalesceString(ss ...string) string {
	return cmp.Or(ss...)
}

// Positive 若 v 不为正则返回 def，用于数值与时长类配置的默认值
func Positive[T cmp.Ordered](v, def T) T {
	var zero T
	if v <= zero {
		return def
	}
	return v
}
