package ac

import (
	"bytes"
	"strings"

	ahocorasick "github.com/anknown/ahocorasick"
)

// Filter 基于Aho-Corasick自动机的屏蔽词过滤器
// 显式实例, 由调用方在启动时构造并持有, 不使用包级全局状态
type Filter struct {
	m *ahocorasick.Machine
}

// readRunes 将字符串字典转换为rune切片数组, 满足AC自动机的输入格式
func readRunes(dict []string) (runes [][]rune) {
	for _, word := range dict {
		word = strings.ToLower(word)          // 转换为小写, 大小写不敏感匹配
		l := bytes.TrimSpace([]byte(word))    // 去除前后空白字符
		runes = append(runes, bytes.Runes(l)) // 转换为rune切片, 支持中文等多字节字符
	}
	return runes
}

// NewFilter 根据屏蔽词字典构造过滤器, 空字典返回可用但永不命中的实例
func NewFilter(dict []string) (*Filter, error) {
	f := &Filter{}
	if len(dict) == 0 {
		return f, nil
	}
	f.m = new(ahocorasick.Machine)
	if err := f.m.Build(readRunes(dict)); err != nil {
		return nil, err
	}
	return f, nil
}

// Search 多模式串搜索, 返回是否命中与命中的词
func (f *Filter) Search(text string, stopImmediately bool) (bool, []string) {
	if f.m == nil || len(text) == 0 {
		return false, nil
	}
	hits := f.m.MultiPatternSearch([]rune(strings.ToLower(text)), stopImmediately)
	if len(hits) == 0 {
		return false, nil
	}
	words := make([]string, 0, len(hits))
	for _, hit := range hits {
		words = append(words, string(hit.Word))
	}
	return true, words
}

// Mask 将命中的屏蔽词替换为等长的星号, 未命中时原样返回
func (f *Filter) Mask(text string) string {
	if f.m == nil || len(text) == 0 {
		return text
	}
	runes := []rune(text)
	hits := f.m.MultiPatternSearch([]rune(strings.ToLower(text)), false)
	if len(hits) == 0 {
		return text
	}
	for _, hit := range hits {
		for i := hit.Pos; i < hit.Pos+len(hit.Word) && i < len(runes); i++ {
			runes[i] = '*'
		}
	}
	return string(runes)
}
