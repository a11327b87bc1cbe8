// Package simhash fingerprints chunk transcripts to spot consecutive
// near-duplicates, a common symptom of a backend repeating itself on
// silent or corrupted audio.
package simhash

import (
	"math/bits"
	"strings"
	"unicode"

	"github.com/go-dedup/simhash"
)

// DuplicateThreshold 汉明距离 <= 该值视为近似重复
const DuplicateThreshold = 3

// minWords 少于该词数的片段不参与比较，短句天然容易相似
const minWords = 8

// shingleSize 词级 shingle 窗口
const shingleSize = 3

// FragmentFeatureSet 实现 simhash.FeatureSet，按词级 shingle 提取特征
type FragmentFeatureSet struct {
	words []string
}

// GetFeatures 提取文本特征
func (f FragmentFeatureSet) GetFeatures() []simhash.Feature {
	if len(f.words) == 0 {
		return []simhash.Feature{}
	}
	if len(f.words) < shingleSize {
		features := make([]simhash.Feature, 0, len(f.words))
		for _, w := range f.words {
			features = append(features, simhash.NewFeature([]byte(w)))
		}
		return features
	}

	features := make([]simhash.Feature, 0, len(f.words)-shingleSize+1)
	for i := 0; i+shingleSize <= len(f.words); i++ {
		shingle := strings.Join(f.words[i:i+shingleSize], " ")
		features = append(features, simhash.NewFeature([]byte(shingle)))
	}
	return features
}

// normalize 转小写并去掉词两端的标点
func normalize(text string) []string {
	fields := strings.Fields(strings.ToLower(text))
	words := fields[:0]
	for _, f := range fields {
		w := strings.TrimFunc(f, func(r rune) bool { return unicode.IsPunct(r) })
		if w != "" {
			words = append(words, w)
		}
	}
	return words
}

// Fingerprint 计算文本的 64 位 SimHash 指纹
func Fingerprint(text string) uint64 {
	return simhash.NewSimhash().GetSimhash(FragmentFeatureSet{words: normalize(text)})
}

// HammingDistance 计算两个指纹的汉明距离（0-64）
func HammingDistance(hash1, hash2 uint64) int {
	return bits.OnesCount64(hash1 ^ hash2)
}

// NearDuplicate 判断两段转写是否近似重复，过短的文本一律返回 false
func NearDuplicate(text1, text2 string) bool {
	if len(normalize(text1)) < minWords || len(normalize(text2)) < minWords {
		return false
	}
	return HammingDistance(Fingerprint(text1), Fingerprint(text2)) <= DuplicateThreshold
}

// ConsecutiveDuplicates 返回与前一项近似重复的下标
func ConsecutiveDuplicates(texts []string) []int {
	var dups []int
	for i := 1; i < len(texts); i++ {
		if NearDuplicate(texts[i-1], texts[i]) {
			dups = append(dups, i)
		}
	}
	return dups
}
