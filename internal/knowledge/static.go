package knowledge

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

const defaultMaxResults = 3

// Provider 根据任务与数据说明检索可注入规划提示词的参考资料。
type Provider interface {
	Query(task, dataDescription string) []Snippet
}

// Snippet 是一条数据分析经验，Keywords 与 Tags 都为空时视为通用条目。
type Snippet struct {
	Title    string   `json:"title" yaml:"title"`
	Content  string   `json:"content" yaml:"content"`
	Keywords []string `json:"keywords" yaml:"keywords"`
	Tags     []string `json:"tags" yaml:"tags"`
}

func (s Snippet) generic() bool {
	return len(s.Keywords) == 0 && len(s.Tags) == 0
}

// score 统计命中的关键词与标签数量。
func (s Snippet) score(haystack string) int {
	hits := 0
	for _, word := range slices.Concat(s.Keywords, s.Tags) {
		word = strings.ToLower(strings.TrimSpace(word))
		if word != "" && strings.Contains(haystack, word) {
			hits++
		}
	}
	return hits
}

// StaticProvider 在内存中保存从文件加载的条目。
type StaticProvider struct {
	items      []Snippet
	maxResults int
}

func NewStaticProvider(items []Snippet, maxResults int) *StaticProvider {
	if maxResults <= 0 {
		maxResults = defaultMaxResults
	}
	return &StaticProvider{items: items, maxResults: maxResults}
}

// LoadStaticProvider 读取 JSON 或 YAML 格式的条目列表。
func LoadStaticProvider(path string, maxResults int) (*StaticProvider, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("知识库文件路径不能为空")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取知识库文件失败: %w", err)
	}
	var items []Snippet
	if ext := strings.ToLower(filepath.Ext(path)); ext == ".yaml" || ext == ".yml" {
		err = yaml.Unmarshal(content, &items)
	} else {
		err = json.Unmarshal(content, &items)
	}
	if err != nil {
		return nil, fmt.Errorf("解析知识库文件 %s 失败: %w", filepath.Base(path), err)
	}
	return NewStaticProvider(items, maxResults), nil
}

// Query 返回命中的条目，命中越多越靠前，同分保持文件顺序，通用条目排在最后。
func (p *StaticProvider) Query(task, dataDescription string) []Snippet {
	if p == nil {
		return nil
	}
	haystack := strings.ToLower(task + "\n" + dataDescription)

	type ranked struct {
		snippet Snippet
		score   int
	}
	var candidates []ranked
	for _, item := range p.items {
		switch score := item.score(haystack); {
		case score > 0:
			candidates = append(candidates, ranked{item, score})
		case item.generic():
			candidates = append(candidates, ranked{item, 0})
		}
	}
	slices.SortStableFunc(candidates, func(a, b ranked) int { return b.score - a.score })

	results := make([]Snippet, 0, min(len(candidates), p.maxResults))
	for _, c := range candidates[:min(len(candidates), p.maxResults)] {
		results = append(results, c.snippet)
	}
	return results
}

var _ Provider = (*StaticProvider)(nil)
