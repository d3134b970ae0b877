package classifier

import (
	"context"
	"sort"
	"strings"
	"unicode"

	"github.com/BaSui01/agentbus/types"
)

// Classifier turns a natural-language request into a classification.
type Classifier interface {
	Classify(ctx context.Context, req *types.TaskRequest) (*types.Classification, error)
}

// ClassifierFunc 函数适配器
type ClassifierFunc func(ctx context.Context, req *types.TaskRequest) (*types.Classification, error)

// Classify implements Classifier.
func (f ClassifierFunc) Classify(ctx context.Context, req *types.TaskRequest) (*types.Classification, error) {
	return f(ctx, req)
}

// =============================================================================
// 🔤 关键词分类器
// =============================================================================

// Rule maps keywords to a classification code. A keyword may span
// several words and matches on word boundaries.
type Rule struct {
	Code     types.OpCode `yaml:"code" json:"code"`
	Keywords []string     `yaml:"keywords" json:"keywords"`
}

// Hint extracts one UserContext key. The first matching value wins;
// multi-valued hints collect every matching value.
type Hint struct {
	Key    string              `yaml:"key" json:"key"`
	Values map[string][]string `yaml:"values" json:"values"`
	Multi  bool                `yaml:"multi" json:"multi"`
}

// KeywordConfig 关键词分类配置
type KeywordConfig struct {
	Rules           []Rule   `yaml:"rules" json:"rules"`
	Hints           []Hint   `yaml:"hints" json:"hints"`
	HistoryKeywords []string `yaml:"history_keywords" json:"history_keywords"`
}

// DefaultKeywordConfig 返回股票领域的默认规则
func DefaultKeywordConfig() KeywordConfig {
	return KeywordConfig{
		Rules: []Rule{
			{Code: types.OpPricePrediction, Keywords: []string{
				"predict", "prediction", "forecast", "price target", "will the price", "going to rise", "going to fall",
			}},
			{Code: types.OpStockNews, Keywords: []string{
				"news", "headline", "headlines", "announcement", "earnings report", "press release",
			}},
			{Code: types.OpStockRecommendation, Keywords: []string{
				"recommend", "recommendation", "buy", "sell", "invest", "investment", "portfolio",
				"stock", "stocks", "shares", "which stock",
			}},
		},
		Hints: []Hint{
			{Key: "risk_level", Values: map[string][]string{
				"low":    {"low risk", "conservative", "safe"},
				"medium": {"medium risk", "moderate", "balanced"},
				"high":   {"high risk", "aggressive", "risky", "speculative"},
			}},
			{Key: "investment_horizon", Values: map[string][]string{
				"short_term": {"short term", "short-term", "this week", "today", "day trading", "quick gains"},
				"long_term":  {"long term", "long-term", "retirement", "for years", "hold"},
			}},
			{Key: "sectors_of_interest", Multi: true, Values: map[string][]string{
				"technology": {"tech", "technology", "software", "semiconductor", "ai"},
				"energy":     {"energy", "oil", "solar"},
				"healthcare": {"healthcare", "pharma", "biotech"},
				"finance":    {"bank", "banks", "financial", "fintech"},
				"automotive": {"ev", "electric vehicle", "automotive", "cars"},
			}},
		},
		HistoryKeywords: []string{"last week", "last time", "earlier", "previously", "as before", "you said"},
	}
}

// KeywordClassifier scores each rule by keyword hits; the highest score
// wins and ties go to the earlier rule. No hit yields UNKNOWN.
type KeywordClassifier struct {
	config KeywordConfig
}

// NewKeywordClassifier 创建关键词分类器
func NewKeywordClassifier(config KeywordConfig) *KeywordClassifier {
	if len(config.Rules) == 0 {
		config = DefaultKeywordConfig()
	}
	return &KeywordClassifier{config: config}
}

// Classify implements Classifier.
func (k *KeywordClassifier) Classify(_ context.Context, req *types.TaskRequest) (*types.Classification, error) {
	text := normalize(req.TaskDescription)

	best, bestScore := types.OpUnknown, 0
	for _, rule := range k.config.Rules {
		score := 0
		for _, kw := range rule.Keywords {
			if containsPhrase(text, kw) {
				score++
			}
		}
		if score > bestScore {
			best, bestScore = rule.Code, score
		}
	}
	if best == types.OpUnknown {
		return types.Unknown("keyword"), nil
	}

	res := &types.Classification{
		OpCode:         best,
		UserContext:    k.userContext(text),
		ProcessContext: map[string]any{},
		Source:         "keyword",
	}
	for _, kw := range k.config.HistoryKeywords {
		if containsPhrase(text, kw) {
			res.ProcessContext["history"] = kw
			break
		}
	}
	return res, nil
}

func (k *KeywordClassifier) userContext(text string) map[string]any {
	uc := map[string]any{}
	for _, hint := range k.config.Hints {
		values := make([]string, 0, len(hint.Values))
		for v := range hint.Values {
			values = append(values, v)
		}
		sort.Strings(values)

		var matched []string
		for _, v := range values {
			for _, kw := range hint.Values[v] {
				if containsPhrase(text, kw) {
					matched = append(matched, v)
					break
				}
			}
		}
		switch {
		case len(matched) == 0:
		case hint.Multi:
			uc[hint.Key] = matched
		default:
			uc[hint.Key] = matched[0]
		}
	}
	return uc
}

// normalize lowercases text and collapses punctuation into single spaces,
// padded so phrases match on word boundaries.
func normalize(s string) string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-'
	})
	return " " + strings.Join(fields, " ") + " "
}

func containsPhrase(normalized, phrase string) bool {
	p := strings.TrimSpace(normalize(phrase))
	if p == "" {
		return false
	}
	return strings.Contains(normalized, " "+p+" ")
}
