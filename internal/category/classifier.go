// Package category groups apps for usage statistics.
// Classification is a pluggable lookup; the default is a keyword table over package names.
package category

import (
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Category is a coarse app grouping.
type Category string

const (
	Social        Category = "SOCIAL"
	Entertainment Category = "ENTERTAINMENT"
	Productivity  Category = "PRODUCTIVITY"
	Education     Category = "EDUCATION"
	Communication Category = "COMMUNICATION"
	Games         Category = "GAMES"
	Shopping      Category = "SHOPPING"
	News          Category = "NEWS"
	Health        Category = "HEALTH"
	Finance       Category = "FINANCE"
	Utilities     Category = "UTILITIES"
	Other         Category = "OTHER"
)

// Classifier maps a package name to a category.
type Classifier interface {
	Classify(packageName string) Category
}

// ClassifierFunc adapts a plain function to Classifier.
type ClassifierFunc func(packageName string) Category

func (f ClassifierFunc) Classify(packageName string) Category {
	return f(packageName)
}

type rule struct {
	keyword  string
	category Category
}

// Rules are matched in order; the first substring hit wins.
var defaultRules = []rule{
	{"facebook", Social}, {"instagram", Social}, {"twitter", Social}, {"snapchat", Social},
	{"tiktok", Social}, {"linkedin", Social}, {"reddit", Social}, {"pinterest", Social},
	{"whatsapp", Communication}, {"telegram", Communication}, {"messenger", Communication},
	{"discord", Communication}, {"signal", Communication}, {"thunderbird", Communication},
	{"evolution", Communication}, {"element", Communication},
	{"youtube", Entertainment}, {"netflix", Entertainment}, {"spotify", Entertainment},
	{"prime", Entertainment}, {"hulu", Entertainment}, {"disney", Entertainment},
	{"twitch", Entertainment}, {"soundcloud", Entertainment}, {"music", Entertainment},
	{"game", Games}, {"play.games", Games}, {"pubg", Games}, {"freefire", Games},
	{"candy", Games}, {"clash", Games}, {"steam", Games}, {"lutris", Games}, {"heroic", Games},
	{"minecraft", Games},
	{"gmail", Productivity}, {"outlook", Productivity}, {"calendar", Productivity},
	{"drive", Productivity}, {"docs", Productivity}, {"sheets", Productivity},
	{"slides", Productivity}, {"notion", Productivity}, {"evernote", Productivity},
	{"trello", Productivity}, {"slack", Productivity}, {"teams", Productivity},
	{"zoom", Productivity}, {"meet", Productivity}, {"libreoffice", Productivity},
	{"obsidian", Productivity}, {"jetbrains", Productivity},
	{"duolingo", Education}, {"khan", Education}, {"coursera", Education},
	{"udemy", Education}, {"classroom", Education},
	{"amazon", Shopping}, {"flipkart", Shopping}, {"myntra", Shopping},
	{"ebay", Shopping}, {"shopping", Shopping},
	{"news", News}, {"times", News}, {"bbc", News}, {"cnn", News},
	{"health", Health}, {"fitness", Health}, {"strava", Health}, {"fitbit", Health},
	{"headspace", Health}, {"calm", Health},
	{"paytm", Finance}, {"phonepe", Finance}, {"gpay", Finance}, {"bank", Finance}, {"wallet", Finance},
	{"camera", Utilities}, {"gallery", Utilities}, {"photos", Utilities}, {"files", Utilities},
	{"calculator", Utilities}, {"clock", Utilities}, {"weather", Utilities},
}

// KeywordClassifier is the default substring classifier.
type KeywordClassifier struct {
	rules []rule
}

// NewKeywordClassifier returns the built-in keyword table.
func NewKeywordClassifier() *KeywordClassifier {
	return &KeywordClassifier{rules: defaultRules}
}

func (k *KeywordClassifier) Classify(packageName string) Category {
	lower := strings.ToLower(packageName)
	for _, r := range k.rules {
		if strings.Contains(lower, r.keyword) {
			return r.category
		}
	}
	return Other
}

// CachedClassifier memoizes an underlying classifier.
type CachedClassifier struct {
	next  Classifier
	cache *lru.Cache[string, Category]
}

// NewCachedClassifier wraps next with an LRU of the given size.
func NewCachedClassifier(next Classifier, size int) (*CachedClassifier, error) {
	cache, err := lru.New[string, Category](size)
	if err != nil {
		return nil, err
	}
	return &CachedClassifier{next: next, cache: cache}, nil
}

func (c *CachedClassifier) Classify(packageName string) Category {
	if cat, ok := c.cache.Get(packageName); ok {
		return cat
	}
	cat := c.next.Classify(packageName)
	c.cache.Add(packageName, cat)
	return cat
}

var (
	_ Classifier = (*KeywordClassifier)(nil)
	_ Classifier = (*CachedClassifier)(nil)
	_ Classifier = ClassifierFunc(nil)
)
