// Package extract is a stateless pattern classifier for free-text banking
// utterances, exposed to backend agents through the HTTP API.
package extract

import (
	"regexp"
	"strings"
)

// Result carries whatever the classifier could pull out of one message.
type Result struct {
	Intent            string `json:"intent,omitempty"`
	AccountNumber     string `json:"accountNumber,omitempty"`
	SortCode          string `json:"sortCode,omitempty"`
	HasAccountDetails bool   `json:"hasAccountDetails"`
}

// Phrase patterns are tried in order, first match wins. Each names an
// account group and three sort-code digit pairs.
var phrasePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)account\s+(?:number|no\.?)\s*(?:is\s+)?(?P<acct>\d{8})\b.{0,60}?sort\s*code\s*(?:is\s+)?(?P<s1>\d{2})[- ]?(?P<s2>\d{2})[- ]?(?P<s3>\d{2})\b`),
	regexp.MustCompile(`(?i)sort\s*code\s*(?:is\s+)?(?P<s1>\d{2})[- ]?(?P<s2>\d{2})[- ]?(?P<s3>\d{2})\b.{0,60}?account\s+(?:number|no\.?)\s*(?:is\s+)?(?P<acct>\d{8})\b`),
	regexp.MustCompile(`\b(?P<acct>\d{8})\b[^0-9]{1,30}\b(?P<s1>\d{2})[- ]?(?P<s2>\d{2})[- ]?(?P<s3>\d{2})\b`),
}

var (
	bareAccountPattern  = regexp.MustCompile(`\b\d{8}\b`)
	bareSortCodePattern = regexp.MustCompile(`\b(\d{2})[- ]?(\d{2})[- ]?(\d{2})\b`)
)

// Intent rules run in a fixed priority order; the first hit wins and
// ambiguous text yields no intent rather than a guess.
var intentRules = []struct {
	intent   string
	keywords []string
}{
	{"balance", []string{"balance", "how much money", "how much do i have"}},
	{"transactions", []string{"transaction", "statement", "recent payments", "spending"}},
	{"dispute", []string{"dispute", "fraud", "didn't make", "don't recognise", "unauthorised", "unauthorized"}},
	{"mortgage", []string{"mortgage", "home loan"}},
	{"payment", []string{"payment", "transfer", "send money", "standing order"}},
}

// Classify extracts an intent label and account details from one message.
func Classify(message string) Result {
	res := Result{Intent: classifyIntent(message)}

	for _, pattern := range phrasePatterns {
		m := pattern.FindStringSubmatch(message)
		if m == nil {
			continue
		}
		res.AccountNumber = m[pattern.SubexpIndex("acct")]
		res.SortCode = m[pattern.SubexpIndex("s1")] + "-" + m[pattern.SubexpIndex("s2")] + "-" + m[pattern.SubexpIndex("s3")]
		res.HasAccountDetails = true
		return res
	}

	// No phrasing matched; fall back to any 8-digit plus any 6-digit number.
	acct := bareAccountPattern.FindString(message)
	sort := bareSortCodePattern.FindStringSubmatch(message)
	if acct != "" && sort != nil {
		res.AccountNumber = acct
		res.SortCode = sort[1] + "-" + sort[2] + "-" + sort[3]
		res.HasAccountDetails = true
	}
	return res
}

func classifyIntent(message string) string {
	lower := strings.ToLower(message)
	for _, rule := range intentRules {
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				return rule.intent
			}
		}
	}
	return ""
}
