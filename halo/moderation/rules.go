package moderation

import (
	"regexp"
	"sort"
)

const (
	SeverityHard = "hard"
	SeveritySoft = "soft"

	localHardScore = 1.0
	localSoftScore = 0.6
)

type Rule struct {
	Key      string
	Category string
	Severity string
	re       *regexp.Regexp
}

type RuleHit struct {
	Key      string `json:"key"`
	Category string `json:"category"`
	Severity string `json:"severity"`
}

func newRule(key, category, severity, pattern string) Rule {
	return Rule{Key: key, Category: category, Severity: severity, re: regexp.MustCompile(pattern)}
}

// DefaultRules is the local first-pass rule set. Hard rules block outright;
// soft rules hide the post pending review.
var DefaultRules = []Rule{
	newRule("csam.minor_sexual", "csam", SeverityHard,
		`(?i)\b(child|children|kid|kids|minor|minors|underage|preteen)\s+(porn|porno|pornography|sex|sexual|nudes?|explicit)\b`),
	newRule("csam.cp_trade", "csam", SeverityHard,
		`(?i)\b(cp|pthc)\s+(links?|videos?|pics|collection)\b`),
	newRule("violent_threat.direct", "violent_threat", SeverityHard,
		`(?i)\bi\s*('m|am|will|'ll)\s+(going\s+to\s+|gonna\s+)?(kill|murder|shoot|stab|behead)\s+(you|him|her|them|your\s+family)\b`),
	newRule("violent_threat.bomb", "violent_threat", SeverityHard,
		`(?i)\b(plant|planting|detonate)\s+(a|the)\s+bomb\b`),
	newRule("illegal_trade.drugs", "illegal_trade", SeverityHard,
		`(?i)\b(buy|sell|selling|buying|order)\s+(cocaine|heroin|fentanyl|meth|methamphetamine)\b`),
	newRule("illegal_trade.weapons", "illegal_trade", SeverityHard,
		`(?i)\b(selling|buy)\s+(untraceable|unregistered)\s+(guns?|firearms?|weapons?)\b`),
	newRule("spam.promo", "spam", SeveritySoft,
		`(?i)\b(buy\s+now|click\s+here|limited\s+time\s+offer|act\s+now|100%\s+guaranteed|free\s+money)\b`),
	newRule("spam.follow_bait", "spam", SeveritySoft,
		`(?i)\b(follow\s+for\s+follow|f4f|like\s+for\s+like|l4l)\b`),
	newRule("scam.giveaway", "scam", SeveritySoft,
		`(?i)\b(send|double)\s+(your\s+)?(btc|eth|tls|crypto|coins)\b|\bairdrop\s+giveaway\b`),
	newRule("scam.seed_phrase", "scam", SeveritySoft,
		`(?i)\b(share|enter|verify)\s+(your\s+)?(seed\s+phrase|recovery\s+phrase|private\s+key)\b`),
	newRule("harassment.insult", "harassment", SeveritySoft,
		`(?i)\byou('re|\s+are)\s+(an?\s+)?(idiot|moron|loser|worthless)\b`),
	newRule("self_harm.statement", "self_harm", SeveritySoft,
		`(?i)\b(kill\s+myself|end\s+my\s+life|want\s+to\s+die)\b`),
}

// MatchRules returns every rule matched by content, ordered by key.
func MatchRules(rules []Rule, content string) []RuleHit {
	var hits []RuleHit
	for _, r := range rules {
		if r.re.MatchString(content) {
			hits = append(hits, RuleHit{Key: r.Key, Category: r.Category, Severity: r.Severity})
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Key < hits[j].Key })
	return hits
}
