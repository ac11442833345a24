package moderation

import "testing"

func TestMatchRules(t *testing.T) {
	cases := []struct {
		content  string
		category string
		severity string
	}{
		{"I will kill you tomorrow", "violent_threat", SeverityHard},
		{"selling fentanyl, DM me", "illegal_trade", SeverityHard},
		{"child porn links here", "csam", SeverityHard},
		{"BUY NOW and get rich, click here", "spam", SeveritySoft},
		{"send your btc and I double it", "scam", SeveritySoft},
		{"you are an idiot", "harassment", SeveritySoft},
	}
	for _, c := range cases {
		hits := MatchRules(DefaultRules, c.content)
		if len(hits) == 0 {
			t.Fatalf("%q: no hits", c.content)
		}
		found := false
		for _, h := range hits {
			if h.Category == c.category && h.Severity == c.severity {
				found = true
			}
		}
		if !found {
			t.Fatalf("%q: hits %#v missing %s/%s", c.content, hits, c.category, c.severity)
		}
	}

	for _, clean := range []string{"gm halo", "Skill issue, I will fix it", "kids love this playground"} {
		if hits := MatchRules(DefaultRules, clean); len(hits) != 0 {
			t.Fatalf("%q: unexpected hits %#v", clean, hits)
		}
	}
}

func TestBundledCharterParses(t *testing.T) {
	c, err := LoadCharterFile("../../charter/halo_charter.json")
	if err != nil {
		t.Fatalf("LoadCharterFile: %v", err)
	}
	keys := make(map[string]bool)
	for _, cat := range c.Categories {
		keys[cat.Key] = true
	}
	for _, r := range DefaultRules {
		if !keys[r.Category] {
			t.Fatalf("rule %s category %q missing from bundled charter", r.Key, r.Category)
		}
	}
}

func TestParseCharter_Rejects(t *testing.T) {
	bad := []string{
		`not json`,
		`{"categories":[]}`,
		`{"version":"1","categories":[{"key":"a","thresholds":{"softBlock":0.9,"hardBlock":0.5}}]}`,
		`{"version":"1","categories":[{"key":"a","thresholds":{"softBlock":0.1,"hardBlock":0.5}},{"key":"a","thresholds":{"softBlock":0.1,"hardBlock":0.5}}]}`,
		`{"version":"1","enforcement":{"default":"ban"}}`,
		`{"version":"1","enforcement":{"overrides":{"spam":"delete"}}}`,
	}
	for _, b := range bad {
		if _, err := ParseCharter([]byte(b)); err == nil {
			t.Fatalf("ParseCharter(%s): expected error", b)
		}
	}
}
