package policy

import "testing"

func TestFirstMatchWins(t *testing.T) {
	engine := newTestEngine(t, []Rule{
		{Pattern: "adept/*", Allow: false},
		{Pattern: "adept/fuyu-8b", Allow: true},
	}, nil)

	if engine.ProxyAllowed("adept/fuyu-8b") {
		t.Fatalf("expected first rule to win and deny adept/fuyu-8b")
	}
	if !engine.ProxyAllowed("openai/whisper") {
		t.Fatalf("expected unmatched repo to default-allow")
	}
}

func TestDefaultAllowWhenNoRules(t *testing.T) {
	engine := newTestEngine(t, nil, nil)
	if !engine.ProxyAllowed("anything/at-all") {
		t.Fatalf("expected default allow for proxy")
	}
	if !engine.CacheAllowed("anything/at-all") {
		t.Fatalf("expected default allow for cache")
	}
}

func TestGlobMatching(t *testing.T) {
	engine := newTestEngine(t, []Rule{
		{Pattern: "meta-llama/Llama-?", Allow: false},
		{Pattern: "*/private-*", Allow: false},
	}, nil)

	cases := []struct {
		repo string
		want bool
	}{
		{"meta-llama/Llama-2", false},
		{"meta-llama/Llama-27", true},
		{"someorg/private-weights", false},
		{"someorg/public-weights", true},
	}
	for _, tc := range cases {
		if got := engine.ProxyAllowed(tc.repo); got != tc.want {
			t.Fatalf("ProxyAllowed(%q) = %v, want %v", tc.repo, got, tc.want)
		}
	}
}

func TestRegexMatching(t *testing.T) {
	engine := newTestEngine(t, []Rule{
		{Pattern: `bigscience/bloom-\d+b`, IsRegex: true, Allow: false},
	}, nil)

	if engine.ProxyAllowed("bigscience/bloom-176b") {
		t.Fatalf("expected regex rule to deny bloom-176b")
	}
	if !engine.ProxyAllowed("bigscience/bloom") {
		t.Fatalf("expected partial regex not to match without full anchor")
	}
}

func TestProxyAndCacheListsAreIndependent(t *testing.T) {
	engine := newTestEngine(t,
		[]Rule{{Pattern: "locked/*", Allow: false}},
		[]Rule{{Pattern: "huge/*", Allow: false}},
	)

	if engine.ProxyAllowed("locked/repo") {
		t.Fatalf("proxy list should deny locked/repo")
	}
	if !engine.CacheAllowed("locked/repo") {
		t.Fatalf("cache list should not inherit proxy rules")
	}
	if engine.CacheAllowed("huge/dataset") {
		t.Fatalf("cache list should deny huge/dataset")
	}
	if !engine.ProxyAllowed("huge/dataset") {
		t.Fatalf("proxy list should not inherit cache rules")
	}
}

func TestInvalidRegexRejected(t *testing.T) {
	if _, err := NewEngine([]Rule{{Pattern: "(", IsRegex: true}}, nil); err == nil {
		t.Fatalf("expected error for invalid regex pattern")
	}
}

func newTestEngine(t *testing.T, proxy, cache []Rule) *Engine {
	t.Helper()
	engine, err := NewEngine(proxy, cache)
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}
	return engine
}
