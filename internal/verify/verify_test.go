package verify

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	llmmock "github.com/vocalis-ai/vocalis/pkg/provider/llm/mock"
	"github.com/vocalis-ai/vocalis/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestVerify_NoClaimsIsVerified(t *testing.T) {
	e := New(testLogger())

	res := e.Verify(context.Background(), "Ok.", types.Snapshot{})
	if !res.Verified {
		t.Fatal("reply with no extractable claims should be verified")
	}
	if res.Confidence != 1.0 {
		t.Errorf("confidence = %v, want 1.0", res.Confidence)
	}
	if res.Rewritten != "" {
		t.Errorf("rewritten = %q, want empty", res.Rewritten)
	}
}

func TestVerify_ClaimSupportedBySnapshot(t *testing.T) {
	e := New(testLogger())

	snapshot := types.Snapshot{
		APIData: map[string]any{
			"tickets": map[string]any{
				"open_bug_count": "there are 12 open bug reports in the tracker",
			},
		},
	}
	res := e.Verify(context.Background(), "There are 12 open bug reports in the tracker.", snapshot)
	if !res.Verified {
		t.Fatalf("verified = false, want true; warnings: %v", res.Warnings)
	}
	if len(res.Citations) != 1 {
		t.Fatalf("citations = %d, want 1", len(res.Citations))
	}
	if res.Citations[0].Source != "api:tickets" {
		t.Errorf("citation source = %q, want api:tickets", res.Citations[0].Source)
	}
}

func TestVerify_UnsupportedClaimGetsDisclaimer(t *testing.T) {
	e := New(testLogger())

	reply := "The server migration finished ahead of schedule yesterday evening."
	res := e.Verify(context.Background(), reply, types.Snapshot{})
	if res.Verified {
		t.Fatal("verified = true, want false for unsupported claim")
	}
	if res.Rewritten != reply+Disclaimer {
		t.Errorf("rewritten = %q, want reply+disclaimer", res.Rewritten)
	}
	if len(res.Warnings) != 1 {
		t.Fatalf("warnings = %v, want exactly one", res.Warnings)
	}
	if !strings.HasPrefix(res.Warnings[0], "unverified claim: ") {
		t.Errorf("warning = %q, want unverified claim prefix", res.Warnings[0])
	}
}

func TestVerify_GeneralKnowledgeFallback(t *testing.T) {
	e := New(testLogger())

	tests := []string{
		"Hello there, how can I help you today?",
		"I don't have that information available right now.",
		"Would you like me to check something else for you?",
	}
	for _, reply := range tests {
		res := e.Verify(context.Background(), reply, types.Snapshot{})
		if !res.Verified {
			t.Errorf("Verify(%q) = unverified, want general-knowledge pass", reply)
			continue
		}
		for _, c := range res.Claims {
			if c.Source != "general_knowledge" {
				t.Errorf("Verify(%q) claim source = %q, want general_knowledge", reply, c.Source)
			}
			if c.Confidence != generalKnowledgeConfidence {
				t.Errorf("Verify(%q) claim confidence = %v, want %v", reply, c.Confidence, generalKnowledgeConfidence)
			}
		}
	}
}

func TestVerify_ThresholdAggregation(t *testing.T) {
	e := New(testLogger(), WithThreshold(0.6))

	snapshot := types.Snapshot{
		KnowledgeBase: []string{
			"the production deployment pipeline uses three approval stages",
		},
	}
	// One supported claim, one unsupported: 1/2 < 0.6.
	reply := "The production deployment pipeline uses three approval stages. " +
		"The quarterly revenue target was exceeded by a wide margin."
	res := e.Verify(context.Background(), reply, snapshot)
	if res.Verified {
		t.Fatalf("verified = true, want false at ratio 0.5 with threshold 0.6")
	}
	if res.Confidence != 0.5 {
		t.Errorf("confidence = %v, want 0.5", res.Confidence)
	}
}

func TestVerify_OpinionsDropped(t *testing.T) {
	claims := extractClaims("I think the rollout probably went fine. The rollout completed successfully.", 10)
	if len(claims) != 1 {
		t.Fatalf("claims = %d, want 1 (opinion dropped)", len(claims))
	}
	if claims[0].Type != types.ClaimFactual {
		t.Errorf("claim type = %q, want factual", claims[0].Type)
	}
}

func TestVerify_ShortFragmentsDiscarded(t *testing.T) {
	claims := extractClaims("Yes. No. The deployment completed without errors.", 10)
	if len(claims) != 1 {
		t.Fatalf("claims = %d, want 1 (short fragments discarded)", len(claims))
	}
}

func TestClassifySentence(t *testing.T) {
	tests := []struct {
		sentence string
		want     types.ClaimType
	}{
		{"I believe this is correct", types.ClaimOpinion},
		{"It might work out fine", types.ClaimOpinion},
		{"Revenue grew by 40 percent", types.ClaimNumerical},
		{"The bill was $200", types.ClaimNumerical},
		{"The outage happened yesterday", types.ClaimTemporal},
		{"The project launched in 2023", types.ClaimTemporal},
		{"According to the changelog, the fix shipped", types.ClaimReference},
		{"The service is healthy", types.ClaimFactual},
	}
	for _, tt := range tests {
		if got := classifySentence(tt.sentence); got != tt.want {
			t.Errorf("classifySentence(%q) = %q, want %q", tt.sentence, got, tt.want)
		}
	}
}

func TestFlattenSnapshot(t *testing.T) {
	snapshot := types.Snapshot{
		APIData: map[string]any{
			"weather": map[string]any{
				"today": map[string]any{
					"condition": "sunny",
					"high_c":    float64(28),
				},
			},
			"alerts": []any{"heat advisory", "uv warning"},
		},
		Conversation: []types.Message{
			{Role: types.RoleUser, Text: "what's the weather"},
			{Role: types.RoleAssistant, Text: "let me check"},
		},
		KnowledgeBase: []string{"the office is in berlin"},
	}

	snippets := flattenSnapshot(snapshot)

	find := func(source, substr string) bool {
		for _, sn := range snippets {
			if sn.source == source && strings.Contains(sn.text, substr) {
				return true
			}
		}
		return false
	}

	if !find("api:weather", "today.condition: sunny") {
		t.Error("missing nested scalar with dotted path")
	}
	if !find("api:weather", "today.high_c: 28") {
		t.Error("missing numeric leaf")
	}
	if !find("api:alerts", "heat advisory") {
		t.Error("missing array element under parent label")
	}
	if !find("conversation:user", "what's the weather") {
		t.Error("missing conversation snippet")
	}
	if !find("knowledge_base", "the office is in berlin") {
		t.Error("missing knowledge base snippet")
	}
}

func TestWeightedJaccard_KeyTermsCountDouble(t *testing.T) {
	q := tokenize("the error count increased")
	plain := tokenize("the wastebin flavor increased")
	keyed := tokenize("the error count decreased")

	if weightedJaccard(q, keyed) <= weightedJaccard(q, plain) {
		t.Error("overlap on key terms should outscore overlap on ordinary terms")
	}
}

func TestWeightedJaccard_IdenticalKeyTermSets(t *testing.T) {
	q := tokenize("error status count")
	c := tokenize("error status count")

	if got := weightedJaccard(q, c); got != 1 {
		t.Errorf("similarity of identical key-term sets = %v, want 1", got)
	}
}

func TestCitations_UniqueBySource(t *testing.T) {
	e := New(testLogger())

	snapshot := types.Snapshot{
		KnowledgeBase: []string{
			"the backup job runs nightly at two in the morning",
			"the backup retention period is thirty days",
		},
	}
	reply := "The backup job runs nightly at two in the morning. " +
		"The backup retention period is thirty days."
	res := e.Verify(context.Background(), reply, snapshot)
	if !res.Verified {
		t.Fatalf("verified = false, want true; warnings: %v", res.Warnings)
	}
	if len(res.Citations) != 1 {
		t.Fatalf("citations = %d, want 1 (unique by source)", len(res.Citations))
	}
	if res.Citations[0].Source != "knowledge_base" {
		t.Errorf("citation source = %q, want knowledge_base", res.Citations[0].Source)
	}
}

func TestVerify_LLMMode(t *testing.T) {
	p := &llmmock.Provider{
		CompleteText: `{"verified": false, "confidence": 0.3, "unsupported": ["the moon is made of cheese"]}`,
	}
	e := New(testLogger(), WithLLM(p))

	reply := "The moon is made of cheese and orbits every day."
	res := e.Verify(context.Background(), reply, types.Snapshot{})
	if res.Verified {
		t.Fatal("verified = true, want false from llm verdict")
	}
	if res.Confidence != 0.3 {
		t.Errorf("confidence = %v, want 0.3", res.Confidence)
	}
	if res.Rewritten != reply+Disclaimer {
		t.Errorf("rewritten = %q, want reply+disclaimer", res.Rewritten)
	}
	if len(p.CompleteCalls()) != 1 {
		t.Errorf("llm Complete calls = %d, want 1", len(p.CompleteCalls()))
	}
}

func TestVerify_LLMFailureFallsBackToRules(t *testing.T) {
	p := &llmmock.Provider{CompleteErr: errors.New("upstream down")}
	e := New(testLogger(), WithLLM(p))

	snapshot := types.Snapshot{
		KnowledgeBase: []string{"the cafeteria opens at eight in the morning"},
	}
	res := e.Verify(context.Background(), "The cafeteria opens at eight in the morning.", snapshot)
	if !res.Verified {
		t.Fatalf("rule-based fallback should verify; warnings: %v", res.Warnings)
	}
}

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{"plain json", `{"verified": true, "confidence": 0.9, "unsupported": []}`, false},
		{"fenced json", "```json\n{\"verified\": true, \"confidence\": 0.8, \"unsupported\": []}\n```", false},
		{"prose around", `Sure! {"verified": false, "confidence": 0.1, "unsupported": ["x"]} Hope that helps.`, false},
		{"no json", "I cannot answer that.", true},
		{"bad confidence", `{"verified": true, "confidence": 3.0, "unsupported": []}`, true},
		{"malformed", `{"verified": "yes"`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseVerdict(tt.raw)
			if (err != nil) != tt.wantErr {
				t.Errorf("parseVerdict(%q) error = %v, wantErr %v", tt.raw, err, tt.wantErr)
			}
		})
	}
}
