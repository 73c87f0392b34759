package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vocalis-ai/vocalis/pkg/provider/llm"
	"github.com/vocalis-ai/vocalis/pkg/types"
)

const llmVerifySystemPrompt = `You are a fact-checking assistant. You receive a REPLY and CONTEXT evidence.
Decide whether every factual statement in the reply is supported by the context.
Respond with a single JSON object and nothing else:
{"verified": bool, "confidence": number between 0 and 1, "unsupported": [list of unsupported sentences]}`

// llmVerdict is the JSON schema the model is asked to emit.
type llmVerdict struct {
	Verified    bool     `json:"verified"`
	Confidence  float64  `json:"confidence"`
	Unsupported []string `json:"unsupported"`
}

// verifyWithLLM asks the language model for a structured verdict. Any
// failure (transport, timeout, malformed JSON, out-of-range confidence) is
// returned as an error so the caller can fall back to the rule-based pass.
func (e *Engine) verifyWithLLM(ctx context.Context, reply string, snapshot types.Snapshot) (Result, error) {
	var evidence strings.Builder
	for _, sn := range flattenSnapshot(snapshot) {
		evidence.WriteString(sn.source)
		evidence.WriteString(" | ")
		evidence.WriteString(sn.text)
		evidence.WriteString("\n")
	}

	prompt := fmt.Sprintf("REPLY:\n%s\n\nCONTEXT:\n%s", reply, evidence.String())
	raw, err := e.llm.Complete(ctx, llm.Request{
		SystemPrompt: llmVerifySystemPrompt,
		Messages:     []llm.Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return Result{}, fmt.Errorf("llm verify: %w", err)
	}

	verdict, err := parseVerdict(raw)
	if err != nil {
		return Result{}, err
	}

	res := Result{
		Verified:   verdict.Verified,
		Confidence: verdict.Confidence,
	}
	for _, sentence := range verdict.Unsupported {
		res.Warnings = append(res.Warnings, "unverified claim: "+truncate(sentence, 50))
	}
	if !res.Verified {
		res.Rewritten = reply + Disclaimer
	}
	return res, nil
}

// parseVerdict extracts the JSON object from the model output, tolerating
// surrounding prose or markdown fences.
func parseVerdict(raw string) (llmVerdict, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return llmVerdict{}, fmt.Errorf("llm verify: no JSON object in response")
	}

	var verdict llmVerdict
	if err := json.Unmarshal([]byte(raw[start:end+1]), &verdict); err != nil {
		return llmVerdict{}, fmt.Errorf("llm verify: decode verdict: %w", err)
	}
	if verdict.Confidence < 0 || verdict.Confidence > 1 {
		return llmVerdict{}, fmt.Errorf("llm verify: confidence %v out of range", verdict.Confidence)
	}
	return verdict, nil
}
