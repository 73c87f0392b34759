package verify

import (
	"regexp"
	"strings"

	"github.com/vocalis-ai/vocalis/pkg/types"
)

var (
	hedgePatterns = []string{
		"i think", "i believe", "i feel", "in my opinion", "probably",
		"perhaps", "maybe", "might", "could be", "seems like", "i guess",
	}
	referenceCues = []string{
		"according to", "based on", "as stated in", "as mentioned in",
		"per the", "the documentation says",
	}
	temporalTokens = []string{
		"yesterday", "today", "tomorrow", "ago", "since", "recently",
		"last week", "last month", "last year", "next week", "next month",
		"next year", "this morning", "tonight",
	}
	numericKeywords = []string{
		"percent", "%", "million", "billion", "thousand", "hundred",
		"dollars", "$", "euros", "€",
	}
)

var (
	yearRe  = regexp.MustCompile(`\b(19|20)\d{2}\b`)
	digitRe = regexp.MustCompile(`\d`)
	dateRe  = regexp.MustCompile(`\b(january|february|march|april|may|june|july|august|september|october|november|december)\b`)
)

// splitSentences breaks text on sentence terminators, keeping the terminator
// attached so that question marks survive for general-knowledge matching.
func splitSentences(text string) []string {
	var (
		sentences []string
		start     int
	)
	flush := func(end int) {
		if s := strings.TrimSpace(text[start:end]); s != "" {
			sentences = append(sentences, s)
		}
		start = end
	}
	for i, r := range text {
		switch r {
		case '.', '!', '?', '\n':
			flush(i + 1)
		}
	}
	flush(len(text))
	return sentences
}

// extractClaims splits reply into sentences, discards fragments shorter than
// minLen, classifies each surviving sentence, and drops opinions.
func extractClaims(reply string, minLen int) []types.Claim {
	var claims []types.Claim
	for _, sentence := range splitSentences(reply) {
		if len(strings.TrimRight(sentence, ".!?\n")) < minLen {
			continue
		}
		ct := classifySentence(sentence)
		if ct == types.ClaimOpinion {
			continue
		}
		claims = append(claims, types.Claim{Text: sentence, Type: ct})
	}
	return claims
}

func classifySentence(sentence string) types.ClaimType {
	lower := strings.ToLower(sentence)

	for _, h := range hedgePatterns {
		if strings.Contains(lower, h) {
			return types.ClaimOpinion
		}
	}
	for _, c := range referenceCues {
		if strings.Contains(lower, c) {
			return types.ClaimReference
		}
	}
	if yearRe.MatchString(lower) || dateRe.MatchString(lower) {
		return types.ClaimTemporal
	}
	for _, tok := range temporalTokens {
		if strings.Contains(lower, tok) {
			return types.ClaimTemporal
		}
	}
	for _, kw := range numericKeywords {
		if strings.Contains(lower, kw) {
			return types.ClaimNumerical
		}
	}
	if digitRe.MatchString(lower) {
		return types.ClaimNumerical
	}
	return types.ClaimFactual
}

var generalKnowledgeRes = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^(hello|hi|hey|good (morning|afternoon|evening)|you're welcome|thank)`),
	regexp.MustCompile(`(?i)(don't|do not) have (that|this|the|any|enough) (information|data|details|context)`),
	regexp.MustCompile(`(?i)(can't|cannot|unable to) (verify|confirm|find|tell)`),
	regexp.MustCompile(`(?i)i('m| am) (a|an|your) (voice |virtual |digital )?assistant`),
	regexp.MustCompile(`(?i)(how can i help|is there anything else|let me know if)`),
}

// isGeneralKnowledge reports whether a sentence is safe to pass unverified:
// greetings, honest uncertainty, self-description, or a question back to the
// user.
func isGeneralKnowledge(sentence string) bool {
	if strings.HasSuffix(strings.TrimSpace(sentence), "?") {
		return true
	}
	for _, re := range generalKnowledgeRes {
		if re.MatchString(sentence) {
			return true
		}
	}
	return false
}
