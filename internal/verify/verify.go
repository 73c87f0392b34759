// Package verify implements post-generation claim verification.
//
// A reply is split into claim sentences, each claim is scored against a
// flattened context snapshot using weighted token overlap, and the per-claim
// verdicts aggregate into an overall verdict. Unverified replies get a fixed
// disclaimer appended rather than being suppressed: the latency budget does
// not allow a regeneration round-trip.
//
// The default rule-based pass is deterministic and fast. An optional LLM
// mode asks the language model for a structured verdict and falls back to
// the rule-based pass on any failure.
package verify

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	"github.com/vocalis-ai/vocalis/pkg/provider/llm"
	"github.com/vocalis-ai/vocalis/pkg/types"
)

// Disclaimer is appended to replies that fail verification.
const Disclaimer = " Please note: I couldn't fully corroborate some of this against the information available to me."

// keyTerms carry double weight in the overlap score. The set is stable and
// ASCII lowercase.
var keyTerms = map[string]struct{}{
	"error": {}, "issue": {}, "bug": {}, "version": {}, "update": {},
	"status": {}, "count": {}, "total": {}, "name": {}, "id": {},
}

const (
	// claimVerifiedSim is the minimum snippet similarity for a verified claim.
	claimVerifiedSim = 0.5
	// generalKnowledgeConfidence is assigned to claims passed as safe general
	// knowledge without snippet support.
	generalKnowledgeConfidence = 0.7
	// unverifiedConfidence is assigned to claims with no support at all.
	unverifiedConfidence = 0.2
)

// Result is the outcome of verifying one reply.
type Result struct {
	Verified   bool
	Confidence float64
	Claims     []types.Claim
	Citations  []types.Citation
	Warnings   []string
	// Rewritten is the reply to use instead of the original when Verified is
	// false; empty otherwise.
	Rewritten string
}

// Option configures an [Engine].
type Option func(*Engine)

// WithThreshold sets the verified-claims ratio above which the overall
// verdict is verified. Default: 0.6.
func WithThreshold(t float64) Option {
	return func(e *Engine) { e.threshold = t }
}

// WithMinSentenceLen sets the minimum sentence length (in bytes, terminator
// excluded) for a fragment to count as a claim. Default: 10.
func WithMinSentenceLen(n int) Option {
	return func(e *Engine) { e.minSentenceLen = n }
}

// WithLLM enables the structured LLM verification pass using p. The
// rule-based pass remains the fallback for any LLM failure.
func WithLLM(p llm.Provider) Option {
	return func(e *Engine) { e.llm = p }
}

// WithSnippetCap sets the maximum citation snippet length. Default: 200.
func WithSnippetCap(n int) Option {
	return func(e *Engine) { e.snippetCap = n }
}

// Engine verifies replies against context snapshots. It is stateless and
// safe for concurrent use.
type Engine struct {
	threshold      float64
	minSentenceLen int
	snippetCap     int
	llm            llm.Provider
	log            *slog.Logger
}

// New creates an Engine with the supplied options.
func New(log *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		threshold:      0.6,
		minSentenceLen: 10,
		snippetCap:     200,
		log:            log,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Verify checks reply against snapshot. It never returns an error: when the
// LLM pass is enabled and fails, it degrades to the rule-based pass, which
// cannot fail.
func (e *Engine) Verify(ctx context.Context, reply string, snapshot types.Snapshot) Result {
	if e.llm != nil {
		if res, err := e.verifyWithLLM(ctx, reply, snapshot); err == nil {
			return res
		} else {
			e.log.Warn("llm verification failed, falling back to rule-based",
				"error", err)
		}
	}
	return e.verifyRuleBased(reply, snapshot)
}

func (e *Engine) verifyRuleBased(reply string, snapshot types.Snapshot) Result {
	claims := extractClaims(reply, e.minSentenceLen)
	if len(claims) == 0 {
		return Result{Verified: true, Confidence: 1.0}
	}

	snippets := flattenSnapshot(snapshot)

	verified := 0
	for i := range claims {
		e.scoreClaim(&claims[i], snippets)
		if claims[i].Verified {
			verified++
		}
	}

	overall := float64(verified) / float64(len(claims))
	res := Result{
		Verified:   overall >= e.threshold,
		Confidence: overall,
		Claims:     claims,
		Citations:  e.citations(claims),
		Warnings:   warnings(claims),
	}
	if !res.Verified {
		res.Rewritten = reply + Disclaimer
	}
	return res
}

// scoreClaim marks the claim verified against the best-matching snippet, or
// as safe general knowledge, or leaves it unverified with low confidence.
func (e *Engine) scoreClaim(claim *types.Claim, snippets []snippet) {
	q := tokenize(claim.Text)

	var (
		bestSim    float64
		bestSource string
	)
	for _, sn := range snippets {
		sim := weightedJaccard(q, tokenize(sn.text))
		if sim > bestSim {
			bestSim, bestSource = sim, sn.source
		}
	}

	switch {
	case bestSim >= claimVerifiedSim:
		claim.Verified = true
		// Key-term weighting can push the score past 1.
		claim.Confidence = min(bestSim, 1.0)
		claim.Source = bestSource
	case isGeneralKnowledge(claim.Text):
		claim.Verified = true
		claim.Confidence = generalKnowledgeConfidence
		claim.Source = "general_knowledge"
	default:
		claim.Verified = false
		claim.Confidence = unverifiedConfidence
	}
}

// citations builds one citation per distinct source over verified claims.
func (e *Engine) citations(claims []types.Claim) []types.Citation {
	seen := make(map[string]struct{})
	var cites []types.Citation
	for _, c := range claims {
		if !c.Verified || c.Source == "" {
			continue
		}
		if _, dup := seen[c.Source]; dup {
			continue
		}
		seen[c.Source] = struct{}{}
		cites = append(cites, types.Citation{
			Source:    c.Source,
			Verified:  true,
			Snippet:   truncate(c.Text, e.snippetCap),
			ClaimType: c.Type,
		})
	}
	return cites
}

// warnings lists each unverified claim, truncated for log friendliness.
func warnings(claims []types.Claim) []string {
	var warns []string
	for _, c := range claims {
		if !c.Verified {
			warns = append(warns, "unverified claim: "+truncate(c.Text, 50))
		}
	}
	return warns
}

var tokenStripRe = regexp.MustCompile(`[^a-z0-9 ]+`)

// tokenize lower-cases, strips non-word characters, splits on whitespace and
// drops tokens of length <= 2.
func tokenize(text string) map[string]struct{} {
	cleaned := tokenStripRe.ReplaceAllString(strings.ToLower(text), " ")
	set := make(map[string]struct{})
	for _, tok := range strings.Fields(cleaned) {
		if len(tok) > 2 {
			set[tok] = struct{}{}
		}
	}
	return set
}

// weightedJaccard computes token-set similarity where key terms count double.
func weightedJaccard(q, c map[string]struct{}) float64 {
	if len(q) == 0 || len(c) == 0 {
		return 0
	}
	var intersection float64
	for tok := range q {
		if _, ok := c[tok]; !ok {
			continue
		}
		if _, key := keyTerms[tok]; key {
			intersection += 2
		} else {
			intersection++
		}
	}
	// Key-term doubling can push the intersection past the plain set sizes;
	// that means the sets fully overlap on key terms, a perfect match.
	union := float64(len(q)+len(c)) - intersection
	if union <= 0 || intersection >= union {
		return 1
	}
	return intersection / union
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
