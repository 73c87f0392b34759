// Package wake implements wake-phrase and interrupt-phrase detection on
// transcript text.
//
// Detection is fuzzy: a phrase matches either as an exact substring of the
// normalized transcript, or when the leading words of the transcript are
// within a configurable Levenshtein similarity of the phrase. Interrupt
// phrases always take priority over wake phrases so that "stop" spoken while
// the assistant talks is never mistaken for a new request.
package wake

import (
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/antzucaro/matchr"
)

// Kind classifies a detection result.
type Kind int

const (
	// KindNone means no phrase was detected.
	KindNone Kind = iota
	// KindWake means a wake phrase was detected.
	KindWake
	// KindInterrupt means an interrupt phrase was detected.
	KindInterrupt
)

// String returns the human-readable name of the kind.
func (k Kind) String() string {
	switch k {
	case KindWake:
		return "wake"
	case KindInterrupt:
		return "interrupt"
	default:
		return "none"
	}
}

// Detection is the result of checking a transcript against the configured
// phrases.
type Detection struct {
	Kind   Kind
	Phrase string
	// Confidence is 1.0 for exact substring matches, otherwise the
	// normalized Levenshtein similarity of the matched prefix.
	Confidence float64
	// Command is the transcript text following the wake phrase with leading
	// filler words removed. Empty for interrupts and misses.
	Command string
}

// fillerPrefixes are polite lead-ins stripped from the command that follows
// a wake phrase.
var fillerPrefixes = []string{"please", "can you", "could you", "would you"}

// Option configures a [Detector].
type Option func(*Detector)

// WithSensitivity sets the minimum similarity for a fuzzy phrase match.
// Default: 0.8.
func WithSensitivity(s float64) Option {
	return func(d *Detector) { d.sensitivity = s }
}

// WithDebounce sets the window during which repeat detections of the same
// kind for the same session are suppressed. Default: 1s.
func WithDebounce(window time.Duration) Option {
	return func(d *Detector) { d.debounce = window }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

// Detector checks transcripts for wake and interrupt phrases. It is safe for
// concurrent use.
type Detector struct {
	wakePhrases      []string
	interruptPhrases []string
	sensitivity      float64
	debounce         time.Duration
	now              func() time.Time

	mu      sync.Mutex
	lastHit map[string]time.Time // session id + kind
}

// New creates a Detector for the given phrase sets. Phrases are normalized
// once at construction.
func New(wakePhrases, interruptPhrases []string, opts ...Option) *Detector {
	d := &Detector{
		wakePhrases:      normalizeAll(wakePhrases),
		interruptPhrases: normalizeAll(interruptPhrases),
		sensitivity:      0.8,
		debounce:         time.Second,
		now:              time.Now,
		lastHit:          make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Detect checks text for interrupt phrases first, then wake phrases.
// Detections of the same kind within the debounce window for the same
// session are suppressed and return [KindNone].
func (d *Detector) Detect(sessionID, text string) Detection {
	normalized := normalize(text)
	if normalized == "" {
		return Detection{Kind: KindNone}
	}

	// Interrupt wins over wake when both phrase sets would match.
	if phrase, conf, ok := d.match(normalized, d.interruptPhrases); ok {
		if d.debounced(sessionID, KindInterrupt) {
			return Detection{Kind: KindNone}
		}
		return Detection{Kind: KindInterrupt, Phrase: phrase, Confidence: conf}
	}

	if phrase, conf, ok := d.match(normalized, d.wakePhrases); ok {
		if d.debounced(sessionID, KindWake) {
			return Detection{Kind: KindNone}
		}
		return Detection{
			Kind:       KindWake,
			Phrase:     phrase,
			Confidence: conf,
			Command:    commandAfter(normalized, phrase),
		}
	}

	return Detection{Kind: KindNone}
}

// match returns the best-matching phrase, its confidence, and whether any
// phrase cleared the sensitivity threshold.
func (d *Detector) match(normalized string, phrases []string) (string, float64, bool) {
	var (
		bestPhrase string
		bestConf   float64
	)
	for _, phrase := range phrases {
		if phrase == "" {
			continue
		}
		if strings.Contains(normalized, phrase) {
			return phrase, 1.0, true
		}
		// Compare the phrase against the same number of leading words.
		prefix := leadingWords(normalized, len(strings.Fields(phrase)))
		if prefix == "" {
			continue
		}
		conf := similarity(prefix, phrase)
		if conf > bestConf {
			bestPhrase, bestConf = phrase, conf
		}
	}
	if bestConf >= d.sensitivity {
		return bestPhrase, bestConf, true
	}
	return "", 0, false
}

// debounced records a hit and reports whether the previous hit of the same
// kind was within the debounce window.
func (d *Detector) debounced(sessionID string, kind Kind) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := sessionID + "/" + kind.String()
	now := d.now()
	if last, ok := d.lastHit[key]; ok && now.Sub(last) < d.debounce {
		return true
	}
	d.lastHit[key] = now
	return false
}

// Forget drops the debounce history for a session. Called when the session
// ends.
func (d *Detector) Forget(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	prefix := sessionID + "/"
	for key := range d.lastHit {
		if strings.HasPrefix(key, prefix) {
			delete(d.lastHit, key)
		}
	}
}

// commandAfter returns the text following phrase in normalized, with filler
// lead-ins stripped.
func commandAfter(normalized, phrase string) string {
	idx := strings.Index(normalized, phrase)
	if idx < 0 {
		// Fuzzy prefix match: drop as many words as the phrase has.
		fields := strings.Fields(normalized)
		n := len(strings.Fields(phrase))
		if n >= len(fields) {
			return ""
		}
		return stripFiller(strings.Join(fields[n:], " "))
	}
	return stripFiller(strings.TrimSpace(normalized[idx+len(phrase):]))
}

func stripFiller(cmd string) string {
	for changed := true; changed; {
		changed = false
		for _, filler := range fillerPrefixes {
			if strings.HasPrefix(cmd, filler+" ") {
				cmd = strings.TrimSpace(cmd[len(filler):])
				changed = true
			} else if cmd == filler {
				return ""
			}
		}
	}
	return cmd
}

// similarity is the normalized Levenshtein similarity of a and b in [0, 1].
func similarity(a, b string) float64 {
	if a == b {
		return 1.0
	}
	longest := len(a)
	if len(b) > longest {
		longest = len(b)
	}
	if longest == 0 {
		return 1.0
	}
	dist := matchr.Levenshtein(a, b)
	return 1.0 - float64(dist)/float64(longest)
}

func leadingWords(s string, n int) string {
	fields := strings.Fields(s)
	if len(fields) > n {
		fields = fields[:n]
	}
	return strings.Join(fields, " ")
}

func normalizeAll(phrases []string) []string {
	out := make([]string, 0, len(phrases))
	for _, p := range phrases {
		if n := normalize(p); n != "" {
			out = append(out, n)
		}
	}
	return out
}

// normalize lowercases text and strips everything except letters, digits and
// spaces, collapsing runs of whitespace.
func normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	lastSpace := true
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastSpace = false
		case unicode.IsSpace(r) || unicode.IsPunct(r):
			if !lastSpace {
				b.WriteRune(' ')
				lastSpace = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}
