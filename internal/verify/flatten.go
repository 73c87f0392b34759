package verify

import (
	"fmt"
	"sort"

	"github.com/vocalis-ai/vocalis/pkg/types"
)

// snippet is one flattened piece of context evidence.
type snippet struct {
	source string
	text   string
}

// flattenSnapshot turns a [types.Snapshot] into a flat list of
// (source, text) pairs the scorer can compare claims against. API data is
// walked recursively with "path: leaf" rendering for scalars; conversation
// messages become one snippet each labeled conversation:<role>; knowledge
// base entries are labeled knowledge_base.
func flattenSnapshot(s types.Snapshot) []snippet {
	var out []snippet

	keys := make([]string, 0, len(s.APIData))
	for k := range s.APIData {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		out = appendValue(out, "api:"+key, "", s.APIData[key])
	}

	for _, msg := range s.Conversation {
		if msg.Text == "" {
			continue
		}
		out = append(out, snippet{source: "conversation:" + string(msg.Role), text: msg.Text})
	}

	for _, entry := range s.KnowledgeBase {
		if entry == "" {
			continue
		}
		out = append(out, snippet{source: "knowledge_base", text: entry})
	}

	return out
}

func appendValue(out []snippet, source, path string, v any) []snippet {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			out = appendValue(out, source, joinPath(path, k), val[k])
		}
	case []any:
		for _, item := range val {
			out = appendValue(out, source, path, item)
		}
	case string:
		if val != "" {
			out = append(out, snippet{source: source, text: renderLeaf(path, val)})
		}
	case nil:
		// Skip nulls.
	default:
		out = append(out, snippet{source: source, text: renderLeaf(path, fmt.Sprintf("%v", val))})
	}
	return out
}

func joinPath(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

func renderLeaf(path, leaf string) string {
	if path == "" {
		return leaf
	}
	return path + ": " + leaf
}
