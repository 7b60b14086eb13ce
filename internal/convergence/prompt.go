package convergence

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/sells-group/pald-cli/internal/model"
)

const maxPromptChars = 900

const compressInstruction = `Rewrite the following character description as one image-generation prompt.
Keep every stated attribute, drop filler, answer with the prompt only, at most 120 words.

Description:
`

// BuildPrompt renders record as an image prompt, listing attributes in
// schema order.
func BuildPrompt(record *model.Record, schema *model.Schema) string {
	var parts []string
	seen := make(map[string]bool, len(record.Content))
	for _, p := range schema.Paths() {
		if v, ok := record.Content[p]; ok && !model.IsNull(v) {
			parts = append(parts, fmt.Sprintf("%s: %s", humanize(p), formatValue(v)))
			seen[p] = true
		}
	}
	for _, k := range record.Keys() {
		if !seen[k] && !model.IsNull(record.Content[k]) {
			parts = append(parts, fmt.Sprintf("%s: %s", humanize(k), formatValue(record.Content[k])))
		}
	}
	if len(parts) == 0 {
		return "A friendly pedagogical agent character, full body, plain background."
	}
	return "A pedagogical agent character, full body, plain background. " + strings.Join(parts, "; ") + "."
}

// AdjustPrompt re-emphasizes the attributes the last output got wrong. It
// depends only on base and conflicts; the intended value is the A side.
func AdjustPrompt(base string, conflicts map[string]model.Conflict) string {
	if len(conflicts) == 0 {
		return base
	}
	paths := make([]string, 0, len(conflicts))
	for p := range conflicts {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	emph := make([]string, len(paths))
	for i, p := range paths {
		emph[i] = fmt.Sprintf("%s must be %s", humanize(p), formatValue(conflicts[p].A))
	}
	return base + " Important: " + strings.Join(emph, "; ") + "."
}

// Compress shortens prompt through the text generator. Generator failures
// and empty answers fall back to truncating at a word boundary.
func Compress(ctx context.Context, gen TextGenerator, prompt string) string {
	if gen != nil {
		out, err := gen.Generate(ctx, compressInstruction+prompt)
		out = strings.TrimSpace(out)
		if err == nil && out != "" {
			return truncateWords(out, maxPromptChars)
		}
		if err != nil {
			zap.L().Warn("convergence: prompt compression failed, truncating", zap.Error(err))
		}
	}
	return truncateWords(prompt, maxPromptChars)
}

func truncateWords(s string, limit int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= limit {
		return s
	}
	cut := strings.LastIndexByte(s[:limit], ' ')
	if cut <= 0 {
		cut = limit
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
	}
	return s[:cut]
}

func humanize(path string) string {
	return strings.NewReplacer("_", " ", ".", " ").Replace(path)
}

func formatValue(v any) string {
	switch t := v.(type) {
	case []string:
		return strings.Join(t, ", ")
	case []any:
		items := make([]string, len(t))
		for i, e := range t {
			items[i] = fmt.Sprint(e)
		}
		return strings.Join(items, ", ")
	case bool:
		if t {
			return "yes"
		}
		return "no"
	default:
		return fmt.Sprint(t)
	}
}
