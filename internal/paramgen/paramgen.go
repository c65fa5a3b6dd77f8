// Package paramgen reads keyword and prompt-template inputs and synthesizes
// the per-generation prompt via the vision vendor (§4.5).
package paramgen

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"strings"

	"go.opentelemetry.io/otel"

	aiadapter "github.com/ascensum/gen-image-runner/internal/adapter/ai"
	"github.com/ascensum/gen-image-runner/internal/domain"
	"github.com/ascensum/gen-image-runner/pkg/textx"
)

// Row is one selected keyword-file row: either a single string (newline-
// separated file) or a column->cell map (CSV/TSV with header).
type Row struct {
	Text    string
	Columns map[string]string
}

// Result is what Generate returns to the Job Engine: the synthesized prompt,
// the row context it was built from, and the aspect ratios to cycle through.
type Result struct {
	Prompt         string
	NegativePrompt string
	Seed           int64
	PromptContext  Row
	AspectRatios   []string
}

// visionParameters is the expected shape of VisionProvider.GenerateParameters'
// JSON payload (§4.5).
type visionParameters struct {
	Prompt         string `json:"prompt"`
	NegativePrompt string `json:"negative_prompt"`
	Seed           int64  `json:"seed"`
}

// Generator reads a keywords file and an optional system-prompt file, and
// invokes a VisionProvider to synthesize generation parameters.
type Generator struct {
	Vision domain.VisionProvider
}

// New constructs a Generator.
func New(vision domain.VisionProvider) *Generator { return &Generator{Vision: vision} }

// Generate parses the keywords file fresh on every call (the file may change
// between generations within the same job), selects one row, and invokes the
// vision vendor. forceSequentialIndex selects deterministically when
// keywordRandom is false; pass -1 to let the generator choose.
func (g *Generator) Generate(ctx domain.Context, cfg domain.JobConfiguration, model string, forceSequentialIndex int) (Result, error) {
	tracer := otel.Tracer("paramgen")
	ctx, span := tracer.Start(ctx, "paramgen.Generate")
	defer span.End()

	rows, err := parseKeywordsFile(cfg.KeywordsFilePath)
	if err != nil {
		return Result{}, fmt.Errorf("op=paramgen.parse_keywords: %w", err)
	}
	if len(rows) == 0 {
		return Result{}, fmt.Errorf("op=paramgen.parse_keywords: %w", domain.ErrInvalidArgument)
	}

	idx := 0
	if cfg.KeywordRandom {
		idx = rand.Intn(len(rows))
	} else if forceSequentialIndex >= 0 {
		idx = forceSequentialIndex % len(rows)
	}
	row := rows[idx]

	// A missing or unreadable system prompt file silently disables the
	// feature for this call (§6 "Prompt templates").
	systemPrompt := ""
	if cfg.SystemPromptFile != "" {
		if b, err := os.ReadFile(cfg.SystemPromptFile); err == nil {
			systemPrompt = textx.SanitizeText(string(b))
		}
	}

	userPrompt := row.Text
	if userPrompt == "" {
		userPrompt = flattenColumns(row.Columns)
	}

	raw, err := g.Vision.GenerateParameters(ctx, model, systemPrompt, userPrompt)
	if err != nil {
		return Result{}, fmt.Errorf("op=paramgen.generate_parameters: %w", err)
	}

	params := parseVisionParameters(raw)
	return Result{
		Prompt:         textx.StripMJFlags(textx.SanitizeText(params.Prompt)),
		NegativePrompt: textx.SanitizeText(params.NegativePrompt),
		Seed:           params.Seed,
		PromptContext:  row,
		AspectRatios:   NormalizeAspectRatios(fmt.Sprintf("%dx%d", cfg.ImageWidth, cfg.ImageHeight)),
	}, nil
}

// parseVisionParameters decodes the vision vendor's JSON parameter payload,
// tolerating markdown fences and stray text the way the teacher's AI
// response cleaner does. If the payload isn't the expected JSON shape (or
// has no prompt field), the raw text itself is used verbatim as the prompt
// so a plain-text vendor response still degrades gracefully.
func parseVisionParameters(raw string) visionParameters {
	cleaned, err := aiadapter.NewResponseCleaner().CleanJSONResponse(raw)
	if err != nil || cleaned == "" {
		cleaned = raw
	}
	var p visionParameters
	if err := json.Unmarshal([]byte(cleaned), &p); err == nil && p.Prompt != "" {
		return p
	}
	return visionParameters{Prompt: raw}
}

// NormalizeAspectRatios accepts either a CSV string ("1:1,16:9") or a single
// value, trimming blanks; an empty input returns nil.
func NormalizeAspectRatios(csvOrSingle string) []string {
	if csvOrSingle == "" {
		return nil
	}
	parts := strings.Split(csvOrSingle, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func flattenColumns(cols map[string]string) string {
	var b strings.Builder
	for k, v := range cols {
		if b.Len() > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s: %s", k, v)
	}
	return b.String()
}

// parseKeywordsFile reads a TSV/CSV-with-header file, or falls back to
// treating the file as newline-separated plain strings.
func parseKeywordsFile(path string) ([]Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if strings.HasSuffix(strings.ToLower(path), ".csv") || strings.HasSuffix(strings.ToLower(path), ".tsv") {
		r := csv.NewReader(f)
		if strings.HasSuffix(strings.ToLower(path), ".tsv") {
			r.Comma = '\t'
		}
		records, err := r.ReadAll()
		if err != nil {
			return nil, err
		}
		if len(records) < 2 {
			return nil, fmt.Errorf("keywords file has no data rows")
		}
		header := records[0]
		rows := make([]Row, 0, len(records)-1)
		for _, rec := range records[1:] {
			cols := make(map[string]string, len(header))
			for i, h := range header {
				if i < len(rec) {
					cols[h] = rec[i]
				}
			}
			rows = append(rows, Row{Columns: cols})
		}
		return rows, nil
	}

	var rows []Row
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		rows = append(rows, Row{Text: line})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return rows, nil
}
