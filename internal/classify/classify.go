// Package classify asks a language model to split a contract into numbered
// clauses and grade each one, then validates what comes back.
package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/ericksa/contractlens/internal/domain"
	"github.com/ericksa/contractlens/internal/extract"
	"github.com/ericksa/contractlens/internal/llm"
	"github.com/ericksa/contractlens/internal/logging"
	"github.com/ericksa/contractlens/internal/metrics"
)

// DefaultInstruction is sent as the system prompt unless Config overrides it.
const DefaultInstruction = `You are an experienced contract lawyer. Read the contract and find the clauses that are unfavorable or risky for the party who uploaded it.

Split the whole contract into its numbered clauses. For every clause report:
- clause_number: the clause number as written in the contract (for example "Article 5")
- title: the clause heading, or a short descriptive title if it has none
- original_text: the clause text, verbatim
- risk_level: exactly one of HIGH, MEDIUM or LOW
- summary: one or two sentences on what the clause means for the uploader
- suggestion: concrete wording or negotiation advice; "No change needed" for LOW clauses

Reply with a single JSON object and nothing else:
{"clauses":[{"clause_number":"...","title":"...","original_text":"...","risk_level":"HIGH","summary":"...","suggestion":"..."}]}`

const imageInstruction = "The contract pages are attached as images, in page order. Analyze them."

// Record is one validated clause verdict.
type Record struct {
	Number     int
	Label      string
	Title      string
	Body       string
	RiskLevel  domain.RiskLevel
	Summary    string
	Suggestion string
}

type Config struct {
	MaxInputChars int
	// MaxImages bounds how many page images are sent; later pages are dropped.
	MaxImages   int
	Instruction string
}

type Classifier struct {
	cfg     Config
	model   llm.Completer
	metrics *metrics.Metrics
	logger  *zap.Logger
}

func New(cfg Config, model llm.Completer, mx *metrics.Metrics, logger *zap.Logger) *Classifier {
	if cfg.MaxInputChars <= 0 {
		cfg.MaxInputChars = 15000
	}
	if cfg.MaxImages <= 0 {
		cfg.MaxImages = 10
	}
	if strings.TrimSpace(cfg.Instruction) == "" {
		cfg.Instruction = DefaultInstruction
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Classifier{cfg: cfg, model: model, metrics: mx, logger: logger}
}

// Classify returns the valid records in ascending clause number order. Model
// failure, an unparseable reply or a reply with no valid record all yield
// domain.ErrClassificationFailed.
func (c *Classifier) Classify(ctx context.Context, payload extract.Payload) ([]Record, error) {
	req := llm.Request{
		Operation: "classify",
		System:    c.cfg.Instruction,
		JSON:      true,
	}
	switch p := payload.(type) {
	case extract.TextPayload:
		req.Messages = []llm.Message{{Role: llm.RoleUser, Content: truncateRunes(p.Text, c.cfg.MaxInputChars)}}
	case extract.ImagePayload:
		if len(p.Pages) == 0 {
			return nil, fmt.Errorf("%w: image payload has no pages", domain.ErrClassificationFailed)
		}
		pages := p.Pages
		if len(pages) > c.cfg.MaxImages {
			logging.For(ctx, c.logger).Warn("page images truncated",
				zap.Int("pages", len(pages)), zap.Int("max_images", c.cfg.MaxImages))
			pages = pages[:c.cfg.MaxImages]
		}
		images := make([]llm.Image, len(pages))
		for i, page := range pages {
			images[i] = llm.Image{MIMEType: page.MIMEType, Data: page.Data}
		}
		req.Messages = []llm.Message{{Role: llm.RoleUser, Content: imageInstruction, Images: images}}
	default:
		return nil, fmt.Errorf("%w: unsupported payload %T", domain.ErrClassificationFailed, payload)
	}

	resp, err := c.model.Complete(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: model call: %v", domain.ErrClassificationFailed, err)
	}

	raw, err := parseResponse(resp.Text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrClassificationFailed, err)
	}

	records := c.validate(ctx, raw)
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: no valid clause in %d returned", domain.ErrClassificationFailed, len(raw))
	}
	return records, nil
}

type rawRecord struct {
	ClauseNumber json.RawMessage `json:"clause_number"`
	Title        string          `json:"title"`
	OriginalText string          `json:"original_text"`
	RiskLevel    string          `json:"risk_level"`
	Summary      string          `json:"summary"`
	Suggestion   string          `json:"suggestion"`
}

type rawResponse struct {
	Clauses []rawRecord `json:"clauses"`
}

var (
	fencePattern    = regexp.MustCompile("(?m)^\\s*```[a-zA-Z]*\\s*$")
	citationPattern = regexp.MustCompile(`【[^】]*】`)
	digitsPattern   = regexp.MustCompile(`\d+`)
)

// cleanResponse strips markdown fences and citation markers and keeps the
// outermost JSON object.
func cleanResponse(text string) string {
	text = fencePattern.ReplaceAllString(text, "")
	text = citationPattern.ReplaceAllString(text, "")
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return ""
	}
	return text[start : end+1]
}

func parseResponse(text string) ([]rawRecord, error) {
	cleaned := cleanResponse(text)
	if cleaned == "" {
		return nil, fmt.Errorf("model reply contains no JSON object")
	}
	var resp rawResponse
	if err := json.Unmarshal([]byte(cleaned), &resp); err != nil {
		return nil, fmt.Errorf("malformed model reply: %w", err)
	}
	return resp.Clauses, nil
}

// parseClauseNumber accepts a JSON number or a string holding one, with any
// surrounding wording ("Article 5", "제5조"). Only the leading integer of a
// dotted number counts ("5.1" is 5).
func parseClauseNumber(raw json.RawMessage) (n int, label string, ok bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, "", false
	}
	var num json.Number
	if err := json.Unmarshal(raw, &num); err == nil {
		label = num.String()
	} else if err := json.Unmarshal(raw, &label); err != nil {
		return 0, "", false
	}
	label = strings.TrimSpace(label)
	digits := digitsPattern.FindString(label)
	if digits == "" {
		return 0, label, false
	}
	n, err := strconv.Atoi(digits)
	if err != nil || n <= 0 {
		return 0, label, false
	}
	return n, label, true
}

func (c *Classifier) validate(ctx context.Context, raw []rawRecord) []Record {
	log := logging.For(ctx, c.logger)
	seen := make(map[int]bool, len(raw))
	out := make([]Record, 0, len(raw))

	drop := func(i int, reason string, fields ...zap.Field) {
		c.metrics.RecordDropped(reason)
		log.Warn("dropping classifier record", append([]zap.Field{zap.Int("index", i), zap.String("reason", reason)}, fields...)...)
	}

	for i, r := range raw {
		title := strings.TrimSpace(r.Title)
		if title == "" {
			drop(i, "missing_title")
			continue
		}
		lvl, err := domain.ParseRiskLevel(r.RiskLevel)
		if err != nil {
			drop(i, "invalid_risk_level", zap.String("risk_level", r.RiskLevel))
			continue
		}
		n, label, ok := parseClauseNumber(r.ClauseNumber)
		if !ok {
			drop(i, "invalid_clause_number", zap.String("clause_number", string(r.ClauseNumber)))
			continue
		}
		if seen[n] {
			drop(i, "duplicate_clause_number", zap.Int("clause_number", n))
			continue
		}
		seen[n] = true
		out = append(out, Record{
			Number:     n,
			Label:      label,
			Title:      title,
			Body:       strings.TrimSpace(r.OriginalText),
			RiskLevel:  lvl,
			Summary:    strings.TrimSpace(r.Summary),
			Suggestion: strings.TrimSpace(r.Suggestion),
		})
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

func truncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max])
}
