package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/synthline-io/synthline-engine/pkg/llm"
	"github.com/synthline-io/synthline-engine/pkg/models"
	"github.com/synthline-io/synthline-engine/pkg/reference"
	"github.com/synthline-io/synthline-engine/pkg/retry"
)

// synthesisTemperature keeps plan generation mostly deterministic while
// allowing minor variation between retries.
const synthesisTemperature = 0.3

// llmRetryConfig covers transient backend failures (rate limits, 5xx).
// Permanent errors fall straight through to the template fallback.
var llmRetryConfig = &retry.Config{
	MaxRetries:   2,
	InitialDelay: 500 * time.Millisecond,
	MaxDelay:     5 * time.Second,
	Multiplier:   2.0,
	JitterFactor: 0.1,
}

const synthesisSystemMessage = `You are a synthetic data planning assistant. ` +
	`You receive a privacy-safe statistical profile of a tabular dataset and must answer ` +
	`with a JSON generation plan. Respond with a single JSON object of the form ` +
	`{"columns": [...]} and nothing else. Each column entry has "name", "kind" and the ` +
	`parameters for that kind. Valid kinds: "normal" (mean, std, min, max, integer), ` +
	`"uniform_int" (min, max), "choice" (choices: [{value, weight}]), "date_range" ` +
	`(date_min, date_max RFC3339, granularity "day"|"second"), "pattern" (pattern ` +
	`"email"|"phone"), "token" (avg_length), "boolean" (true_rate), "sequence". ` +
	`Set "null_rate" where the profile shows missing values. Plans must cover every ` +
	`column in order.`

// CodeSynthesizer produces a generation procedure from structural metadata.
// The model backend only ever sees the privacy-safe serialization; when it
// is unconfigured or fails, deterministic per-type templates take over.
// dict, when non-nil, carries caller constraints applied to the plan.
type CodeSynthesizer interface {
	Synthesize(ctx context.Context, md *models.StructuralMetadata, fp models.Fingerprint, dict *models.DataDictionary) (*models.GenerationProcedure, error)
}

type codeSynthesizer struct {
	client         llm.LLMClient // nil means template-only
	refs           *reference.Library
	requestTimeout time.Duration // per model call; zero means unbounded
	logger         *zap.Logger
}

// NewCodeSynthesizer creates the synthesis service. client may be nil.
func NewCodeSynthesizer(client llm.LLMClient, refs *reference.Library, requestTimeout time.Duration, logger *zap.Logger) CodeSynthesizer {
	return &codeSynthesizer{
		client:         client,
		refs:           refs,
		requestTimeout: requestTimeout,
		logger:         logger.Named("code-synthesizer"),
	}
}

func (s *codeSynthesizer) Synthesize(ctx context.Context, md *models.StructuralMetadata, fp models.Fingerprint, dict *models.DataDictionary) (*models.GenerationProcedure, error) {
	hints := s.collectHints(md)

	var plan *models.GenerationPlan
	source := models.ProcedureSourceTemplate

	if s.client != nil {
		modelPlan, err := s.synthesizeWithModel(ctx, md, hints, dict)
		if err == nil {
			plan, source = modelPlan, models.ProcedureSourceModel
		} else {
			s.logger.Warn("model synthesis failed, using template fallback", zap.Error(err))
		}
	}
	if plan == nil {
		plan = s.templatePlan(md, hints)
	}

	if dict != nil {
		ApplyDictionary(dict, plan)
	}
	return newProcedure(fp, plan, source), nil
}

func newProcedure(fp models.Fingerprint, plan *models.GenerationPlan, source models.ProcedureSource) *models.GenerationProcedure {
	return &models.GenerationProcedure{
		ID:          uuid.New(),
		Fingerprint: fp,
		Plan:        *plan,
		Source:      source,
		CreatedAt:   time.Now().UTC(),
	}
}

// collectHints matches column names against the domain reference library.
// Hints carry plausible vocabulary for recognized categories and never
// derive from the source data.
func (s *codeSynthesizer) collectHints(md *models.StructuralMetadata) map[string]*reference.Suggestion {
	hints := make(map[string]*reference.Suggestion)
	if s.refs == nil {
		return hints
	}
	for _, d := range md.Columns {
		if suggestion := s.refs.DetectCategory(d.Name); suggestion != nil {
			hints[d.Name] = suggestion
		}
	}
	return hints
}

func (s *codeSynthesizer) synthesizeWithModel(ctx context.Context, md *models.StructuralMetadata, hints map[string]*reference.Suggestion, dict *models.DataDictionary) (*models.GenerationPlan, error) {
	prompt, err := buildPrompt(md, hints, dict)
	if err != nil {
		return nil, err
	}

	var response string
	err = retry.DoIfRetryable(ctx, llmRetryConfig, func() error {
		// Each attempt gets its own deadline so a hung backend cannot pin
		// the request for longer than the configured timeout.
		callCtx := ctx
		if s.requestTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, s.requestTimeout)
			defer cancel()
		}
		r, err := s.client.GenerateResponse(callCtx, prompt, synthesisSystemMessage, synthesisTemperature)
		if err != nil {
			return err
		}
		response = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	plan, err := llm.ParseJSONResponse[models.GenerationPlan](response)
	if err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}

	s.restoreCategoricalLabels(&plan, md)

	if err := plan.Validate(columnNames(md)); err != nil {
		return nil, fmt.Errorf("invalid plan: %w", err)
	}
	return &plan, nil
}

// buildPrompt renders the privacy-safe metadata, hints and caller
// constraints as the model payload. Only aggregate statistics, column
// identity and caller-supplied material cross this boundary.
func buildPrompt(md *models.StructuralMetadata, hints map[string]*reference.Suggestion, dict *models.DataDictionary) (string, error) {
	secure, err := md.SecureJSON()
	if err != nil {
		return "", fmt.Errorf("serialize metadata: %w", err)
	}

	var b strings.Builder
	b.WriteString("Dataset profile:\n")
	b.Write(secure)

	if len(hints) > 0 {
		hintDoc, err := json.Marshal(hints)
		if err != nil {
			return "", fmt.Errorf("serialize hints: %w", err)
		}
		b.WriteString("\n\nDomain vocabulary hints (plausible values, not observed data):\n")
		b.Write(hintDoc)
	}

	if dict != nil {
		dictDoc, err := json.Marshal(dict)
		if err != nil {
			return "", fmt.Errorf("serialize dictionary: %w", err)
		}
		b.WriteString("\n\nCaller constraints (authoritative bounds and vocabularies):\n")
		b.Write(dictDoc)
	}

	b.WriteString("\n\nProduce the generation plan.")
	return b.String(), nil
}

// restoreCategoricalLabels maps anonymized "value_<i>" placeholders in
// model-produced choice plans back to the real frequency-table labels. The
// model never sees the labels, so its plans reference them positionally.
func (s *codeSynthesizer) restoreCategoricalLabels(plan *models.GenerationPlan, md *models.StructuralMetadata) {
	for i := range plan.Columns {
		cp := &plan.Columns[i]
		if cp.Kind != models.SamplerChoice {
			continue
		}
		profile := md.Profile(cp.Name)
		if profile == nil || profile.Categorical == nil {
			continue
		}
		for j := range cp.Choices {
			idx, ok := placeholderIndex(cp.Choices[j].Value)
			if ok && idx < len(profile.Categorical.Frequencies) {
				cp.Choices[j].Value = profile.Categorical.Frequencies[idx].Value
			}
		}
	}
}

func placeholderIndex(value string) (int, bool) {
	rest, ok := strings.CutPrefix(value, "value_")
	if !ok {
		return 0, false
	}
	idx, err := strconv.Atoi(rest)
	if err != nil || idx < 0 {
		return 0, false
	}
	return idx, true
}

// templatePlan builds a deterministic per-type plan from the recorded
// profiles. It is the fallback backend and must always produce a valid
// plan.
func (s *codeSynthesizer) templatePlan(md *models.StructuralMetadata, hints map[string]*reference.Suggestion) *models.GenerationPlan {
	plan := &models.GenerationPlan{Columns: make([]models.ColumnPlan, 0, len(md.Columns))}

	for _, d := range md.Columns {
		profile := md.Profile(d.Name)
		cp := models.ColumnPlan{Name: d.Name}
		if md.RowCount > 0 {
			cp.NullRate = float64(d.NullCount) / float64(md.RowCount)
		}

		switch d.InferredType {
		case models.TypeInteger, models.TypeFloat:
			cp.Kind = models.SamplerNormal
			if profile != nil && profile.Numeric != nil {
				cp.Mean = profile.Numeric.Mean
				cp.Std = profile.Numeric.Std
				cp.Min = profile.Numeric.Min
				cp.Max = profile.Numeric.Max
				cp.Integer = profile.Numeric.Integer
			}
		case models.TypeCategorical:
			cp.Kind = models.SamplerChoice
			if profile != nil && profile.Categorical != nil {
				cp.Choices = choicesFromFrequencies(profile.Categorical)
			}
		case models.TypeDate:
			cp.Kind = models.SamplerDateRange
			if profile != nil && profile.Date != nil {
				cp.DateMin = profile.Date.Min
				cp.DateMax = profile.Date.Max
				cp.Granularity = profile.Date.Granularity
			}
		case models.TypeBoolean:
			cp.Kind = models.SamplerBoolean
			cp.TrueRate = 0.5
		case models.TypeIdentifier:
			cp.Kind = models.SamplerSequence
		default: // text
			cp = textColumnPlan(cp, profile, hints[d.Name])
		}

		plan.Columns = append(plan.Columns, cp)
	}
	return plan
}

func textColumnPlan(cp models.ColumnPlan, profile *models.ColumnProfile, hint *reference.Suggestion) models.ColumnPlan {
	if profile != nil && profile.Text != nil {
		switch profile.Text.PatternClass {
		case models.PatternClassEmail, models.PatternClassPhone:
			cp.Kind = models.SamplerPattern
			cp.Pattern = profile.Text.PatternClass
			return cp
		}
		cp.AvgLength = profile.Text.AvgLength
	}

	if hint != nil && len(hint.Values) > 0 {
		cp.Kind = models.SamplerChoice
		weight := 1.0 / float64(len(hint.Values))
		for _, v := range hint.Values {
			cp.Choices = append(cp.Choices, models.WeightedChoice{Value: v, Weight: weight})
		}
		return cp
	}

	cp.Kind = models.SamplerToken
	if cp.AvgLength == 0 {
		cp.AvgLength = 12
	}
	return cp
}

func choicesFromFrequencies(cat *models.CategoricalProfile) []models.WeightedChoice {
	total := 0.0
	for _, f := range cat.Frequencies {
		total += f.Proportion
	}
	if total == 0 {
		return nil
	}
	choices := make([]models.WeightedChoice, len(cat.Frequencies))
	for i, f := range cat.Frequencies {
		choices[i] = models.WeightedChoice{Value: f.Value, Weight: f.Proportion / total}
	}
	return choices
}

func columnNames(md *models.StructuralMetadata) []string {
	names := make([]string, len(md.Columns))
	for i, d := range md.Columns {
		names[i] = d.Name
	}
	return names
}
