package services

import (
	"fmt"
	"math/rand"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/synthline-io/synthline-engine/pkg/apperrors"
	"github.com/synthline-io/synthline-engine/pkg/models"
)

// MetadataVersion tags extracted metadata so cached procedures can be
// invalidated when the profiling algorithm changes.
const MetadataVersion = "1"

const (
	// categoricalUniqueRatio and categoricalUniqueCap gate the categorical
	// classification of non-numeric columns.
	categoricalUniqueRatio = 0.05
	categoricalUniqueCap   = 20

	// topKFrequencies caps the categorical frequency table; the remainder
	// folds into the "other" bucket.
	topKFrequencies = 20

	// patternConfidenceFloor is the minimum matched fraction for tagging a
	// text column with an email/phone pattern class.
	patternConfidenceFloor = 0.9

	// extractionSeed fixes the subsampling order so identical tables always
	// yield identical metadata.
	extractionSeed = 1
)

var dateKeywords = []string{"date", "time", "created", "updated", "timestamp", "day", "dob", "birth"}

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
	"01/02/2006",
	"2006/01/02",
}

var (
	emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)
	phonePattern = regexp.MustCompile(`^\+?[0-9][0-9\-\s().]{6,18}[0-9]$`)
)

// MetadataExtractor converts a tabular value into its privacy-safe
// structural and statistical summary.
type MetadataExtractor interface {
	Extract(table *models.Table) (*models.StructuralMetadata, error)
}

type metadataExtractor struct {
	sampleSize int
	logger     *zap.Logger
}

// NewMetadataExtractor creates a metadata extraction service. Tables longer
// than sampleSize rows are profiled on a fixed-seed subsample.
func NewMetadataExtractor(sampleSize int, logger *zap.Logger) MetadataExtractor {
	return &metadataExtractor{
		sampleSize: sampleSize,
		logger:     logger.Named("metadata-extractor"),
	}
}

func (e *metadataExtractor) Extract(table *models.Table) (*models.StructuralMetadata, error) {
	if table == nil || table.ColumnCount() == 0 {
		return nil, apperrors.ErrUnsupportedInput
	}
	rows := table.RowCount()
	if rows == 0 {
		return nil, apperrors.ErrUnsupportedInput
	}

	sampled, sampleRows := e.sample(table, rows)

	md := &models.StructuralMetadata{
		Version:     MetadataVersion,
		RowCount:    rows,
		ColumnCount: table.ColumnCount(),
	}

	numericValues := make(map[string][]*float64, len(sampled.Columns))

	for i := range sampled.Columns {
		col := &sampled.Columns[i]
		cells := normalizeCells(col.Values)

		inferred, err := e.inferType(col.Name, cells)
		if err != nil {
			return nil, &apperrors.ExtractionError{Column: col.Name, Err: err}
		}

		nullCount := 0
		uniques := make(map[string]struct{}, len(cells))
		for _, c := range cells {
			if c == nil {
				nullCount++
				continue
			}
			uniques[cellString(c)] = struct{}{}
		}

		md.Columns = append(md.Columns, models.ColumnDescriptor{
			Name:         col.Name,
			InferredType: inferred,
			Nullable:     nullCount > 0,
			UniqueCount:  len(uniques),
			NullCount:    nullCount,
		})

		profile := models.ColumnProfile{Name: col.Name, Type: inferred}
		switch inferred {
		case models.TypeInteger, models.TypeFloat:
			nums := numericCells(cells)
			profile.Numeric = numericProfile(nums, inferred == models.TypeInteger)
			numericValues[col.Name] = nums
		case models.TypeCategorical:
			profile.Categorical = categoricalProfile(cells)
		case models.TypeDate:
			profile.Date = dateProfile(cells)
		case models.TypeText:
			profile.Text = textProfile(cells)
		}
		md.Profiles = append(md.Profiles, profile)
	}

	md.Correlations = correlations(md.Columns, numericValues)
	md.Quality = qualityProfile(sampled, sampleRows)

	e.logger.Debug("metadata extracted",
		zap.Int("rows", rows),
		zap.Int("columns", md.ColumnCount),
		zap.Int("sampled_rows", sampleRows))

	return md, nil
}

// sample returns the table restricted to a fixed-seed row subsample when it
// exceeds the configured size. Row selection is shared across columns so
// correlations stay consistent.
func (e *metadataExtractor) sample(table *models.Table, rows int) (*models.Table, int) {
	if e.sampleSize <= 0 || rows <= e.sampleSize {
		return table, rows
	}

	rng := rand.New(rand.NewSource(extractionSeed))
	picked := rng.Perm(rows)[:e.sampleSize]
	sort.Ints(picked)

	out := &models.Table{Columns: make([]models.Column, len(table.Columns))}
	for i := range table.Columns {
		src := &table.Columns[i]
		values := make([]any, 0, len(picked))
		for _, idx := range picked {
			if idx < len(src.Values) {
				values = append(values, src.Values[idx])
			} else {
				values = append(values, nil)
			}
		}
		out.Columns[i] = models.Column{Name: src.Name, Values: values}
	}
	return out, e.sampleSize
}

// inferType resolves a column's type. Name-keyword date detection runs
// before numeric parsing so date columns stored as plain strings classify
// as dates.
func (e *metadataExtractor) inferType(name string, cells []any) (models.InferredType, error) {
	nonNull := nonNullCells(cells)
	if len(nonNull) == 0 {
		return "", fmt.Errorf("column has no non-null values")
	}

	if allBooleans(nonNull) {
		return models.TypeBoolean, nil
	}

	datesParseable := allDates(nonNull)
	if datesParseable && (hasDateKeyword(name) || allNativeDates(nonNull) || allDateStrings(nonNull)) {
		return models.TypeDate, nil
	}

	if allNumeric(nonNull) {
		if allIntegral(nonNull) {
			return models.TypeInteger, nil
		}
		return models.TypeFloat, nil
	}

	uniques := make(map[string]struct{}, len(nonNull))
	for _, c := range nonNull {
		uniques[cellString(c)] = struct{}{}
	}
	ratio := float64(len(uniques)) / float64(len(nonNull))
	if ratio < categoricalUniqueRatio || len(uniques) <= categoricalUniqueCap {
		return models.TypeCategorical, nil
	}

	if matchFraction(nonNull, emailPattern) >= patternConfidenceFloor ||
		matchFraction(nonNull, phonePattern) >= patternConfidenceFloor {
		return models.TypeText, nil
	}

	if len(uniques) == len(nonNull) && monotonicStrings(nonNull) {
		return models.TypeIdentifier, nil
	}

	return models.TypeText, nil
}

// normalizeCells coerces arbitrary scalars into the supported cell kinds.
// JSON-decoded numbers arrive as float64; anything unrecognized is
// stringified.
func normalizeCells(values []any) []any {
	out := make([]any, len(values))
	for i, v := range values {
		switch t := v.(type) {
		case nil:
			out[i] = nil
		case string, bool, int64, float64, time.Time:
			out[i] = t
		case int:
			out[i] = int64(t)
		case int32:
			out[i] = int64(t)
		case float32:
			out[i] = float64(t)
		default:
			out[i] = fmt.Sprint(t)
		}
	}
	return out
}

func nonNullCells(cells []any) []any {
	out := make([]any, 0, len(cells))
	for _, c := range cells {
		if c != nil {
			out = append(out, c)
		}
	}
	return out
}

func cellString(c any) string {
	switch t := c.(type) {
	case string:
		return t
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}

func hasDateKeyword(name string) bool {
	lower := strings.ToLower(name)
	for _, k := range dateKeywords {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

func parseDate(c any) (time.Time, bool) {
	switch t := c.(type) {
	case time.Time:
		return t, true
	case string:
		for _, layout := range dateLayouts {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed, true
			}
		}
	}
	return time.Time{}, false
}

func allDates(cells []any) bool {
	for _, c := range cells {
		if _, ok := parseDate(c); !ok {
			return false
		}
	}
	return true
}

func allNativeDates(cells []any) bool {
	for _, c := range cells {
		if _, ok := c.(time.Time); !ok {
			return false
		}
	}
	return true
}

// allDateStrings reports whether every cell is a string in a recognized
// date layout. Distinguishes genuine date columns from numerics like "2024".
func allDateStrings(cells []any) bool {
	for _, c := range cells {
		s, ok := c.(string)
		if !ok {
			return false
		}
		if _, numErr := strconv.ParseFloat(s, 64); numErr == nil {
			return false
		}
		if _, ok := parseDate(s); !ok {
			return false
		}
	}
	return true
}

func parseNumeric(c any) (float64, bool) {
	switch t := c.(type) {
	case int64:
		return float64(t), true
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	}
	return 0, false
}

func allNumeric(cells []any) bool {
	for _, c := range cells {
		if _, ok := parseNumeric(c); !ok {
			return false
		}
	}
	return true
}

func allIntegral(cells []any) bool {
	for _, c := range cells {
		f, _ := parseNumeric(c)
		if f != float64(int64(f)) {
			return false
		}
	}
	return true
}

func allBooleans(cells []any) bool {
	for _, c := range cells {
		switch t := c.(type) {
		case bool:
		case string:
			lower := strings.ToLower(t)
			if lower != "true" && lower != "false" {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func matchFraction(cells []any, pattern *regexp.Regexp) float64 {
	matched := 0
	for _, c := range cells {
		if s, ok := c.(string); ok && pattern.MatchString(s) {
			matched++
		}
	}
	return float64(matched) / float64(len(cells))
}

func monotonicStrings(cells []any) bool {
	prev := ""
	for i, c := range cells {
		s := cellString(c)
		if i > 0 && s < prev {
			return false
		}
		prev = s
	}
	return true
}

// numericCells returns per-row numeric values with nils preserved, so
// correlation pairing can align rows.
func numericCells(cells []any) []*float64 {
	out := make([]*float64, len(cells))
	for i, c := range cells {
		if c == nil {
			continue
		}
		if f, ok := parseNumeric(c); ok {
			v := f
			out[i] = &v
		}
	}
	return out
}

func numericProfile(nums []*float64, integer bool) *models.NumericProfile {
	values := make([]float64, 0, len(nums))
	for _, n := range nums {
		if n != nil {
			values = append(values, *n)
		}
	}
	if len(values) == 0 {
		return &models.NumericProfile{Integer: integer}
	}

	mean, std := meanStd(values)
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	return &models.NumericProfile{
		Mean: mean,
		Std:  std,
		Min:  sorted[0],
		Max:  sorted[len(sorted)-1],
		Quantiles: [5]float64{
			quantile(sorted, 0.10),
			quantile(sorted, 0.25),
			quantile(sorted, 0.50),
			quantile(sorted, 0.75),
			quantile(sorted, 0.90),
		},
		Integer: integer,
	}
}

func categoricalProfile(cells []any) *models.CategoricalProfile {
	counts := map[string]int{}
	total := 0
	for _, c := range cells {
		if c == nil {
			continue
		}
		counts[cellString(c)]++
		total++
	}
	if total == 0 {
		return &models.CategoricalProfile{}
	}

	type vc struct {
		value string
		count int
	}
	entries := make([]vc, 0, len(counts))
	for v, n := range counts {
		entries = append(entries, vc{v, n})
	}
	// Deterministic order: by count descending, then value ascending.
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].count != entries[j].count {
			return entries[i].count > entries[j].count
		}
		return entries[i].value < entries[j].value
	})

	profile := &models.CategoricalProfile{}
	for i, e := range entries {
		p := float64(e.count) / float64(total)
		if i < topKFrequencies {
			profile.Frequencies = append(profile.Frequencies, models.CategoryFrequency{
				Value:      e.value,
				Proportion: p,
			})
		} else {
			profile.OtherProportion += p
		}
	}
	return profile
}

func dateProfile(cells []any) *models.DateProfile {
	var min, max time.Time
	granularity := models.GranularityDay
	first := true
	for _, c := range cells {
		if c == nil {
			continue
		}
		t, ok := parseDate(c)
		if !ok {
			continue
		}
		if first {
			min, max = t, t
			first = false
		} else {
			if t.Before(min) {
				min = t
			}
			if t.After(max) {
				max = t
			}
		}
		h, m, s := t.Clock()
		if h != 0 || m != 0 || s != 0 {
			granularity = models.GranularitySecond
		}
	}
	return &models.DateProfile{Min: min.UTC(), Max: max.UTC(), Granularity: granularity}
}

func textProfile(cells []any) *models.TextProfile {
	profile := &models.TextProfile{PatternClass: models.PatternClassFreeText}

	nonNull := nonNullCells(cells)
	if len(nonNull) == 0 {
		return profile
	}

	if frac := matchFraction(nonNull, emailPattern); frac >= patternConfidenceFloor {
		profile.PatternClass = models.PatternClassEmail
		profile.Confidence = frac
	} else if frac := matchFraction(nonNull, phonePattern); frac >= patternConfidenceFloor {
		profile.PatternClass = models.PatternClassPhone
		profile.Confidence = frac
	} else {
		profile.Confidence = 1
	}

	totalLen := 0
	profile.MinLength = len(cellString(nonNull[0]))
	for _, c := range nonNull {
		n := len(cellString(c))
		totalLen += n
		if n < profile.MinLength {
			profile.MinLength = n
		}
		if n > profile.MaxLength {
			profile.MaxLength = n
		}
	}
	profile.AvgLength = float64(totalLen) / float64(len(nonNull))
	return profile
}

func correlations(columns []models.ColumnDescriptor, numeric map[string][]*float64) models.CorrelationMatrix {
	var matrix models.CorrelationMatrix
	names := make([]string, 0, len(numeric))
	for _, d := range columns {
		if _, ok := numeric[d.Name]; ok {
			names = append(names, d.Name)
		}
	}

	for i := 0; i < len(names); i++ {
		for j := i + 1; j < len(names); j++ {
			a, b := numeric[names[i]], numeric[names[j]]
			var xs, ys []float64
			n := len(a)
			if len(b) < n {
				n = len(b)
			}
			for k := 0; k < n; k++ {
				if a[k] != nil && b[k] != nil {
					xs = append(xs, *a[k])
					ys = append(ys, *b[k])
				}
			}
			if len(xs) < models.MinCorrelationRows {
				continue
			}
			coeff, ok := pearson(xs, ys)
			if !ok {
				continue
			}
			matrix.Pairs = append(matrix.Pairs, models.CorrelationPair{
				ColumnA:     names[i],
				ColumnB:     names[j],
				Coefficient: coeff,
			})
		}
	}
	return matrix
}

func qualityProfile(table *models.Table, rows int) models.DataQualityProfile {
	if rows == 0 || table.ColumnCount() == 0 {
		return models.DataQualityProfile{}
	}

	nulls := 0
	for i := range table.Columns {
		nulls += table.Columns[i].NullCount()
	}
	totalCells := rows * table.ColumnCount()

	seen := make(map[string]struct{}, rows)
	duplicates := 0
	var b strings.Builder
	for r := 0; r < rows; r++ {
		b.Reset()
		for i := range table.Columns {
			col := &table.Columns[i]
			if r < len(col.Values) && col.Values[r] != nil {
				b.WriteString(cellString(normalizeCells(col.Values[r : r+1])[0]))
			}
			b.WriteByte(0x1f)
		}
		key := b.String()
		if _, dup := seen[key]; dup {
			duplicates++
		} else {
			seen[key] = struct{}{}
		}
	}

	return models.DataQualityProfile{
		Completeness:      1 - float64(nulls)/float64(totalCells),
		DuplicateRowRatio: float64(duplicates) / float64(rows),
	}
}
