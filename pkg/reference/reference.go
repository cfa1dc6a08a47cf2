// Package reference holds a curated clinical vocabulary used to enrich
// generation plans for medically-named columns. Values are plausible domain
// terms, never derived from uploaded data.
package reference

import (
	"fmt"
	"sort"
	"strings"

	_ "embed"

	"gopkg.in/yaml.v3"
)

//go:embed data.yaml
var rawData []byte

// Library provides clinical reference vocabularies keyed by category.
type Library struct {
	Medications   []string            `yaml:"medications"`
	LabTests      []string            `yaml:"lab_tests"`
	Diagnoses     []string            `yaml:"diagnoses"`
	Procedures    []string            `yaml:"procedures"`
	BodySites     []string            `yaml:"body_sites"`
	Units         map[string][]string `yaml:"units"`
	ClinicalTerms map[string][]string `yaml:"clinical_terms"`
}

// Suggestion is a vocabulary hint for a single column, produced by matching
// the column name against known clinical keywords.
type Suggestion struct {
	Category string   `json:"category"`
	Values   []string `json:"values"`
}

// Load parses the embedded reference dataset.
func Load() (*Library, error) {
	var lib Library
	if err := yaml.Unmarshal(rawData, &lib); err != nil {
		return nil, fmt.Errorf("parse reference data: %w", err)
	}
	if len(lib.Medications) == 0 || len(lib.LabTests) == 0 {
		return nil, fmt.Errorf("reference data is incomplete")
	}
	return &lib, nil
}

// MustLoad is Load for package initialization paths where a broken embed is
// unrecoverable.
func MustLoad() *Library {
	lib, err := Load()
	if err != nil {
		panic(err)
	}
	return lib
}

// keyword groups checked in order; first match wins.
var (
	medicationKeywords = []string{"medication", "drug", "medicine", "rx", "prescription", "med"}
	labKeywords        = []string{"lab", "test", "wbc", "rbc", "glucose", "creatinine", "hemoglobin"}
	unitKeywords       = []string{"unit", "dose", "dosage", "amount", "concentration"}
	diagnosisKeywords  = []string{"diagnosis", "disease", "condition", "disorder", "icd"}
	procedureKeywords  = []string{"procedure", "surgery", "operation", "treatment"}
	siteKeywords       = []string{"site", "location", "anatomy", "body_part"}
)

// DetectCategory matches a column name against the clinical vocabulary and
// returns a suggestion, or nil when the name is not recognizably clinical.
func (l *Library) DetectCategory(columnName string) *Suggestion {
	name := strings.ToLower(columnName)

	if containsAny(name, medicationKeywords) {
		return &Suggestion{Category: "medication", Values: capped(l.Medications, 20)}
	}
	if containsAny(name, labKeywords) {
		return &Suggestion{Category: "lab_test", Values: capped(l.LabTests, 20)}
	}
	if containsAny(name, unitKeywords) {
		return &Suggestion{Category: "unit", Values: l.allUnits()}
	}
	if containsAny(name, diagnosisKeywords) {
		return &Suggestion{Category: "diagnosis", Values: capped(l.Diagnoses, 20)}
	}
	if containsAny(name, procedureKeywords) {
		return &Suggestion{Category: "procedure", Values: capped(l.Procedures, 20)}
	}
	if containsAny(name, siteKeywords) {
		return &Suggestion{Category: "body_site", Values: capped(l.BodySites, 10)}
	}

	// Sorted iteration keeps the winning term stable for names matching
	// several entries; suggestions feed prompt payloads, which must be
	// deterministic for identical input.
	terms := make([]string, 0, len(l.ClinicalTerms))
	for term := range l.ClinicalTerms {
		terms = append(terms, term)
	}
	sort.Strings(terms)
	for _, term := range terms {
		if strings.Contains(name, term) {
			return &Suggestion{Category: term, Values: l.ClinicalTerms[term]}
		}
	}

	return nil
}

func (l *Library) allUnits() []string {
	var all []string
	// Deterministic order keeps prompt payloads stable across runs.
	for _, cat := range []string{
		"weight", "volume", "concentration", "rate", "count",
		"percentage", "time", "temperature", "pressure", "dosage", "frequency",
	} {
		all = append(all, l.Units[cat]...)
	}
	return all
}

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}

func capped(values []string, n int) []string {
	if len(values) <= n {
		return values
	}
	return values[:n]
}
