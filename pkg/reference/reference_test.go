package reference

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	lib, err := Load()
	require.NoError(t, err)

	assert.NotEmpty(t, lib.Medications)
	assert.NotEmpty(t, lib.LabTests)
	assert.NotEmpty(t, lib.Diagnoses)
	assert.NotEmpty(t, lib.Procedures)
	assert.NotEmpty(t, lib.BodySites)
	assert.NotEmpty(t, lib.Units["concentration"])
	assert.NotEmpty(t, lib.ClinicalTerms["severity"])
}

func TestDetectCategory(t *testing.T) {
	lib := MustLoad()

	tests := []struct {
		column   string
		category string
	}{
		{"medication_name", "medication"},
		{"prescribed_drug", "medication"},
		{"lab_result", "lab_test"},
		{"glucose_level", "lab_test"},
		{"dosage_amount", "unit"},
		{"primary_diagnosis", "diagnosis"},
		{"icd_code", "diagnosis"},
		{"surgery_type", "procedure"},
		{"anatomy_region", "body_site"},
		{"severity", "severity"},
		{"blood_type", "blood_type"},
	}

	for _, tt := range tests {
		t.Run(tt.column, func(t *testing.T) {
			s := lib.DetectCategory(tt.column)
			require.NotNil(t, s)
			assert.Equal(t, tt.category, s.Category)
			assert.NotEmpty(t, s.Values)
		})
	}
}

func TestDetectCategory_NonClinical(t *testing.T) {
	lib := MustLoad()

	for _, col := range []string{"age", "city", "revenue", "customer_id"} {
		assert.Nil(t, lib.DetectCategory(col), col)
	}
}

func TestDetectCategory_StableForAmbiguousNames(t *testing.T) {
	lib := MustLoad()

	// Matches both the "severity" and "status" clinical terms; the winner
	// must not depend on map iteration order.
	first := lib.DetectCategory("severity_status")
	require.NotNil(t, first)
	assert.Equal(t, "severity", first.Category)

	for i := 0; i < 50; i++ {
		s := lib.DetectCategory("severity_status")
		require.NotNil(t, s)
		assert.Equal(t, first.Category, s.Category)
		assert.Equal(t, first.Values, s.Values)
	}
}

func TestDetectCategory_CapsSuggestionSize(t *testing.T) {
	lib := MustLoad()

	s := lib.DetectCategory("medication")
	require.NotNil(t, s)
	assert.LessOrEqual(t, len(s.Values), 20)
}
