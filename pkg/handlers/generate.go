package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/synthline-io/synthline-engine/pkg/apperrors"
	"github.com/synthline-io/synthline-engine/pkg/models"
	"github.com/synthline-io/synthline-engine/pkg/services"
)

// GenerateHandler exposes the generation pipeline over HTTP: synthesis,
// metadata-only extraction and cache management.
type GenerateHandler struct {
	orchestrator services.Orchestrator
	logger       *zap.Logger
}

// NewGenerateHandler creates a new GenerateHandler.
func NewGenerateHandler(orchestrator services.Orchestrator, logger *zap.Logger) *GenerateHandler {
	return &GenerateHandler{orchestrator: orchestrator, logger: logger.Named("generate-handler")}
}

// RegisterRoutes registers the handler's routes on the given mux.
func (h *GenerateHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/generate", h.Generate)
	mux.HandleFunc("POST /api/metadata", h.Metadata)
	mux.HandleFunc("POST /api/dictionary/validate", h.ValidateDictionary)
	mux.HandleFunc("POST /api/cache/evict", h.EvictCache)
}

// GenerateRequest is the POST /api/generate payload. The table arrives in
// the generic columnar shape produced by the upstream file readers.
type GenerateRequest struct {
	Table          *models.Table          `json:"table"`
	NumRows        int                    `json:"num_rows"`
	MatchThreshold float64                `json:"match_threshold"`
	OutputFormat   string                 `json:"output_format"`
	UseCache       *bool                  `json:"use_cache"`
	FileCount      int                    `json:"file_count"`
	Dictionary     *models.DataDictionary `json:"dictionary,omitempty"`
}

// GenerateResponse is the POST /api/generate response body.
type GenerateResponse struct {
	Tables        []*models.Table `json:"tables"`
	MatchScore    float64         `json:"match_score"`
	Attempts      int             `json:"attempts"`
	Source        string          `json:"source"`
	LowConfidence bool            `json:"low_confidence"`
	OutputFormat  string          `json:"output_format"`
}

// Generate handles POST /api/generate requests.
func (h *GenerateHandler) Generate(w http.ResponseWriter, r *http.Request) {
	var req GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}
	if req.Table == nil {
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_request", "table is required")
		return
	}

	genReq := &models.GenerationRequest{
		NumRows:        req.NumRows,
		MatchThreshold: req.MatchThreshold,
		OutputFormat:   req.OutputFormat,
		UseCache:       req.UseCache == nil || *req.UseCache,
		FileCount:      req.FileCount,
		Dictionary:     req.Dictionary,
	}

	result, err := h.orchestrator.Generate(r.Context(), req.Table, genReq)
	if err != nil {
		h.writeError(w, err)
		return
	}

	response := GenerateResponse{
		Tables:        result.Tables,
		MatchScore:    result.MatchScore,
		Attempts:      result.Attempts,
		Source:        string(result.Source),
		LowConfidence: result.LowConfidence,
		OutputFormat:  genReq.OutputFormat,
	}
	if err := WriteJSON(w, http.StatusOK, response); err != nil {
		h.logger.Error("Failed to encode generate response", zap.Error(err))
	}
}

// MetadataRequest is the POST /api/metadata payload.
type MetadataRequest struct {
	Table *models.Table `json:"table"`
}

// Metadata handles POST /api/metadata requests. The response is the
// privacy-safe serialization; categorical labels never leave the process.
func (h *GenerateHandler) Metadata(w http.ResponseWriter, r *http.Request) {
	var req MetadataRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}
	if req.Table == nil {
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_request", "table is required")
		return
	}

	md, err := h.orchestrator.Metadata(r.Context(), req.Table)
	if err != nil {
		h.writeError(w, err)
		return
	}

	secure, err := md.SecureJSON()
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(secure); err != nil {
		h.logger.Error("Failed to write metadata response", zap.Error(err))
	}
}

// DictionaryValidateRequest is the POST /api/dictionary/validate payload.
type DictionaryValidateRequest struct {
	Table      *models.Table          `json:"table"`
	Dictionary *models.DataDictionary `json:"dictionary"`
}

// DictionaryValidateResponse reports dictionary/data disagreements.
type DictionaryValidateResponse struct {
	Valid      bool                         `json:"valid"`
	Violations []models.ConstraintViolation `json:"violations"`
}

// ValidateDictionary handles POST /api/dictionary/validate requests.
func (h *GenerateHandler) ValidateDictionary(w http.ResponseWriter, r *http.Request) {
	var req DictionaryValidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}
	if req.Table == nil || req.Dictionary == nil {
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_request", "table and dictionary are required")
		return
	}

	violations, err := h.orchestrator.CheckDictionary(r.Context(), req.Table, req.Dictionary)
	if err != nil {
		h.writeError(w, err)
		return
	}

	response := DictionaryValidateResponse{Valid: len(violations) == 0, Violations: violations}
	if err := WriteJSON(w, http.StatusOK, response); err != nil {
		h.logger.Error("Failed to encode dictionary response", zap.Error(err))
	}
}

// EvictRequest is the POST /api/cache/evict payload. A null older_than_days
// clears the whole cache.
type EvictRequest struct {
	OlderThanDays *int `json:"older_than_days"`
}

// EvictResponse reports how many cached procedures were removed.
type EvictResponse struct {
	Removed int `json:"removed"`
}

// EvictCache handles POST /api/cache/evict requests.
func (h *GenerateHandler) EvictCache(w http.ResponseWriter, r *http.Request) {
	var req EvictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}

	var olderThan *time.Duration
	if req.OlderThanDays != nil {
		if *req.OlderThanDays < 0 {
			_ = ErrorResponse(w, http.StatusBadRequest, "invalid_request", "older_than_days must be non-negative")
			return
		}
		d := time.Duration(*req.OlderThanDays) * 24 * time.Hour
		olderThan = &d
	}

	removed, err := h.orchestrator.EvictCache(r.Context(), olderThan)
	if err != nil {
		h.writeError(w, err)
		return
	}

	if err := WriteJSON(w, http.StatusOK, EvictResponse{Removed: removed}); err != nil {
		h.logger.Error("Failed to encode evict response", zap.Error(err))
	}
}

// writeError maps pipeline errors onto HTTP statuses.
func (h *GenerateHandler) writeError(w http.ResponseWriter, err error) {
	var extErr *apperrors.ExtractionError

	switch {
	case errors.Is(err, apperrors.ErrInvalidRequest):
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, apperrors.ErrUnsupportedInput):
		_ = ErrorResponse(w, http.StatusUnprocessableEntity, "unsupported_input", err.Error())
	case errors.As(err, &extErr):
		_ = ErrorResponse(w, http.StatusUnprocessableEntity, "extraction_error", err.Error())
	case errors.Is(err, apperrors.ErrSynthesisFailed):
		h.logger.Error("synthesis failed", zap.Error(err))
		_ = ErrorResponse(w, http.StatusInternalServerError, "synthesis_failed", err.Error())
	case errors.Is(err, apperrors.ErrCacheUnavailable):
		h.logger.Error("cache unavailable", zap.Error(err))
		_ = ErrorResponse(w, http.StatusServiceUnavailable, "cache_unavailable", err.Error())
	default:
		h.logger.Error("request failed", zap.Error(err))
		_ = ErrorResponse(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
