// Package api exposes the treasury engine over HTTP.
//
// All monetary values are decimal strings in JSON, never float64.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atmx/treasury-engine/internal/leverage"
	"github.com/atmx/treasury-engine/internal/model"
	"github.com/atmx/treasury-engine/internal/treasury"
)

// CallerHeader carries the identity the allocation layer authorizes.
const CallerHeader = "X-Caller-ID"

// Service holds the HTTP handlers.
type Service struct {
	engine *treasury.Engine
	log    *zap.Logger
}

// NewService creates the handlers over engine.
func NewService(engine *treasury.Engine, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{engine: engine, log: log.Named("api")}
}

// Routes mounts the API under r.
func (s *Service) Routes(r chi.Router) {
	r.Get("/assets", s.ListAssets)
	r.Post("/assets", s.RegisterAsset)
	r.Get("/assets/{asset}", s.GetAsset)
	r.Delete("/assets/{asset}", s.DeregisterAsset)
	r.Put("/assets/{asset}/collateral-factor", s.SetCollateralFactor)
	r.Get("/assets/{asset}/journal", s.GetJournal)

	r.Post("/push", s.Push)
	r.Post("/pull", s.Pull)
	r.Post("/push/batch", s.PushBatch)
	r.Post("/pull/batch", s.PullBatch)
	r.Post("/fold", s.Fold)
	r.Post("/unfold", s.Unfold)
	r.Post("/surplus", s.PushSurplus)
	r.Post("/recover", s.Recover)
	r.Post("/claim", s.Claim)

	r.Get("/cooldown", s.GetCooldown)
	r.Get("/balances", s.ListBalances)
	r.Get("/params/liquidation", s.GetLiquidation)
	r.Put("/params/liquidation", s.SetLiquidation)
}

// --- Request/Response types ---

// RegisterAssetRequest is the JSON body for asset registration.
type RegisterAssetRequest struct {
	Asset            string          `json:"asset"`
	CollateralFactor decimal.Decimal `json:"collateral_factor"`
}

// AmountRequest is the JSON body for single-asset capital operations.
type AmountRequest struct {
	Asset  string          `json:"asset"`
	Amount decimal.Decimal `json:"amount"`
}

// BatchRequest is the JSON body for batched push and pull.
type BatchRequest struct {
	Assets  []string          `json:"assets"`
	Amounts []decimal.Decimal `json:"amounts"`
}

// AssetRequest names a single asset.
type AssetRequest struct {
	Asset string `json:"asset"`
}

// CollateralFactorRequest is the JSON body for collateral factor updates.
type CollateralFactorRequest struct {
	CollateralFactor decimal.Decimal `json:"collateral_factor"`
}

// LiquidationRequest updates the safety gate. Omitted fields are unchanged.
type LiquidationRequest struct {
	Threshold *decimal.Decimal `json:"liquidation_warning_threshold,omitempty"`
	Enabled   *bool            `json:"liquidation_check,omitempty"`
}

// UnfoldResponse adds the partial-delever signal to the leverage result.
type UnfoldResponse struct {
	Result  leverage.Result `json:"result"`
	Partial bool            `json:"partial"`
	Warning string          `json:"warning,omitempty"`
}

// --- Asset handlers ---

// ListAssets handles GET /api/v1/assets
func (s *Service) ListAssets(w http.ResponseWriter, r *http.Request) {
	positions := s.engine.Positions()
	if positions == nil {
		positions = []model.AssetPosition{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// RegisterAsset handles POST /api/v1/assets
func (s *Service) RegisterAsset(w http.ResponseWriter, r *http.Request) {
	var req RegisterAssetRequest
	if !decode(w, r, &req) {
		return
	}
	pos, err := s.engine.RegisterAsset(r.Context(), caller(r), req.Asset, req.CollateralFactor)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, pos)
}

// GetAsset handles GET /api/v1/assets/{asset}
func (s *Service) GetAsset(w http.ResponseWriter, r *http.Request) {
	summary, err := s.engine.Summary(r.Context(), chi.URLParam(r, "asset"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// DeregisterAsset handles DELETE /api/v1/assets/{asset}
func (s *Service) DeregisterAsset(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DeregisterAsset(r.Context(), caller(r), chi.URLParam(r, "asset")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetCollateralFactor handles PUT /api/v1/assets/{asset}/collateral-factor
func (s *Service) SetCollateralFactor(w http.ResponseWriter, r *http.Request) {
	var req CollateralFactorRequest
	if !decode(w, r, &req) {
		return
	}
	asset := chi.URLParam(r, "asset")
	if err := s.engine.SetCollateralFactor(r.Context(), caller(r), asset, req.CollateralFactor); err != nil {
		s.fail(w, r, err)
		return
	}
	pos, err := s.engine.Position(asset)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// GetJournal handles GET /api/v1/assets/{asset}/journal
func (s *Service) GetJournal(w http.ResponseWriter, r *http.Request) {
	entries, err := s.engine.Journal(r.Context(), chi.URLParam(r, "asset"))
	if err != nil {
		writeError(w, "failed to load journal", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []model.JournalEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- Capital flow handlers ---

// Push handles POST /api/v1/push
func (s *Service) Push(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.engine.Push(r.Context(), caller(r), req.Asset, req.Amount)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Pull handles POST /api/v1/pull
func (s *Service) Pull(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.engine.Pull(r.Context(), caller(r), req.Asset, req.Amount)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// PushBatch handles POST /api/v1/push/batch
func (s *Service) PushBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.engine.PushBatch(r.Context(), caller(r), req.Assets, req.Amounts)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// PullBatch handles POST /api/v1/pull/batch
func (s *Service) PullBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.engine.PullBatch(r.Context(), caller(r), req.Assets, req.Amounts)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// PushSurplus handles POST /api/v1/surplus
func (s *Service) PushSurplus(w http.ResponseWriter, r *http.Request) {
	var req AssetRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.engine.PushSurplus(r.Context(), caller(r), req.Asset)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Recover handles POST /api/v1/recover
func (s *Service) Recover(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.engine.Recover(r.Context(), caller(r), req.Asset, req.Amount)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Leverage handlers ---

// Fold handles POST /api/v1/fold
func (s *Service) Fold(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.engine.Fold(r.Context(), caller(r), req.Asset, req.Amount)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Unfold handles POST /api/v1/unfold. A partial delever commits, so it is
// reported as 200 with partial set rather than as an error.
func (s *Service) Unfold(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.engine.Unfold(r.Context(), caller(r), req.Asset, req.Amount)
	if err != nil && !errors.Is(err, model.ErrInsufficientCollateral) {
		s.fail(w, r, err)
		return
	}
	resp := UnfoldResponse{Result: res}
	if err != nil {
		resp.Partial = true
		resp.Warning = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- Rewards handlers ---

// Claim handles POST /api/v1/claim
func (s *Service) Claim(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.Claim(r.Context(), caller(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetCooldown handles GET /api/v1/cooldown
func (s *Service) GetCooldown(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Cooldown())
}

// ListBalances handles GET /api/v1/balances
func (s *Service) ListBalances(w http.ResponseWriter, r *http.Request) {
	balances := s.engine.Balances()
	if balances == nil {
		balances = []model.Balance{}
	}
	writeJSON(w, http.StatusOK, balances)
}

// --- Parameter handlers ---

// GetLiquidation handles GET /api/v1/params/liquidation
func (s *Service) GetLiquidation(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Liquidation())
}

// SetLiquidation handles PUT /api/v1/params/liquidation
func (s *Service) SetLiquidation(w http.ResponseWriter, r *http.Request) {
	var req LiquidationRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Threshold == nil && req.Enabled == nil {
		writeError(w, "liquidation_warning_threshold or liquidation_check is required", http.StatusBadRequest)
		return
	}
	ctx, who := r.Context(), caller(r)
	if req.Threshold != nil {
		if err := s.engine.SetLiquidationWarningThreshold(ctx, who, *req.Threshold); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	if req.Enabled != nil {
		if err := s.engine.ToggleLiquidationCheck(ctx, who, *req.Enabled); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, s.engine.Liquidation())
}

// --- Helpers ---

func caller(r *http.Request) string {
	return r.Header.Get(CallerHeader)
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// fail maps an engine error to its HTTP status.
func (s *Service) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeError(w, err.Error(), status)
}

// StatusFor returns the HTTP status for an engine error.
func StatusFor(err error) int {
	switch model.KindOf(err) {
	case model.KindAuthorization:
		return http.StatusForbidden
	case model.KindConfiguration:
		if errors.Is(err, model.ErrUnknownAsset) {
			return http.StatusNotFound
		}
		return http.StatusBadRequest
	case model.KindLiquidityShortfall:
		return http.StatusConflict
	case model.KindSafetyViolation:
		return http.StatusUnprocessableEntity
	case model.KindValuationUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
