package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"gitlab.tepseg.com/ai/account-pool/internal/apperror"
	"gitlab.tepseg.com/ai/account-pool/internal/model"
	"gitlab.tepseg.com/ai/account-pool/internal/service"
)

type AllocationHandler struct {
	allocator       *service.Allocator
	validate        *validator.Validate
	defaultEstimate int
}

func NewAllocationHandler(allocator *service.Allocator, defaultEstimate int) *AllocationHandler {
	return &AllocationHandler{
		allocator:       allocator,
		validate:        validator.New(),
		defaultEstimate: defaultEstimate,
	}
}

func (h *AllocationHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Allocate)
	r.Post("/{leaseID}/release", h.Release)
	return r
}

type allocateRequest struct {
	UserID          string `json:"userId" validate:"required"`
	Provider        string `json:"provider" validate:"required"`
	EstimatedTokens int    `json:"estimatedTokens" validate:"min=0"`
}

func (h *AllocationHandler) Allocate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req allocateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperror.InvalidArgument("invalid request body"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, apperror.InvalidArgument("%v", err))
		return
	}
	if req.EstimatedTokens == 0 {
		req.EstimatedTokens = h.defaultEstimate
	}

	result, err := h.allocator.Allocate(ctx, req.UserID, model.Provider(req.Provider), req.EstimatedTokens)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

type releaseRequest struct {
	ActualInputTokens  int64   `json:"actualInputTokens" validate:"min=0"`
	ActualOutputTokens int64   `json:"actualOutputTokens" validate:"min=0"`
	Cost               float64 `json:"cost" validate:"min=0"`
	Model              string  `json:"model"`
	Success            bool    `json:"success"`
	ErrorKind          string  `json:"errorKind"`
}

func (h *AllocationHandler) Release(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	leaseID := chi.URLParam(r, "leaseID")

	var req releaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperror.InvalidArgument("invalid request body"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, apperror.InvalidArgument("%v", err))
		return
	}

	err := h.allocator.Release(ctx, leaseID, service.ReleaseParams{
		ActualInputTokens:  req.ActualInputTokens,
		ActualOutputTokens: req.ActualOutputTokens,
		Cost:               req.Cost,
		Model:              req.Model,
		Success:            req.Success,
		ErrorKind:          req.ErrorKind,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
}
