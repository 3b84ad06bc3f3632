package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"gitlab.tepseg.com/ai/account-pool/internal/apperror"
	"gitlab.tepseg.com/ai/account-pool/internal/model"
	"gitlab.tepseg.com/ai/account-pool/internal/repository"
	"gitlab.tepseg.com/ai/account-pool/internal/service"
)

type AdminHandler struct {
	accountService *service.AccountService
	bindingService *service.BindingService
	statsRepo      repository.StatsRepository
	leases         *service.LeaseManager
	validate       *validator.Validate
	healthFloor    int
}

func NewAdminHandler(
	accountService *service.AccountService,
	bindingService *service.BindingService,
	statsRepo repository.StatsRepository,
	leases *service.LeaseManager,
	healthFloor int,
) *AdminHandler {
	return &AdminHandler{
		accountService: accountService,
		bindingService: bindingService,
		statsRepo:      statsRepo,
		leases:         leases,
		validate:       validator.New(),
		healthFloor:    healthFloor,
	}
}

func (h *AdminHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/overview", h.Overview)

	r.Route("/accounts", func(r chi.Router) {
		r.Get("/", h.ListAccounts)
		r.Post("/", h.CreateAccount)
		r.Post("/health-check", h.BatchHealthCheck)
		r.Get("/{id}", h.GetAccount)
		r.Patch("/{id}", h.UpdateAccount)
		r.Delete("/{id}", h.DeleteAccount)
		r.Put("/{id}/credential", h.RotateCredential)
	})

	r.Route("/bindings", func(r chi.Router) {
		r.Get("/", h.ListBindings)
		r.Post("/", h.CreateBinding)
		r.Get("/{id}", h.GetBinding)
		r.Patch("/{id}", h.UpdateBinding)
		r.Post("/{id}/unbind", h.UnbindBinding)
		r.Delete("/{id}", h.DeleteBinding)
	})

	return r
}

func (h *AdminHandler) Overview(w http.ResponseWriter, r *http.Request) {
	stats, err := h.statsRepo.GetPoolOverview(r.Context(), h.healthFloor)
	if err != nil {
		log.Error().Err(err).Msg("admin: failed to get pool overview")
		writeError(w, apperror.Internal(err, "get pool overview"))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"accountTotal":     stats.AccountTotal,
		"accountActive":    stats.AccountActive,
		"accountShared":    stats.AccountShared,
		"accountUnhealthy": stats.AccountUnhealthy,
		"bindingActive":    stats.BindingActive,
		"bindingExpired":   stats.BindingExpired,
		"leasesActive":     h.leases.TotalActive(),
		"errorsLast24h":    stats.ErrorsLast24h,
		"requestsAllTime":  stats.RequestsAllTime,
		"tokensAllTime":    stats.TokensAllTime,
		"timestamp":        time.Now().UnixMilli(),
	})
}

func accountFilterFromQuery(r *http.Request) model.AccountFilter {
	var filter model.AccountFilter
	if v := r.URL.Query().Get("provider"); v != "" {
		p := model.Provider(v)
		filter.Provider = &p
	}
	if v := r.URL.Query().Get("tier"); v != "" {
		t := model.AccountTier(v)
		filter.Tier = &t
	}
	if v := r.URL.Query().Get("status"); v != "" {
		s := model.AccountStatus(v)
		filter.Status = &s
	}
	if v := r.URL.Query().Get("shared"); v != "" {
		shared := v == "true"
		filter.IsShared = &shared
	}
	return filter
}

func (h *AdminHandler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePagination(r)
	accounts, total, err := h.accountService.List(r.Context(), accountFilterFromQuery(r), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	if accounts == nil {
		accounts = []model.AIAccount{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"accounts": accounts,
		"total":    total,
		"limit":    limit,
		"offset":   offset,
	})
}

type createAccountRequest struct {
	Name                  string   `json:"name"`
	Provider              string   `json:"provider" validate:"required"`
	Tier                  string   `json:"tier"`
	IsShared              bool     `json:"isShared"`
	Credential            string   `json:"credential"`
	MaxRequestsPerMinute  int      `json:"maxRequestsPerMinute" validate:"min=0"`
	MaxTokensPerMinute    int      `json:"maxTokensPerMinute" validate:"min=0"`
	MaxConcurrentRequests int      `json:"maxConcurrentRequests" validate:"min=0"`
	MonthlyCost           float64  `json:"monthlyCost" validate:"min=0"`
	CostCurrency          string   `json:"costCurrency"`
	Tags                  []string `json:"tags"`
}

func (h *AdminHandler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperror.InvalidArgument("invalid request body"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, apperror.InvalidArgument("%v", err))
		return
	}

	account, err := h.accountService.Create(r.Context(), service.CreateAccountInput{
		Name:                  req.Name,
		Provider:              model.Provider(req.Provider),
		Tier:                  model.AccountTier(req.Tier),
		IsShared:              req.IsShared,
		Credential:            req.Credential,
		MaxRequestsPerMinute:  req.MaxRequestsPerMinute,
		MaxTokensPerMinute:    req.MaxTokensPerMinute,
		MaxConcurrentRequests: req.MaxConcurrentRequests,
		MonthlyCost:           req.MonthlyCost,
		CostCurrency:          req.CostCurrency,
		Tags:                  req.Tags,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, account)
}

func (h *AdminHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	account, err := h.accountService.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

type updateAccountRequest struct {
	Name                  *string   `json:"name"`
	Tier                  *string   `json:"tier"`
	Status                *string   `json:"status"`
	IsShared              *bool     `json:"isShared"`
	MaxRequestsPerMinute  *int      `json:"maxRequestsPerMinute"`
	MaxTokensPerMinute    *int      `json:"maxTokensPerMinute"`
	MaxConcurrentRequests *int      `json:"maxConcurrentRequests"`
	MonthlyCost           *float64  `json:"monthlyCost"`
	CostCurrency          *string   `json:"costCurrency"`
	Tags                  *[]string `json:"tags"`
}

func (h *AdminHandler) UpdateAccount(w http.ResponseWriter, r *http.Request) {
	var req updateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperror.InvalidArgument("invalid request body"))
		return
	}

	params := model.UpdateAccountParams{
		Name:                  req.Name,
		IsShared:              req.IsShared,
		MaxRequestsPerMinute:  req.MaxRequestsPerMinute,
		MaxTokensPerMinute:    req.MaxTokensPerMinute,
		MaxConcurrentRequests: req.MaxConcurrentRequests,
		MonthlyCost:           req.MonthlyCost,
		CostCurrency:          req.CostCurrency,
	}
	if req.Tier != nil {
		t := model.AccountTier(*req.Tier)
		params.Tier = &t
	}
	if req.Status != nil {
		s := model.AccountStatus(*req.Status)
		params.Status = &s
	}
	if req.Tags != nil {
		tags := model.StringList(*req.Tags)
		params.Tags = &tags
	}

	account, err := h.accountService.Update(r.Context(), chi.URLParam(r, "id"), params)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

func (h *AdminHandler) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	if err := h.accountService.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type rotateCredentialRequest struct {
	Credential string `json:"credential" validate:"required"`
}

func (h *AdminHandler) RotateCredential(w http.ResponseWriter, r *http.Request) {
	var req rotateCredentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperror.InvalidArgument("invalid request body"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, apperror.InvalidArgument("%v", err))
		return
	}

	if err := h.accountService.RotateCredential(r.Context(), chi.URLParam(r, "id"), req.Credential); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type batchHealthCheckRequest struct {
	Results []service.ProbeResult `json:"results" validate:"required,dive"`
}

// BatchHealthCheck ingests probe outcomes from the outbound-call layer and
// applies them to account health scores.
func (h *AdminHandler) BatchHealthCheck(w http.ResponseWriter, r *http.Request) {
	var req batchHealthCheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperror.InvalidArgument("invalid request body"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, apperror.InvalidArgument("%v", err))
		return
	}

	applied := h.accountService.ApplyProbeResults(r.Context(), req.Results)
	writeJSON(w, http.StatusOK, map[string]any{
		"applied": applied,
		"total":   len(req.Results),
	})
}

func bindingFilterFromQuery(r *http.Request) model.BindingFilter {
	var filter model.BindingFilter
	if v := r.URL.Query().Get("userId"); v != "" {
		filter.UserID = &v
	}
	if v := r.URL.Query().Get("accountId"); v != "" {
		filter.AccountID = &v
	}
	if v := r.URL.Query().Get("status"); v != "" {
		s := model.BindingStatus(v)
		filter.Status = &s
	}
	return filter
}

func (h *AdminHandler) ListBindings(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePagination(r)
	bindings, total, err := h.bindingService.List(r.Context(), bindingFilterFromQuery(r), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	if bindings == nil {
		bindings = []model.UserAccountBinding{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"bindings": bindings,
		"total":    total,
		"limit":    limit,
		"offset":   offset,
	})
}

type createBindingRequest struct {
	UserID             string     `json:"userId" validate:"required"`
	AccountID          string     `json:"accountId" validate:"required"`
	PlanID             string     `json:"planId"`
	BindingType        string     `json:"bindingType"`
	PriorityLevel      int        `json:"priorityLevel" validate:"min=0,max=100"`
	MaxRequestsPerHour *int       `json:"maxRequestsPerHour"`
	MaxTokensPerHour   *int       `json:"maxTokensPerHour"`
	StartsAt           *time.Time `json:"startsAt"`
	ExpiresAt          *time.Time `json:"expiresAt"`
}

func (h *AdminHandler) CreateBinding(w http.ResponseWriter, r *http.Request) {
	var req createBindingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperror.InvalidArgument("invalid request body"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, apperror.InvalidArgument("%v", err))
		return
	}

	input := service.CreateBindingInput{
		UserID:             req.UserID,
		AccountID:          req.AccountID,
		PlanID:             req.PlanID,
		BindingType:        model.BindingType(req.BindingType),
		PriorityLevel:      req.PriorityLevel,
		MaxRequestsPerHour: req.MaxRequestsPerHour,
		MaxTokensPerHour:   req.MaxTokensPerHour,
		ExpiresAt:          req.ExpiresAt,
	}
	if req.StartsAt != nil {
		input.StartsAt = *req.StartsAt
	}

	binding, err := h.bindingService.Create(r.Context(), input)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, binding)
}

func (h *AdminHandler) GetBinding(w http.ResponseWriter, r *http.Request) {
	binding, err := h.bindingService.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, binding)
}

type updateBindingRequest struct {
	PlanID             *string    `json:"planId"`
	BindingType        *string    `json:"bindingType"`
	PriorityLevel      *int       `json:"priorityLevel"`
	BindingStatus      *string    `json:"bindingStatus"`
	MaxRequestsPerHour *int       `json:"maxRequestsPerHour"`
	MaxTokensPerHour   *int       `json:"maxTokensPerHour"`
	ExpiresAt          *time.Time `json:"expiresAt"`
}

func (h *AdminHandler) UpdateBinding(w http.ResponseWriter, r *http.Request) {
	var req updateBindingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperror.InvalidArgument("invalid request body"))
		return
	}

	params := model.UpdateBindingParams{
		PlanID:             req.PlanID,
		PriorityLevel:      req.PriorityLevel,
		MaxRequestsPerHour: req.MaxRequestsPerHour,
		MaxTokensPerHour:   req.MaxTokensPerHour,
		ExpiresAt:          req.ExpiresAt,
	}
	if req.BindingType != nil {
		t := model.BindingType(*req.BindingType)
		params.BindingType = &t
	}
	if req.BindingStatus != nil {
		s := model.BindingStatus(*req.BindingStatus)
		params.BindingStatus = &s
	}

	binding, err := h.bindingService.Update(r.Context(), chi.URLParam(r, "id"), params)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, binding)
}

func (h *AdminHandler) UnbindBinding(w http.ResponseWriter, r *http.Request) {
	if err := h.bindingService.Unbind(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *AdminHandler) DeleteBinding(w http.ResponseWriter, r *http.Request) {
	if err := h.bindingService.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
