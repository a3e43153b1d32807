package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"quotagate/internal/admission"
	"quotagate/internal/bytesize"
	"quotagate/internal/limits"
	"quotagate/internal/logging"
	"quotagate/internal/notify"
	"quotagate/internal/usage"
)

// LimitStore is the usage-limit CRUD surface the API needs. Both the
// DynamoDB and the Postgres stores satisfy it.
type LimitStore interface {
	QueryUsageLimits(ctx context.Context, customerID string) ([]limits.UsageLimit, error)
	InsertUsageLimit(ctx context.Context, l limits.UsageLimit) error
	UpdateUsageLimit(ctx context.Context, l limits.UsageLimit) error
	DeleteUsageLimit(ctx context.Context, customerID, id string) error
}

// HistoryStore reads and appends processing-history rows.
type HistoryStore interface {
	QueryProcessingHistory(ctx context.Context, params usage.QueryParams) ([]usage.HistoryEntry, error)
	InsertProcessingHistory(ctx context.Context, entry usage.HistoryEntry) error
}

// AdmissionChecker renders the upload verdict for one prospective upload.
type AdmissionChecker interface {
	CheckUsageLimits(ctx context.Context, customerID string, additionalBytes int64, notifyLimits, restrictLimits []limits.UsageLimit) admission.APIResult
}

// UsageSource reports a customer's consumed bytes for the current month.
type UsageSource interface {
	CurrentUsage(ctx context.Context, customerID string) (int64, error)
}

// Notifier fans a usage-limit notification out to its recipients.
type Notifier interface {
	Notify(ctx context.Context, in notify.Input) notify.DispatchResult
}

type Deps struct {
	Limits   LimitStore
	History  HistoryStore
	Checker  AdmissionChecker
	Usage    UsageSource
	Notifier Notifier

	// Ready reports whether the backing store is reachable. Nil means
	// always ready.
	Ready func(ctx context.Context) error

	MetricsRegistry *prometheus.Registry

	AdminToken    string
	DefaultLocale string
}

type Server struct {
	log  *logging.Logger
	deps Deps
	r    chi.Router

	now func() time.Time
}

type authContextKey struct{}

type authContext struct {
	customerID string
}

const maxRequestBodyBytes int64 = 1 << 20 // 1 MiB

func NewServer(log *logging.Logger, deps Deps) *Server {
	deps.AdminToken = strings.TrimSpace(deps.AdminToken)
	if deps.DefaultLocale == "" {
		deps.DefaultLocale = "en"
	}
	s := &Server{log: log, deps: deps, r: chi.NewRouter(), now: time.Now}
	s.routes()
	return s
}

func (s *Server) Router() http.Handler { return s.r }

func (s *Server) routes() {
	s.r.Use(middleware.RequestID)
	s.r.Use(s.loggingMiddleware)
	s.r.Get("/healthz", s.handleHealth)
	s.r.Get("/readyz", s.handleReady)
	if s.deps.MetricsRegistry != nil {
		s.r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.deps.MetricsRegistry, promhttp.HandlerOpts{}))
	}
	s.r.Route("/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Route("/usage-limits", func(r chi.Router) {
			r.Get("/", s.handleListLimits)
			r.Post("/", s.handleCreateLimit)
			r.Post("/check", s.handleCheck)
			r.Patch("/{limitID}", s.handleUpdateLimit)
			r.Delete("/{limitID}", s.handleDeleteLimit)
		})
		r.Get("/usage", s.handleGetUsage)
		r.Route("/processing-history", func(r chi.Router) {
			r.Get("/", s.handleListHistory)
			r.Post("/", s.handleRecordHistory)
		})
	})
}

var (
	errUnauthenticated      = errors.New("authentication required")
	errCustomerScopeMissing = errors.New("customer scope required")
)

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		baseLogger := logging.FromContext(r.Context(), s.log)
		token := strings.TrimSpace(r.Header.Get("Authorization"))
		if strings.HasPrefix(strings.ToLower(token), "bearer ") {
			token = strings.TrimSpace(token[7:])
		}
		if token == "" {
			token = strings.TrimSpace(r.Header.Get("X-API-Key"))
		}
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing API token", nil)
			return
		}
		if s.deps.AdminToken == "" || token != s.deps.AdminToken {
			writeError(w, http.StatusUnauthorized, "invalid API token", nil)
			return
		}

		customerID, err := extractCustomerID(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error(), nil)
			return
		}
		ctx := context.WithValue(r.Context(), authContextKey{}, authContext{customerID: customerID})
		ctx = logging.ContextWithLogger(ctx, baseLogger.WithCustomerID(customerID))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := middleware.GetReqID(r.Context())
		logger := s.log.WithRequestID(reqID)
		ctx := logging.ContextWithLogger(r.Context(), logger)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func extractCustomerID(r *http.Request) (string, error) {
	id := strings.TrimSpace(r.Header.Get("X-Customer-ID"))
	if id == "" {
		id = strings.TrimSpace(r.URL.Query().Get("customer_id"))
	}
	if id == "" {
		return "", errCustomerScopeMissing
	}
	return id, nil
}

func (s *Server) customerIDFromContext(ctx context.Context) (string, error) {
	val := ctx.Value(authContextKey{})
	if val == nil {
		return "", errUnauthenticated
	}
	info, ok := val.(authContext)
	if !ok {
		return "", errUnauthenticated
	}
	if info.customerID == "" {
		return "", errCustomerScopeMissing
	}
	return info.customerID, nil
}

func (s *Server) requireCustomerID(w http.ResponseWriter, r *http.Request) (string, bool) {
	customerID, err := s.customerIDFromContext(r.Context())
	if err != nil {
		switch {
		case errors.Is(err, errUnauthenticated):
			writeError(w, http.StatusUnauthorized, err.Error(), nil)
		case errors.Is(err, errCustomerScopeMissing):
			writeError(w, http.StatusBadRequest, err.Error(), nil)
		default:
			writeError(w, http.StatusInternalServerError, "failed to read auth context", nil)
		}
		return "", false
	}
	return customerID, true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready == nil {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.deps.Ready(ctx); err != nil {
		s.log.WithRequestID(middleware.GetReqID(r.Context())).Error("readyz failed", "error", err.Error())
		writeError(w, http.StatusServiceUnavailable, "not ready", map[string]string{"error": err.Error()})
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleListLimits(w http.ResponseWriter, r *http.Request) {
	customerID, ok := s.requireCustomerID(w, r)
	if !ok {
		return
	}
	rules, err := s.deps.Limits.QueryUsageLimits(r.Context(), customerID)
	if err != nil {
		s.log.Printf("QueryUsageLimits: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list usage limits", nil)
		return
	}
	if rules == nil {
		rules = []limits.UsageLimit{}
	}
	writeJSON(w, http.StatusOK, rules)
}

func (s *Server) handleCreateLimit(w http.ResponseWriter, r *http.Request) {
	customerID, ok := s.requireCustomerID(w, r)
	if !ok {
		return
	}
	var req createLimitRequest
	if err := decodeJSON(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes), &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	threshold, err := limits.NewThreshold(req.UsageLimitValue, req.UsageUnit, req.AmountLimitValue)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	now := s.now().UTC()
	rule := limits.UsageLimit{
		ID:           uuid.NewString(),
		CustomerID:   customerID,
		Threshold:    threshold,
		ExceedAction: limits.ExceedAction(req.ExceedAction),
		Emails:       req.Emails,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := rule.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	if err := s.deps.Limits.InsertUsageLimit(r.Context(), rule); err != nil {
		s.log.Printf("InsertUsageLimit: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to create usage limit", nil)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleUpdateLimit(w http.ResponseWriter, r *http.Request) {
	customerID, ok := s.requireCustomerID(w, r)
	if !ok {
		return
	}
	limitID := strings.TrimSpace(chi.URLParam(r, "limitID"))
	if limitID == "" {
		writeError(w, http.StatusBadRequest, "missing limit id", nil)
		return
	}
	existing, ok := s.loadLimit(w, r, customerID, limitID)
	if !ok {
		return
	}
	var req updateLimitRequest
	if err := decodeJSON(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes), &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	updated, err := req.Apply(existing)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	updated.UpdatedAt = s.now().UTC()
	if err := updated.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	if err := s.deps.Limits.UpdateUsageLimit(r.Context(), updated); err != nil {
		if errors.Is(err, limits.ErrNotFound) {
			writeError(w, http.StatusNotFound, "usage limit not found", nil)
			return
		}
		s.log.Printf("UpdateUsageLimit: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to update usage limit", nil)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteLimit(w http.ResponseWriter, r *http.Request) {
	customerID, ok := s.requireCustomerID(w, r)
	if !ok {
		return
	}
	limitID := strings.TrimSpace(chi.URLParam(r, "limitID"))
	if limitID == "" {
		writeError(w, http.StatusBadRequest, "missing limit id", nil)
		return
	}
	if err := s.deps.Limits.DeleteUsageLimit(r.Context(), customerID, limitID); err != nil {
		if errors.Is(err, limits.ErrNotFound) {
			writeError(w, http.StatusNotFound, "usage limit not found", nil)
			return
		}
		s.log.Printf("DeleteUsageLimit: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to delete usage limit", nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// loadLimit fetches the customer's rules and picks the requested one. The
// stores key rules by customer, so a point read is a filtered list read.
func (s *Server) loadLimit(w http.ResponseWriter, r *http.Request, customerID, limitID string) (limits.UsageLimit, bool) {
	rules, err := s.deps.Limits.QueryUsageLimits(r.Context(), customerID)
	if err != nil {
		s.log.Printf("QueryUsageLimits: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to load usage limit", nil)
		return limits.UsageLimit{}, false
	}
	for _, rule := range rules {
		if rule.ID == limitID {
			return rule, true
		}
	}
	writeError(w, http.StatusNotFound, "usage limit not found", nil)
	return limits.UsageLimit{}, false
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	customerID, ok := s.requireCustomerID(w, r)
	if !ok {
		return
	}
	var req checkRequest
	if err := decodeJSON(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes), &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	if req.AdditionalBytes < 0 {
		writeError(w, http.StatusBadRequest, "additionalBytes cannot be negative", nil)
		return
	}

	rules, err := s.deps.Limits.QueryUsageLimits(r.Context(), customerID)
	if err != nil {
		// Unknown rules means an unknown verdict. Refuse rather than guess.
		s.log.Printf("QueryUsageLimits: %v", err)
		writeError(w, http.StatusServiceUnavailable, "usage limits unavailable", nil)
		return
	}
	var notifyRules, restrictRules []limits.UsageLimit
	for _, rule := range rules {
		switch rule.ExceedAction {
		case limits.ActionRestrict:
			restrictRules = append(restrictRules, rule)
		case limits.ActionNotify:
			notifyRules = append(notifyRules, rule)
		}
	}

	result := s.deps.Checker.CheckUsageLimits(r.Context(), customerID, req.AdditionalBytes, notifyRules, restrictRules)
	resp := checkResponse{APIResult: result}
	if !result.Success {
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}

	if result.Data.CanUpload && result.Data.ShouldNotify && s.deps.Notifier != nil {
		dispatch := s.deps.Notifier.Notify(r.Context(), notify.Input{
			Recipients:        result.Data.NotifyEmails,
			CustomerID:        customerID,
			CurrentUsageBytes: result.Data.CurrentUsageBytes + req.AdditionalBytes,
			LimitDescription:  limits.DescribeLimits(result.Data.Exceeding.Notify),
			Locale:            req.Locale,
		})
		resp.Notification = &dispatch
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetUsage(w http.ResponseWriter, r *http.Request) {
	customerID, ok := s.requireCustomerID(w, r)
	if !ok {
		return
	}
	current, err := s.deps.Usage.CurrentUsage(r.Context(), customerID)
	if err != nil {
		s.log.Printf("CurrentUsage: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to aggregate usage", nil)
		return
	}
	writeJSON(w, http.StatusOK, usageResponse{
		CustomerID:        customerID,
		CurrentUsageBytes: current,
		CurrentUsage:      bytesize.Format(current),
	})
}

func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	customerID, ok := s.requireCustomerID(w, r)
	if !ok {
		return
	}
	var limit int32
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 32)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit parameter", nil)
			return
		}
		limit = int32(n)
	}
	entries, err := s.deps.History.QueryProcessingHistory(r.Context(), usage.QueryParams{CustomerID: customerID, Limit: limit})
	if err != nil {
		s.log.Printf("QueryProcessingHistory: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list processing history", nil)
		return
	}
	if entries == nil {
		entries = []usage.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleRecordHistory(w http.ResponseWriter, r *http.Request) {
	customerID, ok := s.requireCustomerID(w, r)
	if !ok {
		return
	}
	var req recordHistoryRequest
	if err := decodeJSON(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes), &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	if errs := req.Validate(); errs != nil {
		writeError(w, http.StatusBadRequest, "invalid payload", errs)
		return
	}
	entry := usage.HistoryEntry{
		ID:         uuid.NewString(),
		CustomerID: customerID,
		UserID:     req.UserID,
		UserName:   req.UserName,
		PolicyID:   req.PolicyID,
		PolicyName: req.PolicyName,
		UsageBytes: req.UsageAmountBytes,
		Status:     req.Status,
		CreatedAt:  s.now().UTC(),
	}
	if err := s.deps.History.InsertProcessingHistory(r.Context(), entry); err != nil {
		s.log.Printf("InsertProcessingHistory: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to record processing history", nil)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func decodeJSON(body io.ReadCloser, dst any) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("body must contain a single JSON object")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string, details map[string]string) {
	writeJSON(w, status, errorResponse{Error: message, Details: details})
}

type errorResponse struct {
	Error   string            `json:"error"`
	Details map[string]string `json:"details,omitempty"`
}

type createLimitRequest struct {
	UsageLimitValue  *float64 `json:"usageLimitValue"`
	UsageUnit        *string  `json:"usageUnit"`
	AmountLimitValue *float64 `json:"amountLimitValue"`
	ExceedAction     string   `json:"exceedAction"`
	Emails           []string `json:"emails"`
}

type updateLimitRequest struct {
	UsageLimitValue  *float64  `json:"usageLimitValue"`
	UsageUnit        *string   `json:"usageUnit"`
	AmountLimitValue *float64  `json:"amountLimitValue"`
	ExceedAction     *string   `json:"exceedAction"`
	Emails           *[]string `json:"emails"`
}

// Apply merges the patch into the stored rule. Supplying any threshold field
// replaces the threshold wholesale; a usage patch must carry both value and
// unit so a rule can switch between threshold kinds in one request.
func (r updateLimitRequest) Apply(existing limits.UsageLimit) (limits.UsageLimit, error) {
	if r.UsageLimitValue == nil && r.UsageUnit == nil && r.AmountLimitValue == nil &&
		r.ExceedAction == nil && r.Emails == nil {
		return limits.UsageLimit{}, errors.New("at least one field is required")
	}
	if (r.UsageLimitValue == nil) != (r.UsageUnit == nil) {
		return limits.UsageLimit{}, errors.New("usageLimitValue and usageUnit must be supplied together")
	}
	if r.UsageLimitValue != nil || r.AmountLimitValue != nil {
		threshold, err := limits.NewThreshold(r.UsageLimitValue, r.UsageUnit, r.AmountLimitValue)
		if err != nil {
			return limits.UsageLimit{}, err
		}
		existing.Threshold = threshold
	}
	if r.ExceedAction != nil {
		existing.ExceedAction = limits.ExceedAction(*r.ExceedAction)
	}
	if r.Emails != nil {
		existing.Emails = *r.Emails
	}
	return existing, nil
}

type checkRequest struct {
	AdditionalBytes int64  `json:"additionalBytes"`
	Locale          string `json:"locale,omitempty"`
}

type checkResponse struct {
	admission.APIResult
	Notification *notify.DispatchResult `json:"notification,omitempty"`
}

type usageResponse struct {
	CustomerID        string `json:"customerId"`
	CurrentUsageBytes int64  `json:"currentUsageBytes"`
	CurrentUsage      string `json:"currentUsage"`
}

type recordHistoryRequest struct {
	UserID           string `json:"userId"`
	UserName         string `json:"userName"`
	PolicyID         string `json:"policyId"`
	PolicyName       string `json:"policyName"`
	UsageAmountBytes int64  `json:"usageAmountBytes"`
	Status           string `json:"status"`
}

func (r recordHistoryRequest) Validate() map[string]string {
	errs := map[string]string{}
	if r.UsageAmountBytes < 0 {
		errs["usageAmountBytes"] = "cannot be negative"
	}
	if strings.TrimSpace(r.Status) == "" {
		errs["status"] = "cannot be blank"
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}
