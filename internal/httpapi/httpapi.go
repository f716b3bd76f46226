package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"storeledger/backend/internal/domain"
	"storeledger/backend/internal/service"
	"storeledger/backend/internal/store"
)

type API struct {
	service       *service.Service
	auth          *AuthManager
	allowedOrigin string
	pinLimiter    *attemptLimiter
	validate      *validator.Validate
}

func New(svc *service.Service, auth *AuthManager, allowedOrigin string) *API {
	return &API{
		service:       svc,
		auth:          auth,
		allowedOrigin: allowedOrigin,
		pinLimiter:    newAttemptLimiter(8, time.Minute),
		validate:      validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", a.handleHealth)

	mux.HandleFunc("GET /api/v1/locations", a.requireAuth(a.handleListLocations, "cashier", "manager", "admin"))
	mux.HandleFunc("POST /api/v1/locations", a.requireAuth(a.handleCreateLocation, "admin"))
	mux.HandleFunc("GET /api/v1/locations/{id}/balance", a.requireAuth(a.handleBalance, "cashier", "manager", "admin"))
	mux.HandleFunc("GET /api/v1/locations/{id}/movements", a.requireAuth(a.handleHistory, "manager", "admin"))
	mux.HandleFunc("GET /api/v1/locations/{id}/movements/by-reference/{reference}", a.requireAuth(a.handleMovementByReference, "cashier", "manager", "admin"))
	mux.HandleFunc("POST /api/v1/locations/{id}/movements", a.requireAuth(a.handleAppendMovement, "cashier", "manager", "admin"))
	mux.HandleFunc("POST /api/v1/locations/{id}/float", a.requireAuth(a.handleSetFloat, "manager", "admin"))

	mux.HandleFunc("POST /api/v1/settlements", a.requireAuth(a.handleRecordSettlement, "manager", "admin"))
	mux.HandleFunc("POST /api/v1/settlements/{id}/paid", a.requireAuth(a.handleMarkPaid, "manager", "admin"))
	mux.HandleFunc("GET /api/v1/settlements/unsettled", a.requireAuth(a.handleUnsettled, "manager", "admin"))
	mux.HandleFunc("GET /api/v1/settlements/liabilities", a.requireAuth(a.handleLiabilities, "manager", "admin"))

	mux.HandleFunc("POST /api/v1/sales", a.requireAuth(a.handleRecordSale, "cashier", "manager", "admin"))
	mux.HandleFunc("POST /api/v1/sales/{id}/repair", a.requireAuth(a.handleRepairSale, "manager", "admin"))
	mux.HandleFunc("POST /api/v1/sales/{id}/void-refund", a.requireAuth(a.handleVoidRefund, "manager", "admin"))
	mux.HandleFunc("GET /api/v1/reconciliation/sales", a.requireAuth(a.handleReconcileSales, "manager", "admin"))

	mux.HandleFunc("POST /api/v1/expenses", a.requireAuth(a.handleCreateExpense, "manager", "admin"))
	mux.HandleFunc("GET /api/v1/reports/pnl", a.requireAuth(a.handlePnL, "manager", "admin"))
	mux.HandleFunc("GET /api/v1/commission", a.requireAuth(a.handleCommission, "manager", "admin"))
	mux.HandleFunc("PUT /api/v1/staff/{id}/commission-rate", a.requireAuth(a.handleSetStaffRate, "admin"))
	mux.HandleFunc("GET /api/v1/audit-logs", a.requireAuth(a.handleAuditLogs, "admin"))

	return a.withMiddleware(mux)
}

func (a *API) requireAuth(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		actor, err := a.auth.ParseToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}

		if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
			writeError(w, http.StatusForbidden, errors.New("forbidden role"))
			return
		}

		next(w, r.WithContext(service.WithActor(r.Context(), actor)))
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

// checkManagerPIN writes the error response and returns false when a PIN is
// configured and pin does not match it.
func (a *API) checkManagerPIN(w http.ResponseWriter, r *http.Request, scope string, pin string) bool {
	if !a.auth.PINRequired() {
		return true
	}
	if !a.pinLimiter.Allow("pin:" + scope + ":" + clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many manager pin attempts"))
		return false
	}
	if !a.auth.ValidateManagerPIN(pin) {
		writeError(w, http.StatusForbidden, errors.New("invalid manager pin"))
		return false
	}
	return true
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if (r.Method == http.MethodPost || r.Method == http.MethodPut) && strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "application/json") {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		startedAt := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		var event *zerolog.Event
		switch {
		case rec.status >= 500:
			event = log.Error()
		case rec.status >= 400:
			event = log.Warn()
		default:
			event = log.Info()
		}
		event.Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status_code", rec.status).
			Str("client_ip", clientKey(r)).
			Dur("latency", time.Since(startedAt)).
			Msg("request processed")
	})
}

// decodeJSON decodes a strict JSON body and runs struct validation on it.
func (a *API) decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	if err := a.validate.Struct(dest); err != nil {
		return validationMessage(err)
	}
	return nil
}

// decodeOptionalJSON treats an empty body as the zero request.
func (a *API) decodeOptionalJSON(r *http.Request, dest any) error {
	if err := a.decodeJSON(r, dest); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func validationMessage(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return err
	}
	parts := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Namespace(), rule))
	}
	return errors.New("invalid request: " + strings.Join(parts, "; "))
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func parseOptionalTime(raw string, field string) (*time.Time, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, nil
	}
	parsed, err := time.Parse(time.RFC3339Nano, trimmed)
	if err != nil {
		return nil, fmt.Errorf("%s must be an RFC3339 timestamp", field)
	}
	parsed = parsed.UTC()
	return &parsed, nil
}

// parseWindow reads the required from/to query parameters.
func parseWindow(r *http.Request) (domain.Window, error) {
	from, err := parseOptionalTime(r.URL.Query().Get("from"), "from")
	if err != nil {
		return domain.Window{}, err
	}
	to, err := parseOptionalTime(r.URL.Query().Get("to"), "to")
	if err != nil {
		return domain.Window{}, err
	}
	if from == nil || to == nil {
		return domain.Window{}, errors.New("from and to are required")
	}
	return domain.Window{From: *from, To: *to}, nil
}

// writeServiceError maps domain errors to status codes. Conflicts carry the
// record that caused them so clients can reconcile.
func writeServiceError(w http.ResponseWriter, err error) {
	var conflict *store.ConflictError
	var invalidState *store.InvalidStateError
	switch {
	case errors.Is(err, service.ErrForbidden):
		writeError(w, http.StatusForbidden, err)
	case errors.Is(err, store.ErrValidation), errors.Is(err, domain.ErrInvalidCursor):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.As(err, &conflict):
		body := map[string]any{"error": err.Error()}
		if conflict.Settlement != nil {
			body["existing"] = conflict.Settlement
		}
		if conflict.Movement != nil {
			body["existing"] = conflict.Movement
		}
		writeJSON(w, http.StatusConflict, body)
	case errors.As(err, &invalidState):
		writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error(), "existing": invalidState.Record})
	case errors.Is(err, store.ErrDuplicate):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, store.ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
		log.Warn().Err(err).Msg("storage unavailable")
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "temporarily unavailable, retry", "retryable": true})
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	// 5xx bodies are generic; the cause goes to the log only.
	msg := err.Error()
	if status >= 500 {
		log.Error().Err(err).Int("status", status).Msg("internal error")
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
