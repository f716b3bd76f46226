package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"storeledger/backend/internal/domain"
	"storeledger/backend/internal/pnl"
	"storeledger/backend/internal/store"
)

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleListLocations(w http.ResponseWriter, r *http.Request) {
	locations, err := a.service.ListLocations(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"locations": locations})
}

func (a *API) handleCreateLocation(w http.ResponseWriter, r *http.Request) {
	var req domain.LocationCreateRequest
	if err := a.decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	location, err := a.service.CreateLocation(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"location": location})
}

func (a *API) handleBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := a.service.Balance(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balance)
}

func (a *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	from, err := parseOptionalTime(query.Get("from"), "from")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	to, err := parseOptionalTime(query.Get("to"), "to")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	cursor, err := domain.ParseCursor(query.Get("cursor"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	page, err := a.service.History(r.Context(), r.PathValue("id"), domain.HistoryQuery{
		From:   from,
		To:     to,
		Cursor: cursor,
		Limit:  parsePositiveLimit(query.Get("limit"), 50, 500),
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (a *API) handleMovementByReference(w http.ResponseWriter, r *http.Request) {
	movement, err := a.service.FindMovementByReference(r.Context(), r.PathValue("id"), r.PathValue("reference"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"movement": movement})
}

func (a *API) handleAppendMovement(w http.ResponseWriter, r *http.Request) {
	var req domain.MovementAppendRequest
	if err := a.decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	movement, err := a.service.AppendMovement(r.Context(), r.PathValue("id"), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, movementStatus(movement), map[string]any{"movement": movement})
}

func (a *API) handleSetFloat(w http.ResponseWriter, r *http.Request) {
	var req domain.FloatSetRequest
	if err := a.decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !a.checkManagerPIN(w, r, "float", req.ManagerPIN) {
		return
	}
	movement, err := a.service.SetFloat(r.Context(), r.PathValue("id"), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, movementStatus(movement), map[string]any{"movement": movement})
}

func (a *API) handleRecordSettlement(w http.ResponseWriter, r *http.Request) {
	var req domain.SettlementCreateRequest
	if err := a.decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	record, err := a.service.RecordSettlement(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"settlement": record})
}

func (a *API) handleMarkPaid(w http.ResponseWriter, r *http.Request) {
	var req domain.SettlementPaidRequest
	if err := a.decodeOptionalJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !a.checkManagerPIN(w, r, "payout", req.ManagerPIN) {
		return
	}
	record, err := a.service.MarkSettlementPaid(r.Context(), r.PathValue("id"), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"settlement": record})
}

func (a *API) handleUnsettled(w http.ResponseWriter, r *http.Request) {
	records, err := a.service.ListUnsettled(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"settlements": records})
}

func (a *API) handleLiabilities(w http.ResponseWriter, r *http.Request) {
	liabilities, err := a.service.SupplierLiabilities(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"suppliers": liabilities})
}

func (a *API) handleRecordSale(w http.ResponseWriter, r *http.Request) {
	var sale domain.Sale
	if err := a.decodeJSON(r, &sale); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	result, err := a.service.RecordSale(r.Context(), sale)
	if err != nil {
		a.writePartialSale(w, result, err)
		return
	}
	status := http.StatusCreated
	if result.Movement != nil && result.Movement.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, result)
}

func (a *API) handleRepairSale(w http.ResponseWriter, r *http.Request) {
	result, err := a.service.RepairSale(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writePartialSale(w, result, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// writePartialSale reports a sale whose ledger steps stopped part way. The
// sale itself is stored, so the body says what was written.
func (a *API) writePartialSale(w http.ResponseWriter, result domain.SaleRecordResult, err error) {
	if result.Sale.ID == "" {
		writeServiceError(w, err)
		return
	}
	status := http.StatusInternalServerError
	switch {
	case store.IsRetryable(err), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
		w.Header().Set("Retry-After", "1")
	case errors.Is(err, store.ErrConflict):
		status = http.StatusConflict
	}
	log.Warn().Err(err).Str("sale_id", result.Sale.ID).Msg("sale ledger entries incomplete")
	writeJSON(w, status, map[string]any{
		"error":     "sale recorded but ledger entries are incomplete; repair the sale",
		"retryable": status == http.StatusServiceUnavailable,
		"result":    result,
	})
}

func (a *API) handleVoidRefund(w http.ResponseWriter, r *http.Request) {
	var req domain.VoidRefundRequest
	if err := a.decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !a.checkManagerPIN(w, r, "void", req.ManagerPIN) {
		return
	}
	movement, err := a.service.VoidSaleRefund(r.Context(), r.PathValue("id"), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, movementStatus(movement), map[string]any{"movement": movement})
}

func (a *API) handleReconcileSales(w http.ResponseWriter, r *http.Request) {
	window, err := parseWindow(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	gaps, err := a.service.ReconcileSales(r.Context(), window)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"discrepancies": gaps})
}

func (a *API) handleCreateExpense(w http.ResponseWriter, r *http.Request) {
	var req domain.ExpenseCreateRequest
	if err := a.decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	expense, err := a.service.CreateExpense(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"expense": expense})
}

func (a *API) handlePnL(w http.ResponseWriter, r *http.Request) {
	window, err := parseWindow(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	asOf, err := parseOptionalTime(r.URL.Query().Get("settled_as_of"), "settled_as_of")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var opts []pnl.ReportOption
	if asOf != nil {
		opts = append(opts, pnl.WithSettledAsOf(*asOf))
	}

	report, err := a.service.ComputePnL(r.Context(), window, opts...)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *API) handleCommission(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	window, err := parseWindow(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var rate *decimal.Decimal
	if raw := strings.TrimSpace(query.Get("rate")); raw != "" {
		parsed, err := decimal.NewFromString(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.New("rate must be a decimal percentage"))
			return
		}
		rate = &parsed
	}
	basis := domain.CommissionBasis(strings.ToLower(strings.TrimSpace(query.Get("basis"))))
	if basis == "" {
		basis = domain.BasisRevenue
	}

	staffID := strings.TrimSpace(query.Get("staff_id"))
	if staffID == "" {
		run, err := a.service.ComputeCommissionRun(r.Context(), window, rate, basis)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"commissions": run})
		return
	}

	commission, err := a.service.ComputeCommission(r.Context(), staffID, window, rate, basis)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, commission)
}

func (a *API) handleSetStaffRate(w http.ResponseWriter, r *http.Request) {
	var req domain.StaffRateRequest
	if err := a.decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	rate, err := a.service.SetStaffRate(r.Context(), r.PathValue("id"), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rate": rate})
}

func (a *API) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	from := now.AddDate(0, 0, -7)
	to := now.Add(time.Minute)
	if parsed, err := parseOptionalTime(r.URL.Query().Get("from"), "from"); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	} else if parsed != nil {
		from = *parsed
	}
	if parsed, err := parseOptionalTime(r.URL.Query().Get("to"), "to"); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	} else if parsed != nil {
		to = *parsed
	}

	logs, err := a.service.ListAuditLogs(r.Context(), from, to, parsePositiveLimit(r.URL.Query().Get("limit"), 100, 500))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"audit_logs": logs})
}

func movementStatus(m domain.Movement) int {
	if m.Replayed {
		return http.StatusOK
	}
	return http.StatusCreated
}
