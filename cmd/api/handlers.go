package main

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/safar/marketplace-core/internal/config"
	"github.com/safar/marketplace-core/internal/database"
	"github.com/safar/marketplace-core/internal/health"
	"github.com/safar/marketplace-core/internal/ledger"
	"github.com/safar/marketplace-core/internal/models"
	"github.com/safar/marketplace-core/internal/orders"
	"github.com/safar/marketplace-core/internal/returns"
)

type server struct {
	db      *sql.DB
	cfg     *config.Config
	health  *health.Engine
	orders  *orders.Store
	returns *returns.Engine
	logger  *zap.Logger
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /inventory/{sellerID}/{listingID}", s.handleInitialize)
	mux.HandleFunc("GET /inventory/{sellerID}/{listingID}", s.handleGetStock)
	mux.HandleFunc("POST /inventory/{sellerID}/{listingID}/receive", s.handleReceive)
	mux.HandleFunc("POST /inventory/{sellerID}/{listingID}/reserve", s.handleReserve)
	mux.HandleFunc("POST /inventory/{sellerID}/{listingID}/adjust", s.requireOperator(s.handleAdjust))
	mux.HandleFunc("POST /inventory/{sellerID}/{listingID}/delist", s.requireOperator(s.handleDelist))
	mux.HandleFunc("GET /inventory/{sellerID}/health", s.handleStockHealth)
	mux.HandleFunc("POST /inventory/reservations/{id}/release", s.handleRelease)
	mux.HandleFunc("POST /inventory/reservations/{id}/convert", s.handleConvert)

	mux.HandleFunc("POST /returns/cases", s.handleInitiateReturn)
	mux.HandleFunc("GET /returns/cases/{id}", s.handleGetCase)
	mux.HandleFunc("POST /returns/cases/{id}/approve", s.requireOperator(s.handleApprove))
	mux.HandleFunc("POST /returns/cases/{id}/label", s.handleCaseEdge(models.CaseLabelGenerated))
	mux.HandleFunc("POST /returns/cases/{id}/transit", s.handleCaseEdge(models.CaseInTransit))
	mux.HandleFunc("POST /returns/cases/{id}/received", s.handleCaseEdge(models.CaseReceived))
	mux.HandleFunc("POST /returns/cases/{id}/inspect", s.requireOperator(s.handleInspect))
	mux.HandleFunc("POST /returns/cases/{id}/complete", s.handleComplete)

	mux.HandleFunc("POST /orders/{id}/shipped", s.handleShipped)
	mux.HandleFunc("POST /orders/{id}/delivered", s.handleDelivered)
	mux.HandleFunc("POST /orders/{id}/cancel", s.handleCancelOrder)
	mux.HandleFunc("POST /orders/{id}/defect", s.handleDefect)

	mux.HandleFunc("GET /sellers/{sellerID}/account-health", s.handleAccountHealth)
	mux.HandleFunc("POST /sellers/{sellerID}/enforcement/clear", s.requireOperator(s.handleClearSuspension))

	return mux
}

// requireOperator gates actions needing an operator identity. Verifying the
// identity itself belongs to the platform's auth layer.
func (s *server) requireOperator(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Operator-ID") == "" {
			s.respondError(w, http.StatusUnauthorized, "operator identity required")
			return
		}
		next(w, r)
	}
}

func operator(r *http.Request) string {
	if op := r.Header.Get("X-Operator-ID"); op != "" {
		return op
	}
	return "anonymous"
}

func (s *server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	var req struct {
		InitialQuantity int    `json:"initialQuantity"`
		FulfillmentType string `json:"fulfillmentType"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	rec, err := ledger.Initialize(r.Context(), s.db,
		r.PathValue("sellerID"), r.PathValue("listingID"),
		models.FulfillmentType(req.FulfillmentType), req.InitialQuantity)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, rec)
}

func (s *server) handleGetStock(w http.ResponseWriter, r *http.Request) {
	rec, err := ledger.GetStockRecord(r.Context(), s.db,
		r.PathValue("sellerID"), r.PathValue("listingID"),
		models.FulfillmentType(r.URL.Query().Get("fulfillmentType")))
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, rec)
}

func (s *server) handleReceive(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Quantity        int    `json:"quantity"`
		FulfillmentType string `json:"fulfillmentType"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := ledger.Receive(r.Context(), s.db,
		r.PathValue("sellerID"), r.PathValue("listingID"),
		models.FulfillmentType(req.FulfillmentType), req.Quantity)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "received"})
}

func (s *server) handleReserve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Quantity        int    `json:"quantity"`
		ReservationID   string `json:"reservationID"`
		TTLSeconds      int    `json:"ttlSeconds"`
		FulfillmentType string `json:"fulfillmentType"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ttl := time.Duration(req.TTLSeconds) * time.Second
	if req.TTLSeconds == 0 {
		ttl = s.cfg.Ledger.DefaultReservationTTL
	}

	res, replayed, err := ledger.Reserve(r.Context(), s.db, ledger.ReserveRequest{
		SellerID:        r.PathValue("sellerID"),
		ListingID:       r.PathValue("listingID"),
		FulfillmentType: models.FulfillmentType(req.FulfillmentType),
		Quantity:        req.Quantity,
		ReservationID:   req.ReservationID,
		TTL:             ttl,
	})
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"reservationID": res.ReservationID,
		"state":         res.State,
		"expiresAt":     res.ExpiresAt,
		"replayed":      replayed,
	})
}

func (s *server) handleAdjust(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Quantity        int    `json:"quantity"`
		ReasonCode      string `json:"reasonCode"`
		Mode            string `json:"mode"`
		FulfillmentType string `json:"fulfillmentType"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := ledger.AdjustForLossOrDamage(r.Context(), s.db, ledger.AdjustRequest{
		SellerID:        r.PathValue("sellerID"),
		ListingID:       r.PathValue("listingID"),
		FulfillmentType: models.FulfillmentType(req.FulfillmentType),
		Quantity:        req.Quantity,
		ReasonCode:      req.ReasonCode,
		Mode:            ledger.AdjustMode(req.Mode),
	})
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "adjusted"})
}

func (s *server) handleDelist(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FulfillmentType string `json:"fulfillmentType"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := ledger.Delist(r.Context(), s.db,
		r.PathValue("sellerID"), r.PathValue("listingID"),
		models.FulfillmentType(req.FulfillmentType))
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "delisted"})
}

func (s *server) handleStockHealth(w http.ResponseWriter, r *http.Request) {
	report, err := ledger.HealthReport(r.Context(), s.db, r.PathValue("sellerID"),
		s.cfg.Ledger.LowStockThreshold, s.cfg.Ledger.AgingThreshold)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, report)
}

func (s *server) handleRelease(w http.ResponseWriter, r *http.Request) {
	if err := ledger.Release(r.Context(), s.db, r.PathValue("id")); err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

func (s *server) handleConvert(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OrderID   string   `json:"orderID"`
		UnitPrice *float64 `json:"unitPrice"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := ledger.ConvertToSale(r.Context(), s.db, r.PathValue("id"), req.OrderID)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}

	var unitPrice *decimal.Decimal
	if req.UnitPrice != nil {
		p := decimal.NewFromFloat(*req.UnitPrice)
		unitPrice = &p
	}
	if err := s.orders.RegisterSale(r.Context(), res, req.OrderID, unitPrice); err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, res)
}

func (s *server) handleInitiateReturn(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OrderID string `json:"orderID"`
		ItemRef struct {
			ListingID string `json:"listingID"`
			Quantity  int    `json:"quantity"`
		} `json:"itemRef"`
		BuyerID    string `json:"buyerID"`
		ReasonCode string `json:"reasonCode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	c, err := s.returns.Initiate(r.Context(), returns.InitiateRequest{
		OrderID:    req.OrderID,
		ListingID:  req.ItemRef.ListingID,
		Quantity:   req.ItemRef.Quantity,
		BuyerID:    req.BuyerID,
		ReasonCode: models.ReasonCode(req.ReasonCode),
	})
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, map[string]interface{}{
		"caseID": c.CaseID,
		"state":  c.State,
	})
}

func (s *server) handleGetCase(w http.ResponseWriter, r *http.Request) {
	c, err := s.returns.GetCase(r.Context(), r.PathValue("id"))
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	timeline, err := s.returns.Timeline(r.Context(), c.CaseID)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"case":     c,
		"timeline": timeline,
	})
}

func (s *server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Approved bool   `json:"approved"`
		Reason   string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.returns.Approve(r.Context(), r.PathValue("id"), req.Approved, req.Reason, operator(r)); err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "decided"})
}

func (s *server) handleCaseEdge(to models.CaseState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		caseID := r.PathValue("id")
		switch to {
		case models.CaseLabelGenerated:
			err = s.returns.MarkLabelGenerated(r.Context(), caseID, operator(r))
		case models.CaseInTransit:
			err = s.returns.MarkInTransit(r.Context(), caseID, operator(r))
		case models.CaseReceived:
			err = s.returns.MarkReceived(r.Context(), caseID, operator(r))
		}
		if err != nil {
			s.respondDomainError(w, err)
			return
		}
		s.respondJSON(w, http.StatusOK, map[string]string{"state": string(to)})
	}
}

func (s *server) handleInspect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ConditionGrade string `json:"conditionGrade"`
		Restockable    bool   `json:"restockable"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := s.returns.Inspect(r.Context(), r.PathValue("id"),
		models.ConditionGrade(req.ConditionGrade), req.Restockable, operator(r))
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "inspected"})
}

func (s *server) handleComplete(w http.ResponseWriter, r *http.Request) {
	if err := s.returns.Complete(r.Context(), r.PathValue("id"), operator(r)); err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

func (s *server) handleShipped(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ShippedAt *time.Time `json:"shippedAt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	shippedAt := time.Now().UTC()
	if req.ShippedAt != nil {
		shippedAt = *req.ShippedAt
	}

	if err := s.orders.MarkShipped(r.Context(), r.PathValue("id"), shippedAt); err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "shipped"})
}

func (s *server) handleDelivered(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeliveredAt *time.Time `json:"deliveredAt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	deliveredAt := time.Now().UTC()
	if req.DeliveredAt != nil {
		deliveredAt = *req.DeliveredAt
	}

	if err := s.orders.MarkDelivered(r.Context(), r.PathValue("id"), deliveredAt); err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "delivered"})
}

func (s *server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BySeller bool `json:"bySeller"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.orders.Cancel(r.Context(), r.PathValue("id"), req.BySeller); err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *server) handleDefect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Kind string `json:"kind"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.orders.RecordDefect(r.Context(), r.PathValue("id"), req.Kind); err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

func (s *server) handleAccountHealth(w http.ResponseWriter, r *http.Request) {
	summary, err := s.health.Summary(r.Context(), r.PathValue("sellerID"))
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, summary)
}

func (s *server) handleClearSuspension(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Note string `json:"note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := s.health.ClearSuspension(r.Context(), r.PathValue("sellerID"), operator(r), req.Note)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *server) respondDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, database.ErrInvalidArgument):
		s.respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, database.ErrNotFound):
		s.respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, database.ErrUnavailable),
		errors.Is(err, database.ErrInvalidTransition),
		errors.Is(err, database.ErrAlreadyExists),
		errors.Is(err, returns.ErrNotEligible):
		s.respondError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("internal error", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("encode response", zap.Error(err))
	}
}

func (s *server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
