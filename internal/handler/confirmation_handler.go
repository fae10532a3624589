package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"collection-otp-service/internal/model"
	"collection-otp-service/internal/service"
	"collection-otp-service/internal/util"
)

const maxBodyBytes = 16 << 10

// HealthChecker reports whether the durable tier and its dependencies are
// reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// ConfirmationHandler exposes issue, resend, verify and status over HTTP.
type ConfirmationHandler struct {
	manager  *service.Manager
	verifier *service.Verifier
	health   HealthChecker
	clock    func() time.Time
	logger   *zap.Logger
}

func NewConfirmationHandler(manager *service.Manager, verifier *service.Verifier, health HealthChecker, logger *zap.Logger) *ConfirmationHandler {
	return &ConfirmationHandler{
		manager:  manager,
		verifier: verifier,
		health:   health,
		clock:    time.Now,
		logger:   logger,
	}
}

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

func successResponse(data interface{}, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

func errorResponse(errText, message string) Response {
	return Response{
		Success: false,
		Error:   errText,
		Message: message,
	}
}

type issueRequest struct {
	PaymentID  string `json:"payment_id"`
	RetailerID string `json:"retailer_id"`
	TenantID   string `json:"tenant_id"`
	Amount     int64  `json:"amount"`
	IssuerName string `json:"issuer_name"`
	TTLSeconds int    `json:"ttl_seconds,omitempty"`
}

type verifyRequest struct {
	Code string `json:"code"`
}

// confirmationView is what callers see of a record. The code itself only
// travels through the notifier.
type confirmationView struct {
	PaymentID   string    `json:"payment_id"`
	OTPID       string    `json:"otp_id"`
	ExpiresAt   time.Time `json:"expires_at"`
	ResendCount int       `json:"resend_count"`
}

func viewOf(rec *model.ConfirmationRecord) confirmationView {
	return confirmationView{
		PaymentID:   rec.PaymentID,
		OTPID:       rec.OTPID,
		ExpiresAt:   rec.ExpiresAt,
		ResendCount: rec.ResendCount,
	}
}

func (h *ConfirmationHandler) RegisterRoutes(router chi.Router) {
	router.Route("/confirmations", func(r chi.Router) {
		r.Post("/", h.Issue)
		r.Post("/{paymentID}/resend", h.Resend)
		r.Post("/{paymentID}/verify", h.Verify)
		r.Get("/{paymentID}/security", h.SecurityStatus)
	})
}

// Issue handles POST /confirmations
func (h *ConfirmationHandler) Issue(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	var req issueRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	rec, err := h.manager.Issue(r.Context(), service.IssueRequest{
		PaymentID:  req.PaymentID,
		RetailerID: req.RetailerID,
		TenantID:   req.TenantID,
		Amount:     req.Amount,
		IssuerName: req.IssuerName,
		TTL:        time.Duration(req.TTLSeconds) * time.Second,
	})
	if err != nil {
		h.respondWithServiceError(w, err, "Failed to issue confirmation")
		return
	}

	h.respondWithJSON(w, http.StatusCreated, successResponse(viewOf(rec), "Confirmation code sent"))
	h.logger.Info("Confirmation issued via HTTP",
		util.String("payment_id", rec.PaymentID),
		util.Duration("duration", time.Since(startTime)),
	)
}

// Resend handles POST /confirmations/{paymentID}/resend
func (h *ConfirmationHandler) Resend(w http.ResponseWriter, r *http.Request) {
	rec, err := h.manager.Resend(r.Context(), chi.URLParam(r, "paymentID"))
	if err != nil {
		h.respondWithServiceError(w, err, "Failed to resend confirmation")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(viewOf(rec), "Confirmation code resent"))
}

// Verify handles POST /confirmations/{paymentID}/verify
func (h *ConfirmationHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	outcome, err := h.verifier.Verify(r.Context(), chi.URLParam(r, "paymentID"), req.Code, h.clock())
	if err != nil {
		h.respondWithServiceError(w, err, "Failed to verify confirmation")
		return
	}

	switch outcome.Kind {
	case model.OutcomeSuccess:
		h.respondWithJSON(w, http.StatusOK, successResponse(outcome, "Payment confirmed"))
	case model.OutcomeInvalidCode:
		h.respondWithJSON(w, http.StatusUnprocessableEntity,
			Response{Data: outcome, Error: "invalid_code", Message: "Incorrect confirmation code"})
	case model.OutcomeExpired:
		h.respondWithJSON(w, http.StatusGone, errorResponse("expired", "Confirmation code expired or already used"))
	case model.OutcomeCooldown:
		if outcome.CooldownUntil != nil {
			w.Header().Set("Retry-After", retryAfter(*outcome.CooldownUntil, h.clock()))
		}
		h.respondWithJSON(w, http.StatusTooManyRequests,
			Response{Data: outcome, Error: "cooldown", Message: "Too many attempts, try again later"})
	case model.OutcomeBreached:
		h.respondWithJSON(w, http.StatusLocked, errorResponse("locked", "Confirmation is locked, contact support"))
	default:
		h.respondWithError(w, http.StatusInternalServerError, model.ErrInternal, "Unknown verification outcome")
	}
}

// SecurityStatus handles GET /confirmations/{paymentID}/security
func (h *ConfirmationHandler) SecurityStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.manager.GetSecurityStatus(r.Context(), chi.URLParam(r, "paymentID"))
	if err != nil {
		h.respondWithServiceError(w, err, "Failed to get security status")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(status, ""))
}

func (h *ConfirmationHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health.HealthCheck(r.Context()); err != nil {
			h.respondWithError(w, http.StatusServiceUnavailable, err, "Service unhealthy")
			return
		}
	}
	h.respondWithJSON(w, http.StatusOK, Response{
		Success: true,
		Data:    map[string]string{"status": "healthy", "service": "collection-otp"},
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// retryAfter rounds up to whole seconds, never below one.
func retryAfter(until, now time.Time) string {
	d := until.Sub(now)
	secs := int64(d / time.Second)
	if d%time.Second > 0 {
		secs++
	}
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}

func (h *ConfirmationHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

func (h *ConfirmationHandler) respondWithError(w http.ResponseWriter, statusCode int, err error, message string) {
	h.logger.Warn("HTTP error response",
		util.ErrorField(err),
		util.Int("status_code", statusCode),
		util.String("message", message),
	)
	h.respondWithJSON(w, statusCode, errorResponse(publicError(statusCode, err), message))
}

func (h *ConfirmationHandler) respondWithServiceError(w http.ResponseWriter, err error, message string) {
	h.respondWithError(w, getStatusCode(err), err, message)
}

// publicError hides storage and internal detail from callers.
func publicError(statusCode int, err error) string {
	switch statusCode {
	case http.StatusServiceUnavailable:
		return model.ErrStorage.Error()
	case http.StatusInternalServerError:
		return "internal error"
	default:
		return err.Error()
	}
}

func getStatusCode(err error) int {
	switch {
	case errors.Is(err, model.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, model.ErrResendLimit):
		return http.StatusTooManyRequests
	case errors.Is(err, model.ErrStorage), errors.Is(err, model.ErrVersionConflict):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
