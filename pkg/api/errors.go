package api

import (
	"errors"
	"net/http"

	"github.com/uhyunpark/brickdex/pkg/app/core/order"
)

// statusFor maps domain errors to HTTP status codes and a short error code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, order.ErrSignatureInvalid):
		return http.StatusBadRequest, "invalid_signature"
	case errors.Is(err, order.ErrUnsupportedOrderType):
		return http.StatusBadRequest, "unsupported_order_type"
	case errors.Is(err, order.ErrExpired):
		return http.StatusBadRequest, "expired"
	case errors.Is(err, order.ErrInvalidOrderFields):
		return http.StatusBadRequest, "invalid_order"
	case errors.Is(err, order.ErrNotMaker):
		return http.StatusForbidden, "not_maker"
	case errors.Is(err, order.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, order.ErrDuplicateOrder):
		return http.StatusConflict, "duplicate_order"
	case errors.Is(err, order.ErrNonceReused):
		return http.StatusConflict, "nonce_reused"
	case errors.Is(err, order.ErrOrderInFlight):
		return http.StatusConflict, "order_in_flight"
	case errors.Is(err, order.ErrOrderClosed):
		return http.StatusConflict, "order_closed"
	case order.IsConflict(err):
		return http.StatusConflict, "conflict"
	case errors.Is(err, order.ErrUnknownToken):
		return http.StatusUnprocessableEntity, "unknown_token"
	case errors.Is(err, order.ErrIndeterminate):
		return http.StatusServiceUnavailable, "indeterminate"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Errorw("request_failed", "err", err)
		respondError(w, status, code, "internal error")
		return
	}
	respondError(w, status, code, err.Error())
}
