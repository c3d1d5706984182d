package http

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"google.golang.org/grpc/codes"

	"github.com/stepsync/studio_services/internal/studio_service/domain"
)

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			slog.Default().Error("Failed to write JSON response", "error", err)
		}
	}
}

func respondWithError(w http.ResponseWriter, code int, kind, message string) {
	respondWithJSON(w, code, ErrorResponse{Error: ErrorBody{Kind: kind, Message: message}})
}

// respondWithDomainError writes err with its kind and caller-safe message.
func respondWithDomainError(w http.ResponseWriter, err error) {
	code := domain.ErrorCode(err)
	respondWithError(w, mapCodeToHTTPStatus(code), domain.KindOf(code), domain.ErrorMessage(err))
}

func mapCodeToHTTPStatus(c codes.Code) int {
	switch c {
	case codes.OK:
		return http.StatusOK
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.NotFound:
		return http.StatusNotFound
	case codes.FailedPrecondition:
		// card declined
		return http.StatusPaymentRequired
	default:
		return http.StatusInternalServerError
	}
}
