package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"llm_broker/internal/apperrors"
	"llm_broker/internal/utils"
)

// maxBodySize bounds request bodies (1 MB)
const maxBodySize = 1 << 20

var logger = utils.NewLogger("http")

// writeError maps err onto its status code and the standard error body.
// Internal errors are logged and reported without detail.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError && apperrors.KindOf(err) == apperrors.KindInternal {
		logger.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	utils.RespondWithTypedError(w, status, string(apperrors.KindOf(err)), apperrors.Message(err))
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	if err := utils.RespondWithJSON(w, status, payload); err != nil {
		logger.Debug("Failed to write response", "error", err)
	}
}

// readJSON decodes the request body into v, enforcing maxBodySize.
func readJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	body := http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apperrors.Validation("request body exceeds %d bytes", maxBodySize)
		}
		return apperrors.Validation("invalid request body: %v", err)
	}
	return nil
}

func jobIDParam(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, apperrors.Validation("invalid job id %q", chi.URLParam(r, "id"))
	}
	return id, nil
}
