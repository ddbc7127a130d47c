package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/mux"

	dErrors "identityrecon/internal/domainerrors"
	"identityrecon/internal/httputil"
	"identityrecon/internal/models"
)

//go:generate mockgen -source=identify.go -destination=mocks/mocks.go -package=mocks Service

const maxBodyBytes = 1 << 20

// Service is the reconciliation capability the handlers expose.
type Service interface {
	Identify(ctx context.Context, req models.IdentifyRequest) (*models.IdentifyResponse, error)
	Lookup(ctx context.Context, id int64) (*models.ContactView, error)
}

// IdentifyHandler handles the /identify and /contacts endpoints
type IdentifyHandler struct {
	service Service
	logger  *slog.Logger
}

// NewIdentifyHandler creates a new identify handler
func NewIdentifyHandler(service Service, logger *slog.Logger) *IdentifyHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &IdentifyHandler{service: service, logger: logger}
}

// Handle processes POST /identify.
func (h *IdentifyHandler) Handle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetReqID(ctx)
	start := time.Now()

	var req models.IdentifyRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.logger.WarnContext(ctx, "invalid identify request body",
			"request_id", requestID,
			"error", err,
		)
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "request body must be a JSON object with email and/or phoneNumber"))
		return
	}

	response, err := h.service.Identify(ctx, req)
	if err != nil {
		h.logger.ErrorContext(ctx, "identify failed",
			"request_id", requestID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	h.logger.InfoContext(ctx, "identify served",
		"request_id", requestID,
		"primary_contact_id", response.Contact.PrimaryContactID,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	httputil.WriteJSON(w, http.StatusOK, response)
}

// HandleContact processes GET /contacts/{id}.
func (h *IdentifyHandler) HandleContact(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "contact id must be an integer"))
		return
	}

	view, err := h.service.Lookup(ctx, id)
	if err != nil {
		if !dErrors.HasCode(err, dErrors.CodeNotFound) {
			h.logger.ErrorContext(ctx, "contact lookup failed",
				"request_id", middleware.GetReqID(ctx),
				"contact_id", id,
				"error", err,
			)
		}
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, models.IdentifyResponse{Contact: *view})
}
