package httpserver

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/SampleBias/Oxidized-Bio/internal/domain"
)

// Pagination and validation constants.
const (
	defaultPageSize    = 50
	maxPageSize        = 100
	maxRequestBodySize = 8 << 20 // datasets may be uploaded inline
)

// startWorkflowRequest is the JSON request body for starting a workflow.
type startWorkflowRequest struct {
	ConversationID string         `json:"conversation_id" validate:"required,max=256"`
	Payload        map[string]any `json:"payload" validate:"required"`
}

// startWorkflow handles POST /workflows.
func (s *Server) startWorkflow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodySize+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if len(body) > maxRequestBodySize {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	var req startWorkflowRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	req.ConversationID = strings.TrimSpace(req.ConversationID)
	if err := s.validate.Struct(req); err != nil {
		writeValidationError(w, err)
		return
	}

	wf, err := s.workflows.Start(ctx, req.ConversationID, domain.Artifact(req.Payload))
	if err != nil {
		s.logError(r, err, "failed to start workflow")
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, startWorkflowResponse{
		WorkflowID: wf.ID.String(),
		Stage:      string(wf.CurrentStage),
		Status:     string(wf.Status),
		CreatedAt:  wf.CreatedAt,
	})
}

// getWorkflow handles GET /workflows/{workflowID}.
func (s *Server) getWorkflow(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, chi.URLParam(r, "workflowID"), "workflow_id")
	if !ok {
		return
	}

	wf, err := s.workflows.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toWorkflowResponse(wf))
}

// cancelWorkflow handles POST /workflows/{workflowID}/cancel. Cancelling a
// cancelled workflow succeeds again.
func (s *Server) cancelWorkflow(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, chi.URLParam(r, "workflowID"), "workflow_id")
	if !ok {
		return
	}

	wf, err := s.workflows.Cancel(r.Context(), id)
	if err != nil {
		s.logError(r, err, "failed to cancel workflow")
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, transitionResponse{
		WorkflowID: wf.ID.String(),
		Stage:      string(wf.CurrentStage),
		Status:     string(wf.Status),
		Message:    "workflow cancelled",
	})
}

// retriggerStage handles POST /workflows/{workflowID}/stages/{stage}/retrigger.
func (s *Server) retriggerStage(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, chi.URLParam(r, "workflowID"), "workflow_id")
	if !ok {
		return
	}
	stage, err := domain.ParseStage(chi.URLParam(r, "stage"))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	wf, err := s.workflows.Retrigger(r.Context(), id, stage)
	if err != nil {
		s.logError(r, err, "failed to retrigger stage")
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, transitionResponse{
		WorkflowID: wf.ID.String(),
		Stage:      string(wf.CurrentStage),
		Status:     string(wf.Status),
		Message:    "stage " + string(stage) + " re-enqueued",
	})
}

// listWorkflows handles GET /conversations/{conversationID}/workflows.
func (s *Server) listWorkflows(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")
	limit, offset := parsePaginationParams(r)

	workflows, total, err := s.workflows.ListByConversation(r.Context(), conversationID, limit, offset)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	summaries := make([]workflowSummaryResponse, len(workflows))
	for i, wf := range workflows {
		summaries[i] = toWorkflowSummary(wf)
	}
	writeJSON(w, http.StatusOK, listWorkflowsResponse{
		Workflows:     summaries,
		NextPageToken: encodeHTTPPageToken(offset, limit, int(total)),
		TotalCount:    int(total),
	})
}

func (s *Server) logError(r *http.Request, err error, msg string) {
	var ve *domain.ValidationError
	var ce *domain.ConflictError
	if errors.As(err, &ve) || errors.As(err, &ce) || errors.Is(err, domain.ErrNotFound) {
		return
	}
	s.logger.Error().Err(err).Str("path", r.URL.Path).Msg(msg)
}

// writeValidationError reports the first failed field of a validator error.
func writeValidationError(w http.ResponseWriter, err error) {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		field := jsonFieldName(fe.Field())
		switch fe.Tag() {
		case "required":
			writeError(w, http.StatusBadRequest, field+" is required")
		case "max":
			writeError(w, http.StatusBadRequest, fmt.Sprintf("%s must be at most %s characters", field, fe.Param()))
		default:
			writeError(w, http.StatusBadRequest, field+" is invalid")
		}
		return
	}
	writeError(w, http.StatusBadRequest, "invalid input")
}

func jsonFieldName(goName string) string {
	switch goName {
	case "ConversationID":
		return "conversation_id"
	case "Payload":
		return "payload"
	default:
		return strings.ToLower(goName)
	}
}

// writeDomainError maps domain errors to appropriate HTTP status codes
// and writes a JSON error response. Internal error details are not leaked to clients.
func writeDomainError(w http.ResponseWriter, err error) {
	if err == nil {
		return
	}

	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "resource not found")
	case errors.Is(err, domain.ErrInvalidInput):
		var ve *domain.ValidationError
		if errors.As(err, &ve) {
			writeError(w, http.StatusBadRequest, ve.Error())
		} else {
			writeError(w, http.StatusBadRequest, "invalid input")
		}
	case errors.Is(err, domain.ErrConflict):
		var ce *domain.ConflictError
		if errors.As(err, &ce) {
			writeError(w, http.StatusConflict, ce.Reason)
		} else {
			writeError(w, http.StatusConflict, "conflict")
		}
	case errors.Is(err, domain.ErrAlreadyExists):
		writeError(w, http.StatusConflict, "resource already exists")
	case errors.Is(err, domain.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "rate limited")
	case errors.Is(err, domain.ErrServiceUnavailable):
		writeError(w, http.StatusServiceUnavailable, "service unavailable")
	case errors.Is(err, domain.ErrCancelled):
		writeError(w, http.StatusConflict, "operation cancelled")
	default:
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// parseUUID parses a UUID from a string, writing a 400 error response if invalid.
// The parse error details are not included to avoid echoing potentially malicious input.
func parseUUID(w http.ResponseWriter, s, fieldName string) (uuid.UUID, bool) {
	id, err := uuid.Parse(s)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("%s must be a valid UUID", fieldName))
		return uuid.Nil, false
	}
	return id, true
}

// parsePaginationParams extracts page_size and page_token from query parameters.
// It applies default and maximum bounds to the page size.
func parsePaginationParams(r *http.Request) (limit, offset int) {
	limit = defaultPageSize
	if pageSizeStr := r.URL.Query().Get("page_size"); pageSizeStr != "" {
		if parsed, err := strconv.Atoi(pageSizeStr); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	if pageToken := r.URL.Query().Get("page_token"); pageToken != "" {
		decoded, err := base64.StdEncoding.DecodeString(pageToken)
		if err == nil {
			if parsed, parseErr := strconv.Atoi(string(decoded)); parseErr == nil && parsed > 0 {
				offset = parsed
			}
		}
	}

	return limit, offset
}

// encodeHTTPPageToken encodes the next offset as a base64 page token.
// Returns an empty string if there are no more results.
func encodeHTTPPageToken(offset, limit, totalCount int) string {
	nextOffset := offset + limit
	if nextOffset < totalCount {
		return base64.StdEncoding.EncodeToString([]byte(strconv.Itoa(nextOffset)))
	}
	return ""
}
