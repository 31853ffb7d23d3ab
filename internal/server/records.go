package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/offsetledger/internal/credits"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	codeInvalidPayload = "http.invalid_payload"

	fieldProjectName  = "project_name"
	fieldRegistry     = "registry"
	fieldVintage      = "vintage"
	fieldQuantity     = "quantity"
	fieldSerialNumber = "serial_number"
	fieldAmount       = "amount"
)

var (
	errFieldRequired  = errors.New("is required")
	errFieldNotString = errors.New("must be a string")
	errFieldNotInt    = errors.New("must be an integer")
	jsonNull          = []byte("null")
)

type createRecordRequest struct {
	ProjectName  json.RawMessage `json:"project_name"`
	Registry     json.RawMessage `json:"registry"`
	Vintage      json.RawMessage `json:"vintage"`
	Quantity     json.RawMessage `json:"quantity"`
	SerialNumber json.RawMessage `json:"serial_number"`
}

type retireRequest struct {
	Amount json.RawMessage `json:"amount"`
}

type recordPayload struct {
	ID           string    `json:"id"`
	ProjectName  string    `json:"project_name"`
	Registry     string    `json:"registry"`
	Vintage      int       `json:"vintage"`
	Quantity     int64     `json:"quantity"`
	SerialNumber string    `json:"serial_number"`
	CreatedAt    time.Time `json:"created_at"`
}

type eventPayload struct {
	ID        int64     `json:"id"`
	RecordID  string    `json:"record_id"`
	EventType string    `json:"event_type"`
	Amount    int64     `json:"amount"`
	Timestamp time.Time `json:"timestamp"`
}

type createRecordResponse struct {
	Message string        `json:"message"`
	Record  recordPayload `json:"record"`
	IsNew   bool          `json:"is_new"`
}

type retireResponse struct {
	Message string        `json:"message"`
	Event   eventPayload  `json:"event"`
	State   credits.State `json:"state"`
	Status  string        `json:"status"`
}

type recordViewResponse struct {
	Record     recordPayload  `json:"record"`
	State      credits.State  `json:"state"`
	Status     string         `json:"status"`
	Events     []eventPayload `json:"events"`
	EventCount int            `json:"event_count"`
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Details   any    `json:"details"`
	Retryable bool   `json:"retryable,omitempty"`
	Attempted *int64 `json:"attempted,omitempty"`
	Active    *int64 `json:"active,omitempty"`
}

func (h *httpHandler) handleCreateRecord(c *gin.Context) {
	var request createRecordRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		h.respondInvalidPayload(c, []string{"request body must be a JSON object"})
		return
	}

	cfg, problems := request.toConfig()
	if len(problems) > 0 {
		h.respondInvalidPayload(c, problems)
		return
	}

	result, err := h.ledger.CreateRecord(c.Request.Context(), cfg)
	if err != nil {
		h.respondError(c, err)
		return
	}

	status := http.StatusOK
	message := "Record already exists"
	if result.IsNew {
		status = http.StatusCreated
		message = "Record created successfully"
		h.dispatcher.Publish(RealtimeMessage{
			RecordID:  result.Record.ID,
			EventType: RealtimeEventRecordChanged,
			Change:    credits.EventTypeCreated,
			Amount:    result.Record.Quantity,
			State:     credits.State{Total: result.Record.Quantity, Active: result.Record.Quantity},
			Timestamp: result.Record.CreatedAt,
		})
	}
	c.JSON(status, createRecordResponse{
		Message: message,
		Record:  newRecordPayload(result.Record),
		IsNew:   result.IsNew,
	})
}

func (h *httpHandler) handleRetire(c *gin.Context) {
	var request retireRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		h.respondInvalidPayload(c, []string{"request body must be a JSON object"})
		return
	}
	amount, err := parseStrictInteger(request.Amount)
	if err != nil {
		h.respondInvalidPayload(c, []string{fieldProblem(fieldAmount, err)})
		return
	}

	result, err := h.ledger.Retire(c.Request.Context(), c.Param("id"), amount)
	if err != nil {
		h.respondError(c, err)
		return
	}

	h.dispatcher.Publish(RealtimeMessage{
		RecordID:  result.Event.RecordID,
		EventType: RealtimeEventRecordChanged,
		Change:    credits.EventTypeRetired,
		Amount:    result.Event.Amount,
		State:     result.State,
		Timestamp: result.Event.Timestamp,
	})
	c.JSON(http.StatusCreated, retireResponse{
		Message: fmt.Sprintf("Successfully retired %d credits", result.Event.Amount),
		Event:   newEventPayload(result.Event),
		State:   result.State,
		Status:  string(result.State.Status()),
	})
}

func (h *httpHandler) handleGetRecord(c *gin.Context) {
	view, err := h.ledger.GetRecord(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	events := make([]eventPayload, 0, len(view.Events))
	for _, event := range view.Events {
		events = append(events, newEventPayload(event))
	}
	c.JSON(http.StatusOK, recordViewResponse{
		Record:     newRecordPayload(view.Record),
		State:      view.State,
		Status:     string(view.State.Status()),
		Events:     events,
		EventCount: view.EventCount,
	})
}

func (h *httpHandler) respondInvalidPayload(c *gin.Context, problems []string) {
	c.JSON(http.StatusBadRequest, errorResponse{
		Error:   string(credits.KindInvalidInput),
		Code:    codeInvalidPayload,
		Details: problems,
	})
}

func (h *httpHandler) respondError(c *gin.Context, err error) {
	var serviceErr *credits.ServiceError
	if !errors.As(err, &serviceErr) {
		h.logger.Error("unclassified ledger error", zap.Error(err), zap.String("request_id", c.GetString(requestIDContextKey)))
		c.JSON(http.StatusInternalServerError, errorResponse{
			Error:   string(credits.KindStorageFailure),
			Details: "internal error",
		})
		return
	}

	response := errorResponse{
		Error:   string(serviceErr.Kind()),
		Code:    serviceErr.Code(),
		Details: serviceErr.Error(),
	}
	status := http.StatusInternalServerError
	switch serviceErr.Kind() {
	case credits.KindInvalidInput:
		status = http.StatusBadRequest
	case credits.KindNotFound:
		status = http.StatusNotFound
	case credits.KindDuplicateSerial:
		status = http.StatusConflict
	case credits.KindInsufficientActive:
		status = http.StatusUnprocessableEntity
		if shortfall, ok := serviceErr.Shortfall(); ok {
			response.Attempted = &shortfall.Attempted
			response.Active = &shortfall.Active
		}
	case credits.KindStorageFailure:
		response.Details = "storage unavailable"
		response.Retryable = serviceErr.Retryable()
		if response.Retryable {
			status = http.StatusServiceUnavailable
		}
	}
	c.JSON(status, response)
}

func (r createRecordRequest) toConfig() (credits.RecordAttributesConfig, []string) {
	var problems []string
	text := func(field string, raw json.RawMessage) string {
		value, err := parseStrictString(raw)
		if err != nil {
			problems = append(problems, fieldProblem(field, err))
		}
		return value
	}
	integer := func(field string, raw json.RawMessage) int64 {
		value, err := parseStrictInteger(raw)
		if err != nil {
			problems = append(problems, fieldProblem(field, err))
		}
		return value
	}

	cfg := credits.RecordAttributesConfig{
		ProjectName:  text(fieldProjectName, r.ProjectName),
		Registry:     text(fieldRegistry, r.Registry),
		Vintage:      integer(fieldVintage, r.Vintage),
		Quantity:     integer(fieldQuantity, r.Quantity),
		SerialNumber: text(fieldSerialNumber, r.SerialNumber),
	}
	return cfg, problems
}

func fieldProblem(field string, err error) string {
	return field + " " + err.Error()
}

// parseStrictString accepts only JSON string literals.
func parseStrictString(raw json.RawMessage) (string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, jsonNull) {
		return "", errFieldRequired
	}
	if trimmed[0] != '"' {
		return "", errFieldNotString
	}
	var value string
	if err := json.Unmarshal(trimmed, &value); err != nil {
		return "", errFieldNotString
	}
	return value, nil
}

// parseStrictInteger accepts only JSON integer literals: no strings, fractions or exponents.
func parseStrictInteger(raw json.RawMessage) (int64, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == string(jsonNull) {
		return 0, errFieldRequired
	}
	digits := strings.TrimPrefix(trimmed, "-")
	if digits == "" {
		return 0, errFieldNotInt
	}
	for _, character := range digits {
		if character < '0' || character > '9' {
			return 0, errFieldNotInt
		}
	}
	value, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil {
		return 0, errFieldNotInt
	}
	return value, nil
}

func newRecordPayload(record credits.Record) recordPayload {
	return recordPayload{
		ID:           record.ID,
		ProjectName:  record.ProjectName,
		Registry:     record.Registry,
		Vintage:      record.Vintage,
		Quantity:     record.Quantity,
		SerialNumber: record.SerialNumber,
		CreatedAt:    record.CreatedAt.UTC(),
	}
}

func newEventPayload(event credits.Event) eventPayload {
	return eventPayload{
		ID:        event.ID,
		RecordID:  event.RecordID,
		EventType: string(event.EventType),
		Amount:    event.Amount,
		Timestamp: event.Timestamp.UTC(),
	}
}
