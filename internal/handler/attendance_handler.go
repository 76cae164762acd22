package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/campushq/attendance-api/internal/models"
	"github.com/campushq/attendance-api/internal/service"
	appErrors "github.com/campushq/attendance-api/pkg/errors"
	"github.com/campushq/attendance-api/pkg/response"
)

// AttendanceHandler exposes check-in and roster endpoints.
type AttendanceHandler struct {
	attendance *service.AttendanceService
	tokens     *service.QRTokenService
}

// NewAttendanceHandler constructs AttendanceHandler.
func NewAttendanceHandler(attendance *service.AttendanceService, tokens *service.QRTokenService) *AttendanceHandler {
	return &AttendanceHandler{attendance: attendance, tokens: tokens}
}

type checkInPayload struct {
	// Payload is the raw scanned QR content. When set it is parsed and
	// takes precedence over the explicit fields below.
	Payload   string `json:"payload"`
	SessionID string `json:"session_id"`
	Token     string `json:"token"`
}

// CheckIn godoc
// @Summary Record a student check-in
// @Description Accepts a scanned QR payload or an explicit session id and token
// @Tags Attendance
// @Accept json
// @Produce json
// @Param payload body checkInPayload true "Check-in payload"
// @Success 200 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /attendance/check-in [post]
func (h *AttendanceHandler) CheckIn(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var body checkInPayload
	if err := c.ShouldBindJSON(&body); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}

	req := service.CheckInRequest{
		SessionID: body.SessionID,
		StudentID: claims.UserID,
		Method:    models.MethodQRCode,
		Token:     body.Token,
	}
	if body.Payload != "" {
		parsed, err := h.tokens.ParsePayload(body.Payload)
		if err != nil {
			response.Error(c, err)
			return
		}
		req.SessionID = parsed.SessionID
		req.Token = parsed.Token
		req.Legacy = parsed.Legacy
	}

	result, err := h.attendance.RecordCheckIn(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}

	meta := map[string]interface{}{"already_marked": result.AlreadyMarked}
	response.JSON(c, http.StatusOK, result.Record, nil, meta)
}

// Roster godoc
// @Summary Session roster with attendance state
// @Description Every actively enrolled student with their record, absent when none
// @Tags Attendance
// @Produce json
// @Param id path string true "Session ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /sessions/{id}/attendance [get]
func (h *AttendanceHandler) Roster(c *gin.Context) {
	rows, err := h.attendance.ListRoster(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, rows, nil)
}

// BulkStatus godoc
// @Summary Set status for selected students
// @Description Lecturer correction that overwrites existing records
// @Tags Attendance
// @Accept json
// @Produce json
// @Param id path string true "Session ID"
// @Param payload body service.BulkStatusRequest true "Correction payload"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Router /sessions/{id}/attendance/status [put]
func (h *AttendanceHandler) BulkStatus(c *gin.Context) {
	var req service.BulkStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	updated, err := h.attendance.SetStatusForSelected(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, map[string]interface{}{"updated": updated}, nil)
}

// MarkManual godoc
// @Summary Manually mark a student
// @Description Lecturer records attendance on behalf of a student
// @Tags Attendance
// @Accept json
// @Produce json
// @Param id path string true "Session ID"
// @Param payload body object true "Student and status"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Router /sessions/{id}/attendance/manual [post]
func (h *AttendanceHandler) MarkManual(c *gin.Context) {
	var payload struct {
		StudentID string `json:"student_id" binding:"required"`
		Status    string `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	record, err := h.attendance.MarkManual(c.Request.Context(), c.Param("id"), payload.StudentID, models.AttendanceStatus(payload.Status))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, record, nil)
}
