package session

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler exposes the session facade over HTTP.
type Handler struct {
	service *Service
}

// NewHandler creates the HTTP handler for session operations.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Connect handles POST /wa/connect.
func (h *Handler) Connect(c *gin.Context) {
	var req ConnectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, Response{Success: false, Message: "user_id is required"})
		return
	}
	info, err := h.service.Connect(c.Request.Context(), req.UserID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: info})
}

// Status handles GET and POST /wa/status.
func (h *Handler) Status(c *gin.Context) {
	userID := h.userID(c)
	if userID == "" {
		c.JSON(http.StatusBadRequest, Response{Success: false, Message: "user_id is required"})
		return
	}
	info, err := h.service.Status(userID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: info})
}

// Disconnect handles POST /wa/disconnect.
func (h *Handler) Disconnect(c *gin.Context) {
	var req UserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, Response{Success: false, Message: "user_id is required"})
		return
	}
	if err := h.service.Disconnect(req.UserID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Message: "session disconnected"})
}

// QRImage handles GET /wa/qr-image, answering with a PNG.
func (h *Handler) QRImage(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, Response{Success: false, Message: "user_id is required"})
		return
	}
	png, err := h.service.QRImage(userID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.Data(http.StatusOK, "image/png", png)
}

// Send handles POST /send.
func (h *Handler) Send(c *gin.Context) {
	var req SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, Response{Success: false, Message: "user_id, to and text are required"})
		return
	}
	result, err := h.service.Send(c.Request.Context(), req.UserID, req.To, req.Text)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: result})
}

// Clean handles POST /wa/clean.
func (h *Handler) Clean(c *gin.Context) {
	var req UserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, Response{Success: false, Message: "user_id is required"})
		return
	}
	result, err := h.service.Clean(req.UserID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: result})
}

// Stats handles GET /wa/stats.
func (h *Handler) Stats(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, Response{Success: false, Message: "user_id is required"})
		return
	}
	stats, err := h.service.Stats(userID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: stats})
}

func (h *Handler) userID(c *gin.Context) string {
	if id := c.Query("user_id"); id != "" {
		return id
	}
	var req UserRequest
	if err := c.ShouldBindJSON(&req); err == nil {
		return req.UserID
	}
	return ""
}

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, Response{Success: false, Message: err.Error()})
	case errors.Is(err, ErrNoSession), errors.Is(err, ErrNoQR):
		c.JSON(http.StatusNotFound, Response{Success: false, Message: err.Error()})
	case errors.Is(err, ErrNotConnected):
		c.JSON(http.StatusConflict, Response{Success: false, Message: err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, Response{Success: false, Message: err.Error()})
	}
}
