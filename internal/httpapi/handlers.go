package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"auditchain/internal/auditlog"
	"auditchain/internal/event"
	"auditchain/internal/store"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call the audit client, return JSON.

type Handlers struct {
	Client *auditlog.Client
}

// status maps domain errors to HTTP codes. Transient ingest errors map to
// 503: the submission is durably queued and will commit via the backlog, so
// the caller must not resubmit.
func status(err error) int {
	switch {
	case errors.Is(err, event.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, event.ErrDuplicateExternalID):
		return http.StatusConflict
	case errors.Is(err, event.ErrValidation),
		errors.Is(err, event.ErrBulkTooLarge),
		errors.Is(err, event.ErrContextMissing):
		return http.StatusBadRequest
	case errors.Is(err, event.ErrBacklogFull):
		return http.StatusTooManyRequests
	case errors.Is(err, event.ErrTimeout),
		errors.Is(err, event.ErrChainConflict),
		errors.Is(err, event.ErrStorage):
		return http.StatusServiceUnavailable
	case errors.Is(err, event.ErrIntegrity):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func fail(c *gin.Context, err error) {
	c.AbortWithStatusJSON(status(err), gin.H{"error": err.Error()})
}

// --- Events ---

func (h Handlers) CreateEvent(c *gin.Context) {
	var sub event.Submission
	if err := c.ShouldBindJSON(&sub); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	ev, err := h.Client.CreateEvent(c.Request.Context(), sub)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, ev)
}

func (h Handlers) CreateEvents(c *gin.Context) {
	var subs []event.Submission
	if err := c.ShouldBindJSON(&subs); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	evs, err := h.Client.CreateEvents(c.Request.Context(), subs)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"events": evs, "count": len(evs)})
}

func (h Handlers) GetEvent(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "id required"})
		return
	}
	ev, err := h.Client.GetEvent(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ev)
}

func (h Handlers) QueryEvents(c *gin.Context) {
	f := store.Filter{
		Action:              c.Query("action"),
		CRUD:                event.CRUD(c.Query("crud")),
		ActorID:             c.Query("actor_id"),
		TargetID:            c.Query("target_id"),
		DescriptionContains: c.Query("description_contains"),
	}
	var err error
	if f.From, err = parseTime(c.Query("from")); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "from must be RFC3339"})
		return
	}
	if f.To, err = parseTime(c.Query("to")); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "to must be RFC3339"})
		return
	}
	if v := c.Query("limit"); v != "" {
		n, convErr := strconv.Atoi(v)
		if convErr != nil || n <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		f.Limit = n
	}
	if at, id := c.Query("cursor_received_at"), c.Query("cursor_id"); at != "" && id != "" {
		t, convErr := parseTime(at)
		if convErr != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "cursor_received_at must be RFC3339"})
			return
		}
		f.Cursor = &store.Cursor{ReceivedAt: t, ID: id}
	}

	evs, next, err := h.Client.QueryEvents(c.Request.Context(), f)
	if err != nil {
		fail(c, err)
		return
	}
	resp := gin.H{"events": evs, "count": len(evs)}
	if next != nil {
		resp["next_cursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// --- Integrity ---

type rangeRequest struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (h Handlers) ValidateEvents(c *gin.Context) {
	var req rangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.End.IsZero() {
		req.End = time.Now().UTC()
	}
	res, err := h.Client.ValidateEvents(c.Request.Context(), req.Start, req.End)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type sealRequest struct {
	UpTo time.Time `json:"up_to"`
}

func (h Handlers) SealEvents(c *gin.Context) {
	var req sealRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.UpTo.IsZero() {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "up_to required"})
		return
	}
	marker, err := h.Client.SealEvents(c.Request.Context(), req.UpTo)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, marker)
}

func (h Handlers) ExportToWORM(c *gin.Context) {
	var req rangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.End.IsZero() {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "end required"})
		return
	}
	count, err := h.Client.ExportToWORM(c.Request.Context(), req.Start, req.End)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"exported": count})
}

type receiptRequest struct {
	Receipt string `json:"receipt"`
}

func (h Handlers) VerifySealReceipt(c *gin.Context) {
	var req receiptRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Receipt == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "receipt required"})
		return
	}
	claims, err := h.Client.VerifySealReceipt(req.Receipt)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, claims)
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}
