package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/opsfield/crewsync/internal/auth"
	"github.com/opsfield/crewsync/internal/devices"
	"github.com/opsfield/crewsync/internal/engine"
	"go.uber.org/zap"
)

const (
	deviceIDContextKey = "crewsync_device_id"
	workerIDContextKey = "crewsync_worker_id"
)

var (
	errMissingTokenManager   = errors.New("token manager dependency required")
	errMissingDeviceRegistry = errors.New("device registry dependency required")
	errMissingSyncService    = errors.New("sync service dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

// DeviceTokenManager issues and validates device session tokens.
type DeviceTokenManager interface {
	IssueDeviceToken(ctx context.Context, claims auth.DeviceClaims) (string, int64, error)
	ValidateToken(token string) (auth.DeviceClaims, error)
}

// DeviceAuthenticator verifies a device's enrollment key.
type DeviceAuthenticator interface {
	Authenticate(ctx context.Context, deviceID, enrollmentKey string) (devices.Device, error)
}

// Dependencies wires the HTTP surface to its collaborators.
type Dependencies struct {
	TokenManager DeviceTokenManager
	Devices      DeviceAuthenticator
	SyncService  *engine.Service
	Logger       *zap.Logger
}

// NewHTTPHandler builds the gin router for the sync API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Devices == nil {
		return nil, errMissingDeviceRegistry
	}
	if deps.SyncService == nil {
		return nil, errMissingSyncService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:  deps.TokenManager,
		devices: deps.Devices,
		engine:  deps.SyncService,
		logger:  logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.POST("/auth/device", handler.handleDeviceAuth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/sync", handler.handleSync)
	protected.GET("/sync/delta", handler.handleDelta)
	protected.GET("/conflicts", handler.handleListConflicts)
	protected.POST("/conflicts/:conflictID/resolve", handler.handleResolveConflict)

	return router, nil
}

type httpHandler struct {
	tokens  DeviceTokenManager
	devices DeviceAuthenticator
	engine  *engine.Service
	logger  *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type deviceAuthRequestPayload struct {
	DeviceID      string `json:"device_id"`
	EnrollmentKey string `json:"enrollment_key"`
}

type deviceAuthResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
	WorkerID    string `json:"worker_id"`
}

func (h *httpHandler) handleDeviceAuth(c *gin.Context) {
	var request deviceAuthRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.DeviceID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	device, err := h.devices.Authenticate(c.Request.Context(), request.DeviceID, request.EnrollmentKey)
	if err != nil {
		h.logger.Warn("device authentication failed", zap.String("device_id", request.DeviceID), zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	token, expiresIn, err := h.tokens.IssueDeviceToken(c.Request.Context(), auth.DeviceClaims{
		DeviceID: device.DeviceID,
		WorkerID: device.WorkerID,
	})
	if err != nil {
		h.logger.Error("failed to issue device token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, deviceAuthResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
		WorkerID:    device.WorkerID,
	})
}

type syncRequestPayload struct {
	SinceCursor int64                 `json:"since_cursor"`
	Mutations   []syncMutationPayload `json:"mutations"`
}

type syncMutationPayload struct {
	MutationID        string          `json:"mutation_id"`
	EntityType        string          `json:"entity_type"`
	EntityID          string          `json:"entity_id"`
	BaseVersion       int64           `json:"base_version"`
	Operation         string          `json:"operation"`
	Fields            json.RawMessage `json:"fields"`
	ClientTimeSeconds int64           `json:"client_time_s"`
	SequenceInBatch   int             `json:"sequence_in_batch"`
}

type syncResultPayload struct {
	MutationID string `json:"mutation_id"`
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	Status     string `json:"status"`
	Version    int64  `json:"version,omitempty"`
	ConflictID string `json:"conflict_id,omitempty"`
	Reason     string `json:"reason,omitempty"`
	AutoMerged bool   `json:"auto_merged,omitempty"`
	Replayed   bool   `json:"replayed,omitempty"`
}

type deltaChangePayload struct {
	EntityType       string          `json:"entity_type"`
	EntityID         string          `json:"entity_id"`
	Kind             string          `json:"kind"`
	Version          int64           `json:"version"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	LastWriterDevice string          `json:"last_writer_device"`
	UpdatedAtSeconds int64           `json:"updated_at_s"`
	Deleted          bool            `json:"deleted"`
}

type deltaPayload struct {
	Changes    []deltaChangePayload `json:"changes"`
	NextCursor int64                `json:"next_cursor"`
	HasMore    bool                 `json:"has_more"`
}

type syncResponsePayload struct {
	Results       []syncResultPayload `json:"results"`
	AppliedCount  int                 `json:"applied_count"`
	ConflictCount int                 `json:"conflict_count"`
	Delta         deltaPayload        `json:"delta"`
	NewCursor     int64               `json:"new_cursor"`
	Partial       bool                `json:"partial"`
	ResumeIndex   int                 `json:"resume_index"`
}

func (h *httpHandler) handleSync(c *gin.Context) {
	deviceID := c.GetString(deviceIDContextKey)
	if deviceID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var request syncRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	device, err := engine.NewDeviceID(deviceID)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	mutations := make([]engine.Mutation, 0, len(request.Mutations))
	for _, raw := range request.Mutations {
		mutation, err := engine.NewMutation(engine.MutationConfig{
			MutationID:        engine.MutationID(raw.MutationID),
			DeviceID:          device,
			EntityType:        raw.EntityType,
			EntityID:          engine.EntityID(strings.TrimSpace(raw.EntityID)),
			BaseVersion:       raw.BaseVersion,
			Operation:         engine.OperationType(raw.Operation),
			FieldsJSON:        string(raw.Fields),
			ClientTimeSeconds: raw.ClientTimeSeconds,
			SequenceInBatch:   raw.SequenceInBatch,
		})
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_mutation", "detail": err.Error()})
			return
		}
		mutations = append(mutations, mutation)
	}

	result, err := h.engine.ProcessBatch(c.Request.Context(), device, request.SinceCursor, mutations)
	if err != nil {
		h.respondEngineError(c, err)
		return
	}

	c.JSON(http.StatusOK, renderBatchResult(result))
}

func (h *httpHandler) handleDelta(c *gin.Context) {
	deviceID := c.GetString(deviceIDContextKey)
	if deviceID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	device, err := engine.NewDeviceID(deviceID)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	sinceCursor, err := strconv.ParseInt(c.DefaultQuery("since", "0"), 10, 64)
	if err != nil || sinceCursor < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "0"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
		return
	}

	delta, err := h.engine.CompileDelta(c.Request.Context(), device, sinceCursor, limit)
	if err != nil {
		h.respondEngineError(c, err)
		return
	}

	c.JSON(http.StatusOK, renderDelta(delta))
}

type conflictPayload struct {
	ConflictID        string          `json:"conflict_id"`
	EntityType        string          `json:"entity_type"`
	EntityID          string          `json:"entity_id"`
	Mutation          json.RawMessage `json:"mutation"`
	ServerState       json.RawMessage `json:"server_state"`
	Status            string          `json:"status"`
	DetectedAtSeconds int64           `json:"detected_at_s"`
}

func (h *httpHandler) handleListConflicts(c *gin.Context) {
	records, err := h.engine.PendingConflicts(c.Request.Context())
	if err != nil {
		h.respondEngineError(c, err)
		return
	}

	payload := make([]conflictPayload, 0, len(records))
	for _, record := range records {
		payload = append(payload, conflictPayload{
			ConflictID:        record.ConflictID,
			EntityType:        record.EntityType,
			EntityID:          record.EntityID,
			Mutation:          json.RawMessage(record.MutationJSON),
			ServerState:       json.RawMessage(record.ServerStateJSON),
			Status:            record.Status,
			DetectedAtSeconds: record.DetectedAtSeconds,
		})
	}
	c.JSON(http.StatusOK, gin.H{"conflicts": payload})
}

type resolveRequestPayload struct {
	Decision      string          `json:"decision"`
	MergedPayload json.RawMessage `json:"merged_payload"`
	ResolvedBy    string          `json:"resolved_by"`
}

type resolveResponsePayload struct {
	ConflictID    string `json:"conflict_id"`
	Decision      string `json:"decision"`
	Applied       bool   `json:"applied"`
	Version       int64  `json:"version,omitempty"`
	NewConflictID string `json:"new_conflict_id,omitempty"`
}

func (h *httpHandler) handleResolveConflict(c *gin.Context) {
	conflictID := c.Param("conflictID")

	var request resolveRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Decision) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	resolvedBy := strings.TrimSpace(request.ResolvedBy)
	if resolvedBy == "" {
		resolvedBy = c.GetString(workerIDContextKey)
	}

	result, err := h.engine.ResolveConflict(
		c.Request.Context(),
		conflictID,
		request.Decision,
		string(request.MergedPayload),
		resolvedBy,
	)
	if err != nil {
		h.respondEngineError(c, err)
		return
	}

	c.JSON(http.StatusOK, resolveResponsePayload{
		ConflictID:    result.ConflictID,
		Decision:      result.Decision,
		Applied:       result.Applied,
		Version:       result.NewVersion,
		NewConflictID: result.NewConflictID,
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	claims, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(deviceIDContextKey, claims.DeviceID)
	c.Set(workerIDContextKey, claims.WorkerID)
	c.Next()
}

func (h *httpHandler) respondEngineError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, engine.ErrBatchTooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "batch_too_large"})
	case errors.Is(err, engine.ErrStaleCursor):
		c.JSON(http.StatusConflict, gin.H{"error": "stale_cursor"})
	case errors.Is(err, engine.ErrUnknownConflict):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_conflict"})
	case errors.Is(err, engine.ErrConflictNotPending):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict_not_pending"})
	case errors.Is(err, engine.ErrInvalidDecision), errors.Is(err, engine.ErrMergedPayloadRequired):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_resolution"})
	default:
		h.logger.Error("sync request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sync_failed"})
	}
}

func renderBatchResult(result engine.BatchResult) syncResponsePayload {
	response := syncResponsePayload{
		Results:       make([]syncResultPayload, 0, len(result.Results)),
		AppliedCount:  result.AppliedCount,
		ConflictCount: result.ConflictCount,
		Delta:         renderDelta(result.Delta),
		NewCursor:     result.NewCursor,
		Partial:       result.Partial,
		ResumeIndex:   result.ResumeIndex,
	}
	for _, outcome := range result.Results {
		response.Results = append(response.Results, syncResultPayload{
			MutationID: outcome.MutationID,
			EntityType: outcome.EntityType,
			EntityID:   outcome.EntityID,
			Status:     outcome.Status,
			Version:    outcome.NewVersion,
			ConflictID: outcome.ConflictID,
			Reason:     outcome.Reason,
			AutoMerged: outcome.AutoMerged,
			Replayed:   outcome.Replayed,
		})
	}
	return response
}

func renderDelta(delta engine.Delta) deltaPayload {
	payload := deltaPayload{
		Changes:    make([]deltaChangePayload, 0, len(delta.Changes)),
		NextCursor: delta.NextCursor,
		HasMore:    delta.HasMore,
	}
	for _, change := range delta.Changes {
		var raw json.RawMessage
		if change.PayloadJSON != "" {
			raw = json.RawMessage(change.PayloadJSON)
		}
		payload.Changes = append(payload.Changes, deltaChangePayload{
			EntityType:       change.EntityType,
			EntityID:         change.EntityID,
			Kind:             change.Kind,
			Version:          change.Version,
			Payload:          raw,
			LastWriterDevice: change.LastWriterDevice,
			UpdatedAtSeconds: change.UpdatedAtSeconds,
			Deleted:          change.Deleted,
		})
	}
	return payload
}
