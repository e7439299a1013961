package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/margin/internal/auth"
	"github.com/MarcoPoloResearchLab/margin/internal/members"
	"github.com/MarcoPoloResearchLab/margin/internal/project"
	"github.com/MarcoPoloResearchLab/margin/internal/store"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const memberIDContextKey = "margin_member_id"

var (
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingStoreService  = errors.New("store service dependency required")
	errMissingJoinSecret    = errors.New("join secret required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// SessionTokenManager issues and validates client session tokens.
type SessionTokenManager interface {
	IssueSessionToken(ctx context.Context, claims auth.SessionClaims) (string, int64, error)
	ValidateToken(token string) (string, error)
}

type Dependencies struct {
	TokenManager SessionTokenManager
	Store        *store.Service
	Members      *members.Service
	Dispatcher   *ChangeDispatcher
	JoinSecret   string
	Logger       *zap.Logger
}

// NewHTTPHandler assembles the collection store API the sync clients poll.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Store == nil {
		return nil, errMissingStoreService
	}
	if strings.TrimSpace(deps.JoinSecret) == "" {
		return nil, errMissingJoinSecret
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	dispatcher := deps.Dispatcher
	if dispatcher == nil {
		dispatcher = NewChangeDispatcher()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:     deps.TokenManager,
		store:      deps.Store,
		members:    deps.Members,
		dispatcher: dispatcher,
		joinSecret: deps.JoinSecret,
		logger:     logger,
	}

	router.POST("/auth/session", handler.handleJoinSession)

	protected := router.Group("/projects/:projectID")
	protected.Use(handler.authorizeRequest)
	protected.GET("/files", handler.handleListFiles)
	protected.PUT("/files/:fileID", handler.handleUpsertFile)
	protected.DELETE("/files/:fileID", handler.handleDeleteFile)
	protected.GET("/annotations", handler.handleListAnnotations)
	protected.PUT("/annotations/:annotationID", handler.handleUpsertAnnotation)
	protected.DELETE("/annotations/:annotationID", handler.handleDeleteAnnotation)
	protected.GET("/replies", handler.handleListReplies)
	protected.PUT("/replies/:replyID", handler.handleUpsertReply)
	protected.DELETE("/replies/:replyID", handler.handleDeleteReply)
	protected.GET("/deletion-requests", handler.handleListDeletionRequests)
	protected.POST("/deletion-requests", handler.handleCreateDeletionRequest)
	protected.POST("/deletion-requests/:requestID/resolve", handler.handleResolveDeletionRequest)
	protected.GET("/events", handler.handleEvents)

	return router, nil
}

type httpHandler struct {
	tokens     SessionTokenManager
	store      *store.Service
	members    *members.Service
	dispatcher *ChangeDispatcher
	joinSecret string
	logger     *zap.Logger
}

type joinRequestPayload struct {
	MemberID    string `json:"member_id"`
	DisplayName string `json:"display_name"`
	JoinKey     string `json:"join_key"`
}

type joinResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleJoinSession(c *gin.Context) {
	var request joinRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.MemberID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if request.JoinKey != h.joinSecret {
		h.logger.Warn("session join rejected", zap.String("member_id", request.MemberID))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	if h.members != nil {
		if _, err := h.members.Record(request.MemberID, request.DisplayName); err != nil {
			h.logger.Warn("failed to record member profile", zap.String("member_id", request.MemberID), zap.Error(err))
		}
	}

	token, expiresIn, err := h.tokens.IssueSessionToken(c.Request.Context(), auth.SessionClaims{
		Subject:     strings.TrimSpace(request.MemberID),
		DisplayName: strings.TrimSpace(request.DisplayName),
	})
	if err != nil {
		h.logger.Error("failed to issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, joinResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
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
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		// Expired tokens are routine client churn, not an attack signal.
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(memberIDContextKey, subject)
	c.Next()
}

func (h *httpHandler) projectID(c *gin.Context) (project.ProjectID, bool) {
	projectID, err := project.NewProjectID(c.Param("projectID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_project_id"})
		return "", false
	}
	return projectID, true
}

func (h *httpHandler) writeStoreError(c *gin.Context, err error) {
	if errors.Is(err, store.ErrUnknownFile) {
		c.JSON(http.StatusConflict, gin.H{"error": "unknown_file"})
		return
	}
	var serviceErr *store.ServiceError
	if errors.As(err, &serviceErr) {
		h.logger.Error("store operation failed", zap.String("code", serviceErr.Code()), zap.Error(err))
	} else {
		h.logger.Error("store operation failed", zap.Error(err))
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "store_failed"})
}

type filesResponsePayload struct {
	Files []project.CodeFile `json:"files"`
}

func (h *httpHandler) handleListFiles(c *gin.Context) {
	projectID, ok := h.projectID(c)
	if !ok {
		return
	}
	records, err := h.store.ListFiles(c.Request.Context(), projectID)
	if err != nil {
		h.writeStoreError(c, err)
		return
	}
	files := make([]project.CodeFile, 0, len(records))
	for _, record := range records {
		files = append(files, fileFromRecord(record))
	}
	c.JSON(http.StatusOK, filesResponsePayload{Files: files})
}

type fileUpsertRequestPayload struct {
	File                     project.CodeFile `json:"file"`
	ExpectedUpdatedAtSeconds *int64           `json:"expected_updated_at_s,omitempty"`
}

type fileUpsertResponsePayload struct {
	File    project.CodeFile `json:"file"`
	Skipped bool             `json:"skipped"`
}

func (h *httpHandler) handleUpsertFile(c *gin.Context) {
	projectID, ok := h.projectID(c)
	if !ok {
		return
	}
	fileID, err := project.NewFileID(c.Param("fileID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_file_id"})
		return
	}

	var request fileUpsertRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.File.Filename) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	record := fileToRecord(request.File)
	record.FileID = fileID.String()
	record.ProjectID = projectID.String()
	if record.UploadedBy == "" {
		record.UploadedBy = c.GetString(memberIDContextKey)
	}

	outcome, err := h.store.UpsertFile(c.Request.Context(), record, request.ExpectedUpdatedAtSeconds)
	if err != nil {
		h.writeStoreError(c, err)
		return
	}
	if !outcome.Skipped {
		h.dispatcher.Publish(ChangeEvent{
			ProjectID:  projectID.String(),
			Collection: CollectionFiles,
			RecordIDs:  []string{fileID.String()},
			Timestamp:  time.Now().UTC(),
		})
	}
	c.JSON(http.StatusOK, fileUpsertResponsePayload{
		File:    fileFromRecord(outcome.File),
		Skipped: outcome.Skipped,
	})
}

func (h *httpHandler) handleDeleteFile(c *gin.Context) {
	projectID, ok := h.projectID(c)
	if !ok {
		return
	}
	fileID, err := project.NewFileID(c.Param("fileID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_file_id"})
		return
	}
	if err := h.store.DeleteFile(c.Request.Context(), projectID, fileID); err != nil {
		h.writeStoreError(c, err)
		return
	}
	h.dispatcher.Publish(ChangeEvent{
		ProjectID:  projectID.String(),
		Collection: CollectionFiles,
		RecordIDs:  []string{fileID.String()},
		Timestamp:  time.Now().UTC(),
	})
	c.Status(http.StatusNoContent)
}

type annotationsResponsePayload struct {
	Annotations []project.Annotation `json:"annotations"`
}

func (h *httpHandler) handleListAnnotations(c *gin.Context) {
	projectID, ok := h.projectID(c)
	if !ok {
		return
	}
	records, err := h.store.ListAnnotations(c.Request.Context(), projectID, c.QueryArray("file_id"))
	if err != nil {
		h.writeStoreError(c, err)
		return
	}
	annotations := make([]project.Annotation, 0, len(records))
	for _, record := range records {
		annotations = append(annotations, annotationFromRecord(record))
	}
	c.JSON(http.StatusOK, annotationsResponsePayload{Annotations: annotations})
}

func (h *httpHandler) handleUpsertAnnotation(c *gin.Context) {
	projectID, ok := h.projectID(c)
	if !ok {
		return
	}
	var payload project.Annotation
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if _, err := project.ParseAnnotationType(string(payload.Type)); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_annotation_type"})
		return
	}
	record := annotationToRecord(payload)
	record.AnnotationID = c.Param("annotationID")
	record.ProjectID = projectID.String()
	if record.AuthorID == "" {
		record.AuthorID = c.GetString(memberIDContextKey)
	}

	stored, err := h.store.UpsertAnnotation(c.Request.Context(), record)
	if err != nil {
		h.writeStoreError(c, err)
		return
	}
	h.dispatcher.Publish(ChangeEvent{
		ProjectID:  projectID.String(),
		Collection: CollectionAnnotations,
		RecordIDs:  []string{stored.AnnotationID},
		Timestamp:  time.Now().UTC(),
	})
	c.JSON(http.StatusOK, annotationFromRecord(stored))
}

func (h *httpHandler) handleDeleteAnnotation(c *gin.Context) {
	projectID, ok := h.projectID(c)
	if !ok {
		return
	}
	annotationID := c.Param("annotationID")
	if err := h.store.DeleteAnnotation(c.Request.Context(), projectID, annotationID); err != nil {
		h.writeStoreError(c, err)
		return
	}
	h.dispatcher.Publish(ChangeEvent{
		ProjectID:  projectID.String(),
		Collection: CollectionAnnotations,
		RecordIDs:  []string{annotationID},
		Timestamp:  time.Now().UTC(),
	})
	c.Status(http.StatusNoContent)
}

type repliesResponsePayload struct {
	Replies []project.Reply `json:"replies"`
}

func (h *httpHandler) handleListReplies(c *gin.Context) {
	projectID, ok := h.projectID(c)
	if !ok {
		return
	}
	records, err := h.store.ListReplies(c.Request.Context(), projectID, c.QueryArray("file_id"))
	if err != nil {
		h.writeStoreError(c, err)
		return
	}
	replies := make([]project.Reply, 0, len(records))
	for _, record := range records {
		replies = append(replies, replyFromRecord(record))
	}
	c.JSON(http.StatusOK, repliesResponsePayload{Replies: replies})
}

func (h *httpHandler) handleUpsertReply(c *gin.Context) {
	projectID, ok := h.projectID(c)
	if !ok {
		return
	}
	var payload project.Reply
	if err := c.ShouldBindJSON(&payload); err != nil || strings.TrimSpace(payload.AnnotationID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	record := replyToRecord(payload)
	record.ReplyID = c.Param("replyID")
	record.ProjectID = projectID.String()
	if record.AuthorID == "" {
		record.AuthorID = c.GetString(memberIDContextKey)
	}
	if record.AuthorLabel == "" && h.members != nil {
		if name, found := h.members.DisplayName(record.AuthorID); found {
			record.AuthorLabel = name
		}
	}

	stored, err := h.store.UpsertReply(c.Request.Context(), record)
	if err != nil {
		h.writeStoreError(c, err)
		return
	}
	h.dispatcher.Publish(ChangeEvent{
		ProjectID:  projectID.String(),
		Collection: CollectionAnnotations,
		RecordIDs:  []string{stored.AnnotationID},
		Timestamp:  time.Now().UTC(),
	})
	c.JSON(http.StatusOK, replyFromRecord(stored))
}

func (h *httpHandler) handleDeleteReply(c *gin.Context) {
	projectID, ok := h.projectID(c)
	if !ok {
		return
	}
	replyID := c.Param("replyID")
	if err := h.store.DeleteReply(c.Request.Context(), projectID, replyID); err != nil {
		h.writeStoreError(c, err)
		return
	}
	h.dispatcher.Publish(ChangeEvent{
		ProjectID:  projectID.String(),
		Collection: CollectionAnnotations,
		RecordIDs:  []string{replyID},
		Timestamp:  time.Now().UTC(),
	})
	c.Status(http.StatusNoContent)
}

type deletionRequestsResponsePayload struct {
	Requests []project.DeletionRequest `json:"requests"`
}

func (h *httpHandler) handleListDeletionRequests(c *gin.Context) {
	projectID, ok := h.projectID(c)
	if !ok {
		return
	}
	records, err := h.store.ListDeletionRequests(c.Request.Context(), projectID)
	if err != nil {
		h.writeStoreError(c, err)
		return
	}
	requests := make([]project.DeletionRequest, 0, len(records))
	for _, record := range records {
		requests = append(requests, requestFromRecord(record))
	}
	c.JSON(http.StatusOK, deletionRequestsResponsePayload{Requests: requests})
}

type createDeletionRequestPayload struct {
	FileID   string `json:"file_id"`
	Filename string `json:"filename"`
}

func (h *httpHandler) handleCreateDeletionRequest(c *gin.Context) {
	projectID, ok := h.projectID(c)
	if !ok {
		return
	}
	var payload createDeletionRequestPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	fileID, err := project.NewFileID(payload.FileID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_file_id"})
		return
	}

	record, err := h.store.CreateDeletionRequest(c.Request.Context(), projectID, fileID,
		payload.Filename, c.GetString(memberIDContextKey))
	if err != nil {
		h.writeStoreError(c, err)
		return
	}
	h.dispatcher.Publish(ChangeEvent{
		ProjectID:  projectID.String(),
		Collection: CollectionDeletionRequests,
		RecordIDs:  []string{record.RequestID},
		Timestamp:  time.Now().UTC(),
	})
	c.JSON(http.StatusCreated, requestFromRecord(record))
}

type resolveDeletionRequestPayload struct {
	Resolution string `json:"resolution"`
}

type resolveDeletionResponsePayload struct {
	RequestFound bool `json:"request_found"`
	FileDeleted  bool `json:"file_deleted"`
}

func (h *httpHandler) handleResolveDeletionRequest(c *gin.Context) {
	projectID, ok := h.projectID(c)
	if !ok {
		return
	}
	var payload resolveDeletionRequestPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	resolution, err := project.ParseResolution(payload.Resolution)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_resolution"})
		return
	}

	outcome, err := h.store.ResolveDeletionRequest(c.Request.Context(), projectID, c.Param("requestID"), resolution)
	if err != nil {
		h.writeStoreError(c, err)
		return
	}
	collections := []string{CollectionDeletionRequests}
	if outcome.FileDeleted {
		collections = append(collections, CollectionFiles)
	}
	for _, collection := range collections {
		h.dispatcher.Publish(ChangeEvent{
			ProjectID:  projectID.String(),
			Collection: collection,
			RecordIDs:  []string{c.Param("requestID")},
			Timestamp:  time.Now().UTC(),
		})
	}
	c.JSON(http.StatusOK, resolveDeletionResponsePayload{
		RequestFound: outcome.RequestFound,
		FileDeleted:  outcome.FileDeleted,
	})
}

const eventsHeartbeatInterval = 15 * time.Second

// handleEvents streams change events for the project as server-sent events.
// Clients treat this purely as a poll accelerator.
func (h *httpHandler) handleEvents(c *gin.Context) {
	projectID, ok := h.projectID(c)
	if !ok {
		return
	}
	stream, cancel := h.dispatcher.Subscribe(c.Request.Context(), projectID.String())
	defer cancel()

	heartbeat := time.NewTicker(eventsHeartbeatInterval)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case event, open := <-stream:
			if !open {
				return false
			}
			c.SSEvent("change", event)
			return true
		case <-heartbeat.C:
			c.SSEvent("heartbeat", time.Now().UTC().Unix())
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}
