package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/face-check/internal/embedder"
	"github.com/example/face-check/internal/repository"
	"github.com/example/face-check/internal/usecase"
)

// MaxBodyBytes bounds a JSON request body. The image payload limit itself is
// enforced by the use case on the base64 string.
const MaxBodyBytes = 8 << 20

type registerRequest struct {
	UserID    string         `json:"user_id"`
	ImageData string         `json:"image_data"`
	Metadata  map[string]any `json:"metadata"`
}

type verifyRequest struct {
	ImageData     string   `json:"image_data"`
	MinConfidence *float64 `json:"min_confidence"`
}

type updateMetadataRequest struct {
	UserID   string         `json:"user_id"`
	Metadata map[string]any `json:"metadata"`
}

type handler struct {
	uc           *usecase.FaceUseCase
	maxBodyBytes int64
	logger       *zap.Logger
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, uc *usecase.FaceUseCase, maxBodyBytes int64, logger *zap.Logger) {
	if maxBodyBytes <= 0 {
		maxBodyBytes = MaxBodyBytes
	}
	h := &handler{uc: uc, maxBodyBytes: maxBodyBytes, logger: logger.Named("handlers")}

	router.GET("/health", h.health)

	api := router.Group("/api")
	api.POST("/faces/register", h.register)
	api.POST("/faces/verify", h.verify)
	api.GET("/faces/user", h.getUserFaces)
	api.PUT("/faces/metadata", h.updateMetadata)
	api.GET("/verifications/:id", h.getVerification)
	api.GET("/metrics/summary", h.metricsSummary)
}

func (h *handler) health(c *gin.Context) {
	if err := h.uc.Ping(c.Request.Context()); err != nil {
		dependency := "service"
		var depErr *usecase.DependencyError
		if errors.As(err, &depErr) {
			dependency = depErr.Dependency
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":     "error",
			"message":    strings.ReplaceAll(dependency, "_", " ") + " unavailable",
			"code":       "dependency_unavailable",
			"dependency": dependency,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *handler) register(c *gin.Context) {
	var req registerRequest
	if !h.bindJSON(c, &req) {
		return
	}

	result, err := h.uc.Register(c.Request.Context(), usecase.RegisterInput{
		UserID:    req.UserID,
		ImageData: req.ImageData,
		Metadata:  req.Metadata,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":     "success",
		"message":    "Face registered successfully",
		"user_id":    result.UserID,
		"image_path": result.ImagePath,
	})
}

func (h *handler) verify(c *gin.Context) {
	var req verifyRequest
	if !h.bindJSON(c, &req) {
		return
	}

	result, err := h.uc.Verify(c.Request.Context(), usecase.VerifyInput{
		ImageData:     req.ImageData,
		MinConfidence: req.MinConfidence,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}

	switch result.Outcome {
	case usecase.OutcomeNoFace:
		c.JSON(http.StatusOK, gin.H{
			"status":             "error",
			"match_found":        false,
			"code":               "no_face_detected",
			"message":            "No face detected in image",
			"request_id":         result.RequestID,
			"verification_image": result.VerificationImage,
		})
	case usecase.OutcomeMatch:
		c.JSON(http.StatusOK, gin.H{
			"status":             "success",
			"match_found":        true,
			"user_id":            result.UserID,
			"confidence":         result.Confidence,
			"metadata":           result.Metadata,
			"message":            "Face verified successfully",
			"request_id":         result.RequestID,
			"verification_image": result.VerificationImage,
		})
	default:
		c.JSON(http.StatusOK, gin.H{
			"status":             "success",
			"match_found":        false,
			"message":            "No matching face found",
			"request_id":         result.RequestID,
			"verification_image": result.VerificationImage,
		})
	}
}

func (h *handler) getUserFaces(c *gin.Context) {
	record, err := h.uc.GetUserFaces(c.Request.Context(), c.Query("user_id"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":        "success",
		"user_id":       record.UserID,
		"metadata":      record.Metadata,
		"registered_at": record.RegisteredAt,
		"last_updated":  record.LastUpdated,
		"image_path":    record.ImagePath,
	})
}

func (h *handler) updateMetadata(c *gin.Context) {
	var req updateMetadataRequest
	if !h.bindJSON(c, &req) {
		return
	}

	record, err := h.uc.UpdateMetadata(c.Request.Context(), req.UserID, req.Metadata)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":       "success",
		"message":      "Metadata updated successfully",
		"user_id":      record.UserID,
		"last_updated": record.LastUpdated,
	})
}

func (h *handler) getVerification(c *gin.Context) {
	entry, err := h.uc.GetVerification(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

func (h *handler) metricsSummary(c *gin.Context) {
	summary, err := h.uc.GetMetricsSummary(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// bindJSON decodes the body under the size limit and writes the error response itself.
func (h *handler) bindJSON(c *gin.Context, dst any) bool {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBodyBytes)
	if err := c.ShouldBindJSON(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(c, http.StatusRequestEntityTooLarge, "payload_too_large", "request body too large")
			return false
		}
		writeError(c, http.StatusBadRequest, "validation_error", "invalid JSON body")
		return false
	}
	return true
}

func (h *handler) respondError(c *gin.Context, err error) {
	status, code, message := classifyError(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err), zap.String("path", c.FullPath()), zap.String("code", code))
	}
	writeError(c, status, code, message)
}

func classifyError(err error) (int, string, string) {
	var validationErr *usecase.ValidationError
	var shapeErr *repository.ShapeError

	switch {
	case errors.As(err, &validationErr):
		return http.StatusBadRequest, "validation_error", validationErr.Error()
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound, "not_found", "not found"
	case errors.Is(err, embedder.ErrNoFaceDetected):
		return http.StatusUnprocessableEntity, "no_face_detected", "No face detected in image"
	case errors.Is(err, usecase.ErrTimeout):
		return http.StatusServiceUnavailable, "timeout", "face processing timed out"
	case errors.As(err, &shapeErr):
		return http.StatusInternalServerError, "embedding_shape_mismatch", "embedding dimension mismatch"
	case errors.Is(err, repository.ErrNonFiniteEmbedding):
		return http.StatusInternalServerError, "invalid_embedding", "embedding provider returned non-finite values"
	case errors.Is(err, repository.ErrPersistence):
		return http.StatusInternalServerError, "persistence_error", "failed to persist face data"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{
		"status":  "error",
		"message": message,
		"code":    code,
	})
}
