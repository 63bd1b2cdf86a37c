package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/example/image-analysis/internal/usecase"
	"github.com/example/image-analysis/internal/vision"
)

// MaxUploadSize bounds multipart image payloads.
const MaxUploadSize = 10 << 20

// Service identity reported by the health endpoint.
const (
	ServiceName    = "image-analysis-api"
	ServiceVersion = "1.0.0"
)

type analyzeURLRequest struct {
	URL string `json:"url"`
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, uc *usecase.AnalysisUseCase, authMiddleware gin.HandlerFunc) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": ServiceName,
			"version": ServiceVersion,
		})
	})

	protected := router.Group("/", authMiddleware)

	protected.POST("/analyze-image", func(c *gin.Context) {
		file, err := c.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"detail": "file field is required"})
			return
		}
		if file.Size > MaxUploadSize {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"detail": "file exceeds upload limit"})
			return
		}
		if contentType := file.Header.Get("Content-Type"); contentType != "" && !strings.HasPrefix(contentType, "image/") {
			c.JSON(http.StatusUnsupportedMediaType, gin.H{"detail": "file must be an image"})
			return
		}

		src, err := file.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"detail": "unable to open file"})
			return
		}
		defer src.Close()

		data, err := io.ReadAll(src)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"detail": "failed to read file"})
			return
		}
		if len(data) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"detail": "empty file"})
			return
		}

		requestID, predictions, err := uc.AnalyzeImage(c.Request.Context(), data)
		if err != nil {
			writeAnalysisError(c, err)
			return
		}

		c.Header("X-Request-Id", requestID)
		c.JSON(http.StatusOK, gin.H{"predictions": predictions})
	})

	protected.POST("/analyze-image-url", func(c *gin.Context) {
		var req analyzeURLRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"detail": "invalid JSON body"})
			return
		}
		if err := validateImageURL(req.URL); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
			return
		}

		requestID, predictions, err := uc.AnalyzeImageURL(c.Request.Context(), req.URL)
		if err != nil {
			writeAnalysisError(c, err)
			return
		}

		c.Header("X-Request-Id", requestID)
		c.JSON(http.StatusOK, gin.H{"predictions": predictions})
	})

	protected.GET("/result/:id", func(c *gin.Context) {
		requestID := c.Param("id")
		if requestID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"detail": "id is required"})
			return
		}

		log, err := uc.GetResult(c.Request.Context(), requestID)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"detail": "result not found"})
			return
		}

		var predictions []vision.Prediction
		if log.Predictions != "" {
			if err := json.Unmarshal([]byte(log.Predictions), &predictions); err != nil {
				predictions = nil
			}
		}

		c.JSON(http.StatusOK, gin.H{
			"request_id":     log.RequestID,
			"source":         log.Source,
			"success":        log.Success,
			"top_concept":    log.TopConcept,
			"top_confidence": log.TopConfidence,
			"predictions":    predictions,
			"created_at":     log.CreatedAt,
		})
	})

	protected.GET("/metrics", func(c *gin.Context) {
		summary, err := uc.GetMetricsSummary(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"detail": "failed to aggregate metrics"})
			return
		}
		c.JSON(http.StatusOK, summary)
	})
}

// validateImageURL requires an absolute http(s) URL before the provider sees it.
func validateImageURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return errors.New("url is required")
	}
	parsed, err := url.ParseRequestURI(raw)
	if err != nil {
		return errors.New("url is not well formed")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return errors.New("url scheme must be http or https")
	}
	if parsed.Host == "" {
		return errors.New("url host is required")
	}
	return nil
}

func writeAnalysisError(c *gin.Context, err error) {
	var provErr *vision.ProviderError
	if errors.As(err, &provErr) {
		c.JSON(http.StatusBadGateway, gin.H{"detail": provErr.Error()})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
}
