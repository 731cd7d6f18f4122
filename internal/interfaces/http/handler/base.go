// Package handler contains the gin handlers of the billing API.
package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/meterline/backend/internal/domain/shared"
	"github.com/meterline/backend/internal/infrastructure/logger"
	"github.com/meterline/backend/internal/interfaces/http/dto"
	"github.com/meterline/backend/internal/interfaces/http/middleware"
	"go.uber.org/zap"
)

// BaseHandler provides common handler utilities
type BaseHandler struct{}

// Success sends a success response
func (h *BaseHandler) Success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, dto.NewSuccessResponse(data))
}

// Created sends a 201 created response
func (h *BaseHandler) Created(c *gin.Context, data any) {
	c.JSON(http.StatusCreated, dto.NewSuccessResponse(data))
}

// Accepted sends a 202 accepted response
func (h *BaseHandler) Accepted(c *gin.Context, data any) {
	c.JSON(http.StatusAccepted, dto.NewSuccessResponse(data))
}

// ErrorWithCode sends an error response, deriving status code from error code
func (h *BaseHandler) ErrorWithCode(c *gin.Context, code, message string) {
	c.Set(middleware.ErrorCodeKey, code)
	c.JSON(dto.GetHTTPStatus(code), dto.NewErrorResponseWithRequestID(code, message, middleware.GetRequestID(c)))
}

// BadRequest sends a 400 bad request response
func (h *BaseHandler) BadRequest(c *gin.Context, message string) {
	h.ErrorWithCode(c, dto.ErrCodeBadRequest, message)
}

// BindError writes the response for a failed ShouldBind call
func (h *BaseHandler) BindError(c *gin.Context, err error) {
	c.Set(middleware.ErrorCodeKey, dto.ErrCodeValidation)
	middleware.HandleValidationError(c, err)
}

// HandleError converts domain and infrastructure errors to HTTP responses
func (h *BaseHandler) HandleError(c *gin.Context, err error) {
	if err == nil {
		return
	}

	var domainErr *shared.DomainError
	if errors.As(err, &domainErr) {
		code := dto.NormalizeErrorCode(domainErr.Code)
		if code == dto.ErrCodeInternal {
			h.internalError(c, err)
			return
		}
		h.ErrorWithCode(c, code, domainErr.Message)
		return
	}

	if errors.Is(err, context.DeadlineExceeded) {
		logger.GetGinLogger(c).Warn("Request timed out", zap.Error(err))
		c.Set(middleware.ErrorCodeKey, dto.ErrCodeUnavailable)
		c.JSON(http.StatusGatewayTimeout, dto.NewErrorResponseWithRequestID(
			dto.ErrCodeUnavailable, "Request timed out", middleware.GetRequestID(c)))
		return
	}

	h.internalError(c, err)
}

func (h *BaseHandler) internalError(c *gin.Context, err error) {
	logger.GetGinLogger(c).Error("Request failed", zap.Error(err))
	h.ErrorWithCode(c, dto.ErrCodeInternal, "An unexpected error occurred")
}
