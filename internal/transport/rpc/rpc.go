// Package rpc exposes the Orchestrator Service over a JSON-RPC 2.0 HTTP
// envelope (spec.md §6): one POST endpoint, method dispatch by name, and
// the numeric error-code space of apperrors.
package rpc

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/orchestrator/internal/apperrors"
	"github.com/kandev/orchestrator/internal/common/constants"
	"github.com/kandev/orchestrator/internal/common/httpmw"
	"github.com/kandev/orchestrator/internal/common/logger"
	"github.com/kandev/orchestrator/internal/orchestrator/service"
)

// Request is a JSON-RPC 2.0 request envelope.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      json.RawMessage `json:"id"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Response is a JSON-RPC 2.0 response envelope; exactly one of Result or
// Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

// Handler dispatches JSON-RPC requests to the nine orchestrator operations.
type Handler struct {
	svc    *service.Service
	logger *logger.Logger
}

// NewHandler constructs a Handler bound to svc.
func NewHandler(svc *service.Service, log *logger.Logger) *Handler {
	return &Handler{svc: svc, logger: log.WithFields(zap.String("component", "rpc"))}
}

// Register mounts the JSON-RPC endpoint and a plain health check on router.
func Register(router *gin.Engine, svc *service.Service, log *logger.Logger) {
	h := NewHandler(svc, log)
	router.Use(httpmw.RequestLogger(log, "rpc"))
	router.POST("/rpc", h.ServeRPC)
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}

// ServeRPC is the single entry point: decode envelope, dispatch by method,
// encode result or error.
func (h *Handler) ServeRPC(c *gin.Context) {
	var req Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusOK, Response{
			JSONRPC: "2.0",
			Error:   &Error{Code: apperrors.New(apperrors.KindInvalidInput, "malformed envelope: %v", err).RPCCode(), Message: err.Error()},
		})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), constants.RPCRequestTimeout)
	defer cancel()

	result, err := h.dispatch(ctx, req.Method, req.Params)
	if err != nil {
		h.logger.Warn("rpc call failed", zap.String("method", req.Method), zap.Error(err))
		c.JSON(http.StatusOK, Response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   toRPCError(err),
		})
		return
	}

	c.JSON(http.StatusOK, Response{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result:  result,
	})
}

func toRPCError(err error) *Error {
	var appErr *apperrors.Error
	if e, ok := err.(*apperrors.Error); ok {
		appErr = e
	} else {
		appErr = apperrors.New(apperrors.KindInternal, "%v", err)
	}
	return &Error{Code: appErr.RPCCode(), Message: appErr.Error()}
}
