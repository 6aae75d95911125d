package responses

import (
	"errors"

	"github.com/gin-gonic/gin"

	"relay-server/services/conversation-api/internal/utils/platformerrors"
)

// ErrorResponse represents an error response with platform error details
type ErrorResponse struct {
	Code          string `json:"code,omitempty"` // UUID from PlatformError
	Error         string `json:"error"`
	Message       string `json:"message,omitempty"`
	ErrorInstance error  `json:"-"`
	RequestID     string `json:"request_id,omitempty"`
}

// HandleError handles domain errors and returns appropriate HTTP responses
func HandleError(reqCtx *gin.Context, err error, message string) {
	var domainErr *platformerrors.PlatformError
	if errors.As(err, &domainErr) {
		statusCode := platformerrors.ErrorTypeToHTTPStatus(domainErr.GetErrorType())

		errResp := ErrorResponse{
			Code:          domainErr.GetUUID(),
			Error:         message,
			Message:       domainErr.Message,
			ErrorInstance: domainErr,
			RequestID:     domainErr.GetRequestID(),
		}

		reqCtx.AbortWithStatusJSON(statusCode, errResp)
		return
	}

	// Non-platform errors still map the lifecycle sentinels to stable
	// status codes before falling back to 500.
	wrapped := platformerrors.AsError(reqCtx.Request.Context(), platformerrors.LayerHandler, err, message)
	statusCode := platformerrors.ErrorTypeToHTTPStatus(wrapped.GetErrorType())
	reqCtx.AbortWithStatusJSON(statusCode, ErrorResponse{
		Code:          wrapped.GetUUID(),
		Error:         message,
		Message:       err.Error(),
		ErrorInstance: err,
	})
}

// HandleNewError creates a new typed error at the route layer and handles it
func HandleNewError(reqCtx *gin.Context, errorType platformerrors.ErrorType, message string, uuid string) {
	ctx := reqCtx.Request.Context()
	err := platformerrors.NewError(ctx, platformerrors.LayerRoute, errorType, message, nil, uuid)

	statusCode := platformerrors.ErrorTypeToHTTPStatus(err.GetErrorType())

	reqCtx.AbortWithStatusJSON(statusCode, ErrorResponse{
		Code:          err.GetUUID(),
		Error:         message,
		Message:       message,
		ErrorInstance: err,
		RequestID:     err.GetRequestID(),
	})
}
