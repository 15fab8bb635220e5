package response

import (
	"time"

	"github.com/gin-gonic/gin"
)

// Response is the standardized API response envelope.
type Response struct {
	Data     interface{} `json:"data"`
	Error    *ErrorBody  `json:"error,omitempty"`
	Metadata Metadata    `json:"metadata"`
}

// ErrorBody represents a structured error response.
type ErrorBody struct {
	Code    ErrCode           `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// Metadata carries request tracing. ServerTime lets a client compare its
// clock with the store's; the client countdown stays authoritative.
type Metadata struct {
	RequestID  string `json:"request_id"`
	AttemptID  string `json:"attempt_id,omitempty"`
	Timestamp  string `json:"timestamp"`
	ServerTime int64  `json:"server_time_ms"`
}

// Success sends a successful JSON response with the given status code and data.
func Success(c *gin.Context, statusCode int, data interface{}) {
	write(c, statusCode, data, nil, false)
}

// Fail sends an error response with an error code and no field-level details.
func Fail(c *gin.Context, statusCode int, code ErrCode) {
	write(c, statusCode, nil, errorBody(code, nil), false)
}

// FailWithFields sends an error response with field-level validation details.
func FailWithFields(c *gin.Context, statusCode int, code ErrCode, fields map[string]string) {
	write(c, statusCode, nil, errorBody(code, fields), false)
}

// AbortFail aborts the middleware chain and sends an error response.
func AbortFail(c *gin.Context, statusCode int, code ErrCode) {
	write(c, statusCode, nil, errorBody(code, nil), true)
}

func errorBody(code ErrCode, fields map[string]string) *ErrorBody {
	return &ErrorBody{Code: code, Message: GetMessage(code), Fields: fields}
}

func write(c *gin.Context, statusCode int, data interface{}, errBody *ErrorBody, abort bool) {
	body := Response{Data: data, Error: errBody, Metadata: buildMetadata(c)}
	if abort {
		c.AbortWithStatusJSON(statusCode, body)
		return
	}
	c.JSON(statusCode, body)
}

func buildMetadata(c *gin.Context) Metadata {
	now := time.Now().UTC()
	id := c.GetString(ContextKeyRequestID)
	if id == "" {
		id = requestID(c)
	}
	return Metadata{
		RequestID:  id,
		AttemptID:  c.Param("attempt_id"),
		Timestamp:  now.Format(time.RFC3339),
		ServerTime: now.UnixMilli(),
	}
}
