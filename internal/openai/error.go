package openai

// ErrorDetail is the inner error object of the OpenAI error envelope.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// ErrorResponse is the standard error envelope.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// APIError is an error that knows its HTTP status and OpenAI envelope shape.
type APIError struct {
	Status  int
	Detail  ErrorDetail
	wrapped error
}

func (e *APIError) Error() string {
	if e.wrapped != nil {
		return e.Detail.Message + ": " + e.wrapped.Error()
	}
	return e.Detail.Message
}

func (e *APIError) Unwrap() error { return e.wrapped }

// Envelope returns the wire representation.
func (e *APIError) Envelope() ErrorResponse {
	return ErrorResponse{Error: e.Detail}
}

// NewAPIError builds an APIError with the given status and envelope fields.
func NewAPIError(status int, message, errType, code string) *APIError {
	return &APIError{
		Status: status,
		Detail: ErrorDetail{Message: message, Type: errType, Code: code},
	}
}

// WithDetails attaches a free-form details payload.
func (e *APIError) WithDetails(details any) *APIError {
	e.Detail.Details = details
	return e
}

// Wrap records an underlying cause without changing the envelope.
func (e *APIError) Wrap(err error) *APIError {
	e.wrapped = err
	return e
}

// Common client errors.
func ErrInvalidMessages() *APIError {
	return NewAPIError(400, "Messages are required and must be a non-empty array",
		"invalid_request_error", "invalid_messages")
}

func ErrMissingModel() *APIError {
	return NewAPIError(400, "Model parameter is required",
		"invalid_request_error", "missing_model")
}

func ErrInvalidPrompt() *APIError {
	return NewAPIError(400, "Prompt is required",
		"invalid_request_error", "invalid_prompt")
}

func ErrModelNotFound(model string) *APIError {
	return NewAPIError(400, "Model '"+model+"' not found in configuration",
		"invalid_request_error", "model_not_found")
}

// ErrStreamingRequired tells the caller to retry with stream:true because the
// mapped Dify app only supports streaming mode.
func ErrStreamingRequired(model string, details any) *APIError {
	return NewAPIError(400,
		"Model '"+model+"' only supports streaming mode. Please set \"stream\": true in your request.",
		"invalid_request_error", "streaming_required").WithDetails(details)
}

func ErrTaskNotFound(taskID string) *APIError {
	return NewAPIError(404, "Task "+taskID+" not found or already completed",
		"not_found_error", "task_not_found")
}

func ErrServiceUnavailable() *APIError {
	return NewAPIError(503, "Service temporarily unavailable",
		"api_error", "service_unavailable")
}

func ErrInternal(message string) *APIError {
	if message == "" {
		message = "Internal server error"
	}
	return NewAPIError(500, message, "api_error", "internal_error")
}
