// Package dify implements the outbound interface to Dify applications: the
// wire payloads, the typed streaming event model, and the HTTP client for
// chat, completion, file-upload, and stop calls.
package dify

// ResponseMode selects blocking or streaming on the Dify side.
type ResponseMode string

const (
	ModeBlocking  ResponseMode = "blocking"
	ModeStreaming ResponseMode = "streaming"
)

// FileRef references a file inside a chat payload, either by the id of a
// prior upload or by an externally hosted URL.
type FileRef struct {
	Type           string `json:"type"`
	TransferMethod string `json:"transfer_method"`
	UploadFileID   string `json:"upload_file_id,omitempty"`
	URL            string `json:"url,omitempty"`
}

// TransferMethod values for FileRef.
const (
	TransferLocalFile = "local_file"
	TransferRemoteURL = "remote_url"
)

// ChatPayload is the body of POST /v1/chat-messages and
// POST /v1/completion-messages.
type ChatPayload struct {
	Inputs       map[string]any `json:"inputs"`
	Query        string         `json:"query"`
	ResponseMode ResponseMode   `json:"response_mode"`
	User         string         `json:"user"`

	// ConversationID continues an existing thread. It must be omitted
	// entirely, not sent empty, to start a new conversation.
	ConversationID string `json:"conversation_id,omitempty"`

	Files []FileRef `json:"files,omitempty"`
}

// Usage is the token accounting block Dify reports in metadata.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Metadata is the trailing metadata of a blocking response or message_end.
type Metadata struct {
	Usage *Usage `json:"usage,omitempty"`
}

// ChatResponse is the blocking response of /v1/chat-messages and
// /v1/completion-messages.
type ChatResponse struct {
	Answer         string    `json:"answer"`
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id"`
	TaskID         string    `json:"task_id,omitempty"`
	Metadata       *Metadata `json:"metadata,omitempty"`
}

// UploadResponse is the result of POST /v1/files/upload.
type UploadResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Size      int64  `json:"size"`
	Extension string `json:"extension"`
	MimeType  string `json:"mime_type"`
	CreatedBy string `json:"created_by"`
	CreatedAt int64  `json:"created_at"`
}

// StopResult acknowledges POST /v1/chat-messages/:task_id/stop.
type StopResult struct {
	Result string `json:"result"`
}
