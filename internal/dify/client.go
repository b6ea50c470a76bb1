package dify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"regexp"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/tidwall/gjson"

	"github.com/dify2openai/difybridge/internal/config"
	"github.com/dify2openai/difybridge/internal/json"
	log "github.com/dify2openai/difybridge/internal/logging"
	"github.com/dify2openai/difybridge/internal/resilience"
	"github.com/dify2openai/difybridge/internal/streamutil"
)

const (
	chatMessagesPath       = "/v1/chat-messages"
	completionMessagesPath = "/v1/completion-messages"
	fileUploadPath         = "/v1/files/upload"
)

// Client issues HTTP calls to one Dify application. Construct via a Pool so
// circuit breakers persist across requests for the same model.
type Client struct {
	model   string
	mapping *config.ModelMapping

	http        *http.Client
	breaker     *resilience.Breaker
	streaming   *resilience.StreamingBreaker
	idleTimeout time.Duration
}

// NewClient builds a client for the mapped application. idleTimeout governs
// streaming bodies; blocking calls use the fixed resilience timeout.
func NewClient(model string, mapping *config.ModelMapping, idleTimeout time.Duration) *Client {
	isSuccessful := func(err error) bool {
		if err == nil {
			return true
		}
		// Error bodies are the app talking; only transport failures and
		// 5xx responses should trip the breaker.
		if ue, ok := AsUpstreamError(err); ok {
			return ue.Status < 500
		}
		return false
	}
	breakerCfg := resilience.DefaultBreakerConfig(mapping.AppName)
	breakerCfg.IsSuccessful = isSuccessful
	return &Client{
		model:       model,
		mapping:     mapping,
		http:        &http.Client{Transport: resilience.SharedTransport()},
		breaker:     resilience.NewBreaker(breakerCfg),
		streaming:   resilience.NewStreamingBreaker(breakerCfg),
		idleTimeout: idleTimeout,
	}
}

// Model returns the gateway-visible model name this client serves.
func (c *Client) Model() string { return c.model }

// Mapping returns the underlying application mapping.
func (c *Client) Mapping() *config.ModelMapping { return c.mapping }

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.mapping.BaseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.mapping.APIKey)
	req.Header.Set("Accept-Encoding", "gzip, br")
	return req, nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return resp, nil
}

// decodeBody wraps resp.Body with a decompressor when the upstream compressed
// the response.
func decodeBody(resp *http.Response) (io.ReadCloser, error) {
	switch resp.Header.Get("Content-Encoding") {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("gzip response: %w", err)
		}
		return &wrappedBody{Reader: gz, closer: resp.Body}, nil
	case "br":
		return &wrappedBody{Reader: brotli.NewReader(resp.Body), closer: resp.Body}, nil
	default:
		return resp.Body, nil
	}
}

type wrappedBody struct {
	io.Reader
	closer io.Closer
}

func (w *wrappedBody) Close() error { return w.closer.Close() }

// readError drains an error response into an UpstreamError. Error bodies
// vary between Dify versions, so the fields are probed rather than decoded
// into a fixed shape.
func readError(resp *http.Response) error {
	body, _ := decodeBody(resp)
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(body, 64<<10))

	ue := &UpstreamError{Status: resp.StatusCode, Body: raw}
	if gjson.ValidBytes(raw) {
		ue.Code = gjson.GetBytes(raw, "code").String()
		ue.Message = gjson.GetBytes(raw, "message").String()
		if ue.Message == "" {
			ue.Message = gjson.GetBytes(raw, "error.message").String()
		}
	}
	if ue.Message == "" {
		ue.Message = http.StatusText(resp.StatusCode)
	}
	return ue
}

// SendChat issues a blocking chat call.
func (c *Client) SendChat(ctx context.Context, payload *ChatPayload) (*ChatResponse, error) {
	payload.ResponseMode = ModeBlocking
	return c.sendBlocking(ctx, chatMessagesPath, payload)
}

// SendCompletion issues a blocking completion call.
func (c *Client) SendCompletion(ctx context.Context, payload *ChatPayload) (*ChatResponse, error) {
	payload.ResponseMode = ModeBlocking
	return c.sendBlocking(ctx, completionMessagesPath, payload)
}

func (c *Client) sendBlocking(ctx context.Context, path string, payload *ChatPayload) (*ChatResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, resilience.BlockingCallTimeout)
	defer cancel()

	result, err := c.breaker.Execute(func() (any, error) {
		resp, errDo := c.postJSON(ctx, path, payload)
		if errDo != nil {
			return nil, errDo
		}
		if resp.StatusCode != http.StatusOK {
			return nil, readError(resp)
		}
		body, errBody := decodeBody(resp)
		if errBody != nil {
			resp.Body.Close()
			return nil, errBody
		}
		defer resp.Body.Close()

		var out ChatResponse
		if errDec := json.NewDecoder(body).Decode(&out); errDec != nil {
			return nil, fmt.Errorf("decode blocking response: %w", errDec)
		}
		return &out, nil
	})
	if err != nil {
		if resilience.IsBreakerOpen(err) {
			return nil, fmt.Errorf("%w: circuit open for %s", ErrUnavailable, c.mapping.AppName)
		}
		return nil, err
	}
	return result.(*ChatResponse), nil
}

// StreamChat issues a streaming chat call and returns the raw SSE body,
// wrapped for idle detection and context cancellation, plus a done callback
// that must be invoked with the stream's final outcome.
func (c *Client) StreamChat(ctx context.Context, payload *ChatPayload) (io.ReadCloser, func(success bool), error) {
	payload.ResponseMode = ModeStreaming

	done, err := c.streaming.Allow()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: circuit open for %s", ErrUnavailable, c.mapping.AppName)
	}

	resp, err := c.postJSON(ctx, chatMessagesPath, payload)
	if err != nil {
		done(false)
		return nil, nil, err
	}
	if resp.StatusCode != http.StatusOK {
		errUp := readError(resp)
		// Capability rejections are the app's answer, not its failure.
		done(!IsBlockingUnsupported(errUp))
		return nil, nil, errUp
	}

	body, err := decodeBody(resp)
	if err != nil {
		resp.Body.Close()
		done(false)
		return nil, nil, err
	}
	reader := streamutil.NewReader(ctx, body, c.idleTimeout, c.mapping.AppName)
	return reader, done, nil
}

// StopTask asks the app to stop an in-flight generation. A 404 surfaces as
// an UpstreamError the caller should treat as "already finished or unknown".
func (c *Client) StopTask(ctx context.Context, taskID, user string) (*StopResult, error) {
	ctx, cancel := context.WithTimeout(ctx, resilience.BlockingCallTimeout)
	defer cancel()

	resp, err := c.postJSON(ctx, chatMessagesPath+"/"+taskID+"/stop", map[string]string{"user": user})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, readError(resp)
	}
	defer resp.Body.Close()

	var out StopResult
	if err = json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode stop response: %w", err)
	}
	return &out, nil
}

// UploadFile pushes raw file bytes to the app and returns its descriptor.
func (c *Client) UploadFile(ctx context.Context, data []byte, filename, mimeType, user string) (*UploadResponse, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return nil, err
	}
	if _, err = part.Write(data); err != nil {
		return nil, err
	}
	if err = w.WriteField("user", user); err != nil {
		return nil, err
	}
	if err = w.Close(); err != nil {
		return nil, err
	}

	req, err := c.newRequest(ctx, http.MethodPost, fileUploadPath, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, readError(resp)
	}
	defer resp.Body.Close()

	var out UploadResponse
	if err = json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode upload response: %w", err)
	}
	log.Debugf("%s: uploaded %s (%d bytes) as %s", c.mapping.AppName, filename, len(data), out.ID)
	return &out, nil
}

var dataURIPattern = regexp.MustCompile(`^data:image/([a-zA-Z]+);base64,(.+)$`)

// UploadDataURI decodes a base64 data: image URI, uploads it, and returns
// the assigned file id.
func (c *Client) UploadDataURI(ctx context.Context, uri, user string) (string, error) {
	matches := dataURIPattern.FindStringSubmatch(uri)
	if matches == nil {
		return "", fmt.Errorf("invalid base64 image data URI")
	}
	imageType := matches[1]
	raw, err := decodeBase64(matches[2])
	if err != nil {
		return "", fmt.Errorf("decode base64 image: %w", err)
	}
	filename := fmt.Sprintf("image_%d.%s", time.Now().UnixMilli(), imageType)
	uploaded, err := c.UploadFile(ctx, raw, filename, "image/"+imageType, user)
	if err != nil {
		return "", err
	}
	return uploaded.ID, nil
}

// CheckReachable probes the app endpoint. Failure is a degraded-health
// signal, never an error for the caller.
func (c *Client) CheckReachable(ctx context.Context) bool {
	err := resilience.RunProbe(func() error {
		req, errReq := c.newRequest(ctx, http.MethodGet, "/", nil)
		if errReq != nil {
			return errReq
		}
		resp, errDo := c.http.Do(req)
		if errDo != nil {
			return errDo
		}
		resp.Body.Close()
		return nil
	})
	if err != nil {
		log.Debugf("%s: reachability probe failed: %v", c.mapping.AppName, err)
		return false
	}
	return true
}
