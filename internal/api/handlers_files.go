package api

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dify2openai/difybridge/internal/openai"
	"github.com/dify2openai/difybridge/internal/translator"
)

// maxUploadBytes bounds in-memory file uploads.
const maxUploadBytes = 50 << 20

// handleFileUpload proxies a multipart upload to the mapped app and returns
// the OpenAI file object shape.
func (s *Server) handleFileUpload(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		abortError(c, openai.NewAPIError(http.StatusBadRequest,
			"A file form field is required", "invalid_request_error", "missing_file").Wrap(err))
		return
	}
	if fileHeader.Size > maxUploadBytes {
		abortError(c, openai.NewAPIError(http.StatusRequestEntityTooLarge,
			"File exceeds the upload size limit", "invalid_request_error", "file_too_large"))
		return
	}

	cfg := s.cfg.Current()
	model := c.PostForm("model")
	if model == "" {
		model = cfg.DefaultModel
	}
	if model == "" {
		abortError(c, openai.ErrMissingModel())
		return
	}
	mapping, ok := cfg.Resolve(model)
	if !ok {
		abortError(c, openai.ErrModelNotFound(model))
		return
	}

	src, err := fileHeader.Open()
	if err != nil {
		abortError(c, openai.ErrInternal("").Wrap(err))
		return
	}
	defer src.Close()

	data, err := io.ReadAll(io.LimitReader(src, maxUploadBytes+1))
	if err != nil {
		abortError(c, openai.ErrInternal("").Wrap(err))
		return
	}
	if int64(len(data)) > maxUploadBytes {
		abortError(c, openai.NewAPIError(http.StatusRequestEntityTooLarge,
			"File exceeds the upload size limit", "invalid_request_error", "file_too_large"))
		return
	}

	owner := translator.ResolveOwner(c.PostForm("user"), callerIdentity(c))
	client := s.pool.Get(model, mapping)

	uploaded, err := client.UploadFile(c.Request.Context(), data,
		fileHeader.Filename, fileHeader.Header.Get("Content-Type"), owner)
	if err != nil {
		abortError(c, translator.MapUpstreamError(model, err))
		return
	}

	c.JSON(http.StatusOK, openai.File{
		ID:        uploaded.ID,
		Object:    "file",
		Bytes:     uploaded.Size,
		CreatedAt: uploaded.CreatedAt,
		Filename:  uploaded.Name,
		Purpose:   c.DefaultPostForm("purpose", "assistants"),
	})
}
