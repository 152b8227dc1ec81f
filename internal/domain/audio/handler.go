// Package audio streams, uploads and transcribes intake voice recordings
// held behind the storage router.
package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/intake/portal/internal/platform/auth"
	"github.com/intake/portal/internal/platform/blobstore"
	"github.com/intake/portal/internal/platform/transcribe"
)

// maxUploadBytes bounds a single recording.
const maxUploadBytes = 50 << 20

// Storage is the subset of blobstore.Router used here.
type Storage interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) (*blobstore.UploadResult, error)
	Download(ctx context.Context, key string) ([]byte, blobstore.ObjectInfo, error)
	Open(ctx context.Context, key string) (io.ReadCloser, blobstore.ObjectInfo, error)
	Delete(ctx context.Context, key string) error
}

type Transcriber interface {
	Transcribe(ctx context.Context, audio io.Reader, ext string) (*transcribe.Result, error)
}

type Handler struct {
	store       Storage
	transcriber Transcriber
	logger      zerolog.Logger
	now         func() time.Time
}

func NewHandler(store Storage, transcriber Transcriber, logger zerolog.Logger) *Handler {
	return &Handler{
		store:       store,
		transcriber: transcriber,
		logger:      logger.With().Str("component", "audio").Logger(),
		now:         time.Now,
	}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/audio", h.Stream)
	api.POST("/audio", h.Upload)
	api.DELETE("/audio", h.Delete)
	api.POST("/transcribe", h.Transcribe)
}

// Owner returns the owner segment of an object key shaped
// "<owner>/<file>". ok is false for any other shape.
func Owner(key string) (owner string, ok bool) {
	owner, file, found := strings.Cut(key, "/")
	if !found || owner == "" || file == "" || strings.Contains(key, "..") {
		return "", false
	}
	return owner, true
}

func requireKey(raw string) (string, error) {
	key := strings.TrimSpace(raw)
	if key == "" {
		return "", echo.NewHTTPError(http.StatusBadRequest, "fileName parameter required")
	}
	if _, ok := Owner(key); !ok {
		return "", echo.NewHTTPError(http.StatusForbidden, "Unauthorized to access this file")
	}
	return key, nil
}

func (h *Handler) storageError(err error, key, op string) error {
	if errors.Is(err, blobstore.ErrObjectNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "File not found")
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "Failed to "+op+" audio").
		SetInternal(fmt.Errorf("%s %s: %w", op, key, err))
}

// Stream copies the object to the client with its stored content type.
func (h *Handler) Stream(c echo.Context) error {
	key, err := requireKey(c.QueryParam("fileName"))
	if err != nil {
		return err
	}

	body, info, err := h.store.Open(c.Request().Context(), key)
	if err != nil {
		return h.storageError(err, key, "stream")
	}
	defer body.Close()

	contentType := info.ContentType
	if contentType == "" {
		contentType = blobstore.DefaultAudioContentType
	}

	hdr := c.Response().Header()
	if info.Size > 0 {
		hdr.Set(echo.HeaderContentLength, strconv.FormatInt(info.Size, 10))
	}
	hdr.Set("Cache-Control", "private, max-age=3600")
	hdr.Set(echo.HeaderContentDisposition, fmt.Sprintf("inline; filename=%q", path.Base(key)))
	hdr.Set(echo.HeaderXContentTypeOptions, "nosniff")

	h.logger.Debug().Str("key", key).Int64("size", info.Size).Msg("streaming audio")
	return c.Stream(http.StatusOK, contentType, body)
}

// Upload stores a multipart "audio" file under
// "<userId>/<fieldName>-<unix millis><ext>". userId defaults to the
// session subject and fieldName to "recording".
func (h *Handler) Upload(c echo.Context) error {
	fh, err := c.FormFile("audio")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "audio file required")
	}
	if fh.Size > maxUploadBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "audio file too large")
	}

	ctx := c.Request().Context()
	owner := strings.TrimSpace(c.FormValue("userId"))
	if owner == "" {
		owner = auth.UserIDFromContext(ctx)
	}
	if owner == "" || strings.ContainsAny(owner, "/.") {
		return echo.NewHTTPError(http.StatusBadRequest, "userId is required")
	}
	field := strings.TrimSpace(c.FormValue("fieldName"))
	if field == "" {
		field = "recording"
	}
	if strings.ContainsAny(field, "/.") {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid fieldName")
	}

	f, err := fh.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable audio file")
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxUploadBytes+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable audio file")
	}
	if len(data) > maxUploadBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "audio file too large")
	}

	key := fmt.Sprintf("%s/%s-%d%s", owner, field, h.now().UnixMilli(), transcribe.ExtensionFor(fh.Filename))
	contentType := fh.Header.Get(echo.HeaderContentType)
	if contentType == "" || contentType == echo.MIMEOctetStream {
		contentType = blobstore.ContentTypeFor(key)
	}

	res, err := h.store.Upload(ctx, key, data, contentType)
	if err != nil {
		return h.storageError(err, key, "upload")
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) Delete(c echo.Context) error {
	key, err := requireKey(c.QueryParam("fileName"))
	if err != nil {
		return err
	}
	if err := h.store.Delete(c.Request().Context(), key); err != nil {
		return h.storageError(err, key, "delete")
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true, "fileName": key})
}

type transcribeRequest struct {
	FileName string `json:"fileName"`
}

type transcribeResponse struct {
	FileName      string           `json:"fileName"`
	Transcription transcribe.Text  `json:"transcription"`
	Translation   *transcribe.Text `json:"translation,omitempty"`
}

// Transcribe reads the recording through the storage router and runs it
// through the speech-to-text script.
func (h *Handler) Transcribe(c echo.Context) error {
	var req transcribeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	key, err := requireKey(req.FileName)
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	data, _, err := h.store.Download(ctx, key)
	if err != nil {
		return h.storageError(err, key, "fetch")
	}

	start := h.now()
	res, err := h.transcriber.Transcribe(ctx, bytes.NewReader(data), transcribe.ExtensionFor(key))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to transcribe audio").SetInternal(err)
	}
	h.logger.Info().Str("key", key).Int("bytes", len(data)).
		Dur("elapsed", h.now().Sub(start)).
		Bool("translated", res.Translation != nil).
		Msg("transcription complete")

	return c.JSON(http.StatusOK, transcribeResponse{
		FileName:      key,
		Transcription: res.Transcription,
		Translation:   res.Translation,
	})
}
