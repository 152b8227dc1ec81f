package audio

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intake/portal/internal/platform/auth"
	"github.com/intake/portal/internal/platform/blobstore"
	"github.com/intake/portal/internal/platform/transcribe"
)

type fakeTranscriber struct {
	gotExt   string
	gotAudio []byte
	res      *transcribe.Result
	err      error
}

func (f *fakeTranscriber) Transcribe(_ context.Context, audio io.Reader, ext string) (*transcribe.Result, error) {
	f.gotExt = ext
	f.gotAudio, _ = io.ReadAll(audio)
	return f.res, f.err
}

type fixture struct {
	h   *Handler
	mem *blobstore.MemoryStore
	tr  *fakeTranscriber
	e   *echo.Echo
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := blobstore.NewMemoryStore("gcs")
	router := blobstore.NewRouter(mem, nil, blobstore.RouterConfig{}, zerolog.Nop())
	tr := &fakeTranscriber{}
	h := NewHandler(router, tr, zerolog.Nop())
	h.now = func() time.Time { return time.UnixMilli(1767225600000) }
	return &fixture{h: h, mem: mem, tr: tr, e: echo.New()}
}

func (f *fixture) ctx(req *http.Request) (echo.Context, *httptest.ResponseRecorder) {
	rec := httptest.NewRecorder()
	return f.e.NewContext(req, rec), rec
}

func assertHTTPStatus(t *testing.T, err error, code int) {
	t.Helper()
	var he *echo.HTTPError
	require.True(t, errors.As(err, &he), "expected echo.HTTPError, got %v", err)
	assert.Equal(t, code, he.Code)
}

func TestOwner(t *testing.T) {
	tests := []struct {
		key   string
		owner string
		ok    bool
	}{
		{"u1/mood-1700000000000.webm", "u1", true},
		{"u1/nested/file.webm", "u1", true},
		{"/file.webm", "", false},
		{"u1/", "", false},
		{"file.webm", "", false},
		{"u1/../u2/file.webm", "", false},
	}
	for _, tt := range tests {
		owner, ok := Owner(tt.key)
		assert.Equal(t, tt.ok, ok, tt.key)
		assert.Equal(t, tt.owner, owner, tt.key)
	}
}

func TestStream(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.mem.Put(context.Background(), "u1/mood-1.webm", []byte("OggS-audio"), "audio/webm"))

	c, rec := f.ctx(httptest.NewRequest(http.MethodGet, "/api/audio?fileName=u1/mood-1.webm", nil))
	require.NoError(t, f.h.Stream(c))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OggS-audio", rec.Body.String())
	assert.Equal(t, "audio/webm", rec.Header().Get(echo.HeaderContentType))
	assert.Equal(t, "10", rec.Header().Get(echo.HeaderContentLength))
	assert.Equal(t, "private, max-age=3600", rec.Header().Get("Cache-Control"))
	assert.Equal(t, `inline; filename="mood-1.webm"`, rec.Header().Get(echo.HeaderContentDisposition))
	assert.Equal(t, "nosniff", rec.Header().Get(echo.HeaderXContentTypeOptions))
}

func TestStream_DefaultContentType(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.mem.Put(context.Background(), "u1/a", []byte("x"), ""))

	c, rec := f.ctx(httptest.NewRequest(http.MethodGet, "/api/audio?fileName=u1/a", nil))
	require.NoError(t, f.h.Stream(c))
	assert.Equal(t, blobstore.DefaultAudioContentType, rec.Header().Get(echo.HeaderContentType))
}

func TestStream_Errors(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		query string
		code  int
	}{
		{"", http.StatusBadRequest},
		{"?fileName=orphan.webm", http.StatusForbidden},
		{"?fileName=u1/missing.webm", http.StatusNotFound},
	}
	for _, tt := range tests {
		c, _ := f.ctx(httptest.NewRequest(http.MethodGet, "/api/audio"+tt.query, nil))
		assertHTTPStatus(t, f.h.Stream(c), tt.code)
	}
}

func multipartRequest(t *testing.T, fields map[string]string, filename, contentType string, data []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	if filename != "" {
		hdr := make(textproto.MIMEHeader)
		hdr.Set("Content-Disposition", `form-data; name="audio"; filename="`+filename+`"`)
		if contentType != "" {
			hdr.Set("Content-Type", contentType)
		}
		part, err := w.CreatePart(hdr)
		require.NoError(t, err)
		_, err = part.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/audio", &buf)
	req.Header.Set(echo.HeaderContentType, w.FormDataContentType())
	return req
}

func TestUpload(t *testing.T) {
	f := newFixture(t)
	req := multipartRequest(t, map[string]string{"userId": "u1", "fieldName": "mood"}, "clip.m4a", "", []byte("m4a-bytes"))

	c, rec := f.ctx(req)
	require.NoError(t, f.h.Upload(c))

	var res blobstore.UploadResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.Success)
	assert.Equal(t, "u1/mood-1767225600000.m4a", res.Key)
	assert.Equal(t, "gcs", res.Backend)

	_, info, err := f.mem.Get(context.Background(), res.Key)
	require.NoError(t, err)
	assert.Equal(t, blobstore.ContentTypeFor(".m4a"), info.ContentType)
}

func TestUpload_DefaultsFromSession(t *testing.T) {
	f := newFixture(t)

	// No userId field and no session subject leaves nothing to file under.
	req := multipartRequest(t, nil, "blob", "audio/webm", []byte("webm"))
	req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Claims{Email: "p@example.com"}))
	c, _ := f.ctx(req)
	assertHTTPStatus(t, f.h.Upload(c), http.StatusBadRequest)
	assert.Empty(t, f.mem.Keys())

	claims := &auth.Claims{Email: "p@example.com"}
	claims.Subject = "u7"
	req = multipartRequest(t, nil, "blob", "audio/webm", []byte("webm"))
	req = req.WithContext(auth.WithIdentity(req.Context(), claims))
	c, rec := f.ctx(req)
	require.NoError(t, f.h.Upload(c))
	assert.Contains(t, rec.Body.String(), `"key":"u7/recording-1767225600000.webm"`)
}

func TestUpload_Errors(t *testing.T) {
	f := newFixture(t)

	c, _ := f.ctx(multipartRequest(t, map[string]string{"userId": "u1"}, "", "", nil))
	assertHTTPStatus(t, f.h.Upload(c), http.StatusBadRequest)

	c, _ = f.ctx(multipartRequest(t, map[string]string{"userId": "../u2"}, "a.webm", "", []byte("x")))
	assertHTTPStatus(t, f.h.Upload(c), http.StatusBadRequest)

	c, _ = f.ctx(multipartRequest(t, map[string]string{"userId": "u1", "fieldName": "a/b"}, "a.webm", "", []byte("x")))
	assertHTTPStatus(t, f.h.Upload(c), http.StatusBadRequest)
}

func TestDelete(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.mem.Put(context.Background(), "u1/a.webm", []byte("x"), "audio/webm"))

	c, rec := f.ctx(httptest.NewRequest(http.MethodDelete, "/api/audio?fileName=u1/a.webm", nil))
	require.NoError(t, f.h.Delete(c))
	assert.Contains(t, rec.Body.String(), `"success":true`)
	assert.Empty(t, f.mem.Keys())

	c, _ = f.ctx(httptest.NewRequest(http.MethodDelete, "/api/audio?fileName=u1/a.webm", nil))
	assertHTTPStatus(t, f.h.Delete(c), http.StatusNotFound)
}

func jsonRequest(body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/transcribe", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	return req
}

func TestTranscribe(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.mem.Put(context.Background(), "u1/story.mp3", []byte("mp3"), "audio/mpeg"))
	f.tr.res = &transcribe.Result{
		Transcription: transcribe.Text{Text: "hola"},
		Translation:   &transcribe.Text{Text: "hello"},
	}

	c, rec := f.ctx(jsonRequest(`{"fileName":"u1/story.mp3"}`))
	require.NoError(t, f.h.Transcribe(c))

	assert.Equal(t, ".mp3", f.tr.gotExt)
	assert.Equal(t, "mp3", string(f.tr.gotAudio))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "u1/story.mp3", body["fileName"])
	assert.Equal(t, "hola", body["transcription"].(map[string]any)["text"])
	assert.Equal(t, "hello", body["translation"].(map[string]any)["text"])
}

func TestTranscribe_OmitsTranslationForEnglish(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.mem.Put(context.Background(), "u1/story", []byte("webm"), ""))
	f.tr.res = &transcribe.Result{Transcription: transcribe.Text{Text: "hello"}}

	c, rec := f.ctx(jsonRequest(`{"fileName":"u1/story"}`))
	require.NoError(t, f.h.Transcribe(c))
	assert.Equal(t, transcribe.DefaultExtension, f.tr.gotExt)
	assert.NotContains(t, rec.Body.String(), "translation")
}

func TestTranscribe_Errors(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.mem.Put(context.Background(), "u1/a.webm", []byte("x"), ""))

	c, _ := f.ctx(jsonRequest(`{}`))
	assertHTTPStatus(t, f.h.Transcribe(c), http.StatusBadRequest)

	c, _ = f.ctx(jsonRequest(`{"fileName":"u1/missing.webm"}`))
	assertHTTPStatus(t, f.h.Transcribe(c), http.StatusNotFound)

	f.tr.err = errors.New("python exited with status 1")
	c, _ = f.ctx(jsonRequest(`{"fileName":"u1/a.webm"}`))
	assertHTTPStatus(t, f.h.Transcribe(c), http.StatusInternalServerError)
}
