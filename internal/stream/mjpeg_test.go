package stream

import (
	"context"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_Snapshot(t *testing.T) {
	m := NewManager(Live, Annotated)

	rec := httptest.NewRecorder()
	m.ServeSnapshot(rec, httptest.NewRequest(http.MethodGet, "/video/live/snapshot", nil), Live)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	m.Publish(Live, []byte("jpeg-1"))
	m.Publish(Live, []byte("jpeg-2"))

	rec = httptest.NewRecorder()
	m.ServeSnapshot(rec, httptest.NewRequest(http.MethodGet, "/video/live/snapshot", nil), Live)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
	assert.Equal(t, "jpeg-2", rec.Body.String())

	_, seq := m.Stream(Live).CurrentFrame()
	assert.Equal(t, uint64(2), seq)

	rec = httptest.NewRecorder()
	m.ServeSnapshot(rec, httptest.NewRequest(http.MethodGet, "/video/nope/snapshot", nil), "nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// readPart reads one frame by its Content-Length. The part's closing boundary
// is only written with the next frame, so reading to EOF would block.
func readPart(t *testing.T, reader *multipart.Reader) (*multipart.Part, string) {
	t.Helper()
	part, err := reader.NextPart()
	require.NoError(t, err)
	n, err := strconv.Atoi(part.Header.Get("Content-Length"))
	require.NoError(t, err)
	body := make([]byte, n)
	_, err = io.ReadFull(part, body)
	require.NoError(t, err)
	return part, string(body)
}

func TestManager_ServeStream(t *testing.T) {
	m := NewManager(Live)
	m.Publish(Live, []byte("first"))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.ServeStream(w, r, Live)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	require.NoError(t, err)
	assert.Equal(t, "multipart/x-mixed-replace", mediaType)

	reader := multipart.NewReader(resp.Body, params["boundary"])

	_, body := readPart(t, reader)
	assert.Equal(t, "first", body)

	require.Eventually(t, func() bool { return m.HasClients(Live) }, 2*time.Second, 10*time.Millisecond)
	m.Publish(Live, []byte("second"))

	part, body := readPart(t, reader)
	assert.Equal(t, "image/jpeg", part.Header.Get("Content-Type"))
	assert.Equal(t, "second", body)

	m.Close()
	assert.False(t, m.HasClients(Live))
}

func TestManager_UnknownStream(t *testing.T) {
	m := NewManager(Live)
	rec := httptest.NewRecorder()
	m.ServeStream(rec, httptest.NewRequest(http.MethodGet, "/video/other", nil), "other")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.False(t, m.HasClients("other"))
	m.Publish("other", []byte("ignored"))
}
