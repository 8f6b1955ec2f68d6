package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/bushub/pkg/bus"
	"github.com/menta2k/bushub/pkg/editor"
	"github.com/menta2k/bushub/pkg/persist"
	"github.com/menta2k/bushub/pkg/types"
	"github.com/menta2k/bushub/pkg/workflow"
)

type stubSaver struct {
	result persist.Result
	calls  int
}

func (s *stubSaver) Save(ctx context.Context, req persist.Request) (persist.Result, error) {
	s.calls++
	return s.result, nil
}

func planPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 40, 20))
	for y := 0; y < 20; y++ {
		for x := 0; x < 40; x++ {
			c := color.NRGBA{245, 240, 220, 255}
			if x%10 == 0 || y%10 == 0 {
				c = color.NRGBA{20, 160, 60, 255}
			}
			img.SetNRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func newTestServer(t *testing.T, saver *stubSaver) (*httptest.Server, *bus.Bus) {
	t.Helper()
	b := bus.NewMemory(nil)
	t.Cleanup(func() { b.Close() })
	orch := workflow.New(workflow.Options{Bus: b, Saver: saver})
	srv := httptest.NewServer(New(orch, b, 0, nil).Handler())
	t.Cleanup(srv.Close)
	return srv, b
}

func call(t *testing.T, srv *httptest.Server, method, path string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, srv.URL+path, rd)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func uploadMultipart(t *testing.T, srv *httptest.Server, filename string, data []byte) *http.Response {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if data != nil {
		part, err := mw.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = part.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	resp, err := srv.Client().Post(srv.URL+"/api/segmentation/upload", mw.FormDataContentType(), &body)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestFullWorkflowOverHTTP(t *testing.T) {
	saver := &stubSaver{result: persist.Ok{MarketID: "77"}}
	srv, b := newTestServer(t, saver)
	center := types.LatLng{Lat: 42, Lng: 11}

	resp := call(t, srv, http.MethodPost, "/api/start", startRequest{Name: "Mercato", Location: "Firenze"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = uploadMultipart(t, srv, "plan.png", planPNG(t))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	art := decodeBody[artifactView](t, resp)
	assert.Equal(t, 40, art.Width)
	assert.Greater(t, art.KeptRatio, 0.0)

	resp = call(t, srv, http.MethodPost, "/api/segmentation/rotate", rotateRequest{Degrees: 90})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	art = decodeBody[artifactView](t, resp)
	assert.Equal(t, 20, art.Width)
	assert.Equal(t, types.Rotate90, art.Rotation)

	resp = call(t, srv, http.MethodGet, "/api/segmentation/artifact", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "stalls_transparent.png")

	resp = call(t, srv, http.MethodPost, "/api/segmentation/complete", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = call(t, srv, http.MethodPost, "/api/placement/start", center)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	view := decodeBody[placementView](t, resp)
	assert.Equal(t, "idle", view.Mode)
	assert.NotEqual(t, view.Bounds[0], view.Bounds[2])

	resp = call(t, srv, http.MethodPut, "/api/placement/mode", modeRequest{Mode: "adding_stall"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = call(t, srv, http.MethodPost, "/api/placement/click", center)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	eff := decodeBody[editor.Effect](t, resp)
	assert.Equal(t, editor.EffectStallCreated, eff.Kind)

	resp = call(t, srv, http.MethodPatch, "/api/placement/stalls/"+eff.ID, map[string]any{"width_m": 6.0})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 6.0, decodeBody[types.Stall](t, resp).WidthM)

	resp = call(t, srv, http.MethodPost, "/api/placement/stalls/"+eff.ID+"/toggle", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, types.StallOccupied, decodeBody[types.Stall](t, resp).Status)

	resp = call(t, srv, http.MethodGet, "/api/placement/export", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	doc := decodeBody[map[string]any](t, resp)
	assert.Contains(t, doc, "stalls_geojson")
	assert.Contains(t, doc, "container")

	resp = call(t, srv, http.MethodPost, "/api/placement/complete", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = call(t, srv, http.MethodPost, "/api/persist", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, map[string]string{"market_id": "77"}, decodeBody[map[string]string](t, resp))

	keys, err := b.ListKeys(t.Context())
	require.NoError(t, err)
	assert.Empty(t, keys)

	resp = call(t, srv, http.MethodGet, "/api/state", nil)
	st := decodeBody[stateResponse](t, resp)
	assert.Equal(t, types.StageDone, st.Workflow.Stage)
	assert.Equal(t, "77", st.Workflow.MarketID)
	assert.Equal(t, "primary", st.BusTier)
}

func TestStageOrderIsConflict(t *testing.T) {
	srv, _ := newTestServer(t, &stubSaver{})

	resp := call(t, srv, http.MethodPost, "/api/segmentation/complete", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	body := decodeBody[errorResponse](t, resp)
	assert.Equal(t, "Complete the previous step first.", body.Error)

	resp = call(t, srv, http.MethodGet, "/api/placement", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestUploadEdgeCases(t *testing.T) {
	srv, _ := newTestServer(t, &stubSaver{})
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodPost, "/api/start", startRequest{Name: "M", Location: "L"}).StatusCode)

	// no file is a no-op
	resp := uploadMultipart(t, srv, "", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = uploadMultipart(t, srv, "notes.txt", []byte("just some text"))
	assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)

	// raw body upload
	resp, err := srv.Client().Post(srv.URL+"/api/segmentation/upload?filename=plan.png", "image/png", bytes.NewReader(planPNG(t)))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestInvalidBodies(t *testing.T) {
	srv, _ := newTestServer(t, &stubSaver{})

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/start", strings.NewReader(`{"name":`))
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = call(t, srv, http.MethodPost, "/api/start", map[string]string{"name": "M", "location": "L", "extra": "x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = call(t, srv, http.MethodPost, "/api/start", startRequest{Name: "", Location: "L"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServerRefusalIsBadGateway(t *testing.T) {
	saver := &stubSaver{result: persist.Err{Message: "Mercato già esistente"}}
	srv, _ := newTestServer(t, saver)
	center := types.LatLng{Lat: 42, Lng: 11}

	call(t, srv, http.MethodPost, "/api/start", startRequest{Name: "M", Location: "L"})
	uploadMultipart(t, srv, "plan.png", planPNG(t))
	call(t, srv, http.MethodPost, "/api/segmentation/complete", nil)
	call(t, srv, http.MethodPost, "/api/placement/start", center)
	call(t, srv, http.MethodPut, "/api/placement/mode", modeRequest{Mode: "adding_stall"})
	call(t, srv, http.MethodPost, "/api/placement/click", center)
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodPost, "/api/placement/complete", nil).StatusCode)

	resp := call(t, srv, http.MethodPost, "/api/persist", nil)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, "Mercato già esistente", decodeBody[errorResponse](t, resp).Error)

	// still in the persist stage, a retry reaches the server again
	call(t, srv, http.MethodPost, "/api/persist", nil)
	assert.Equal(t, 2, saver.calls)
}

func TestProjectExportImport(t *testing.T) {
	srv, _ := newTestServer(t, &stubSaver{})
	center := types.LatLng{Lat: 42, Lng: 11}
	call(t, srv, http.MethodPost, "/api/start", startRequest{Name: "M", Location: "L"})
	uploadMultipart(t, srv, "plan.png", planPNG(t))
	call(t, srv, http.MethodPost, "/api/segmentation/complete", nil)
	call(t, srv, http.MethodPost, "/api/placement/start", center)
	call(t, srv, http.MethodPut, "/api/placement/mode", modeRequest{Mode: "adding_marker"})
	call(t, srv, http.MethodPost, "/api/placement/click", center)
	require.Equal(t, http.StatusNoContent, call(t, srv, http.MethodPost, "/api/placement/save", nil).StatusCode)

	resp := call(t, srv, http.MethodGet, "/api/project", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	project, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	other, _ := newTestServer(t, &stubSaver{})
	req, err := http.NewRequest(http.MethodPut, other.URL+"/api/project", bytes.NewReader(project))
	require.NoError(t, err)
	resp, err = other.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	view := decodeBody[placementView](t, call(t, other, http.MethodGet, "/api/placement", nil))
	require.Len(t, view.Markers, 1)
	assert.Equal(t, "M1", view.Markers[0].Label)
}
