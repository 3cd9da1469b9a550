package ingest

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinysense/pkg/codec"
	"github.com/nicktill/tinysense/pkg/pipeline"
	"github.com/nicktill/tinysense/pkg/rawstore"
	"github.com/nicktill/tinysense/pkg/storage/memory"
)

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	raw, err := rawstore.New(rawstore.Config{Path: t.TempDir(), NoSync: true})
	require.NoError(t, err)
	return NewHandler(pipeline.New(memory.New(), raw, nil, pipeline.Options{}))
}

func post(t *testing.T, fn http.HandlerFunc, path string, payload interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var body []byte
	switch p := payload.(type) {
	case string:
		body = []byte(p)
	default:
		var err error
		body, err = json.Marshal(p)
		require.NoError(t, err)
	}

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	rr := httptest.NewRecorder()
	fn(rr, req)
	return rr
}

func startMeasurement(t *testing.T, h *Handler) string {
	t.Helper()
	rr := post(t, h.HandleStart, "/api/ingest/start", map[string]interface{}{
		"deviceId":     "hub-01",
		"sensorType":   "pressure",
		"sampleRateHz": 1,
	})
	require.Equal(t, http.StatusOK, rr.Code)

	var resp pipeline.StartResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, "InProgress", resp.Status)
	require.NotEmpty(t, resp.MeasurementID)
	return resp.MeasurementID
}

func TestHandleStart_MissingFields(t *testing.T) {
	h := newTestHandler(t)

	rr := post(t, h.HandleStart, "/api/ingest/start", map[string]string{"deviceId": "hub-01"})

	require.Equal(t, http.StatusBadRequest, rr.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Contains(t, resp["message"], "sensorType")
}

func TestHandleStart_InvalidJSON(t *testing.T) {
	h := newTestHandler(t)

	rr := post(t, h.HandleStart, "/api/ingest/start", `{"deviceId":`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandleStart_DuplicateID(t *testing.T) {
	h := newTestHandler(t)
	body := map[string]string{
		"deviceId":      "hub-01",
		"sensorType":    "pressure",
		"measurementId": "0d6f0f5e-9a49-4a53-8d0e-3f1bca2f7c11",
	}

	require.Equal(t, http.StatusOK, post(t, h.HandleStart, "/api/ingest/start", body).Code)
	require.Equal(t, http.StatusConflict, post(t, h.HandleStart, "/api/ingest/start", body).Code)
}

func TestIngestFlow(t *testing.T) {
	h := newTestHandler(t)
	id := startMeasurement(t, h)

	chunk := map[string]interface{}{
		"measurementId": id,
		"chunkIndex":    0,
		"totalChunks":   1,
		"encoding":      codec.EncodingF32LEBase64,
		"dataBase64":    "AACAPwAAAEAAAEBA",
	}

	rr := post(t, h.HandleChunk, "/api/ingest/chunk", chunk)
	require.Equal(t, http.StatusOK, rr.Code)
	var res pipeline.ChunkResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	require.True(t, res.Accepted)
	require.False(t, res.Duplicate)
	require.Equal(t, int64(3), res.SampleCount)

	rr = post(t, h.HandleChunk, "/api/ingest/chunk", chunk)
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	require.True(t, res.Duplicate)
	require.Equal(t, "Duplicate chunk", res.Message)

	rr = post(t, h.HandleComplete, "/api/ingest/complete", map[string]interface{}{
		"measurementId": id,
		"totalChunks":   1,
		"sampleCount":   3,
	})
	require.Equal(t, http.StatusOK, rr.Code)
	var done pipeline.CompleteResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &done))
	require.Equal(t, "Completed", done.Status)
	require.Equal(t, "8e628779e6a74ee0b36991c10158f63cafec7d340ad4e075592502c8708524dd", done.SHA256)

	// Chunks after completion conflict
	chunk["chunkIndex"] = 1
	require.Equal(t, http.StatusConflict, post(t, h.HandleChunk, "/api/ingest/chunk", chunk).Code)
}

func TestHandleChunk_Errors(t *testing.T) {
	h := newTestHandler(t)
	id := startMeasurement(t, h)

	tests := []struct {
		name string
		body interface{}
		want int
	}{
		{"no payload", map[string]interface{}{"measurementId": id, "chunkIndex": 0}, http.StatusBadRequest},
		{"malformed base64", map[string]interface{}{"measurementId": id, "dataBase64": "%%%"}, http.StatusBadRequest},
		{"unknown measurement", map[string]interface{}{"measurementId": "5b0c7c52-64a7-4f3e-bd9c-7e0e8f1c2d3a", "samples": []float32{1}}, http.StatusNotFound},
		{"bad json", `{"measurementId": 12`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := post(t, h.HandleChunk, "/api/ingest/chunk", tt.body)
			require.Equal(t, tt.want, rr.Code, rr.Body.String())
		})
	}
}

func TestHandleComplete_NotFound(t *testing.T) {
	h := newTestHandler(t)

	rr := post(t, h.HandleComplete, "/api/ingest/complete", map[string]string{
		"measurementId": "5b0c7c52-64a7-4f3e-bd9c-7e0e8f1c2d3a",
	})
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHandleFail(t *testing.T) {
	h := newTestHandler(t)
	id := startMeasurement(t, h)

	rr := post(t, h.HandleFail, "/api/ingest/fail", map[string]string{"measurementId": id, "reason": "cuff leak"})
	require.Equal(t, http.StatusOK, rr.Code)
	require.True(t, strings.Contains(rr.Body.String(), `"Failed"`))

	rr = post(t, h.HandleFail, "/api/ingest/fail", map[string]string{"measurementId": id})
	require.Equal(t, http.StatusConflict, rr.Code)
}
