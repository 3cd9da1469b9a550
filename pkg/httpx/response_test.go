package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinysense/pkg/pipeline"
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: missing device", pipeline.ErrInvalidInput), http.StatusBadRequest},
		{fmt.Errorf("%w: m-1", pipeline.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("%w: completed", pipeline.ErrConflict), http.StatusConflict},
		{fmt.Errorf("%w: full", pipeline.ErrStorageFull), http.StatusInsufficientStorage},
		{fmt.Errorf("%w: disk", pipeline.ErrStorage), http.StatusInternalServerError},
		{errors.New("surprise"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusFor(tt.err), tt.err.Error())
	}
}

func TestRespondServiceError(t *testing.T) {
	rec := httptest.NewRecorder()
	RespondServiceError(rec, fmt.Errorf("%w: measurement abc", pipeline.ErrNotFound))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Not Found", body.Error)
	assert.Contains(t, body.Message, "measurement abc")
}

func TestDecodeJSON(t *testing.T) {
	var v struct {
		Name string `json:"name"`
	}

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"hub-01","extra":1}`))
	require.NoError(t, DecodeJSON(httptest.NewRecorder(), req, &v))
	assert.Equal(t, "hub-01", v.Name)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":`))
	err := DecodeJSON(httptest.NewRecorder(), req, &v)
	assert.ErrorIs(t, err, pipeline.ErrInvalidInput)
}

func TestRespondJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	RespondJSON(rec, http.StatusCreated, map[string]int{"count": 3})
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.JSONEq(t, `{"count":3}`, rec.Body.String())

	// NaN has no JSON form; the client gets a 500 with a body, not a bare 200
	rec = httptest.NewRecorder()
	RespondJSON(rec, http.StatusOK, map[string]float64{"value": math.NaN()})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Internal Server Error", body.Error)
}
