package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ftotnem/arena-cluster/shared/errs"
)

func TestStatusOf(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{eris.Wrap(errs.ErrNotFound, "room r1"), http.StatusNotFound},
		{errs.WithCode(errs.CodeAuthRequired, errs.ErrAuthRequired, "no session"), http.StatusUnauthorized},
		{errs.WithCode(errs.CodeTeamValidation, errs.ErrValidation, "team too large"), http.StatusBadRequest},
		{eris.Wrap(errs.ErrStateConflict, "already queued"), http.StatusConflict},
		{eris.Wrapf(errs.ErrLockTimeout, "lock %s", "queue"), http.StatusServiceUnavailable},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, StatusOf(tc.err), "%v", tc.err)
	}
}

func TestWriteErrCarriesCode(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteErr(rec, errs.WithCode(errs.CodeTeamValidation, errs.ErrValidation, "team too large"))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, errs.CodeTeamValidation, body.Code)
	assert.Equal(t, "team too large", body.Message)
	assert.Equal(t, http.StatusBadRequest, body.Status)
}

func TestWriteErrHidesInternalDetails(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteErr(rec, eris.New("redis: connection refused at 10.0.0.3"))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, errs.CodeInternal, body.Code)
	assert.NotContains(t, body.Message, "10.0.0.3")
}

func TestClientKeepsErrorCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteErr(w, errs.WithCode(errs.CodeStateConflict, errs.ErrStateConflict, "player busy"))
	}))
	defer srv.Close()

	err := NewClient(srv.URL, nil).Get(t.Context(), "/", nil)
	require.Error(t, err)
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusConflict, httpErr.StatusCode)
	assert.Equal(t, errs.CodeStateConflict, httpErr.Code)
	assert.True(t, errors.Is(err, ErrConflict))
}
