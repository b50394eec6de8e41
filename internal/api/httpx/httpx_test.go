package httpx

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baharkarakas/paygate/internal/services"
)

func TestStatusFor(t *testing.T) {
	cases := map[services.ErrorCode]int{
		services.ErrCodeTransactionNotFound:    http.StatusNotFound,
		services.ErrCodeRefundNotFound:         http.StatusNotFound,
		services.ErrCodeAppNotLinked:           http.StatusForbidden,
		services.ErrCodeCredentialsMissing:     http.StatusUnprocessableEntity,
		services.ErrCodeRefundExceedsAvailable: http.StatusConflict,
		services.ErrCodeInvalidAmount:          http.StatusBadRequest,
		services.ErrCodeUnauthorized:           http.StatusUnauthorized,
		services.ErrCodeInternal:               http.StatusInternalServerError,
	}
	for code, want := range cases {
		assert.Equal(t, want, StatusFor(code), string(code))
	}
}

func TestWriteServiceError(t *testing.T) {
	decode := func(rec *httptest.ResponseRecorder) APIError {
		var e APIError
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e))
		return e
	}

	rec := httptest.NewRecorder()
	WriteServiceError(rec, &services.ServiceError{Code: services.ErrCodeRefundNotAllowed, Message: "transaction is not completed"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "refund_not_allowed", decode(rec).Code)

	rec = httptest.NewRecorder()
	WriteServiceError(rec, errors.New("pq: connection refused at 10.0.0.3"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	e := decode(rec)
	assert.Equal(t, "internal_error", e.Code)
	assert.NotContains(t, e.Error, "10.0.0.3")
}

func TestDecodeJSON(t *testing.T) {
	type body struct {
		Name string `json:"name"`
	}
	decode := func(raw string) (body, error) {
		var b body
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(raw))
		err := DecodeJSON(httptest.NewRecorder(), req, &b)
		return b, err
	}

	b, err := decode(`{"name":"Acme"}`)
	require.NoError(t, err)
	assert.Equal(t, "Acme", b.Name)

	_, err = decode(`{"name":"Acme","extra":1}`)
	assert.Error(t, err)
	_, err = decode(`{"name":"Acme"}{"name":"again"}`)
	assert.ErrorContains(t, err, "trailing data")
	_, err = decode(`not json`)
	assert.Error(t, err)
}
