package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/pushline/internal/domain"
	apperrors "github.com/pscheid92/pushline/internal/platform/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runMiddleware(t *testing.T, handlerErr error) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/test", nil), rec)

	err := ErrorHandlingMiddleware()(func(echo.Context) error { return handlerErr })(c)
	require.NoError(t, err)
	return rec
}

func TestErrorHandlingMiddleware(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantType   apperrors.ErrorType
		wantMsg    string
	}{
		{"structured", apperrors.ValidationError("invalid input"), http.StatusBadRequest, apperrors.TypeValidation, "invalid input"},
		{"missing identity", fmt.Errorf("register: %w", domain.ErrMissingIdentity), http.StatusBadRequest, apperrors.TypeValidation, ""},
		{"not found", domain.ErrConnectionNotFound, http.StatusNotFound, apperrors.TypeNotFound, domain.ErrConnectionNotFound.Error()},
		{"limited", apperrors.LimitedError("slow down"), http.StatusTooManyRequests, apperrors.TypeLimited, "slow down"},
		{"unavailable", apperrors.UnavailableError("redis down", errors.New("dial tcp")), http.StatusServiceUnavailable, apperrors.TypeUnavailable, "redis down"},
		{"plain", errors.New("boom"), http.StatusInternalServerError, apperrors.TypeInternal, "internal server error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := runMiddleware(t, tt.err)

			assert.Equal(t, tt.wantStatus, rec.Code)
			var resp apperrors.ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantType, resp.Type)
			if tt.wantMsg != "" {
				assert.Equal(t, tt.wantMsg, resp.Error)
			}
		})
	}
}

func TestErrorHandlingMiddleware_NoError(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/test", nil), rec)

	err := ErrorHandlingMiddleware()(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})(c)

	require.NoError(t, err)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestErrorHandlingMiddleware_PassesHTTPError(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/test", nil), httptest.NewRecorder())

	err := ErrorHandlingMiddleware()(func(echo.Context) error {
		return echo.ErrMethodNotAllowed
	})(c)

	var httpErr *echo.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusMethodNotAllowed, httpErr.Code)
}

func TestErrorHandlingMiddleware_CommittedResponse(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/test", nil), rec)

	err := ErrorHandlingMiddleware()(func(c echo.Context) error {
		c.Response().WriteHeader(http.StatusOK)
		return errors.New("stream broke")
	})(c)

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
}
