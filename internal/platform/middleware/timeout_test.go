package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func slowHandler(c echo.Context) error {
	select {
	case <-time.After(2 * time.Second):
		return c.NoContent(http.StatusOK)
	case <-c.Request().Context().Done():
		return c.Request().Context().Err()
	}
}

func TestRequestTimeout(t *testing.T) {
	e := echo.New()

	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/grants/incoming", nil), httptest.NewRecorder())
	if err := RequestTimeout(time.Second)(func(c echo.Context) error { return c.NoContent(http.StatusOK) })(c); err != nil {
		t.Fatalf("fast handler: %v", err)
	}

	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/grants/incoming", nil), httptest.NewRecorder())
	err := RequestTimeout(20 * time.Millisecond)(slowHandler)(c)
	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %v", err)
	}
}

func TestRequestTimeout_SkipsWebsocket(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/ws", nil), httptest.NewRecorder())

	var deadline bool
	err := RequestTimeout(time.Millisecond)(func(c echo.Context) error {
		_, deadline = c.Request().Context().Deadline()
		return nil
	})(c)
	if err != nil || deadline {
		t.Errorf("websocket request got a deadline (err %v)", err)
	}
}

func TestRequestTimeout_PanicReachesRecovery(t *testing.T) {
	e := echo.New()
	e.Use(Recovery(zerolog.Nop()))
	e.Use(RequestTimeout(time.Second))
	e.GET("/api/v1/boom", func(c echo.Context) error { panic("boom") })

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/boom", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestRequestTimeout_HandlerFinishesBeforeReturn(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/grants/incoming", nil), httptest.NewRecorder())

	var finished bool
	err := RequestTimeout(10 * time.Millisecond)(func(c echo.Context) error {
		<-c.Request().Context().Done()
		time.Sleep(20 * time.Millisecond)
		finished = true
		return c.Request().Context().Err()
	})(c)
	if !finished {
		t.Error("middleware returned while the handler was still running")
	}
	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusGatewayTimeout {
		t.Errorf("expected 504, got %v", err)
	}
}

func TestRequestTimeout_Disabled(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/patients/me", nil), httptest.NewRecorder())
	if err := RequestTimeout(0)(func(c echo.Context) error { return nil })(c); err != nil {
		t.Errorf("disabled timeout: %v", err)
	}
}
