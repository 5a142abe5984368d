package api

import (
	"compress/gzip"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
)

const (
	maxRequestBodyBytes = 1 << 20

	metricsContextKey = "taskboard.metrics"
	errorContextKey   = "taskboard.error"
)

// GzipRequestMiddleware decompresses gzip-encoded request bodies so handlers can
// work with plain JSON payloads. Requests with invalid gzip payloads are
// rejected with a 400 response. The decompressed body is capped at
// maxRequestBodyBytes.
func GzipRequestMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !hasGzipEncoding(req.Header.Get(echo.HeaderContentEncoding)) {
				return next(c)
			}

			body := req.Body
			gr, err := gzip.NewReader(body)
			if err != nil {
				_ = body.Close()
				return c.JSON(http.StatusBadRequest, messageResponse{Message: "invalid gzip body"})
			}

			req.Body = &gzipReadCloser{Reader: io.LimitReader(gr, maxRequestBodyBytes+1), gz: gr, body: body}
			req.ContentLength = -1
			req.Header.Del(echo.HeaderContentEncoding)
			req.Header.Del(echo.HeaderContentLength)

			return next(c)
		}
	}
}

func hasGzipEncoding(header string) bool {
	if header == "" {
		return false
	}
	for _, enc := range strings.Split(header, ",") {
		if strings.EqualFold(strings.TrimSpace(enc), "gzip") {
			return true
		}
	}
	return false
}

type gzipReadCloser struct {
	io.Reader
	gz   *gzip.Reader
	body io.Closer
}

func (g *gzipReadCloser) Close() error {
	var err error
	if g.gz != nil {
		err = g.gz.Close()
	}
	if g.body != nil {
		if cerr := g.body.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// RequestMetricsMiddleware wraps each routed request in a span and logs one
// observability event when it completes.
func RequestMetricsMiddleware(logger *log.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			metrics, spanCtx := newRequestMetrics(req.Context(), logger, req.Method, c.Path())
			c.SetRequest(req.WithContext(spanCtx))
			c.Set(metricsContextKey, metrics)

			err := next(c)

			status := c.Response().Status
			var httpErr *echo.HTTPError
			if err != nil && errors.As(err, &httpErr) {
				status = httpErr.Code
			}
			logged := err
			if logged == nil {
				logged, _ = c.Get(errorContextKey).(error)
			}
			metrics.Log(status, logged)
			return err
		}
	}
}

func metricsFrom(c echo.Context) *requestMetrics {
	if m, ok := c.Get(metricsContextKey).(*requestMetrics); ok {
		return m
	}
	return nil
}
