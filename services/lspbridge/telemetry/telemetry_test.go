// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestInit_NilContext(t *testing.T) {
	//nolint:staticcheck // exercising the nil guard
	_, err := Init(nil, Config{})
	assert.ErrorIs(t, err, ErrNilContext)
}

func TestInit_NoExporters(t *testing.T) {
	p, err := Init(context.Background(), Config{})
	require.NoError(t, err)
	assert.Nil(t, p.MetricsHandler())
	assert.Nil(t, p.Registry())
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestInit_StdoutTraces(t *testing.T) {
	var buf bytes.Buffer
	p, err := Init(context.Background(), Config{ServiceName: "lspbridge-test", StdoutTraces: true, Writer: &buf})
	require.NoError(t, err)
	defer func() { _ = p.Shutdown(context.Background()) }()

	_, span := otel.Tracer("test").Start(context.Background(), "Manager.Query")
	span.End()

	assert.Contains(t, buf.String(), "Manager.Query")
}

func TestInit_PrometheusExposesMeters(t *testing.T) {
	p, err := Init(context.Background(), Config{Prometheus: true})
	require.NoError(t, err)
	defer func() { _ = p.Shutdown(context.Background()) }()
	require.NotNil(t, p.MetricsHandler())

	counter, err := otel.Meter("test").Int64Counter("lsp_checks_total")
	require.NoError(t, err)
	counter.Add(context.Background(), 3)

	body := scrape(t, p.MetricsHandler())
	assert.Contains(t, body, "lsp_checks_total")
	assert.Contains(t, body, "go_goroutines")
}

func TestInit_TwiceDoesNotPanic(t *testing.T) {
	for i := 0; i < 2; i++ {
		p, err := Init(context.Background(), Config{Prometheus: true})
		require.NoError(t, err)
		require.NoError(t, p.Shutdown(context.Background()))
	}
}

func TestShutdown_NilProvider(t *testing.T) {
	var p *Provider
	assert.NoError(t, p.Shutdown(context.Background()))
	assert.Nil(t, p.MetricsHandler())
}

func TestGinMetrics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	p, err := Init(context.Background(), Config{Prometheus: true})
	require.NoError(t, err)
	defer func() { _ = p.Shutdown(context.Background()) }()

	hm, err := NewHTTPMetrics(nil)
	require.NoError(t, err)

	r := gin.New()
	r.Use(GinMetrics(hm))
	r.GET("/v1/lsp/health/:language", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	for _, path := range []string{"/v1/lsp/health/go", "/v1/lsp/health/python", "/nope"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	}

	body := scrape(t, p.MetricsHandler())
	assert.Contains(t, body, `route="/v1/lsp/health/:language"`)
	assert.Contains(t, body, `route="unmatched"`)
	assert.NotContains(t, body, `route="/v1/lsp/health/go"`)
}

func scrape(t *testing.T, h http.Handler) string {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	b, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(b)
}
