// Package handler exposes the resource managers over HTTP.
//
// Every JSON response uses one envelope: {<key>: result, "success": true} on
// success and {"error", "kind", "success": false} on failure.
package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"nfcunha/stevedore/core/apperr"
	"nfcunha/stevedore/utils/metrics"
)

// responder writes envelopes and counts failures. Every handler embeds one.
type responder struct {
	metrics *metrics.Metrics
	logger  *zap.Logger
}

func newResponder(m *metrics.Metrics, logger *zap.Logger) responder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return responder{metrics: m, logger: logger}
}

func (r responder) ok(c *gin.Context, status int, key string, value any) {
	c.JSON(status, gin.H{key: value, "success": true})
}

func (r responder) fail(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	status := statusFor(kind)

	if r.metrics != nil {
		r.metrics.IncrementError(string(kind))
	}
	if status >= http.StatusInternalServerError {
		r.logger.Error("request failed",
			zap.String("route", c.FullPath()),
			zap.String("kind", string(kind)),
			zap.Error(err),
			zap.NamedError("cause", errors.Unwrap(err)))
	}

	c.AbortWithStatusJSON(status, gin.H{
		"error":   err.Error(),
		"kind":    kind,
		"success": false,
	})
}

// statusFor maps an error kind to its HTTP status.
func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindInvalidRequest:
		return http.StatusBadRequest
	case apperr.KindNotFound, apperr.KindNotFoundInRegistry:
		return http.StatusNotFound
	case apperr.KindAlreadyInState, apperr.KindAlreadyConnected, apperr.KindNotConnected, apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindConnectionUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// bindStrict decodes a JSON body into dst, rejecting unknown keys.
func bindStrict(c *gin.Context, dst any) error {
	dec := json.NewDecoder(c.Request.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.InvalidRequest("Request body is required")
		}
		return apperr.Wrap(apperr.KindInvalidRequest, err, "Invalid request body: %s", err.Error())
	}
	if dec.More() {
		return apperr.InvalidRequest("Invalid request body: unexpected data after JSON object")
	}
	return nil
}

func queryBool(c *gin.Context, key string, defaultValue bool) (bool, error) {
	raw, ok := c.GetQuery(key)
	if !ok || raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, apperr.InvalidRequest("Invalid value for '%s': %s", key, raw)
	}
	return v, nil
}

func queryInt(c *gin.Context, key string, defaultValue int) (int, error) {
	raw, ok := c.GetQuery(key)
	if !ok || raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, apperr.InvalidRequest("Invalid value for '%s': %s", key, raw)
	}
	return v, nil
}

// queryTimeout reads an optional non-negative timeout in seconds.
func queryTimeout(c *gin.Context) (*int, error) {
	if _, ok := c.GetQuery("timeout"); !ok {
		return nil, nil
	}
	v, err := queryInt(c, "timeout", 0)
	if err != nil {
		return nil, err
	}
	return &v, nil
}
