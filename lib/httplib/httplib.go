/*
 * Unified Bot Protocol
 * Copyright (C) 2026  L4DK
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package httplib implements the handler plumbing shared by the admin API:
// handlers return (result, error) and the adapter turns both into JSON
// responses with a uniform error body.
package httplib

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/L4DK/unified-bot-protocol/lib/dispatch"
)

// maxRequestBody bounds admin API request bodies.
const maxRequestBody = 1 << 20

// HandlerFunc is the signature admin API handlers implement. A nil result
// with a nil error renders 200 with an empty JSON object.
type HandlerFunc func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error)

// ErrResponseWritten is returned by handlers that rendered the response
// themselves, typically to use a non-200 success status.
var ErrResponseWritten = errors.New("response already written")

// ErrorBody is the uniform error response of the admin API.
type ErrorBody struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

// MakeHandler adapts a HandlerFunc into an httprouter handle.
func MakeHandler(fn HandlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		result, err := fn(w, r, p)
		if errors.Is(err, ErrResponseWritten) {
			return
		}
		if err != nil {
			ReplyError(w, r, err)
			return
		}
		if result == nil {
			result = struct{}{}
		}
		WriteJSON(w, http.StatusOK, result)
	}
}

// ReadJSON decodes a request body into val, rejecting oversized or
// malformed payloads.
func ReadJSON(r *http.Request, val any) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
	if err != nil {
		return trace.Wrap(err)
	}
	if len(data) > maxRequestBody {
		return trace.BadParameter("request body exceeds %d bytes", maxRequestBody)
	}
	if len(data) == 0 {
		return trace.BadParameter("missing request body")
	}
	if err := json.Unmarshal(data, val); err != nil {
		return trace.BadParameter("failed to parse request body: %v", err)
	}
	return nil
}

// WriteJSON renders a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, val any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(val); err != nil {
		slog.Warn("Failed to encode response body", "error", err)
	}
}

// ReplyError renders an error with the status code and error_code of its
// failure mode.
func ReplyError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := errorStatus(err)
	if status >= http.StatusInternalServerError {
		slog.ErrorContext(r.Context(), "Request failed",
			"method", r.Method, "path", r.URL.Path, "error", err)
	}
	WriteJSON(w, status, ErrorBody{
		ErrorCode: code,
		Message:   trace.UserMessage(err),
	})
}

func errorStatus(err error) (int, string) {
	var execErr *dispatch.ExecutionError
	var argErr *dispatch.InvalidArgumentsError
	switch {
	case errors.As(err, &argErr), trace.IsBadParameter(err):
		return http.StatusBadRequest, "InvalidArgument"
	case trace.IsAccessDenied(err):
		return http.StatusUnauthorized, "AuthError"
	case errors.Is(err, dispatch.ErrNoCapableInstance):
		return http.StatusServiceUnavailable, "NoCapableInstance"
	case errors.Is(err, dispatch.ErrInstanceGone):
		return http.StatusServiceUnavailable, "InstanceGone"
	case errors.Is(err, dispatch.ErrTimeout):
		return http.StatusGatewayTimeout, "Timeout"
	case trace.IsNotFound(err):
		return http.StatusNotFound, "NotFound"
	case trace.IsAlreadyExists(err), trace.IsCompareFailed(err):
		return http.StatusConflict, "Conflict"
	case trace.IsLimitExceeded(err):
		return http.StatusTooManyRequests, "LimitExceeded"
	case errors.As(err, &execErr):
		return http.StatusInternalServerError, "ExecutionError"
	case errors.Is(err, dispatch.ErrCancelled):
		return http.StatusInternalServerError, "Cancelled"
	}
	return http.StatusInternalServerError, "Internal"
}
