// Generic HTTP handler wrappers that decode requests, validate, call a typed
// handler function, and encode JSON responses or structured errors.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/maruel/taskbox/backend/internal/gitutil"
	"github.com/maruel/taskbox/backend/internal/server/dto"
	"github.com/maruel/taskbox/backend/internal/store"
	"github.com/maruel/taskbox/backend/internal/task"
)

// maxBodySize bounds JSON request bodies.
const maxBodySize = 1 << 20

// handle wraps a typed handler function into an http.HandlerFunc. It reads the
// JSON body (with DisallowUnknownFields), populates path parameters via struct
// tags, validates, calls fn, and writes the JSON response or structured error.
func handle[In any, PtrIn interface {
	*In
	dto.Validatable
}, Out any](fn func(context.Context, PtrIn) (*Out, error)) http.HandlerFunc {
	return handleStatus(http.StatusOK, fn)
}

// handleStatus is handle with a custom success status, e.g. 202 for requests
// that start work in the background.
func handleStatus[In any, PtrIn interface {
	*In
	dto.Validatable
}, Out any](status int, fn func(context.Context, PtrIn) (*Out, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		in := PtrIn(new(In))
		if !readAndDecodeBody(w, r, in) {
			return
		}
		if err := populatePathParams(r, in); err != nil {
			writeError(w, err)
			return
		}
		if err := in.Validate(); err != nil {
			writeError(w, err)
			return
		}
		out, err := fn(r.Context(), in)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSONResponse(w, status, out)
	}
}

// readAndDecodeBody reads the request body and decodes JSON into input. It
// skips decoding for EmptyReq. Unknown JSON fields are rejected. Returns false
// if an error was written to the response.
func readAndDecodeBody[In any](w http.ResponseWriter, r *http.Request, input *In) bool {
	if _, isEmpty := any(input).(*dto.EmptyReq); isEmpty {
		return true
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err2 := r.Body.Close(); err == nil {
		err = err2
	}
	if err != nil {
		writeError(w, dto.BadRequest("failed to read request body"))
		return false
	}
	if len(body) == 0 {
		return true
	}
	d := json.NewDecoder(bytes.NewReader(body))
	d.DisallowUnknownFields()
	if err := d.Decode(input); err != nil {
		slog.Warn("failed to decode request body", "err", err)
		writeError(w, dto.BadRequest("invalid request body"))
		return false
	}
	return true
}

// populatePathParams extracts path parameters from the request and populates
// struct fields tagged with `path:"paramName"`.
func populatePathParams(r *http.Request, input any) error {
	val := reflect.ValueOf(input)
	if val.Kind() != reflect.Pointer {
		return nil
	}
	elem := val.Elem()
	if elem.Kind() != reflect.Struct {
		return nil
	}
	typ := elem.Type()
	for i := range typ.NumField() {
		field := typ.Field(i)
		tag := field.Tag.Get("path")
		if tag == "" {
			continue
		}
		paramValue := r.PathValue(tag)
		if paramValue == "" {
			continue
		}
		//exhaustive:ignore
		switch field.Type.Kind() {
		case reflect.String:
			elem.Field(i).SetString(paramValue)
		case reflect.Int, reflect.Int64:
			v, err := strconv.ParseInt(paramValue, 10, 64)
			if err != nil {
				return dto.BadRequest("invalid "+tag).WithDetail(tag, paramValue)
			}
			elem.Field(i).SetInt(v)
		}
	}
	return nil
}

// parseID parses a positive integer identifier.
func parseID(s string) (int64, bool) {
	id, err := strconv.ParseInt(s, 10, 64)
	return id, err == nil && id > 0
}

// toAPIError maps domain errors to HTTP errors.
func toAPIError(err error) *dto.APIError {
	var apiErr *dto.APIError
	switch {
	case errors.As(err, &apiErr):
		return apiErr
	case errors.Is(err, store.ErrNotFound):
		return dto.NotFound(strings.TrimSuffix(err.Error(), ": "+store.ErrNotFound.Error())).Wrap(err)
	case errors.Is(err, task.ErrSetupIncomplete),
		errors.Is(err, task.ErrInvalidPrompt),
		errors.Is(err, gitutil.ErrNotRepo):
		return dto.BadRequest(err.Error()).Wrap(err)
	case errors.Is(err, task.ErrNotRunning),
		errors.Is(err, task.ErrNoProcess),
		errors.Is(err, task.ErrNoSessionToResume),
		errors.Is(err, store.ErrExists):
		return dto.Conflict(err.Error()).Wrap(err)
	default:
		return dto.InternalError("internal error").Wrap(err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	apiErr := toAPIError(err)
	if apiErr.StatusCode() >= http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.StatusCode())
	_ = json.NewEncoder(w).Encode(apiErr.Response())
}

func writeJSONResponse[Out any](w http.ResponseWriter, status int, out *Out) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(out); err != nil {
		slog.Warn("failed to encode response", "err", err)
	}
}
