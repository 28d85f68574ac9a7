package handler

import (
	"encoding/json"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/xenking/storefront-engine/internal/domain/apperr"
)

// errorResponse is the body of every non-2xx response.
type errorResponse struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Field     string `json:"field,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Code: code, Message: msg})
}

// writeError maps err to its code and HTTP status. Details are only exposed
// for error classes that allow it.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperr.CodeOf(err)
	md := apperr.Lookup(code)

	resp := errorResponse{
		Code:      string(code),
		Message:   md.PublicMessage,
		Retryable: md.Retryable,
	}
	if md.DetailsAllowed {
		resp.Message = err.Error()
	}
	var vErr *apperr.ValidationError
	if errors.As(err, &vErr) {
		resp.Field = vErr.Field
	}

	lg := zctx.From(r.Context())
	if md.HTTPStatus >= http.StatusInternalServerError {
		lg.Error("Request error", zap.String("code", string(code)), zap.Error(err))
	} else {
		lg.Debug("Request rejected", zap.String("code", string(code)), zap.Error(err))
	}
	writeJSON(w, md.HTTPStatus, resp)
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return v
}

// decode reads a JSON body into dst and validates it.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.Invalid("", "request body is empty")
		}
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return apperr.Invalid("", "request body too large")
		}
		return &apperr.ValidationError{Reason: "malformed JSON: " + err.Error(), Err: err}
	}

	if err := h.validate.Struct(dst); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return apperr.Invalid(fieldPath(fe.Namespace()), "failed "+fe.Tag()+" check")
		}
		return errors.Wrap(err, "validate request")
	}
	return nil
}

// fieldPath drops the root struct name from a validator namespace.
func fieldPath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}
