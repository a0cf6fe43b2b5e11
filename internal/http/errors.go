package http

import (
	"errors"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/fyrsmithlabs/orchestrd/internal/errs"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// newValidator reports field errors by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validationError converts the first validator failure into a
// ValidationError so the handler maps it like an engine rejection.
func validationError(err error) error {
	var ves validator.ValidationErrors
	if !errors.As(err, &ves) || len(ves) == 0 {
		return errs.NewValidationError("", "%v", err)
	}
	fe := ves[0]
	field := fe.Namespace()
	if _, rest, ok := strings.Cut(field, "."); ok {
		field = rest
	}
	reason := "failed " + fe.Tag()
	if fe.Param() != "" {
		reason += "=" + fe.Param()
	}
	return errs.NewValidationError(field, "%s", reason)
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch errs.KindOf(err) {
	case errs.KindValidation:
		return http.StatusBadRequest
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindBackpressure:
		return http.StatusTooManyRequests
	case errs.KindInvalidState:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// handleError is the echo HTTPErrorHandler. Every error body is an
// ErrorResponse.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var (
		he   *echo.HTTPError
		body ErrorResponse
		code int
	)
	if errors.As(err, &he) {
		code = he.Code
		body.Error = http.StatusText(code)
		if msg, ok := he.Message.(string); ok {
			body.Error = msg
		}
	} else {
		code = statusFor(err)
		body.Error = err.Error()
		body.Kind = string(errs.KindOf(err))

		var ve *errs.ValidationError
		if errors.As(err, &ve) {
			body.Field = ve.Field
		}
		var be *errs.BackpressureError
		if errors.As(err, &be) {
			c.Response().Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
		}
		if code == http.StatusInternalServerError {
			s.logger.Error(c.Request().Context(), "request failed", zap.Error(err))
			body.Error = "internal server error"
		}
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(code)
	} else {
		err = c.JSON(code, body)
	}
	if err != nil {
		s.logger.Warn(c.Request().Context(), "failed to write error response", zap.Error(err))
	}
}

const retryAfterSeconds = 1
