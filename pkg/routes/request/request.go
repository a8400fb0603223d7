// Package request binds and validates HTTP request bodies and query parameters.
package request

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/Okossum/utilization-sub004/pkg/models"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Bind decodes the body into T and validates its `validate` tags.
func Bind[T any](c echo.Context) (T, error) {
	var v T

	if err := c.Bind(&v); err != nil {
		return v, httperror.WrapError(http.StatusBadRequest, err)
	}

	if err := Validate(v); err != nil {
		return v, httperror.WrapError(http.StatusBadRequest, err)
	}

	return v, nil
}

func Validate[T any](value T) error {
	if err := validate.Struct(value); err != nil {
		return validationErrorToString(err)
	}
	return nil
}

func validationErrorToString(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("field '%s' failed rule '%s'", fe.Namespace(), fe.Tag()))
	}
	return errors.New(strings.Join(msgs, "; "))
}

// Feed parses a feed path parameter; unknown feeds are 404s.
func Feed(c echo.Context, param string) (models.Feed, error) {
	feed, err := models.ParseFeed(c.Param(param))
	if err != nil {
		return "", httperror.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return feed, nil
}

// OptionalBool parses a boolean query parameter. A missing parameter yields nil.
func OptionalBool(c echo.Context, name string) (*bool, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, httperror.NewHTTPErrorf(http.StatusBadRequest, "query parameter %s must be a boolean", name)
	}
	return &b, nil
}
