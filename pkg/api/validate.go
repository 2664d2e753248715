package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/cuemby/hco/pkg/hcoerr"
)

var validate = validator.New()

// validateStruct runs go-playground/validator over v and wraps the
// first failing field into a KindValidation error, per spec §7.
func validateStruct(v interface{}) error {
	if err := validate.Struct(v); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			fe := verrs[0]
			return hcoerr.Validation(fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag()), nil)
		}
		return hcoerr.Validation(err.Error(), nil)
	}
	return nil
}

// pathID64 parses the chi URL param name as a positive int64, returning
// a KindValidation error on failure.
func pathID64(r *http.Request, name string) (int64, error) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, hcoerr.Validation(fmt.Sprintf("invalid %s %q", name, raw), nil)
	}
	return id, nil
}
