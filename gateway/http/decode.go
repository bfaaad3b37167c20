package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/T-en1991/demo111/errors"
)

// decode reads a JSON body into v, rejecting unknown fields
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.WrapInvalid(fmt.Errorf("%w: malformed request body: %v", errors.ErrInvalidData, err),
			"Server", "decode", "decode JSON body")
	}
	return nil
}

func queryInt64(r *http.Request, key string) (*int64, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: bad %s %q", errors.ErrInvalidData, key, raw),
			"Server", "queryInt64", "parse query")
	}
	return &v, nil
}
