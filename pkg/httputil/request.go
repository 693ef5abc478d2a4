package httputil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
)

// ParseJSON decodes a JSON request body into dest
func ParseJSON(r *http.Request, dest interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		return fmt.Errorf("failed to parse request body: %w", err)
	}
	return nil
}

// ParseJSONOrError decodes JSON and writes a 400 on failure. Returns true
// when decoding succeeded.
func ParseJSONOrError(w http.ResponseWriter, r *http.Request, dest interface{}) bool {
	if err := ParseJSON(r, dest); err != nil {
		WriteBadRequest(w, "invalid JSON body")
		return false
	}
	return true
}

// PathString returns a path variable, or an error when it is absent
func PathString(r *http.Request, key string) (string, error) {
	vars := mux.Vars(r)
	value, ok := vars[key]
	if !ok || value == "" {
		return "", fmt.Errorf("missing path parameter: %s", key)
	}
	return value, nil
}

// PathStringOrError returns a path variable and writes a 400 when absent
func PathStringOrError(w http.ResponseWriter, r *http.Request, key string) (string, bool) {
	value, err := PathString(r, key)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return "", false
	}
	return value, true
}

// QueryInt returns an integer query parameter or a default
func QueryInt(r *http.Request, key string, defaultVal int) (int, error) {
	value := r.URL.Query().Get(key)
	if value == "" {
		return defaultVal, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid integer parameter %s: %q", key, value)
	}
	return parsed, nil
}

// QueryString returns a string query parameter or a default
func QueryString(r *http.Request, key string, defaultVal string) string {
	value := r.URL.Query().Get(key)
	if value == "" {
		return defaultVal
	}
	return value
}

// QueryBool returns a boolean query parameter or a default
func QueryBool(r *http.Request, key string, defaultVal bool) (bool, error) {
	value := r.URL.Query().Get(key)
	if value == "" {
		return defaultVal, nil
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("invalid boolean parameter %s: %q", key, value)
	}
	return parsed, nil
}

// QueryTime returns an RFC 3339 query parameter, or nil when absent
func QueryTime(r *http.Request, key string) (*time.Time, error) {
	value := r.URL.Query().Get(key)
	if value == "" {
		return nil, nil
	}
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp parameter %s: %q", key, value)
	}
	return &parsed, nil
}
