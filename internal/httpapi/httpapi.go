package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
)

// Response represents a generic HTTP response.
type Response struct {
	Message string  `json:"message"`
	Detail  string  `json:"detail,omitempty"`
	Errors  []Error `json:"errors,omitempty"`
}

// Error represents a scoped error to a user input.
type Error struct {
	Field  string `json:"field"`
	Detail string `json:"detail"`
}

// Write outputs a standardized format to an HTTP response body.
func Write(rw http.ResponseWriter, status int, response interface{}) {
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(true)
	err := enc.Encode(response)
	if err != nil {
		http.Error(rw, err.Error(), http.StatusInternalServerError)
		return
	}
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")
	rw.WriteHeader(status)
	_, _ = rw.Write(buf.Bytes())
}

func ResourceNotFound(rw http.ResponseWriter) {
	Write(rw, http.StatusNotFound, Response{
		Message: "Data not found",
	})
}

func InternalServerError(rw http.ResponseWriter, err error) {
	var details string
	if err != nil {
		details = err.Error()
	}
	Write(rw, http.StatusInternalServerError, Response{
		Message: "An internal server error occurred.",
		Detail:  details,
	})
}
