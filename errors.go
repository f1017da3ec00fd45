package main

import (
	"errors"
	"fmt"
	"log"
	"net/http"
)

type errorKind int

const (
	kindUnauthenticated errorKind = iota
	kindForbidden
	kindNotFound
	kindExpired
	kindInternal
)

// apiError is the typed rejection surfaced by handlers. The kind selects the
// HTTP status; the message goes to the client verbatim, so internal causes
// are kept in err and only ever logged.
type apiError struct {
	kind errorKind
	msg  string
	err  error
}

func (e *apiError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.err)
	}
	return e.msg
}

func (e *apiError) Unwrap() error {
	return e.err
}

func errUnauthenticated() *apiError {
	return &apiError{kind: kindUnauthenticated, msg: "you are not logged in"}
}

func errForbidden(msg string) *apiError {
	return &apiError{kind: kindForbidden, msg: msg}
}

func errNotFound(msg string) *apiError {
	return &apiError{kind: kindNotFound, msg: msg}
}

func errExpired(msg string) *apiError {
	return &apiError{kind: kindExpired, msg: msg}
}

func errInternal(err error) *apiError {
	return &apiError{kind: kindInternal, msg: "internal server error", err: err}
}

// httpStatus maps an error kind to a transport status code. Pure function;
// the taxonomy itself knows nothing about HTTP.
func httpStatus(kind errorKind) int {
	switch kind {
	case kindUnauthenticated:
		return http.StatusUnauthorized
	case kindForbidden:
		return http.StatusForbidden
	case kindNotFound:
		return http.StatusNotFound
	case kindExpired:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var api *apiError
	if !errors.As(err, &api) {
		api = errInternal(err)
	}
	if api.kind == kindInternal {
		log.Printf("%s %s failed: %v", r.Method, r.URL.Path, api)
	}
	http.Error(w, api.msg, httpStatus(api.kind))
}
