package admin

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

const (
	codeUnauthorized     = "unauthorized"
	codeMethodNotAllowed = "method_not_allowed"
	codeNotFound         = "not_found"
	codeInvalidBody      = "invalid_body"
	codeInvalidQuery     = "invalid_query"
	codeStoreUnavailable = "store_unavailable"
	codeUnavailable      = "unavailable"
)

type errorResponse struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

func writeManagementError(w http.ResponseWriter, status int, code, detail string) {
	if w == nil {
		return
	}
	code = strings.TrimSpace(code)
	if code == "" {
		code = codeInvalidBody
	}
	detail = strings.TrimSpace(detail)
	if detail == "" {
		detail = http.StatusText(status)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{
		Code:   code,
		Detail: detail,
	})
}

func writeMethodNotAllowed(w http.ResponseWriter, expected string) {
	expected = strings.TrimSpace(expected)
	detail := "method is not allowed"
	if expected != "" {
		w.Header().Set("Allow", expected)
		detail = fmt.Sprintf("method must be %s", expected)
	}
	writeManagementError(w, http.StatusMethodNotAllowed, codeMethodNotAllowed, detail)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_ = json.NewEncoder(w).Encode(v)
}
