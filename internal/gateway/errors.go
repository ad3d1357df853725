package gateway

import (
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"ecotrade.org/internal/carbon"
)

// conflictHints mark 400 responses that describe a lost race rather than bad
// input: the listing changed between display and submit.
var conflictHints = []string{
	"insufficient amount",
	"not active",
	"already",
}

// errorMessage pulls the service's explanation out of an error body. The API
// uses "error"; token failures from the auth layer use "msg".
func errorMessage(body []byte) string {
	if !gjson.ValidBytes(body) {
		return ""
	}
	res := gjson.GetManyBytes(body, "error", "message", "msg")
	for _, r := range res {
		if s := strings.TrimSpace(r.String()); s != "" {
			return s
		}
	}
	return ""
}

func mapStatus(cl call, status int, body []byte) error {
	msg := errorMessage(body)
	e := &carbon.Error{Op: cl.op, Message: msg, Status: status}

	// Token rejections carry only "msg"; application errors carry "error".
	tokenRejected := cl.authed && gjson.ValidBytes(body) &&
		!gjson.GetBytes(body, "error").Exists() && gjson.GetBytes(body, "msg").Exists()

	switch {
	case status == http.StatusUnauthorized && cl.login:
		e.Kind = carbon.ErrCredential
		if e.Message == "" {
			e.Message = "invalid credentials"
		}
	case status == http.StatusUnauthorized && cl.authed:
		e.Kind = carbon.ErrSessionExpired
		e.Message = "session expired, please sign in again"
	case status == http.StatusUnprocessableEntity && tokenRejected:
		e.Kind = carbon.ErrSessionExpired
		e.Message = "session expired, please sign in again"
	case cl.signup && (status == http.StatusBadRequest || status == http.StatusConflict || status == http.StatusUnprocessableEntity):
		e.Kind = carbon.ErrValidation
	case status == http.StatusConflict:
		e.Kind = carbon.ErrConflict
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		e.Kind = carbon.ErrValidation
		lower := strings.ToLower(msg)
		for _, hint := range conflictHints {
			if strings.Contains(lower, hint) {
				e.Kind = carbon.ErrConflict
				break
			}
		}
	case status == http.StatusNotFound:
		e.Kind = carbon.ErrService
		if e.Message == "" {
			e.Message = "not found"
		}
	default:
		e.Kind = carbon.ErrService
	}
	if e.Message == "" {
		e.Message = strings.ToLower(http.StatusText(status))
	}
	return e
}
