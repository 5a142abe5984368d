package api

import (
	"errors"
	"net/http"
	"unsafe"

	"github.com/labstack/echo/v4"
)

var (
	errMissingAuthorization = errors.New("missing authorization header")
	errBadAuthorization     = errors.New("bad auth header")
)

var bearerPrefix = [...]byte{'B', 'e', 'a', 'r', 'e', 'r', ' '}

func bearerTokenFromHeader(header http.Header) ([]byte, error) {
	values := header.Values(echo.HeaderAuthorization)
	if len(values) == 0 {
		return nil, errMissingAuthorization
	}
	return bearerTokenFromString(values[0])
}

func bearerTokenFromString(raw string) ([]byte, error) {
	start, end := trimSpaces(raw)
	if start >= end {
		return nil, errMissingAuthorization
	}
	tokenBytes := readOnlyBytes(raw[start:end])
	if len(tokenBytes) <= len(bearerPrefix) {
		return nil, errBadAuthorization
	}
	if !hasBearerPrefix(tokenBytes) {
		return nil, errBadAuthorization
	}
	return checkJWTShape(tokenBytes[len(bearerPrefix):])
}

// tokenFromCookie reads the raw ID token the web client stores in a cookie.
func tokenFromCookie(r *http.Request) ([]byte, error) {
	cookie, err := r.Cookie(tokenCookie)
	if err != nil {
		return nil, errMissingAuthorization
	}
	start, end := trimSpaces(cookie.Value)
	if start >= end {
		return nil, errMissingAuthorization
	}
	return checkJWTShape(readOnlyBytes(cookie.Value[start:end]))
}

func trimSpaces(raw string) (int, int) {
	start := 0
	end := len(raw)
	for start < end && raw[start] == ' ' {
		start++
	}
	for end > start && raw[end-1] == ' ' {
		end--
	}
	return start, end
}

func checkJWTShape(token []byte) ([]byte, error) {
	if countByte(token, '.') != 2 {
		return nil, errBadAuthorization
	}
	return token, nil
}

func hasBearerPrefix(value []byte) bool {
	if len(value) < len(bearerPrefix) {
		return false
	}
	for i := range bearerPrefix {
		if value[i] != bearerPrefix[i] {
			return false
		}
	}
	return true
}

func countByte(buf []byte, target byte) int {
	count := 0
	for _, b := range buf {
		if b == target {
			count++
		}
	}
	return count
}

func readOnlyBytes(s string) []byte {
	if s == "" {
		return nil
	}
	return unsafe.Slice(unsafe.StringData(s), len(s))
}

func readOnlyString(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return unsafe.String(&b[0], len(b))
}
