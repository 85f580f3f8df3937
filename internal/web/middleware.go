package web

import (
	"net/http"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/calvadev/nostrpow/internal/logger"
	"go.uber.org/zap"
)

// SecurityHeaders defines the security headers to be applied to responses
type SecurityHeaders struct {
	CSP                 string
	XContentTypeOptions string
	ReferrerPolicy      string
}

// APISecurityHeaders returns security headers for JSON endpoints. Nothing
// served here needs scripts, styles or framing.
func APISecurityHeaders() *SecurityHeaders {
	return &SecurityHeaders{
		CSP:                 "default-src 'none'; frame-ancestors 'none'",
		XContentTypeOptions: "nosniff",
		ReferrerPolicy:      "no-referrer",
	}
}

// SecurityHandlerFunc wraps an http.HandlerFunc with security headers
func SecurityHandlerFunc(headers *SecurityHeaders, handlerFunc http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		headers.Apply(w)
		handlerFunc(w, r)
	}
}

// Apply applies the security headers directly to a ResponseWriter
func (sh *SecurityHeaders) Apply(w http.ResponseWriter) {
	if sh == nil {
		return
	}
	if sh.CSP != "" {
		w.Header().Set("Content-Security-Policy", sh.CSP)
	}
	if sh.XContentTypeOptions != "" {
		w.Header().Set("X-Content-Type-Options", sh.XContentTypeOptions)
	}
	if sh.ReferrerPolicy != "" {
		w.Header().Set("Referrer-Policy", sh.ReferrerPolicy)
	}
}

// InputValidation bounds and whitelists what API requests may carry.
type InputValidation struct {
	MaxPathLength      int
	MaxQueryLength     int
	MaxHeaderLength    int
	AllowedQueryParams map[string]bool
	PathPatterns       []*regexp.Regexp
}

// APIInputValidation returns input validation settings for the pull API.
func APIInputValidation() *InputValidation {
	return &InputValidation{
		MaxPathLength:   1024,
		MaxQueryLength:  2048,
		MaxHeaderLength: 4096,
		AllowedQueryParams: map[string]bool{
			"limit":            true,
			"offset":           true,
			"minPowDifficulty": true,
			"sortBy":           true,
			"url":              true,
		},
		PathPatterns: []*regexp.Regexp{
			regexp.MustCompile(`^/api/notes$`),
			regexp.MustCompile(`^/api/relays$`),
			regexp.MustCompile(`^/api/stats$`),
		},
	}
}

// ValidateRequest validates an HTTP request against the input validation rules
func (iv *InputValidation) ValidateRequest(r *http.Request) error {
	if len(r.URL.Path) > iv.MaxPathLength {
		return &ValidationError{Type: "path_length", Message: "Request path too long", Field: "url_path"}
	}
	if len(r.URL.RawQuery) > iv.MaxQueryLength {
		return &ValidationError{Type: "query_length", Message: "Query string too long", Field: "query_string"}
	}

	pathValid := false
	for _, pattern := range iv.PathPatterns {
		if pattern.MatchString(r.URL.Path) {
			pathValid = true
			break
		}
	}
	if !pathValid {
		return &ValidationError{Type: "invalid_path", Message: "Invalid request path", Field: "url_path", Value: r.URL.Path}
	}

	if len(iv.AllowedQueryParams) > 0 {
		for param := range r.URL.Query() {
			if !iv.AllowedQueryParams[param] {
				return &ValidationError{Type: "invalid_query_param", Message: "Invalid query parameter", Field: param}
			}
		}
	}

	for name, values := range r.Header {
		for _, value := range values {
			if len(value) > iv.MaxHeaderLength {
				return &ValidationError{Type: "header_length", Message: "Header value too long", Field: name}
			}
		}
	}

	for _, headerName := range []string{"Host", "X-Forwarded-For", "User-Agent"} {
		if headerValue := r.Header.Get(headerName); headerValue != "" {
			if err := validateHeaderValue(headerName, headerValue); err != nil {
				return err
			}
		}
	}
	return nil
}

// ValidationError represents an input validation error
type ValidationError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Field   string `json:"field"`
	Value   string `json:"value,omitempty"`
}

func (e *ValidationError) Error() string {
	return e.Message
}

// validateHeaderValue checks header values for injection patterns
func validateHeaderValue(name, value string) error {
	if !utf8.ValidString(value) {
		return &ValidationError{Type: "invalid_encoding", Message: "Invalid character encoding in header", Field: name}
	}
	if strings.ContainsAny(value, "\x00\r\n") {
		return &ValidationError{Type: "header_injection", Message: "Potential header injection detected", Field: name}
	}
	if name == "Host" && strings.ContainsAny(value, " \t<>\"'") {
		return &ValidationError{Type: "invalid_host", Message: "Invalid characters in Host header", Field: name}
	}
	return nil
}

// ValidatedHandlerFunc wraps an http.HandlerFunc with input validation
func ValidatedHandlerFunc(validation *InputValidation, handlerFunc http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := validation.ValidateRequest(r); err != nil {
			if validationErr, ok := err.(*ValidationError); ok {
				logger.Warn("Input validation failed",
					zap.String("type", validationErr.Type),
					zap.String("field", validationErr.Field),
					zap.String("client_ip", r.RemoteAddr),
					zap.String("path", r.URL.Path),
					zap.String("user_agent", r.Header.Get("User-Agent")),
				)
			}
			http.Error(w, "Bad Request", http.StatusBadRequest)
			return
		}
		handlerFunc(w, r)
	}
}
