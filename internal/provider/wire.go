package provider

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"scenegen/internal/models"
)

const (
	contentTypeJSON = "application/json"
	userAgent       = "scenegen/0.1"
	maxErrorBody    = 64 * 1024
)

// WireRequest is an HTTP request described without I/O.
type WireRequest struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// WireResponse is the raw reply of a provider.
type WireResponse struct {
	Kind       models.ProviderKind
	StatusCode int
	Header     http.Header
	Body       []byte
}

// NewJSONRequest marshals payload and sets the common JSON headers.
func NewJSONRequest(method, url string, payload any) (*WireRequest, error) {
	req := &WireRequest{
		Method: method,
		URL:    url,
		Header: make(http.Header),
	}
	if payload != nil {
		body, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		req.Body = body
		req.Header.Set("Content-Type", contentTypeJSON)
	}
	req.Header.Set("Accept", contentTypeJSON)
	req.Header.Set("User-Agent", userAgent)
	return req, nil
}

// SetAuth writes the credential header. With no key nothing is sent, so
// keyless endpoints never see an empty token.
func (r *WireRequest) SetAuth(header, scheme, key string) {
	key = strings.TrimSpace(key)
	if key == "" || header == "" {
		return
	}
	if scheme != "" {
		r.Header.Set(header, scheme+" "+key)
		return
	}
	r.Header.Set(header, key)
}

// SetBearer is SetAuth with the Authorization header and Bearer scheme.
func (r *WireRequest) SetBearer(key string) {
	r.SetAuth("Authorization", "Bearer", key)
}

// ApplyHeaders copies configured extra headers onto the request.
func (r *WireRequest) ApplyHeaders(extra map[string]string) {
	for k, v := range extra {
		r.Header.Set(k, v)
	}
}

// CheckStatus converts a non-2xx reply into a RequestRejected error. The
// provider's own message is extracted from the usual error shapes.
func CheckStatus(resp *WireResponse) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body := resp.Body
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	return &Error{
		Kind:     RequestRejected,
		Provider: resp.Kind,
		Status:   resp.StatusCode,
		Body:     strings.TrimSpace(string(body)),
		Detail:   errorDetail(body),
	}
}

func errorDetail(body []byte) string {
	if !gjson.ValidBytes(body) {
		return ""
	}
	for _, path := range []string{"error.message", "error", "message", "detail"} {
		if v := gjson.GetBytes(body, path); v.Exists() && v.Type == gjson.String && v.String() != "" {
			detail := v.String()
			if t := gjson.GetBytes(body, "error.type"); t.Exists() && t.String() != "" && path == "error.message" {
				detail = fmt.Sprintf("%s (%s)", detail, t.String())
			}
			return detail
		}
	}
	return ""
}

// DecodeJSON unmarshals a successful body, reporting MalformedResponse on
// failure.
func DecodeJSON(resp *WireResponse, target any) error {
	if err := json.Unmarshal(resp.Body, target); err != nil {
		return malformed(resp.Kind, fmt.Errorf("decode provider response: %w", err))
	}
	return nil
}

// Result builds a GenerationResult from the candidate texts, dropping blank
// ones. Zero remaining candidates is a MissingPayload error.
func Result(resp *WireResponse, texts []string) (*models.GenerationResult, error) {
	candidates := make([]string, 0, len(texts))
	for _, text := range texts {
		if strings.TrimSpace(text) != "" {
			candidates = append(candidates, text)
		}
	}
	if len(candidates) == 0 {
		return nil, missing(resp.Kind, "no non-empty script candidates")
	}
	return &models.GenerationResult{
		RawBody:          resp.Body,
		ScriptCandidates: candidates,
		ProviderKind:     resp.Kind,
		HTTPStatus:       resp.StatusCode,
	}, nil
}

// MissingPayloadError reports a well-formed body that lacks the expected field.
func MissingPayloadError(kind models.ProviderKind, detail string) error {
	return missing(kind, detail)
}

// JoinURL appends path to base unless base already points at it.
func JoinURL(base, path string) string {
	base = strings.TrimRight(base, "/")
	path = strings.TrimLeft(path, "/")
	if strings.HasSuffix(base, "/"+path) {
		return base
	}
	return base + "/" + path
}
