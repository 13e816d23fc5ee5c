// Package intake extracts the free-text query from a chat request body.
//
// Clients send the query as JSON, as a form field, or as JSON that was
// form-encoded a second time. Each encoding is a Strategy; the strategies for
// a content type are tried in order and the first non-blank result wins.
package intake

import (
	"encoding/json"
	"errors"
	"mime"
	"net/url"
	"strings"
)

// ErrMissingQuery is returned when no strategy yields a non-blank query.
var ErrMissingQuery = errors.New("missing query")

// Strategy attempts to read the query from a raw body.
type Strategy func(body []byte) (string, bool)

var (
	jsonStrategies    = []Strategy{JSONStrategy}
	formStrategies    = []Strategy{FormStrategy, DecodedJSONStrategy}
	unknownStrategies = []Strategy{JSONStrategy, FormStrategy, DecodedJSONStrategy}
)

// StrategiesFor returns the ordered strategies for a Content-Type header value.
func StrategiesFor(contentType string) []Strategy {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(contentType))
	}
	switch {
	case mediaType == "application/json" || strings.HasSuffix(mediaType, "+json"):
		return jsonStrategies
	case mediaType == "application/x-www-form-urlencoded":
		return formStrategies
	default:
		return unknownStrategies
	}
}

// Extract runs the strategies for contentType over body.
func Extract(contentType string, body []byte) (string, error) {
	return Run(StrategiesFor(contentType), body)
}

// Run returns the first non-blank query produced by strategies.
func Run(strategies []Strategy, body []byte) (string, error) {
	for _, s := range strategies {
		if q, ok := s(body); ok {
			return q, nil
		}
	}
	return "", ErrMissingQuery
}

// JSONStrategy reads a string "query" field from a JSON object.
func JSONStrategy(body []byte) (string, bool) {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", false
	}
	raw, ok := payload["query"]
	if !ok {
		return "", false
	}
	var q string
	if err := json.Unmarshal(raw, &q); err != nil {
		return "", false
	}
	return nonBlank(q)
}

// FormStrategy reads the "query" key of a form-encoded body. Pairs with bad
// escapes are skipped; the rest still count.
func FormStrategy(body []byte) (string, bool) {
	values, _ := url.ParseQuery(string(body))
	return nonBlank(values.Get("query"))
}

// DecodedJSONStrategy URL-decodes the whole body, strips one trailing "=",
// and reads it as JSON. Browsers posting a JSON string as a form produce
// exactly this shape.
func DecodedJSONStrategy(body []byte) (string, bool) {
	decoded, err := url.QueryUnescape(string(body))
	if err != nil {
		decoded = string(body)
	}
	decoded = strings.TrimSuffix(decoded, "=")
	return JSONStrategy([]byte(decoded))
}

func nonBlank(s string) (string, bool) {
	if strings.TrimSpace(s) == "" {
		return "", false
	}
	return s, true
}
