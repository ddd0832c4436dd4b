package gateway

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const schemaBase = "https://gatekeeper.invalid/schemas/"

// bodySchemas holds the compiled request schemas by file name.
type bodySchemas struct {
	captcha    *jsonschema.Schema
	cloudflare *jsonschema.Schema
}

func compileSchemas() (*bodySchemas, error) {
	c := jsonschema.NewCompiler()
	entries, err := schemaFS.ReadDir("schemas")
	if err != nil {
		return nil, fmt.Errorf("read embedded schemas: %w", err)
	}
	for _, e := range entries {
		raw, err := schemaFS.ReadFile(path.Join("schemas", e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", e.Name(), err)
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("unmarshal schema %s: %w", e.Name(), err)
		}
		if err := c.AddResource(schemaBase+e.Name(), doc); err != nil {
			return nil, fmt.Errorf("add schema resource %s: %w", e.Name(), err)
		}
	}
	captcha, err := c.Compile(schemaBase + "verify_captcha.json")
	if err != nil {
		return nil, fmt.Errorf("compile verify_captcha schema: %w", err)
	}
	cloudflare, err := c.Compile(schemaBase + "verify_cloudflare.json")
	if err != nil {
		return nil, fmt.Errorf("compile verify_cloudflare schema: %w", err)
	}
	return &bodySchemas{captcha: captcha, cloudflare: cloudflare}, nil
}

var errBodyTooLarge = errors.New("request body too large")

// decodeBody reads the body, validates it against schema and decodes it
// into dst.
func decodeBody(r io.Reader, schema *jsonschema.Schema, dst any) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return errBodyTooLarge
		}
		return fmt.Errorf("read body: %w", err)
	}
	// UnmarshalJSON keeps numbers as json.Number, which the validator needs.
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

// flexString accepts a JSON string or number and keeps its text.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

// truthy reports whether v is true the way a loosely typed client means it:
// false, zero, empty strings and empty collections are not.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0
	case json.Number:
		f, err := strconv.ParseFloat(string(t), 64)
		return err == nil && f != 0
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}

func trimmed(s flexString) string {
	return strings.TrimSpace(string(s))
}
