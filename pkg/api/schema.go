package api

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"path"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const (
	schemaBaseURL = "https://helm-pay.dev/schemas/"
	maxBodyBytes  = 1 << 20
)

//go:embed schemas/*.json
var schemaFS embed.FS

// ErrInvalidRequest marks a body that failed decoding or schema validation.
var ErrInvalidRequest = errors.New("invalid request")

// Schemas holds the compiled request body schemas by name.
type Schemas struct {
	byName map[string]*jsonschema.Schema
}

// LoadSchemas compiles every embedded request schema.
func LoadSchemas() (*Schemas, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020

	files, err := fs.Glob(schemaFS, "schemas/*.json")
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		raw, err := schemaFS.ReadFile(f)
		if err != nil {
			return nil, err
		}
		if err := c.AddResource(schemaBaseURL+path.Base(f), bytes.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("schema %s load failed: %w", f, err)
		}
	}

	s := &Schemas{byName: make(map[string]*jsonschema.Schema)}
	for _, f := range files {
		name := strings.TrimSuffix(path.Base(f), ".json")
		if name == "defs" {
			continue
		}
		compiled, err := c.Compile(schemaBaseURL + path.Base(f))
		if err != nil {
			return nil, fmt.Errorf("schema %s compile failed: %w", name, err)
		}
		s.byName[name] = compiled
	}
	return s, nil
}

// Decode validates the request body against the named schema and decodes it
// into dst. An empty body is treated as {}.
func (s *Schemas) Decode(r *http.Request, name string, dst any) error {
	schema, ok := s.byName[name]
	if !ok {
		return fmt.Errorf("unknown schema %q", name)
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return fmt.Errorf("%w: unreadable body", ErrInvalidRequest)
	}
	if len(raw) > maxBodyBytes {
		return fmt.Errorf("%w: body exceeds %d bytes", ErrInvalidRequest, maxBodyBytes)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = []byte("{}")
	}

	var doc any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("%w: malformed JSON: %v", ErrInvalidRequest, err)
	}
	if err := schema.Validate(doc); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return fmt.Errorf("%w: %s", ErrInvalidRequest, leafMessage(verr))
		}
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

// leafMessage reports the deepest cause, which names the offending field.
func leafMessage(v *jsonschema.ValidationError) string {
	for len(v.Causes) > 0 {
		v = v.Causes[0]
	}
	loc := v.InstanceLocation
	if loc == "" {
		loc = "/"
	}
	return loc + ": " + v.Message
}
