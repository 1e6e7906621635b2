package core

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/spf13/cast"
)

// Request is the transport-independent view of one gateway request.
// The service layer builds it from the HTTP request.
type Request struct {
	Method      string
	Path        string
	Headers     http.Header
	Query       url.Values
	Body        []byte
	ContentType string
	ClientIP    string
}

// requestCamel reports whether request keys arrive camelCase and must
// be converted to snake_case before binding.
func (r *Request) requestCamel() bool {
	if r.Query.Get("naming") == "camel" {
		return true
	}
	return r.Headers.Get("X-Request-Naming") == "camel"
}

// responseCamel reports whether response keys leave camelCase.
func (r *Request) responseCamel() bool {
	if r.Query.Get("naming") == "camel" {
		return true
	}
	return r.Headers.Get("X-Response-Naming") == "camel"
}

// bindParams builds the req map from the request, the endpoint's
// param schema and the resolved path variables. The returned
// loggedParams is a JSON copy for the access record.
func (ge *gatewayEngine) bindParams(ctx context.Context, r *Request, b *Bundle, pathVars map[string]string) (map[string]any, string, error) {
	body := parseBodyMap(r.Body, r.ContentType)
	query := queryMap(r.Query)

	if r.requestCamel() {
		body = ConvertKeysToSnake(body).(map[string]any)
		query = ConvertKeysToSnake(query).(map[string]any)
	}

	var params map[string]any
	if len(b.ParamSchema) > 0 {
		p, err := bindWithSchema(b.ParamSchema, body, query, pathVars, r.Headers)
		if err != nil {
			return nil, "", err
		}
		params = p
	} else {
		// No schema: body under query under path.
		params = make(map[string]any, len(body)+len(query)+len(pathVars))
		for k, v := range body {
			params[k] = v
		}
		for k, v := range query {
			params[k] = v
		}
		for k, v := range pathVars {
			params[k] = v
		}
	}

	if err := ge.runValidators(ctx, b.Validators, params); err != nil {
		return nil, "", err
	}

	logged, err := json.Marshal(params)
	if err != nil {
		logged = []byte("{}")
	}
	return params, string(logged), nil
}

func bindWithSchema(schema []ParamSpec, body, query map[string]any, pathVars map[string]string, headers http.Header) (map[string]any, error) {
	params := make(map[string]any, len(schema)+len(pathVars))
	for k, v := range pathVars {
		params[k] = v
	}

	var missing []string
	for _, spec := range schema {
		var raw any
		var found bool

		switch spec.Location {
		case "path":
			if v, ok := pathVars[spec.Name]; ok {
				raw, found = v, true
			}
		case "query":
			if v, ok := query[spec.Name]; ok {
				raw, found = v, true
			}
		case "body":
			if v, ok := body[spec.Name]; ok {
				raw, found = v, true
			}
		case "header":
			if v := headers.Get(spec.Name); v != "" {
				raw, found = v, true
			}
		default:
			return nil, newError(BadParameter, "parameter %q has unknown location %q", spec.Name, spec.Location)
		}

		// Missing and empty-string values both take the default.
		if spec.DefaultValue != "" {
			if s, isStr := raw.(string); !found || (isStr && s == "") {
				raw, found = spec.DefaultValue, true
			}
		}

		if found {
			coerced, err := coerceValue(raw, spec.DataType)
			if err != nil {
				msg := spec.ValidationMessage
				if msg == "" {
					msg = fmt.Sprintf("invalid value for parameter %q", spec.Name)
				}
				return nil, wrapError(BadParameter, err, "%s", msg)
			}
			params[spec.Name] = coerced
		}

		// Required runs after coercion and defaults.
		if spec.Required {
			v, ok := params[spec.Name]
			if !ok || v == nil || v == "" {
				missing = append(missing, spec.Name)
			}
		}
	}

	if len(missing) > 0 {
		return nil, newError(MissingParameter, "Missing required parameters: %s", strings.Join(missing, ", "))
	}
	return params, nil
}

func (ge *gatewayEngine) runValidators(ctx context.Context, validators []Validator, params map[string]any) error {
	for _, v := range validators {
		ok, err := ge.sandbox.RunValidator(ctx, v.Script, params[v.Name], params)
		if err == nil && ok {
			continue
		}
		msg := v.MessageWhenFail
		if msg == "" {
			msg = fmt.Sprintf("parameter %q failed validation", v.Name)
		}
		if err != nil {
			return wrapError(BadParameter, err, "%s", msg)
		}
		return newError(BadParameter, "%s", msg)
	}
	return nil
}

// coerceValue converts a raw value to the declared data type.
func coerceValue(raw any, dataType string) (any, error) {
	switch strings.ToLower(dataType) {
	case "", "any":
		return raw, nil

	case "string":
		switch v := raw.(type) {
		case string:
			return strings.TrimSpace(v), nil
		case nil:
			return nil, nil
		default:
			return cast.ToString(v), nil
		}

	case "integer":
		switch v := raw.(type) {
		case bool:
			return nil, fmt.Errorf("boolean is not an integer")
		case int:
			return int64(v), nil
		case int64:
			return v, nil
		case float64:
			if v != math.Trunc(v) {
				return nil, fmt.Errorf("%v has a fractional part", v)
			}
			return int64(v), nil
		case json.Number:
			return v.Int64()
		case string:
			n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%q is not an integer", v)
			}
			return n, nil
		default:
			return nil, fmt.Errorf("cannot read %T as integer", raw)
		}

	case "number":
		switch v := raw.(type) {
		case bool:
			return nil, fmt.Errorf("boolean is not a number")
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		case float64:
			return v, nil
		case json.Number:
			return v.Float64()
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				return nil, fmt.Errorf("%q is not a number", v)
			}
			return f, nil
		default:
			return nil, fmt.Errorf("cannot read %T as number", raw)
		}

	case "boolean":
		switch v := raw.(type) {
		case bool:
			return v, nil
		case string:
			switch strings.ToLower(strings.TrimSpace(v)) {
			case "true", "1", "yes":
				return true, nil
			case "false", "0", "no":
				return false, nil
			}
			return nil, fmt.Errorf("%q is not a boolean", v)
		case float64:
			if v == 1 {
				return true, nil
			}
			if v == 0 {
				return false, nil
			}
			return nil, fmt.Errorf("%v is not a boolean", v)
		default:
			return nil, fmt.Errorf("cannot read %T as boolean", raw)
		}

	case "array":
		switch v := raw.(type) {
		case []any:
			return v, nil
		case string:
			s := strings.TrimSpace(v)
			if strings.HasPrefix(s, "[") {
				var out []any
				if err := json.Unmarshal([]byte(s), &out); err != nil {
					return nil, fmt.Errorf("invalid JSON array: %w", err)
				}
				return out, nil
			}
			if s == "" {
				return []any{}, nil
			}
			parts := strings.Split(s, ",")
			out := make([]any, len(parts))
			for i, p := range parts {
				out[i] = strings.TrimSpace(p)
			}
			return out, nil
		default:
			return nil, fmt.Errorf("cannot read %T as array", raw)
		}

	case "object":
		switch v := raw.(type) {
		case map[string]any:
			return v, nil
		case string:
			var out map[string]any
			if err := json.Unmarshal([]byte(v), &out); err != nil {
				return nil, fmt.Errorf("invalid JSON object: %w", err)
			}
			return out, nil
		default:
			return nil, fmt.Errorf("cannot read %T as object", raw)
		}
	}

	return nil, fmt.Errorf("unknown data type %q", dataType)
}

// parseBodyMap decodes the raw body into a key map by content type.
// Non-object bodies contribute no keys.
func parseBodyMap(body []byte, contentType string) map[string]any {
	if len(body) == 0 {
		return map[string]any{}
	}

	mediaType, mtParams, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = contentType
	}

	switch {
	case strings.Contains(mediaType, "json") || mediaType == "":
		var out map[string]any
		if err := json.Unmarshal(body, &out); err != nil {
			return map[string]any{}
		}
		return out

	case mediaType == "application/x-www-form-urlencoded":
		values, err := url.ParseQuery(string(body))
		if err != nil {
			return map[string]any{}
		}
		return queryMap(values)

	case mediaType == "multipart/form-data":
		boundary := mtParams["boundary"]
		if boundary == "" {
			return map[string]any{}
		}
		mr := multipart.NewReader(strings.NewReader(string(body)), boundary)
		form, err := mr.ReadForm(1 << 20)
		if err != nil {
			return map[string]any{}
		}
		out := make(map[string]any, len(form.Value))
		for k, vs := range form.Value {
			if len(vs) == 1 {
				out[k] = vs[0]
			} else if len(vs) > 1 {
				out[k] = vs
			}
		}
		return out
	}

	return map[string]any{}
}

// queryMap flattens url.Values: single values stay scalar, repeats
// become lists. The naming control key is not a parameter.
func queryMap(values url.Values) map[string]any {
	out := make(map[string]any, len(values))
	for k, vs := range values {
		if k == "naming" {
			continue
		}
		if len(vs) == 1 {
			out[k] = vs[0]
		} else if len(vs) > 1 {
			list := make([]any, len(vs))
			for i, v := range vs {
				list[i] = v
			}
			out[k] = list
		}
	}
	return out
}
