package wire

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

type request struct {
	Cmd   string `json:"cmd"`
	Param []any  `json:"param,omitempty"`
}

type response struct {
	Err      int    `json:"err,omitempty"`
	Out      any    `json:"out,omitempty"`
	ErrStack string `json:"errStack,omitempty"`
}

// ClassifyLine reports what a raw line (without its newline) carries.
func ClassifyLine(line string) LineKind {
	if line == "" {
		return LineEmpty
	}
	switch line[0] {
	case objectOpen:
		return LineObject
	case TextPrefix:
		return LineText
	default:
		return LineInvalid
	}
}

func EncodeCommand(cmd Command) (string, error) {
	if strings.TrimSpace(cmd.name) == "" {
		return "", FormatErrorf("command name is required")
	}
	return marshalLine(request{Cmd: cmd.name, Param: cmd.params})
}

func DecodeCommand(line string) (Command, error) {
	obj, err := decodeObject(line)
	if err != nil {
		return Command{}, err
	}
	raw, ok := obj[KeyCommand]
	if !ok || raw == nil {
		return Command{}, FormatErrorf("unable to find request key '%s'", KeyCommand)
	}
	name, ok := raw.(string)
	if !ok {
		return Command{}, FormatErrorf("request key '%s' must be string type", KeyCommand)
	}
	var params []any
	if rawParams, ok := obj[KeyParam]; ok && rawParams != nil {
		list, ok := rawParams.([]any)
		if !ok {
			return Command{}, FormatErrorf("request key '%s' must be array type", KeyParam)
		}
		params = list
	}
	return Command{name: name, params: cloneParams(params)}, nil
}

func EncodeResponse(resp Response) (string, error) {
	return marshalLine(response{Err: resp.Err, Out: resp.Out, ErrStack: resp.ErrStack})
}

func DecodeResponse(line string) (Response, error) {
	obj, err := decodeObject(line)
	if err != nil {
		return Response{}, err
	}
	var resp Response
	if raw, ok := obj[KeyErr]; ok && raw != nil {
		code, ok := raw.(int64)
		if !ok {
			return Response{}, FormatErrorf("response key '%s' must be integer type", KeyErr)
		}
		resp.Err = int(code)
	}
	if raw, ok := obj[KeyErrStack]; ok && raw != nil {
		stack, ok := raw.(string)
		if !ok {
			return Response{}, FormatErrorf("response key '%s' must be string type", KeyErrStack)
		}
		resp.ErrStack = stack
	}
	resp.Out = obj[KeyOut]
	return resp, nil
}

func EncodeGreeting(g Greeting) (string, error) {
	return marshalLine(g)
}

// DecodeGreeting checks presence and type of every greeting key. Value
// comparison is left to the caller.
func DecodeGreeting(line string) (Greeting, error) {
	obj, err := decodeObject(line)
	if err != nil {
		return Greeting{}, err
	}
	var g Greeting
	for _, field := range []struct {
		key string
		dst *string
	}{
		{KeyName, &g.Name},
		{KeyService, &g.Service},
		{KeyVersion, &g.Version},
	} {
		raw, ok := obj[field.key]
		if !ok || raw == nil {
			return Greeting{}, FormatErrorf("unable to find greeting key '%s'", field.key)
		}
		value, ok := raw.(string)
		if !ok {
			return Greeting{}, FormatErrorf("greeting key '%s' must be string type", field.key)
		}
		*field.dst = value
	}
	return g, nil
}

// EncodeText frames one out-of-band line. An empty text is the end marker.
func EncodeText(text string) (string, error) {
	if strings.ContainsAny(text, "\r\n") {
		return "", FormatErrorf("text line must not contain a newline")
	}
	return string(TextPrefix) + text, nil
}

func marshalLine(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", FormatErrorf("unable to encode message: %v", err)
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

func decodeObject(line string) (map[string]any, error) {
	if ClassifyLine(line) != LineObject {
		return nil, FormatErrorf("expected '{' at '%s'", line)
	}
	dec := json.NewDecoder(strings.NewReader(line))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, FormatErrorf("invalid object '%s': %v", line, err)
	}
	if dec.More() {
		return nil, FormatErrorf("unexpected data after object in '%s'", line)
	}
	return normalize(obj).(map[string]any), nil
}

// normalize turns json.Number into the same number types canonical stores.
func normalize(v any) any {
	switch value := v.(type) {
	case json.Number:
		if i, err := value.Int64(); err == nil {
			return i
		}
		if u, err := strconv.ParseUint(value.String(), 10, 64); err == nil {
			return u
		}
		f, err := value.Float64()
		if err != nil {
			return value.String()
		}
		return canonicalFloat(f)
	case []any:
		for i := range value {
			value[i] = normalize(value[i])
		}
		return value
	case map[string]any:
		for k := range value {
			value[k] = normalize(value[k])
		}
		return value
	default:
		return v
	}
}
