package wire

import "math"

const (
	KeyCommand  = "cmd"
	KeyParam    = "param"
	KeyOut      = "out"
	KeyErr      = "err"
	KeyErrStack = "errStack"

	KeyName    = "name"
	KeyService = "service"
	KeyVersion = "version"

	// TextPrefix marks an out-of-band text line.
	TextPrefix = '.'
	objectOpen = '{'
)

// Command is one request: a name plus ordered params. Params are deep-copied
// on construction and on read, so a Command never changes once built.
// Numbers are stored the way they decode from the wire: int64 when
// integral, uint64 above MaxInt64, float64 otherwise.
type Command struct {
	name   string
	params []any
}

func NewCommand(name string, params ...any) Command {
	return Command{name: name, params: cloneParams(params)}
}

func (c Command) Name() string {
	return c.name
}

func (c Command) Params() []any {
	return cloneParams(c.params)
}

func (c Command) ParamCount() int {
	return len(c.params)
}

func cloneParams(in []any) []any {
	if len(in) == 0 {
		return nil
	}
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = canonical(v)
	}
	return out
}

// canonical deep-copies v, converting numbers and lists to their decoded form.
func canonical(v any) any {
	switch value := v.(type) {
	case int:
		return int64(value)
	case int8:
		return int64(value)
	case int16:
		return int64(value)
	case int32:
		return int64(value)
	case int64:
		return value
	case uint:
		return canonicalUint(uint64(value))
	case uint8:
		return int64(value)
	case uint16:
		return int64(value)
	case uint32:
		return int64(value)
	case uint64:
		return canonicalUint(value)
	case float32:
		return canonicalFloat(float64(value))
	case float64:
		return canonicalFloat(value)
	case []any:
		out := make([]any, len(value))
		for i := range value {
			out[i] = canonical(value[i])
		}
		return out
	case []string:
		out := make([]any, len(value))
		for i := range value {
			out[i] = value[i]
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(value))
		for k, item := range value {
			out[k] = canonical(item)
		}
		return out
	default:
		return v
	}
}

func canonicalUint(u uint64) any {
	if u <= math.MaxInt64 {
		return int64(u)
	}
	return u
}

// canonicalFloat maps integral floats to the integer the encoder writes.
func canonicalFloat(f float64) any {
	if f != math.Trunc(f) || math.IsInf(f, 0) {
		return f
	}
	switch {
	case f >= math.MinInt64 && f < math.MaxInt64:
		return int64(f)
	case f >= 0 && f < math.MaxUint64:
		return uint64(f)
	default:
		return f
	}
}

// Response is the terminal reply to a command.
// Err == 0 means success; Out == nil means no output.
type Response struct {
	Out      any
	Err      int
	ErrStack string
}

func (r Response) IsError() bool {
	return r.Err != 0
}

func (r Response) HasOutput() bool {
	return r.Out != nil
}

// Greeting is the first line a server writes on a new channel.
type Greeting struct {
	Name    string `json:"name"`
	Service string `json:"service"`
	Version string `json:"version"`
}

type LineKind int

const (
	LineEmpty LineKind = iota
	LineObject
	LineText
	LineInvalid
)

func (k LineKind) String() string {
	switch k {
	case LineEmpty:
		return "empty"
	case LineObject:
		return "object"
	case LineText:
		return "text"
	default:
		return "invalid"
	}
}
