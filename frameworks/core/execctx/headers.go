package execctx

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// DownPropagationHeaders encodes the readable DOWN keys with global propagation.
func (c *ExecutionContext) DownPropagationHeaders() map[string]string {
	headers := make(map[string]string, len(c.settings.downGlobal))
	for _, key := range c.settings.downGlobal {
		if v, ok := c.GetData(key); ok {
			headers[DownHeaderPrefix+key] = encodeValue(v)
		}
	}
	return headers
}

// UpPropagationHeaders encodes the local UP keys with global propagation, including
// values merged from closed children.
func (c *ExecutionContext) UpPropagationHeaders() map[string]string {
	headers := make(map[string]string, len(c.settings.upGlobal))
	for _, key := range c.settings.upGlobal {
		if v, ok := c.local[key]; ok && v != nil {
			headers[UpHeaderPrefix+key] = encodeValue(v)
		}
	}
	return headers
}

// ReadDownPropagationHeaders stores every known DOWN header as local data. Unknown
// header names and malformed values are skipped.
func (c *ExecutionContext) ReadDownPropagationHeaders(headers map[string]string) {
	c.readHeaders(headers, c.settings.downHeaders)
}

// ReadUpPropagationHeaders stores every known UP header as local data, so that it
// propagates further up when this context closes.
func (c *ExecutionContext) ReadUpPropagationHeaders(headers map[string]string) {
	c.readHeaders(headers, c.settings.upHeaders)
}

func (c *ExecutionContext) readHeaders(headers map[string]string, known map[string]string) {
	for name, raw := range headers {
		key, ok := known[strings.ToLower(name)]
		if !ok {
			continue
		}
		v, err := decodeValue(raw)
		if err != nil {
			c.manager.logger.Debug("skipping malformed propagation header", "header", name, "error", err)
			continue
		}
		c.SetData(key, v)
	}
}

const typeProperty = ";type="

func encodeValue(v any) string {
	var s, id string
	switch t := v.(type) {
	case string:
		s = t
	case bool:
		s, id = strconv.FormatBool(t), "b"
	case int8:
		s, id = strconv.FormatInt(int64(t), 10), "a"
	case int16:
		s, id = strconv.FormatInt(int64(t), 10), "s"
	case int32:
		s, id = strconv.FormatInt(int64(t), 10), "c"
	case int:
		s, id = strconv.Itoa(t), "i"
	case int64:
		s, id = strconv.FormatInt(t, 10), "l"
	case float32:
		s, id = strconv.FormatFloat(float64(t), 'g', -1, 32), "f"
	case float64:
		s, id = strconv.FormatFloat(t, 'g', -1, 64), "d"
	default:
		s = fmt.Sprint(v)
	}
	s = url.QueryEscape(s)
	if id != "" {
		s += typeProperty + id
	}
	return s
}

func decodeValue(raw string) (any, error) {
	value, props, _ := strings.Cut(raw, ";")
	s, err := url.QueryUnescape(strings.TrimSpace(value))
	if err != nil {
		return nil, err
	}
	id := ""
	for _, p := range strings.Split(props, ";") {
		if k, v, ok := strings.Cut(strings.TrimSpace(p), "="); ok && k == "type" {
			id = v
		}
	}
	switch id {
	case "":
		return s, nil
	case "b":
		return strconv.ParseBool(s)
	case "a":
		n, err := strconv.ParseInt(s, 10, 8)
		return int8(n), err
	case "s":
		n, err := strconv.ParseInt(s, 10, 16)
		return int16(n), err
	case "c":
		n, err := strconv.ParseInt(s, 10, 32)
		return int32(n), err
	case "i":
		return strconv.Atoi(s)
	case "l":
		return strconv.ParseInt(s, 10, 64)
	case "f":
		n, err := strconv.ParseFloat(s, 32)
		return float32(n), err
	case "d":
		return strconv.ParseFloat(s, 64)
	default:
		return nil, fmt.Errorf("unknown value type %q", id)
	}
}
