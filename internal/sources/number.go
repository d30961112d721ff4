package sources

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// number decodes a JSON number that providers sometimes send quoted, empty
// or as null.
type number struct {
	v  float64
	ok bool
}

func (n *number) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		return nil
	}
	s = strings.Trim(s, `"`)
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "n/a") {
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("number %s: %w", b, err)
	}
	n.v, n.ok = f, true
	return nil
}

func (n number) ptr() *float64 {
	if !n.ok {
		return nil
	}
	v := n.v
	return &v
}

func (n number) or(def float64) float64 {
	if !n.ok {
		return def
	}
	return n.v
}

// isArray reports whether the payload is a bare JSON array rather than an
// object such as a GeoJSON FeatureCollection.
func isArray(body []byte) bool {
	b := bytes.TrimSpace(body)
	return len(b) > 0 && b[0] == '['
}
