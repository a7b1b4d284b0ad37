package metadata

import "strings"

// Well-known header keys set or read by the built-in middleware.
const (
	KeyCorrelationID = "correlation_id"
	KeyTraceParent   = "traceparent"
	KeyEndpoint      = "leopard_endpoint"
	KeyInstance      = "leopard_instance"
)

// Metadata represents the headers carried alongside a request.
type Metadata map[string]string

func (m Metadata) cloneWithExtra(extra int) Metadata {
	size := len(m) + extra
	if size <= 0 {
		return Metadata{}
	}

	cloned := make(Metadata, size)
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// Clone returns a shallow copy of the metadata map.
func (m Metadata) Clone() Metadata {
	return m.cloneWithExtra(0)
}

// With returns a cloned metadata map containing the provided key/value pair.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.cloneWithExtra(1)
	cloned[key] = value
	return cloned
}

// WithAll returns a cloned metadata map containing the supplied entries.
func (m Metadata) WithAll(entries Metadata) Metadata {
	cloned := m.cloneWithExtra(len(entries))
	for k, v := range entries {
		cloned[k] = v
	}
	return cloned
}

// Get looks a key up, falling back to a case-insensitive match since NATS
// header names are canonicalised by some clients.
func (m Metadata) Get(key string) string {
	if v, ok := m[key]; ok {
		return v
	}
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

// New constructs a Metadata map from alternating key/value pairs.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i < len(pairs)-1; i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}

// FromHeaders flattens multi-valued transport headers, keeping the first value.
func FromHeaders(h map[string][]string) Metadata {
	md := make(Metadata, len(h))
	for k, values := range h {
		if len(values) == 0 {
			continue
		}
		md[k] = values[0]
	}
	return md
}

// ToHeaders expands metadata into the multi-valued form used by NATS headers.
func ToHeaders(m Metadata) map[string][]string {
	if len(m) == 0 {
		return nil
	}
	h := make(map[string][]string, len(m))
	for k, v := range m {
		h[k] = []string{v}
	}
	return h
}
