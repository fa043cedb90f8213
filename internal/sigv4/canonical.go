package sigv4

import (
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// Request is the signing view of an HTTP request. Header holds every header
// that should be signed besides Host; Sign adds the date and token headers
// to it.
type Request struct {
	Method      string
	Host        string
	Path        string
	Query       url.Values
	Header      http.Header
	PayloadHash string
}

// CanonicalRequest returns the canonical form of r together with the
// semicolon-separated list of signed header names.
func CanonicalRequest(r *Request) (canonical, signedHeaders string) {
	headers, signed := canonicalHeaders(r.Host, r.Header)
	canonical = strings.Join([]string{
		r.Method,
		canonicalPath(r.Path),
		canonicalQuery(r.Query),
		headers,
		signed,
		r.PayloadHash,
	}, "\n")
	return canonical, signed
}

func canonicalPath(p string) string {
	if p == "" {
		return "/"
	}
	segments := strings.Split(p, "/")
	for i, s := range segments {
		segments[i] = escape(s)
	}
	return strings.Join(segments, "/")
}

// canonicalQuery sorts parameters by encoded key, then value.
func canonicalQuery(q url.Values) string {
	if len(q) == 0 {
		return ""
	}
	type param struct{ k, v string }
	params := make([]param, 0, len(q))
	for k, vs := range q {
		ek := escape(k)
		for _, v := range vs {
			params = append(params, param{ek, escape(v)})
		}
	}
	sort.Slice(params, func(i, j int) bool {
		if params[i].k != params[j].k {
			return params[i].k < params[j].k
		}
		return params[i].v < params[j].v
	})

	var b strings.Builder
	for i, p := range params {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(p.k)
		b.WriteByte('=')
		b.WriteString(p.v)
	}
	return b.String()
}

// canonicalHeaders returns the newline-terminated "name:value" block and the
// signed header list. Host is always signed.
func canonicalHeaders(host string, h http.Header) (string, string) {
	values := map[string]string{"host": host}
	for k, vs := range h {
		name := strings.ToLower(k)
		if name == "host" {
			continue
		}
		trimmed := make([]string, len(vs))
		for i, v := range vs {
			trimmed[i] = strings.Join(strings.Fields(v), " ")
		}
		values[name] = strings.Join(trimmed, ",")
	}

	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		b.WriteString(name)
		b.WriteByte(':')
		b.WriteString(values[name])
		b.WriteByte('\n')
	}
	return b.String(), strings.Join(names, ";")
}

// escape percent-encodes everything except the RFC 3986 unreserved set.
func escape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}
