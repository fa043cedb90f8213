package sigv4

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Sign signs r in place with header-based authentication. It sets
// X-Amz-Date and, when the credentials carry a session token,
// X-Amz-Security-Token, then computes the signature over Host plus every
// header in r.Header and adds Authorization. The returned header is r.Header.
func Sign(c Context, r *Request) (http.Header, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if r.Host == "" {
		return nil, ErrMissingHost
	}
	if r.Header == nil {
		r.Header = make(http.Header)
	}

	r.Header.Set(HeaderDate, c.AmzDate())
	if c.Credentials.SessionToken != "" {
		r.Header.Set(HeaderSecurityToken, c.Credentials.SessionToken)
	}

	canonical, signed := CanonicalRequest(r)
	sig := c.sign(canonical)

	r.Header.Set(HeaderAuthorization, fmt.Sprintf("%s Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		Algorithm, c.Credentials.AccessKeyID, c.Scope(), signed, sig))
	return r.Header, nil
}

// SignStreamingPost signs a chunked POST whose body is produced while the
// request is in flight. The payload is declared UNSIGNED-PAYLOAD.
func SignStreamingPost(c Context, host, path string, header http.Header) (http.Header, error) {
	h := header.Clone()
	if h == nil {
		h = make(http.Header)
	}
	h.Set(HeaderContentSHA256, UnsignedPayload)
	return Sign(c, &Request{
		Method:      http.MethodPost,
		Host:        host,
		Path:        path,
		Header:      h,
		PayloadHash: UnsignedPayload,
	})
}

// DefaultExpires is the presigned URL lifetime accepted by signaling
// endpoints (just under five minutes).
const DefaultExpires = 299 * time.Second

// PresignOptions tunes Presign.
type PresignOptions struct {
	Expires time.Duration // zero selects DefaultExpires
}

// Presign returns rawURL with query-based authentication appended. Existing
// query parameters are kept and signed. Only the host header is signed, and
// the payload hash is that of an empty body.
func Presign(c Context, rawURL string, opts PresignOptions) (string, error) {
	if err := c.Validate(); err != nil {
		return "", err
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("sigv4: parse url: %w", err)
	}
	if u.Host == "" {
		return "", ErrMissingHost
	}
	expires := opts.Expires
	if expires <= 0 {
		expires = DefaultExpires
	}

	q, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return "", fmt.Errorf("sigv4: parse query: %w", err)
	}
	q.Set(ParamAlgorithm, Algorithm)
	q.Set(ParamCredential, c.Credentials.AccessKeyID+"/"+c.Scope())
	q.Set(ParamDate, c.AmzDate())
	q.Set(ParamExpires, fmt.Sprintf("%d", int64(expires/time.Second)))
	q.Set(ParamSignedHeaders, "host")
	if c.Credentials.SessionToken != "" {
		q.Set(ParamSecurityToken, c.Credentials.SessionToken)
	}

	path := canonicalPath(u.Path)
	query := canonicalQuery(q)
	canonical := strings.Join([]string{
		http.MethodGet,
		path,
		query,
		"host:" + u.Host + "\n",
		"host",
		EmptyPayloadHash,
	}, "\n")
	sig := c.sign(canonical)

	return u.Scheme + "://" + u.Host + path + "?" + query + "&" + ParamSignature + "=" + sig, nil
}
