package mockkvs

import (
	"crypto/hmac"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"

	"github.com/zsiec/kvsaudio/internal/sigv4"
)

var errBadAuthorization = errors.New("malformed authorization header")

type authorization struct {
	accessKey string
	date      string
	region    string
	service   string
	signed    []string
	signature string
}

func parseAuthorization(v string) (authorization, error) {
	var a authorization
	rest, ok := strings.CutPrefix(v, sigv4.Algorithm+" ")
	if !ok {
		return a, errBadAuthorization
	}
	for _, part := range strings.Split(rest, ",") {
		k, val, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return a, errBadAuthorization
		}
		switch k {
		case "Credential":
			f := strings.Split(val, "/")
			if len(f) != 5 || f[4] != "aws4_request" {
				return a, errBadAuthorization
			}
			a.accessKey, a.date, a.region, a.service = f[0], f[1], f[2], f[3]
		case "SignedHeaders":
			a.signed = strings.Split(val, ";")
		case "Signature":
			a.signature = val
		}
	}
	if a.accessKey == "" || a.signature == "" || len(a.signed) == 0 {
		return a, errBadAuthorization
	}
	return a, nil
}

// verifySignature recomputes the header signature of req with creds and
// compares it to the one the client sent.
func verifySignature(req *http.Request, creds aws.Credentials, region string) error {
	auth, err := parseAuthorization(req.Header.Get(sigv4.HeaderAuthorization))
	if err != nil {
		return err
	}
	if auth.accessKey != creds.AccessKeyID {
		return fmt.Errorf("unknown access key %q", auth.accessKey)
	}
	if region != "" && auth.region != region {
		return fmt.Errorf("credential scope region %q, want %q", auth.region, region)
	}
	ts, err := time.Parse("20060102T150405Z", req.Header.Get(sigv4.HeaderDate))
	if err != nil {
		return fmt.Errorf("bad %s: %w", sigv4.HeaderDate, err)
	}
	if ts.Format("20060102") != auth.date {
		return errors.New("credential scope date does not match request date")
	}

	h := make(http.Header)
	for _, name := range auth.signed {
		if name == "host" {
			continue
		}
		vals := req.Header.Values(name)
		if len(vals) == 0 {
			return fmt.Errorf("signed header %q missing", name)
		}
		for _, v := range vals {
			h.Add(name, v)
		}
	}

	creds.SessionToken = req.Header.Get(sigv4.HeaderSecurityToken)
	want, err := sigv4.Sign(sigv4.Context{
		Credentials: creds,
		Region:      auth.region,
		Service:     auth.service,
		Time:        ts,
	}, &sigv4.Request{
		Method:      req.Method,
		Host:        req.Host,
		Path:        req.URL.EscapedPath(),
		Query:       req.URL.Query(),
		Header:      h,
		PayloadHash: req.Header.Get(sigv4.HeaderContentSHA256),
	})
	if err != nil {
		return err
	}
	if !hmac.Equal([]byte(want.Get(sigv4.HeaderAuthorization)), []byte(req.Header.Get(sigv4.HeaderAuthorization))) {
		return errors.New("signature mismatch")
	}
	return nil
}
