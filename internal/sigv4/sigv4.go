// Package sigv4 implements AWS Signature Version 4 for the two request
// shapes PutMedia clients need: header-signed requests (the streaming
// PutMedia POST and JSON control-plane calls) and presigned URLs (signaling
// channel websockets).
//
// Signing is a pure function of its inputs: the same credentials, request
// and timestamp always produce the same signature.
package sigv4

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
)

// Algorithm is the signing algorithm identifier.
const Algorithm = "AWS4-HMAC-SHA256"

// UnsignedPayload is the payload hash used for streaming bodies whose
// length and content are not known when the request is signed.
const UnsignedPayload = "UNSIGNED-PAYLOAD"

// EmptyPayloadHash is the hex SHA-256 of an empty body.
const EmptyPayloadHash = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

// DefaultService is the signing name of Kinesis Video Streams.
const DefaultService = "kinesisvideo"

const (
	timeFormat   = "20060102T150405Z"
	dateFormat   = "20060102"
	requestType  = "aws4_request"
	secretPrefix = "AWS4"
)

// Header and query parameter names.
const (
	HeaderAuthorization = "Authorization"
	HeaderDate          = "X-Amz-Date"
	HeaderSecurityToken = "X-Amz-Security-Token"
	HeaderContentSHA256 = "X-Amz-Content-Sha256"

	ParamAlgorithm     = "X-Amz-Algorithm"
	ParamCredential    = "X-Amz-Credential"
	ParamDate          = "X-Amz-Date"
	ParamExpires       = "X-Amz-Expires"
	ParamSecurityToken = "X-Amz-Security-Token"
	ParamSignature     = "X-Amz-Signature"
	ParamSignedHeaders = "X-Amz-SignedHeaders"
)

// Validation errors, returned before any request is built.
var (
	ErrMissingCredentials = errors.New("sigv4: missing access key or secret key")
	ErrMissingRegion      = errors.New("sigv4: missing region")
	ErrMissingService     = errors.New("sigv4: missing service name")
	ErrMissingHost        = errors.New("sigv4: missing host")
	ErrMissingTime        = errors.New("sigv4: missing signing time")
)

// Context carries everything a single signing operation needs. Build a new
// one per request; the zero Time is rejected.
type Context struct {
	Credentials aws.Credentials
	Region      string
	Service     string
	Time        time.Time
}

// Validate reports missing inputs.
func (c Context) Validate() error {
	if c.Credentials.AccessKeyID == "" || c.Credentials.SecretAccessKey == "" {
		return ErrMissingCredentials
	}
	if c.Region == "" {
		return ErrMissingRegion
	}
	if c.Service == "" {
		return ErrMissingService
	}
	if c.Time.IsZero() {
		return ErrMissingTime
	}
	return nil
}

// AmzDate returns the request timestamp in ISO-8601 basic format.
func (c Context) AmzDate() string {
	return c.Time.UTC().Format(timeFormat)
}

// DateStamp returns the request date used in the credential scope.
func (c Context) DateStamp() string {
	return c.Time.UTC().Format(dateFormat)
}

// Scope returns date/region/service/aws4_request.
func (c Context) Scope() string {
	return CredentialScope(c.DateStamp(), c.Region, c.Service)
}

// CredentialScope joins the scope components.
func CredentialScope(date, region, service string) string {
	return strings.Join([]string{date, region, service, requestType}, "/")
}

// SigningKey derives the request signing key from the secret through the
// date, region, service and terminator HMAC chain. The session token never
// takes part in derivation.
func SigningKey(secret, date, region, service string) []byte {
	kDate := hmacSHA256([]byte(secretPrefix+secret), date)
	kRegion := hmacSHA256(kDate, region)
	kService := hmacSHA256(kRegion, service)
	return hmacSHA256(kService, requestType)
}

// StringToSign builds the string the signature is computed over.
func StringToSign(amzDate, scope, canonicalRequest string) string {
	sum := sha256.Sum256([]byte(canonicalRequest))
	return strings.Join([]string{Algorithm, amzDate, scope, hex.EncodeToString(sum[:])}, "\n")
}

// Signature returns the hex HMAC of stringToSign under key.
func Signature(key []byte, stringToSign string) string {
	return hex.EncodeToString(hmacSHA256(key, stringToSign))
}

// HashPayload returns the hex SHA-256 of body, for requests whose body is
// known at signing time.
func HashPayload(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

func (c Context) sign(canonicalRequest string) string {
	key := SigningKey(c.Credentials.SecretAccessKey, c.DateStamp(), c.Region, c.Service)
	return Signature(key, StringToSign(c.AmzDate(), c.Scope(), canonicalRequest))
}

func hmacSHA256(key []byte, data string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(data))
	return mac.Sum(nil)
}
