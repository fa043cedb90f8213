// Package endpoint discovers the per-stream data endpoints of Kinesis Video
// Streams through the control-plane API. Calls go through the SDK
// kinesisvideo client; service errors surface as smithy API errors so
// callers can classify them with errors.As.
package endpoint

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kinesisvideo"
	"github.com/aws/aws-sdk-go-v2/service/kinesisvideo/types"
	"github.com/aws/smithy-go"
)

// API names accepted by GetDataEndpoint.
const (
	APIPutMedia      = string(types.APINamePutMedia)
	APIGetMedia      = string(types.APINameGetMedia)
	APIListFragments = string(types.APINameListFragments)
	APIGetHLSURL     = string(types.APINameGetHlsStreamingSessionUrl)
	APIGetDASHURL    = string(types.APINameGetDashStreamingSessionUrl)
	APIGetClip       = string(types.APINameGetClip)
	APIGetImages     = string(types.APINameGetImages)
	APIGetFragments  = string(types.APINameGetMediaForFragmentList)
)

// Signaling channel roles.
const (
	RoleMaster = string(types.ChannelRoleMaster)
	RoleViewer = string(types.ChannelRoleViewer)
)

var (
	ErrMissingRegion      = errors.New("endpoint: missing region")
	ErrMissingCredentials = errors.New("endpoint: missing credentials provider")
	ErrEmptyEndpoint      = errors.New("endpoint: service returned no endpoint")
)

// API abstracts the control-plane operations used by [Client].
// *kinesisvideo.Client satisfies this interface.
type API interface {
	GetDataEndpoint(ctx context.Context, params *kinesisvideo.GetDataEndpointInput, optFns ...func(*kinesisvideo.Options)) (*kinesisvideo.GetDataEndpointOutput, error)
	GetSignalingChannelEndpoint(ctx context.Context, params *kinesisvideo.GetSignalingChannelEndpointInput, optFns ...func(*kinesisvideo.Options)) (*kinesisvideo.GetSignalingChannelEndpointOutput, error)
}

// Config configures NewClient.
type Config struct {
	// AWS carries region, credentials, HTTP client and retry settings,
	// usually from credentials.Load.
	AWS aws.Config

	// Endpoint overrides https://kinesisvideo.<region>.amazonaws.com.
	Endpoint string
}

// Client calls the Kinesis Video Streams control plane.
type Client struct {
	api API
	log *slog.Logger
}

// NewClient validates cfg and returns a Client backed by the SDK
// kinesisvideo client. If log is nil, slog.Default() is used.
func NewClient(cfg Config, log *slog.Logger) (*Client, error) {
	if cfg.AWS.Region == "" {
		return nil, ErrMissingRegion
	}
	if cfg.AWS.Credentials == nil {
		return nil, ErrMissingCredentials
	}
	api := kinesisvideo.NewFromConfig(cfg.AWS, func(o *kinesisvideo.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return New(api, log), nil
}

// New returns a Client over any API implementation.
func New(api API, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{api: api, log: log.With("component", "endpoint")}
}

// GetDataEndpoint returns the endpoint URL serving api for stream. A stream
// value starting with "arn:" is sent as StreamARN.
func (c *Client) GetDataEndpoint(ctx context.Context, stream, api string) (string, error) {
	in := &kinesisvideo.GetDataEndpointInput{APIName: types.APIName(api)}
	if strings.HasPrefix(stream, "arn:") {
		in.StreamARN = aws.String(stream)
	} else {
		in.StreamName = aws.String(stream)
	}
	out, err := c.api.GetDataEndpoint(ctx, in)
	if err != nil {
		return "", err
	}
	ep := aws.ToString(out.DataEndpoint)
	if ep == "" {
		return "", ErrEmptyEndpoint
	}
	c.log.Debug("data endpoint", "stream", stream, "api", api, "endpoint", ep)
	return ep, nil
}

// GetSignalingChannelEndpoint returns the endpoints of a signaling channel
// keyed by protocol ("WSS", "HTTPS").
func (c *Client) GetSignalingChannelEndpoint(ctx context.Context, channelARN, role string, protocols ...string) (map[string]string, error) {
	if len(protocols) == 0 {
		protocols = []string{string(types.ChannelProtocolWss), string(types.ChannelProtocolHttps)}
	}
	query := &types.SingleMasterChannelEndpointConfiguration{Role: types.ChannelRole(role)}
	for _, p := range protocols {
		query.Protocols = append(query.Protocols, types.ChannelProtocol(p))
	}
	out, err := c.api.GetSignalingChannelEndpoint(ctx, &kinesisvideo.GetSignalingChannelEndpointInput{
		ChannelARN:                               aws.String(channelARN),
		SingleMasterChannelEndpointConfiguration: query,
	})
	if err != nil {
		return nil, err
	}
	endpoints := make(map[string]string, len(out.ResourceEndpointList))
	for _, e := range out.ResourceEndpointList {
		endpoints[string(e.Protocol)] = aws.ToString(e.ResourceEndpoint)
	}
	if len(endpoints) == 0 {
		return nil, ErrEmptyEndpoint
	}
	return endpoints, nil
}

// IsNotFound reports whether err is a ResourceNotFoundException.
func IsNotFound(err error) bool {
	var nf *types.ResourceNotFoundException
	if errors.As(err, &nf) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "ResourceNotFoundException"
}
