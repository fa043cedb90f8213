package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"

	"github.com/zsiec/kvsaudio/internal/credentials"
	"github.com/zsiec/kvsaudio/internal/endpoint"
	"github.com/zsiec/kvsaudio/internal/pipeline"
	"github.com/zsiec/kvsaudio/internal/putmedia"
)

// awsConfig loads the SDK configuration on first use. Later calls, including
// concurrent gateway sessions, share it.
func (a *app) awsConfig(ctx context.Context) (aws.Config, error) {
	a.awsMu.Lock()
	defer a.awsMu.Unlock()
	if a.aws != nil {
		return *a.aws, nil
	}

	var opts []func(*config.LoadOptions) error
	if tc := a.tlsConfig(); tc != nil {
		opts = append(opts, config.WithHTTPClient(awshttp.NewBuildableClient().
			WithTransportOptions(func(tr *http.Transport) { tr.TLSClientConfig = tc })))
	}
	ac, err := credentials.Load(ctx, credentials.Config{
		AccessKeyID:     a.cfg.AWS.AccessKeyID,
		SecretAccessKey: a.cfg.AWS.SecretAccessKey,
		SessionToken:    a.cfg.AWS.SessionToken,
		Profile:         a.cfg.AWS.Profile,
		Region:          a.cfg.AWS.Region,
	}, opts...)
	if err != nil {
		return aws.Config{}, err
	}
	a.aws = &ac
	return ac, nil
}

func (a *app) tlsConfig() *tls.Config {
	if !a.cfg.AWS.InsecureSkipVerify {
		return nil
	}
	a.log.Warn("TLS certificate verification disabled")
	return &tls.Config{InsecureSkipVerify: true}
}

func (a *app) timecodeType() putmedia.TimecodeType {
	return putmedia.TimecodeType(strings.ToUpper(a.cfg.Stream.TimecodeType))
}

func (a *app) controlPlane(ctx context.Context) (*endpoint.Client, error) {
	ac, err := a.awsConfig(ctx)
	if err != nil {
		return nil, err
	}
	return endpoint.NewClient(endpoint.Config{
		AWS:      ac,
		Endpoint: a.cfg.AWS.ControlEndpoint,
	}, a.log)
}

// dataEndpoint returns the configured PutMedia endpoint or discovers the
// one serving name.
func (a *app) dataEndpoint(ctx context.Context, name string) (string, error) {
	if a.cfg.AWS.Endpoint != "" {
		return a.cfg.AWS.Endpoint, nil
	}
	cp, err := a.controlPlane(ctx)
	if err != nil {
		return "", err
	}
	ep, err := cp.GetDataEndpoint(ctx, name, endpoint.APIPutMedia)
	if err != nil {
		if endpoint.IsNotFound(err) {
			return "", fmt.Errorf("stream %q does not exist in %s: %w", name, a.cfg.AWS.Region, err)
		}
		return "", fmt.Errorf("discover data endpoint for %q: %w", name, err)
	}
	return ep, nil
}

// newStreamer builds the PutMedia client for one KVS stream.
func (a *app) newStreamer(ctx context.Context, name string, start time.Time) (pipeline.Streamer, error) {
	ep, err := a.dataEndpoint(ctx, name)
	if err != nil {
		return nil, err
	}
	ac, err := a.awsConfig(ctx)
	if err != nil {
		return nil, err
	}
	cfg := putmedia.Config{
		Endpoint:          ep,
		StreamName:        name,
		Region:            a.cfg.AWS.Region,
		Credentials:       ac.Credentials,
		TimecodeType:      a.timecodeType(),
		ProducerStartTime: start,
		TLSConfig:         a.tlsConfig(),
		DialTimeout:       a.cfg.Pipeline.DialTimeout,
		AckDrainTimeout:   a.cfg.Pipeline.AckDrainTimeout,
		UserAgent:         "kvsaudio/" + version,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return putmedia.NewClient(cfg, a.log), nil
}

// pipelineConfig returns the pipeline settings for name. With absolute
// timecodes clusters are stamped with wall-clock milliseconds from start.
func (a *app) pipelineConfig(name string, start time.Time) pipeline.Config {
	pc := a.cfg.Pipeline.Options(name)
	if a.timecodeType() == putmedia.TimecodeAbsolute {
		pc.Muxer.TimecodeOffset = start.UnixMilli()
	}
	return pc
}
