package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zsiec/kvsaudio/internal/observe"
	"github.com/zsiec/kvsaudio/internal/putmedia"
)

// Load reads the YAML file at path over the defaults. An empty path returns
// the defaults. The result is not validated; callers apply ApplyEnv and
// flag overrides first, then call Validate.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML document from r over the defaults. Unknown
// keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from environment variables read through getenv.
func (c *Config) ApplyEnv(getenv func(string) string) {
	set := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v := getenv(k); v != "" {
				*dst = v
				return
			}
		}
	}
	set(&c.AWS.Region, "AWS_REGION", "AWS_DEFAULT_REGION")
	set(&c.AWS.Profile, "AWS_PROFILE")
	set(&c.AWS.Endpoint, "KVS_ENDPOINT")
	set(&c.Stream.Name, "KVS_STREAM_NAME")
	set(&c.Gateway.SRTAddr, "SRT_ADDR")
	set(&c.Gateway.HTTPAddr, "HTTP_ADDR")
	set(&c.Log.Level, "LOG_LEVEL")
	set(&c.Log.Format, "LOG_FORMAT")
}

// Validate checks that c is coherent. It returns every problem found,
// joined.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if _, err := observe.ParseLevel(c.Log.Level); err != nil {
		add("log.level %q is invalid; valid values: debug, info, warn, error", c.Log.Level)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		add("log.format %q is invalid; valid values: text, json", c.Log.Format)
	}

	if (c.AWS.AccessKeyID == "") != (c.AWS.SecretAccessKey == "") {
		add("aws.access_key_id and aws.secret_access_key must be set together")
	}
	for name, v := range map[string]string{"aws.endpoint": c.AWS.Endpoint, "aws.control_endpoint": c.AWS.ControlEndpoint} {
		if v == "" {
			continue
		}
		if u, err := url.Parse(v); err != nil || u.Scheme != "https" || u.Host == "" {
			add("%s %q must be an https URL", name, v)
		}
	}

	s := c.Stream
	switch putmedia.TimecodeType(strings.ToUpper(s.TimecodeType)) {
	case putmedia.TimecodeAbsolute, putmedia.TimecodeRelative:
	default:
		add("stream.timecode_type %q is invalid; valid values: ABSOLUTE, RELATIVE", s.TimecodeType)
	}
	switch s.Codec {
	case CodecAAC, CodecALaw, CodecMuLaw:
	case CodecPCM:
		if s.BitDepth != 8 && s.BitDepth != 16 && s.BitDepth != 24 && s.BitDepth != 32 {
			add("stream.bit_depth %d is invalid for pcm; valid values: 8, 16, 24, 32", s.BitDepth)
		}
	default:
		add("stream.codec %q is invalid; valid values: aac, pcm, alaw, mulaw", s.Codec)
	}
	if s.SampleRate <= 0 {
		add("stream.sample_rate must be positive, got %d", s.SampleRate)
	}
	if s.Channels < 1 || s.Channels > 8 {
		add("stream.channels %d is out of range [1, 8]", s.Channels)
	}
	if s.FrameDuration <= 0 {
		add("stream.frame_duration must be positive, got %s", s.FrameDuration)
	}

	p := c.Pipeline
	if p.QueueCapacity <= 0 {
		add("pipeline.queue_capacity must be positive, got %d", p.QueueCapacity)
	}
	if p.FramesPerCluster <= 0 {
		add("pipeline.frames_per_cluster must be positive, got %d", p.FramesPerCluster)
	}
	if p.SendInterval < 0 {
		add("pipeline.send_interval must not be negative, got %s", p.SendInterval)
	}
	for name, d := range map[string]time.Duration{
		"pipeline.offer_timeout":     p.OfferTimeout,
		"pipeline.poll_timeout":      p.PollTimeout,
		"pipeline.send_timeout":      p.SendTimeout,
		"pipeline.dial_timeout":      p.DialTimeout,
		"pipeline.ack_drain_timeout": p.AckDrainTimeout,
	} {
		if d <= 0 {
			add("%s must be positive", name)
		}
	}
	errs = append(errs, p.SendRetry.validate("pipeline.send_retry")...)
	errs = append(errs, p.Reconnect.validate("pipeline.reconnect")...)

	if c.Gateway.ProbeTimeout <= 0 {
		add("gateway.probe_timeout must be positive")
	}
	if l := c.Gateway.Language; l != "" && len(l) != 3 {
		add("gateway.language %q must be a three-letter ISO 639-2 code", l)
	}
	for i, pull := range c.Gateway.Pulls {
		if pull.Address == "" {
			add("gateway.pulls[%d].address is required", i)
		}
		if pull.StreamKey == "" {
			add("gateway.pulls[%d].stream_key is required", i)
		}
	}

	return errors.Join(errs...)
}

// RequireStream checks the fields needed to stream to KVS.
func (c *Config) RequireStream() error {
	var errs []error
	if c.Stream.Name == "" {
		errs = append(errs, errors.New("stream.name is required (or KVS_STREAM_NAME)"))
	}
	if c.AWS.Region == "" {
		errs = append(errs, errors.New("aws.region is required (or AWS_REGION)"))
	}
	return errors.Join(errs...)
}

func (r RetryConfig) validate(prefix string) []error {
	var errs []error
	if r.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("%s.max_attempts must be at least 1, got %d", prefix, r.MaxAttempts))
	}
	if r.Initial <= 0 {
		errs = append(errs, fmt.Errorf("%s.initial must be positive", prefix))
	}
	if r.Max < r.Initial {
		errs = append(errs, fmt.Errorf("%s.max %s is below initial %s", prefix, r.Max, r.Initial))
	}
	if r.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("%s.multiplier must be at least 1, got %g", prefix, r.Multiplier))
	}
	return errs
}
