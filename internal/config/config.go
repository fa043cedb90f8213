// Package config holds the YAML configuration shared by every kvsaudio
// command: AWS access, the target stream and its audio format, pipeline
// tuning, the SRT gateway and the local mock endpoint.
package config

import (
	"time"

	"github.com/zsiec/kvsaudio/internal/mkv"
	"github.com/zsiec/kvsaudio/internal/pipeline"
	"github.com/zsiec/kvsaudio/internal/putmedia"
	"github.com/zsiec/kvsaudio/internal/retry"
	"github.com/zsiec/kvsaudio/internal/source"
)

// Codec names accepted in stream.codec. AAC is only read from MPEG-TS
// input; the others can also be synthesized.
const (
	CodecAAC   = "aac"
	CodecPCM   = source.CodecPCM
	CodecALaw  = source.CodecALaw
	CodecMuLaw = source.CodecMuLaw
)

// Config is the root configuration document.
type Config struct {
	Log      LogConfig      `yaml:"log"`
	AWS      AWSConfig      `yaml:"aws"`
	Stream   StreamConfig   `yaml:"stream"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Mock     MockConfig     `yaml:"mock"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// AWSConfig selects the region, credentials and endpoints. Empty keys fall
// back to the SDK default chain: environment, shared profile, then
// container or instance roles.
type AWSConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`

	// Profile names a shared config profile.
	Profile string `yaml:"profile"`

	// Endpoint is the PutMedia data endpoint. When empty it is discovered
	// with GetDataEndpoint.
	Endpoint string `yaml:"endpoint"`

	// ControlEndpoint overrides https://kinesisvideo.<region>.amazonaws.com.
	ControlEndpoint string `yaml:"control_endpoint"`

	// InsecureSkipVerify disables certificate checks on the data endpoint.
	// Only meant for the local mock endpoint.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
}

type StreamConfig struct {
	Name         string `yaml:"name"`
	TimecodeType string `yaml:"timecode_type"`

	Codec         string        `yaml:"codec"`
	SampleRate    int           `yaml:"sample_rate"`
	Channels      int           `yaml:"channels"`
	BitDepth      int           `yaml:"bit_depth"`
	FrameDuration time.Duration `yaml:"frame_duration"`

	// ToneHz is the frequency of the synthetic source.
	ToneHz float64 `yaml:"tone_hz"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Initial     time.Duration `yaml:"initial"`
	Max         time.Duration `yaml:"max"`
	Multiplier  float64       `yaml:"multiplier"`
}

// Format returns the synthetic source format of s.
func (s StreamConfig) Format() source.Format {
	return source.Format{
		Codec:      s.Codec,
		SampleRate: s.SampleRate,
		Channels:   s.Channels,
		BitDepth:   s.BitDepth,
	}
}

// Policy converts c into a retry policy.
func (c RetryConfig) Policy() retry.Policy {
	return retry.Policy{
		MaxAttempts: c.MaxAttempts,
		Initial:     c.Initial,
		Max:         c.Max,
		Multiplier:  c.Multiplier,
	}
}

type PipelineConfig struct {
	QueueCapacity    int           `yaml:"queue_capacity"`
	OfferTimeout     time.Duration `yaml:"offer_timeout"`
	PollTimeout      time.Duration `yaml:"poll_timeout"`
	SendInterval     time.Duration `yaml:"send_interval"` // 0 disables pacing
	SendTimeout      time.Duration `yaml:"send_timeout"`
	FramesPerCluster int           `yaml:"frames_per_cluster"`
	DialTimeout      time.Duration `yaml:"dial_timeout"`
	AckDrainTimeout  time.Duration `yaml:"ack_drain_timeout"`
	SendRetry        RetryConfig   `yaml:"send_retry"`
	Reconnect        RetryConfig   `yaml:"reconnect"`
}

// Options converts c into the configuration of one pipeline.
func (c PipelineConfig) Options(stream string) pipeline.Config {
	interval := c.SendInterval
	if interval == 0 {
		interval = -1
	}
	return pipeline.Config{
		StreamName:    stream,
		QueueCapacity: c.QueueCapacity,
		OfferTimeout:  c.OfferTimeout,
		PollTimeout:   c.PollTimeout,
		SendInterval:  interval,
		SendTimeout:   c.SendTimeout,
		SendRetry:     c.SendRetry.Policy(),
		Reconnect:     c.Reconnect.Policy(),
		Muxer:         mkv.Options{FramesPerCluster: c.FramesPerCluster},
	}
}

type PullConfig struct {
	Address   string `yaml:"address"`
	StreamKey string `yaml:"stream_key"`
	StreamID  string `yaml:"stream_id"`
}

// GatewayConfig configures the SRT to KVS gateway.
type GatewayConfig struct {
	SRTAddr  string `yaml:"srt_addr"`
	HTTPAddr string `yaml:"http_addr"`

	// StreamPrefix is prepended to the SRT stream key to form the KVS
	// stream name.
	StreamPrefix string `yaml:"stream_prefix"`

	// Language prefers the audio track tagged with this ISO 639 code.
	Language     string        `yaml:"language"`
	ProbeTimeout time.Duration `yaml:"probe_timeout"`

	Pulls []PullConfig `yaml:"pulls"`
}

type MockConfig struct {
	Addr      string   `yaml:"addr"`
	Verify    bool     `yaml:"verify"`
	AckEvents []string `yaml:"ack_events"`
}

// Default returns a configuration with every default filled in. Decoding a
// file over it overrides only the keys the file sets.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "text"},
		Stream: StreamConfig{
			TimecodeType:  string(putmedia.TimecodeAbsolute),
			Codec:         CodecPCM,
			SampleRate:    8000,
			Channels:      1,
			BitDepth:      16,
			FrameDuration: 100 * time.Millisecond,
			ToneHz:        440,
		},
		Pipeline: PipelineConfig{
			QueueCapacity:    1000,
			OfferTimeout:     pipeline.DefaultOfferTimeout,
			PollTimeout:      pipeline.DefaultPollTimeout,
			SendInterval:     pipeline.DefaultSendInterval,
			SendTimeout:      pipeline.DefaultSendTimeout,
			FramesPerCluster: mkv.DefaultFramesPerCluster,
			DialTimeout:      putmedia.DefaultDialTimeout,
			AckDrainTimeout:  putmedia.DefaultAckDrainTimeout,
			SendRetry:        retryConfig(retry.DefaultSend),
			Reconnect:        retryConfig(retry.DefaultReconnect),
		},
		Gateway: GatewayConfig{
			SRTAddr:      ":6000",
			HTTPAddr:     ":8080",
			ProbeTimeout: 10 * time.Second,
		},
		Mock: MockConfig{Addr: "127.0.0.1:8443"},
	}
}

func retryConfig(p retry.Policy) RetryConfig {
	return RetryConfig{
		MaxAttempts: p.MaxAttempts,
		Initial:     p.Initial,
		Max:         p.Max,
		Multiplier:  p.Multiplier,
	}
}
