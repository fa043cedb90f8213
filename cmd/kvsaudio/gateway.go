package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/zsiec/kvsaudio/internal/gateway"
	"github.com/zsiec/kvsaudio/internal/ingest/srt"
	"github.com/zsiec/kvsaudio/internal/observe"
)

func newGatewayCmd(a *app) *cobra.Command {
	var srtAddr, httpAddr, prefix, language, region string
	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Feed one KVS stream per SRT publisher",
		Long: `Accept SRT publishers (and pull from configured SRT sources), extract
the AAC audio of each MPEG-TS feed and stream it to the KVS stream named
<stream-prefix><stream key>.

The HTTP API lists streams under /api/streams, manages SRT pulls under
/api/srt-pull and serves Prometheus metrics on /metrics.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			gc := &a.cfg.Gateway
			fl := cmd.Flags()
			if fl.Changed("srt-addr") {
				gc.SRTAddr = srtAddr
			}
			if fl.Changed("http-addr") {
				gc.HTTPAddr = httpAddr
			}
			if fl.Changed("stream-prefix") {
				gc.StreamPrefix = prefix
			}
			if fl.Changed("language") {
				gc.Language = language
			}
			if fl.Changed("region") {
				a.cfg.AWS.Region = region
			}
			if err := a.validate(); err != nil {
				return err
			}
			if a.cfg.AWS.Region == "" {
				return errors.New("aws.region is required (or AWS_REGION)")
			}
			return a.runGateway(cmd.Context())
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&srtAddr, "srt-addr", "", "SRT listen address (empty disables the listener)")
	fl.StringVar(&httpAddr, "http-addr", "", "HTTP API listen address (empty disables the API)")
	fl.StringVar(&prefix, "stream-prefix", "", "prefix added to stream keys to form KVS stream names")
	fl.StringVar(&language, "language", "", "preferred audio language (ISO 639-2)")
	fl.StringVar(&region, "region", "", "AWS region")
	return cmd
}

func (a *app) runGateway(ctx context.Context) error {
	mp, err := observe.InitProvider()
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	defer mp.Shutdown(context.Background())

	gc := a.cfg.Gateway
	pulls := make([]srt.PullRequest, 0, len(gc.Pulls))
	for _, p := range gc.Pulls {
		pulls = append(pulls, srt.PullRequest{
			Address:   p.Address,
			StreamKey: p.StreamKey,
			StreamID:  p.StreamID,
		})
	}

	g, err := gateway.New(gateway.Config{
		SRTAddr:        gc.SRTAddr,
		HTTPAddr:       gc.HTTPAddr,
		StreamPrefix:   gc.StreamPrefix,
		Language:       gc.Language,
		Pulls:          pulls,
		ProbeTimeout:   gc.ProbeTimeout,
		Pipeline:       a.pipelineConfig,
		NewStreamer:    a.newStreamer,
		Metrics:        observe.DefaultMetrics(),
		MetricsHandler: promhttp.Handler(),
	}, a.log)
	if err != nil {
		return err
	}

	a.log.Info("gateway starting",
		"srt", gc.SRTAddr,
		"http", gc.HTTPAddr,
		"prefix", gc.StreamPrefix,
		"region", a.cfg.AWS.Region)
	return g.Run(ctx)
}
