package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/zsiec/kvsaudio/internal/endpoint"
	"github.com/zsiec/kvsaudio/internal/signaling"
)

func newPresignCmd(a *app) *cobra.Command {
	var (
		channelARN string
		wss        string
		region     string
		role       string
		clientID   string
		expires    time.Duration
		dial       bool
	)
	cmd := &cobra.Command{
		Use:   "presign",
		Short: "Print a presigned WebSocket URL for a signaling channel",
		Long: `Print a SigV4 presigned WSS URL for a Kinesis Video Streams signaling
channel. The channel endpoint is discovered unless --endpoint is given.
A viewer gets a random client id unless --client-id is set.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("region") {
				a.cfg.AWS.Region = region
			}
			if channelARN == "" {
				return errors.New("--channel-arn is required")
			}
			if a.cfg.AWS.Region == "" {
				return errors.New("aws.region is required (or AWS_REGION)")
			}
			role = strings.ToUpper(role)
			if role != endpoint.RoleMaster && role != endpoint.RoleViewer {
				return fmt.Errorf("--role %q is invalid; valid values: MASTER, VIEWER", role)
			}

			ctx := cmd.Context()
			if wss == "" {
				cp, err := a.controlPlane(ctx)
				if err != nil {
					return err
				}
				eps, err := cp.GetSignalingChannelEndpoint(ctx, channelARN, role)
				if err != nil {
					return fmt.Errorf("discover signaling endpoint: %w", err)
				}
				if wss = eps["WSS"]; wss == "" {
					return fmt.Errorf("channel %s has no WSS endpoint", channelARN)
				}
			}
			if role == endpoint.RoleViewer && clientID == "" {
				clientID = signaling.NewClientID()
			}
			if role == endpoint.RoleMaster {
				clientID = ""
			}

			ac, err := a.awsConfig(ctx)
			if err != nil {
				return err
			}
			url, err := signaling.Presign(ctx, signaling.Request{
				Endpoint:   wss,
				ChannelARN: channelARN,
				ClientID:   clientID,
				Region:     a.cfg.AWS.Region,
				Expires:    expires,
			}, ac.Credentials, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), url)

			if dial {
				return signaling.Check(ctx, url, a.tlsConfig(), a.log)
			}
			return nil
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&channelARN, "channel-arn", "", "signaling channel ARN")
	fl.StringVar(&wss, "endpoint", "", "WSS endpoint of the channel (skips discovery)")
	fl.StringVar(&region, "region", "", "AWS region")
	fl.StringVar(&role, "role", endpoint.RoleViewer, "MASTER or VIEWER")
	fl.StringVar(&clientID, "client-id", "", "viewer client id")
	fl.DurationVar(&expires, "expires", 0, "URL lifetime (default 5m)")
	fl.BoolVar(&dial, "dial", false, "open the URL once to check the channel accepts it")
	return cmd
}
