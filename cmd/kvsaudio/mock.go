package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/spf13/cobra"

	"github.com/zsiec/kvsaudio/internal/certs"
	"github.com/zsiec/kvsaudio/internal/mockkvs"
)

func newMockCmd(a *app) *cobra.Command {
	var addr, certOut, hosts string
	cmd := &cobra.Command{
		Use:   "mock-endpoint",
		Short: "Run a local PutMedia endpoint for testing",
		Long: `Run a TLS PutMedia endpoint with a fresh self-signed certificate. It
parses the MKV body, acknowledges every cluster and logs what it received.

Point the stream command at it with --endpoint https://<addr> and either
aws.insecure_skip_verify or the certificate written by --cert-out.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("addr") {
				a.cfg.Mock.Addr = addr
			}

			var extra []string
			if hosts != "" {
				extra = strings.Split(hosts, ",")
			}
			cert, err := certs.Generate(0, extra...)
			if err != nil {
				return err
			}
			if certOut != "" {
				if err := os.WriteFile(certOut, cert.CertPEM(), 0o644); err != nil {
					return fmt.Errorf("write certificate: %w", err)
				}
			}

			cfg := mockkvs.Config{
				Addr:      a.cfg.Mock.Addr,
				TLS:       cert.ServerConfig(),
				Region:    a.cfg.AWS.Region,
				AckEvents: a.cfg.Mock.AckEvents,
			}
			if a.cfg.Mock.Verify {
				ac, err := a.awsConfig(cmd.Context())
				if err != nil {
					return fmt.Errorf("mock.verify needs credentials: %w", err)
				}
				creds, err := ac.Credentials.Retrieve(cmd.Context())
				if err != nil {
					return fmt.Errorf("mock.verify needs credentials: %w", err)
				}
				cfg.Verify = &aws.Credentials{
					AccessKeyID:     creds.AccessKeyID,
					SecretAccessKey: creds.SecretAccessKey,
					SessionToken:    creds.SessionToken,
				}
			}

			srv, err := mockkvs.Listen(cfg, a.log)
			if err != nil {
				return err
			}
			a.log.Info("mock endpoint ready",
				"url", srv.URL(),
				"fingerprint", cert.FingerprintHex(),
				"verify", cfg.Verify != nil)
			fmt.Fprintln(cmd.OutOrStdout(), srv.URL())

			err = srv.Serve(cmd.Context())
			st := srv.Stats()
			a.log.Info("mock endpoint stopped",
				"sessions", st.Sessions,
				"clusters", st.Clusters,
				"blocks", st.Blocks,
				"bytes", st.Bytes,
				"rejected", st.Rejected)
			return err
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&addr, "addr", "", "listen address")
	fl.StringVar(&certOut, "cert-out", "", "write the PEM certificate to this file")
	fl.StringVar(&hosts, "hosts", "", "extra certificate hosts, comma separated")
	return cmd
}
