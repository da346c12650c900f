package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wrale/authflow/internal/config"
	"github.com/wrale/authflow/internal/engine"
	"github.com/wrale/authflow/internal/host"
)

func newDeviceCmd(a *app) *cobra.Command {
	var deviceURL string

	cmd := &cobra.Command{
		Use:   "device",
		Short: "Run the device authorization flow (RFC 8628)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.flow.Clone()
			cfg.Flow = config.FlowDevice
			overlay(cmd.Flags().Changed("device-url"), &cfg.DeviceAuthorizationURL, deviceURL)

			return a.run(cmd.Context(), cfg, &host.Driver{
				ShowUserCode: func(s engine.NeedUserCode) {
					fmt.Fprintf(cmd.ErrOrStderr(), "To sign in, visit %s and enter code %s\n", s.VerificationURI, s.UserCode)
					if s.VerificationURIComplete != "" {
						fmt.Fprintf(cmd.ErrOrStderr(), "Or open %s\n", s.VerificationURIComplete)
					}
				},
			})
		},
	}
	cmd.Flags().StringVar(&deviceURL, "device-url", "", "device authorization endpoint")
	return cmd
}

func newCodeCmd(a *app) *cobra.Command {
	var (
		authURL   string
		noBrowser bool
	)

	cmd := &cobra.Command{
		Use:   "code",
		Short: "Run the authorization code flow with PKCE",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.flow.Clone()
			cfg.Flow = config.FlowAuthorizationCode
			overlay(cmd.Flags().Changed("authorization-url"), &cfg.AuthorizationURL, authURL)
			if cmd.Flags().Changed("no-browser") {
				a.cfg.NoBrowser = noBrowser
			}

			cb := &host.CallbackServer{}
			if err := cb.Start(a.cfg.CallbackAddr); err != nil {
				return err
			}
			defer cb.Close()
			if cfg.RedirectURL == "" {
				cfg.RedirectURL = cb.RedirectURI()
			}

			return a.run(cmd.Context(), cfg, &host.Driver{
				Authorize: func(ctx context.Context, u string) (string, error) {
					if !a.cfg.NoBrowser {
						if err := host.OpenBrowser(ctx, u); err != nil {
							a.log.Debug().Err(err).Msg("could not open browser")
						}
					}
					fmt.Fprintf(cmd.ErrOrStderr(), "If the browser doesn't open, visit:\n%s\n\nWaiting for authorization...\n", u)
					return cb.WaitForCallback(ctx)
				},
			})
		},
	}
	cmd.Flags().StringVar(&authURL, "authorization-url", "", "authorization endpoint")
	cmd.Flags().BoolVar(&noBrowser, "no-browser", false, "print the authorization URL without opening a browser")
	return cmd
}

func newExchangeCmd(a *app) *cobra.Command {
	var subjectToken, audience string

	cmd := &cobra.Command{
		Use:   "exchange",
		Short: "Exchange a one-time token for an access token (RFC 8693)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.flow.Clone()
			cfg.Flow = config.FlowTokenExchange
			overlay(cmd.Flags().Changed("subject-token"), &cfg.SubjectToken, subjectToken)
			overlay(cmd.Flags().Changed("audience"), &cfg.Audience, audience)

			return a.run(cmd.Context(), cfg, &host.Driver{})
		},
	}
	cmd.Flags().StringVar(&subjectToken, "subject-token", "", "one-time token to exchange")
	cmd.Flags().StringVar(&audience, "audience", "", "requested audience")
	return cmd
}
