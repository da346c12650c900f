package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var errNoStore = errors.New("no token store configured, set AUTHFLOW_REDIS_URL or --redis-url")

func newTokensCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tokens",
		Short: "Inspect and delete stored tokens",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the tokens stored under --key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.store == nil {
				return errNoStore
			}
			rec, err := a.store.Load(cmd.Context(), a.cfg.StoreKey)
			if err != nil {
				return err
			}
			if rec == nil {
				return fmt.Errorf("no tokens stored under %q", a.cfg.StoreKey)
			}
			if rec.Tokens.Expired(time.Now().UnixMilli()) {
				a.log.Warn().Str("key", rec.Key).Msg("access token has expired")
			}
			return a.print(rec)
		},
	}

	var subject string
	find := &cobra.Command{
		Use:   "find",
		Short: "Print the latest tokens issued for a subject",
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.store == nil {
				return errNoStore
			}
			rec, err := a.store.LoadBySubject(cmd.Context(), subject)
			if err != nil {
				return err
			}
			if rec == nil {
				return fmt.Errorf("no tokens stored for subject %q", subject)
			}
			return a.print(rec)
		},
	}
	find.Flags().StringVar(&subject, "subject", "", "id_token subject")
	_ = find.MarkFlagRequired("subject")

	del := &cobra.Command{
		Use:   "delete",
		Short: "Delete the tokens stored under --key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.store == nil {
				return errNoStore
			}
			if err := a.store.Delete(cmd.Context(), a.cfg.StoreKey); err != nil {
				return err
			}
			a.log.Info().Str("key", a.cfg.StoreKey).Msg("tokens deleted")
			return nil
		},
	}

	cmd.AddCommand(show, find, del)
	return cmd
}
