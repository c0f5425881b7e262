package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/glimte/mmate-relay/contracts"
	"github.com/glimte/mmate-relay/health"
	"github.com/glimte/mmate-relay/internal/auth"
	"github.com/glimte/mmate-relay/internal/config"
	"github.com/glimte/mmate-relay/internal/subscription"
	"github.com/glimte/mmate-relay/transports/rabbitmq"
	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"
)

func newSubscriptionsCmd(load func() (*config.Config, error)) *cobra.Command {
	subscriptionsCmd := &cobra.Command{
		Use:   "subscriptions",
		Short: "Inspect topic subscriptions",
	}

	var tenant, topic string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List the subscribers of a topic",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if cfg.Storage.Kind != config.KindPostgres {
				return fmt.Errorf("subscriptions are only persisted with postgres storage (storage.kind is %q)", cfg.Storage.Kind)
			}
			idx, err := subscription.NewPostgresIndex(cfg.Storage.DSN)
			if err != nil {
				return fmt.Errorf("failed to open subscription index: %w", err)
			}
			defer idx.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			entries, err := idx.List(ctx, tenant, topic)
			if err != nil {
				return fmt.Errorf("failed to list subscriptions: %w", err)
			}
			printSubscriptions(cmd.OutOrStdout(), entries)
			return nil
		},
	}
	listCmd.Flags().StringVarP(&tenant, "tenant", "t", "", "Tenant id")
	listCmd.Flags().StringVar(&topic, "topic", "", "Topic name")
	_ = listCmd.MarkFlagRequired("tenant")
	_ = listCmd.MarkFlagRequired("topic")

	subscriptionsCmd.AddCommand(listCmd)
	return subscriptionsCmd
}

// relayQueues are the broker queues the relay owns.
var relayQueues = []string{
	contracts.CloudQueue,
	contracts.CloudOutboundQueue,
	contracts.MonitorQueue,
	contracts.CopyRetryQueue,
}

func newQueuesCmd(load func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "queues",
		Short: "Show the depth of the relay's broker queues and their poison queues",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if cfg.Broker.Kind != config.KindRabbitMQ {
				return fmt.Errorf("queue depths need the rabbitmq broker (broker.kind is %q)", cfg.Broker.Kind)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			b, err := rabbitmq.NewBroker(ctx, cfg.Broker.URL, rabbitmq.WithLogger(cfg.Log.NewLogger(io.Discard)))
			if err != nil {
				return fmt.Errorf("failed to connect: %w", err)
			}
			defer b.Close()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-40s %-10s %-10s\n", "Name", "Messages", "Poison")
			fmt.Fprintln(out, rule(62))
			for _, q := range relayQueues {
				depth, err := b.Depth(ctx, q)
				if err != nil {
					return fmt.Errorf("failed to inspect %s: %w", q, err)
				}
				poison, err := b.Depth(ctx, contracts.PoisonQueue(q))
				if err != nil {
					return fmt.Errorf("failed to inspect %s: %w", contracts.PoisonQueue(q), err)
				}
				fmt.Fprintf(out, "%-40s %-10d %-10d\n", truncate(q, 40), depth, poison)
			}
			return nil
		},
	}
}

func newHealthCmd() *cobra.Command {
	var url string
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check the health of a running relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(url, "/")+"/health", nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("failed to check health: %w", err)
			}
			defer resp.Body.Close()

			var report health.Report
			if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
				return fmt.Errorf("failed to decode health report: %w", err)
			}
			printHealth(cmd.OutOrStdout(), report)
			if report.Status == health.StatusUnhealthy {
				return fmt.Errorf("relay is %s", report.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&url, "url", "u", "http://localhost:8080", "Base URL of the relay")
	return cmd
}

func newTokenCmd() *cobra.Command {
	var (
		keyPath  string
		keyID    string
		tenant   string
		role     string
		roleID   string
		scope    string
		audience string
		issuer   string
		ttl      time.Duration
		jwks     bool
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a development bearer token for a client or connector",
		Long: `Sign a principal token with a local RSA key. Serve the key set printed by
--jwks from the URL configured as auth.jwks_url.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			signer, err := auth.NewSigner(keyPath, keyID)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jwks {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(signer.JWKS())
			}

			r, err := contracts.ParseRole(role)
			if err != nil {
				return err
			}
			p := contracts.Principal{TenantID: tenant, Role: r, RoleID: roleID}
			if err := p.Validate(); err != nil {
				return err
			}
			if scope == "" {
				scope = config.Default().Auth.RequiredScope(r)
			}
			now := time.Now()
			claims := jwt.MapClaims{
				"sub":   p.RoleID,
				"tid":   p.TenantID,
				"scope": scope,
				"iat":   now.Unix(),
				"exp":   now.Add(ttl).Unix(),
			}
			if audience != "" {
				claims["aud"] = audience
			}
			if issuer != "" {
				claims["iss"] = issuer
			}
			token, err := signer.SignToken(claims)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, token)
			return nil
		},
	}
	cmd.Flags().StringVar(&keyPath, "key", os.Getenv("RELAY_SIGNING_KEY"), "PEM-encoded RSA private key")
	cmd.Flags().StringVar(&keyID, "kid", "dev", "Key id placed in the token header")
	cmd.Flags().StringVarP(&tenant, "tenant", "t", "", "Tenant id")
	cmd.Flags().StringVar(&role, "role", "client", "client or connector")
	cmd.Flags().StringVar(&roleID, "id", "", "Client or connector id")
	cmd.Flags().StringVar(&scope, "scope", "", "Scope claim (defaults to the role's scope)")
	cmd.Flags().StringVar(&audience, "audience", "", "Audience claim")
	cmd.Flags().StringVar(&issuer, "issuer", "", "Issuer claim")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	cmd.Flags().BoolVar(&jwks, "jwks", false, "Print the public key set instead of a token")
	return cmd
}

func printSubscriptions(w io.Writer, entries []subscription.Entry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No subscriptions found")
		return
	}
	fmt.Fprintf(w, "%-40s %-25s\n", "Subscriber", "Since")
	fmt.Fprintln(w, rule(66))
	for _, e := range entries {
		fmt.Fprintf(w, "%-40s %-25s\n", truncate(e.SubscriberID, 40), e.SubscribedAt.Format(time.RFC3339))
	}
}

func printHealth(w io.Writer, report health.Report) {
	fmt.Fprintf(w, "Status: %s\n", strings.ToUpper(string(report.Status)))
	fmt.Fprintln(w, rule(60))

	names := make([]string, 0, len(report.Checks))
	for name := range report.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		c := report.Checks[name]
		fmt.Fprintf(w, "%-20s %-10s %s\n", name, c.Status, c.Message)
		if c.Error != "" {
			fmt.Fprintf(w, "%-20s %-10s error: %s\n", "", "", c.Error)
		}
	}
}
