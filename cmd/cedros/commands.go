package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	cedros "github.com/cedros-pay/cedros-go"
	"github.com/cedros-pay/cedros-go/managers"
	"github.com/cedros-pay/cedros-go/paywall"
	svmsigner "github.com/cedros-pay/cedros-go/signers/svm"
)

func healthCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Probe the backend and show its route prefix",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withBundle(cmd.Context(), func(b *managers.Bundle) error {
				prefix, err := b.Routes.DiscoverPrefix(cmd.Context())
				if err != nil {
					return err
				}
				return a.print(map[string]string{
					"server":      b.Routes.ServerURL(),
					"routePrefix": prefix,
				})
			})
		},
	}
}

func quoteCmd(a *app) *cobra.Command {
	var coupon string
	var items []string

	cmd := &cobra.Command{
		Use:   "quote [resource]",
		Short: "Request an x402 quote for a resource or a cart",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cart, err := parseItems(items)
			if err != nil {
				return err
			}
			if len(cart) == 0 && len(args) == 0 {
				return fmt.Errorf("a resource or at least one --item is required")
			}

			return a.withBundle(cmd.Context(), func(b *managers.Bundle) error {
				if len(cart) > 0 {
					quote, err := b.X402.RequestCartQuote(cmd.Context(), paywall.CartQuoteRequest{
						Items:      cart,
						CouponCode: coupon,
					})
					if err != nil {
						return err
					}
					return a.print(quote)
				}

				requirement, err := b.X402.RequestQuote(cmd.Context(), paywall.QuoteRequest{
					Resource:   args[0],
					CouponCode: coupon,
				})
				if err != nil {
					return err
				}
				return a.print(requirement)
			})
		},
	}

	cmd.Flags().StringVar(&coupon, "coupon", "", "Coupon code")
	cmd.Flags().StringArrayVar(&items, "item", nil, "Cart item as resource[=quantity]; repeatable")
	return cmd
}

func payCmd(a *app) *cobra.Command {
	var coupon string
	var items []string

	cmd := &cobra.Command{
		Use:   "pay [resource]",
		Short: "Pay for a resource or a cart with the configured wallet",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cart, err := parseItems(items)
			if err != nil {
				return err
			}
			if len(cart) == 0 && len(args) == 0 {
				return fmt.Errorf("a resource or at least one --item is required")
			}
			if a.cfg.WalletKey == "" {
				return fmt.Errorf("wallet key is required (--wallet-key or CEDROS_WALLET_KEY)")
			}
			signer, err := svmsigner.NewClientSignerFromPrivateKey(a.cfg.WalletKey)
			if err != nil {
				return err
			}

			req := paywall.PayRequest{Items: cart, CouponCode: coupon}
			if len(args) > 0 {
				req.Resource = args[0]
			}

			return a.withBundle(cmd.Context(), func(b *managers.Bundle) error {
				a.logger.Info().
					Str("payer", signer.Address().String()).
					Str("resource", req.Resource).
					Int("items", len(req.Items)).
					Msg("starting payment")

				attempt, err := b.Pay(cmd.Context(), req, signer)
				if err != nil {
					return err
				}
				result := attempt.Result()
				if err := a.print(result); err != nil {
					return err
				}
				if !result.Success {
					return fmt.Errorf("payment failed: %s", cedros.UserErrorMessage(result.ErrorCode).Message)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&coupon, "coupon", "", "Coupon code")
	cmd.Flags().StringArrayVar(&items, "item", nil, "Cart item as resource[=quantity]; repeatable")
	return cmd
}

func sessionCmd(a *app) *cobra.Command {
	var req paywall.StripeSessionRequest

	cmd := &cobra.Command{
		Use:   "session <resource>",
		Short: "Create a Stripe checkout session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Resource = args[0]
			return a.withBundle(cmd.Context(), func(b *managers.Bundle) error {
				session, err := b.Stripe.CreateSession(cmd.Context(), req)
				if err != nil {
					return err
				}
				return a.print(session)
			})
		},
	}

	cmd.Flags().StringVar(&req.CustomerEmail, "email", "", "Customer email")
	cmd.Flags().StringVar(&req.CouponCode, "coupon", "", "Coupon code")
	cmd.Flags().StringVar(&req.SuccessURL, "success-url", "", "Redirect after payment")
	cmd.Flags().StringVar(&req.CancelURL, "cancel-url", "", "Redirect after cancellation")
	return cmd
}

func configCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the resolved configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			enc := yaml.NewEncoder(a.out)
			enc.SetIndent(2)
			if err := enc.Encode(a.cfg); err != nil {
				return err
			}
			return enc.Close()
		},
	}
}

// parseItems parses resource[=quantity] cart items.
func parseItems(raw []string) ([]cedros.CartItem, error) {
	items := make([]cedros.CartItem, 0, len(raw))
	for _, s := range raw {
		resource, qty, found := strings.Cut(s, "=")
		item := cedros.CartItem{Resource: strings.TrimSpace(resource), Quantity: 1}
		if found {
			n, err := strconv.Atoi(strings.TrimSpace(qty))
			if err != nil || n < 1 {
				return nil, fmt.Errorf("invalid quantity in item %q", s)
			}
			item.Quantity = n
		}
		if item.Resource == "" {
			return nil, fmt.Errorf("invalid item %q", s)
		}
		items = append(items, item)
	}
	return items, nil
}
