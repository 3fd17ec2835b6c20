package managers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go/rpc"
	"github.com/rs/zerolog"

	cedros "github.com/cedros-pay/cedros-go"
	"github.com/cedros-pay/cedros-go/discovery"
	cedroshttp "github.com/cedros-pay/cedros-go/http"
	"github.com/cedros-pay/cedros-go/mechanisms/svm"
	"github.com/cedros-pay/cedros-go/paywall"
)

// DefaultSettlementTTL is a typical retention for WithSettlementDedup.
const DefaultSettlementTTL = 5 * time.Minute

// ErrBundleClosed is returned by a bundle used after Close.
var ErrBundleClosed = errors.New("managers: bundle closed")

// RPCFactory creates a Solana RPC client for an endpoint.
type RPCFactory func(endpoint string) svm.RPCClient

// Bundle is the set of payment managers for one backend. All managers share
// one requester and one route discovery.
type Bundle struct {
	Config        Config
	Routes        *discovery.RouteDiscovery
	Requester     *cedroshttp.Requester
	X402          *paywall.X402Manager
	Stripe        *paywall.StripeManager
	Subscriptions *paywall.SubscriptionManager
	Credits       *paywall.CreditsManager

	logger  zerolog.Logger
	newRPC  RPCFactory
	rpcOnce sync.Once
	mu      sync.Mutex
	rpc     svm.RPCClient
	rpcErr  error
	closed  bool
}

type bundleOptions struct {
	logger         zerolog.Logger
	httpClient     *http.Client
	newRPC         RPCFactory
	settlementTTL  time.Duration
	managerOptions []paywall.Option
}

// BundleOption configures NewBundle.
type BundleOption func(*bundleOptions)

// WithLogger sets the logger passed to every component of the bundle.
func WithLogger(logger zerolog.Logger) BundleOption {
	return func(o *bundleOptions) {
		o.logger = logger
	}
}

// WithHTTPClient sets the HTTP client used for backend calls.
func WithHTTPClient(client *http.Client) BundleOption {
	return func(o *bundleOptions) {
		o.httpClient = client
	}
}

// WithRPCFactory replaces rpc.New as the Solana RPC constructor.
func WithRPCFactory(f RPCFactory) BundleOption {
	return func(o *bundleOptions) {
		o.newRPC = f
	}
}

// WithSettlementDedup makes the x402 manager answer resubmissions of an
// already settled payload from memory for ttl instead of sending them to the
// backend again. Off by default: every submission then reaches the backend
// with its own idempotency key.
func WithSettlementDedup(ttl time.Duration) BundleOption {
	return func(o *bundleOptions) {
		o.settlementTTL = ttl
	}
}

// WithManagerOptions passes options to every payment manager.
func WithManagerOptions(opts ...paywall.Option) BundleOption {
	return func(o *bundleOptions) {
		o.managerOptions = append(o.managerOptions, opts...)
	}
}

// NewBundle wires route discovery, a requester and the payment managers for
// cfg. It does no network I/O.
func NewBundle(cfg Config, opts ...BundleOption) (*Bundle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := bundleOptions{
		logger:     zerolog.Nop(),
		httpClient: http.DefaultClient,
		newRPC: func(endpoint string) svm.RPCClient {
			return rpc.New(endpoint)
		},
	}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger.With().Str("server", cfg.ServerURL).Logger()

	routes := discovery.New(cfg.ServerURL,
		discovery.WithHTTPClient(o.httpClient),
		discovery.WithLogger(logger))

	requesterOpts := []cedroshttp.RequesterOption{
		cedroshttp.WithHTTPClient(o.httpClient),
		cedroshttp.WithLogger(logger),
	}
	if cfg.Timeout > 0 {
		requesterOpts = append(requesterOpts, cedroshttp.WithTimeout(cfg.Timeout))
	}
	requester := cedroshttp.NewRequester(routes, requesterOpts...)

	managerOpts := append([]paywall.Option{paywall.WithLogger(logger)}, o.managerOptions...)
	if o.settlementTTL > 0 {
		managerOpts = append(managerOpts, paywall.WithSettlementCache(cedros.NewSettlementCache(o.settlementTTL)))
	}
	return &Bundle{
		Config:        cfg,
		Routes:        routes,
		Requester:     requester,
		X402:          paywall.NewX402Manager(requester, managerOpts...),
		Stripe:        paywall.NewStripeManager(requester, managerOpts...),
		Subscriptions: paywall.NewSubscriptionManager(requester, managerOpts...),
		Credits:       paywall.NewCreditsManager(requester, managerOpts...),
		logger:        logger,
		newRPC:        o.newRPC,
	}, nil
}

// RPC returns the bundle's Solana RPC client, creating it on first use.
func (b *Bundle) RPC() (svm.RPCClient, error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, ErrBundleClosed
	}

	b.rpcOnce.Do(func() {
		endpoint, err := b.Config.RPCURL()
		if err != nil {
			b.rpcErr = err
			return
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.closed {
			b.rpcErr = ErrBundleClosed
			return
		}
		b.rpc = b.newRPC(endpoint)
		b.logger.Debug().Str("rpc", endpoint).Msg("created solana rpc client")
	})
	if b.rpcErr != nil {
		return nil, b.rpcErr
	}
	return b.rpc, nil
}

// TransactionBuilder returns a Solana transaction builder for signer backed
// by the bundle's RPC client.
func (b *Bundle) TransactionBuilder(signer svm.ClientSvmSigner, opts ...svm.Option) (cedros.TransactionBuilder, error) {
	client, err := b.RPC()
	if err != nil {
		return nil, err
	}
	opts = append([]svm.Option{svm.WithLogger(b.logger)}, opts...)
	builder, err := svm.NewBuilder(signer, client, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create transaction builder: %w", err)
	}
	return builder, nil
}

// Pay runs a full x402 payment, signing with signer.
func (b *Bundle) Pay(ctx context.Context, req paywall.PayRequest, signer svm.ClientSvmSigner) (*paywall.Attempt, error) {
	builder, err := b.TransactionBuilder(signer)
	if err != nil {
		return nil, err
	}
	return b.X402.Pay(ctx, req, builder), nil
}

// Close releases the RPC client if one was created. Close is idempotent.
func (b *Bundle) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	client := b.rpc
	b.mu.Unlock()

	if closer, ok := client.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
