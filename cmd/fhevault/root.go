package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/luxfi/crypto"
	"github.com/luxfi/geth/common"
	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/luxfi/fhevault"
	"github.com/luxfi/fhevault/authcache"
	"github.com/luxfi/fhevault/chain"
	"github.com/luxfi/fhevault/config"
	"github.com/luxfi/fhevault/credstore"
	"github.com/luxfi/fhevault/engine"
	"github.com/luxfi/fhevault/handlecache"
	"github.com/luxfi/fhevault/metrics"
	"github.com/luxfi/fhevault/relayer"
	"github.com/luxfi/fhevault/signer"
)

// options are the persistent flags. Set flags override the config file.
type options struct {
	configPath  string
	relayerURL  string
	nodeURL     string
	backend     string
	keyHex      string
	keyFile     string
	walletURL   string
	account     string
	logLevel    string
	delay       time.Duration
	showMetrics bool
}

func newRootCommand() *cobra.Command {
	o := &options{}
	root := &cobra.Command{
		Use:           "fhevault",
		Short:         "Encrypt and decrypt FHE health-record fields",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	f := root.PersistentFlags()
	f.StringVar(&o.configPath, "config", "", "YAML configuration file")
	f.StringVar(&o.relayerURL, "relayer", "", "relayer base URL")
	f.StringVar(&o.nodeURL, "node", "", "chain JSON-RPC endpoint")
	f.StringVar(&o.backend, "credentials", "", "credential store backend (memory, file, badger, redis)")
	f.StringVar(&o.keyHex, "key", "", "hex secp256k1 private key of the identity")
	f.StringVar(&o.keyFile, "key-file", "", "file holding the hex private key of the identity")
	f.StringVar(&o.walletURL, "wallet", "", "JSON-RPC endpoint of a wallet that signs with eth_signTypedData_v4")
	f.StringVar(&o.account, "account", "", "wallet account used with --wallet")
	f.StringVar(&o.logLevel, "log-level", "", "log level, off silences logging")
	f.DurationVar(&o.delay, "delay", 0, "propagation delay after granting a permission")
	f.BoolVar(&o.showMetrics, "metrics", false, "print client counters when done")

	root.AddCommand(
		encryptCommand(o),
		decryptCommand(o),
		revealCommand(o),
		demoCommand(o),
	)
	return root
}

func (o *options) load() (config.Config, error) {
	cfg := config.Default()
	if o.configPath != "" {
		var err error
		if cfg, err = config.Load(o.configPath); err != nil {
			return config.Config{}, err
		}
	}
	if o.relayerURL != "" {
		cfg.Relayer.URL = o.relayerURL
	}
	if o.nodeURL != "" {
		cfg.NodeURL = o.nodeURL
	}
	if o.backend != "" {
		cfg.Credentials.Backend = o.backend
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	if o.delay > 0 {
		cfg.Decrypt.PropagationDelay = o.delay
	}
	return cfg, cfg.Validate()
}

// signer returns the identity's signer. Without a configured key it returns
// nil and a zero address.
func (o *options) signer(ctx context.Context) (engine.Signer, common.Address, error) {
	switch {
	case o.keyHex != "":
		s, err := signer.LocalFromHex(o.keyHex)
		if err != nil {
			return nil, common.Address{}, err
		}
		return s, s.Address(), nil
	case o.keyFile != "":
		s, err := signer.LocalFromFile(o.keyFile)
		if err != nil {
			return nil, common.Address{}, err
		}
		return s, s.Address(), nil
	case o.walletURL != "":
		if !common.IsHexAddress(o.account) {
			return nil, common.Address{}, errors.New("--wallet needs --account")
		}
		s, err := signer.DialRPC(ctx, o.walletURL)
		if err != nil {
			return nil, common.Address{}, err
		}
		return s, common.HexToAddress(o.account), nil
	default:
		return nil, common.Address{}, nil
	}
}

func newLogger(level string) log.Logger {
	if level == "off" {
		return log.NewNoOpLogger()
	}
	return log.NewLogger("fhevault")
}

func openStore(cfg config.Config) (credstore.Store, error) {
	switch cfg.Credentials.Backend {
	case config.BackendMemory:
		return credstore.NewMemory(), nil
	case config.BackendFile:
		return credstore.NewFile(cfg.Credentials.Path)
	case config.BackendBadger:
		return credstore.NewBadger(cfg.Credentials.Path)
	case config.BackendRedis:
		r := cfg.Credentials.Redis
		return credstore.NewRedis(credstore.RedisConfig{
			Addr:     r.Addr,
			Password: r.Password,
			DB:       r.DB,
			Prefix:   r.Prefix,
			TTL:      r.TTL,
		})
	default:
		return nil, fmt.Errorf("unknown credential backend %q", cfg.Credentials.Backend)
	}
}

// env is everything one command needs.
type env struct {
	cfg      config.Config
	logger   log.Logger
	registry *prometheus.Registry
	relayer  *relayer.Client
	store    credstore.Store
	client   *fhevault.Client
	signer   engine.Signer
	identity common.Address
	closers  []func()
}

// open wires a client for cfg. extra options are applied last.
func (o *options) open(ctx context.Context, cfg config.Config, extra ...fhevault.Option) (*env, error) {
	e := &env{
		cfg:      cfg,
		logger:   newLogger(cfg.LogLevel),
		registry: prometheus.NewRegistry(),
	}
	m, err := metrics.New(e.registry)
	if err != nil {
		return nil, err
	}

	e.relayer, err = relayer.New(relayer.Config{
		URL:         cfg.Relayer.URL,
		Domain:      cfg.Domain(),
		Timeout:     cfg.Relayer.Timeout,
		MaxAttempts: cfg.Relayer.MaxAttempts,
		Logger:      e.logger,
		Metrics:     m,
	})
	if err != nil {
		return nil, err
	}

	if e.signer, e.identity, err = o.signer(ctx); err != nil {
		return nil, err
	}

	if e.store, err = openStore(cfg); err != nil {
		return nil, fmt.Errorf("open credential store: %w", err)
	}
	e.closers = append(e.closers, func() {
		if err := e.store.Close(); err != nil {
			e.logger.Warn("Closing credential store failed", "error", err)
		}
	})

	creds := authcache.New(e.store, e.relayer,
		authcache.WithLogger(e.logger),
		authcache.WithMetrics(m),
		authcache.WithDurationDays(cfg.Credentials.DurationDays),
	)
	handles, err := handlecache.New(cfg.Decrypt.HandleCacheSize,
		handlecache.WithLogger(e.logger),
		handlecache.WithMetrics(m),
	)
	if err != nil {
		e.Close()
		return nil, err
	}

	opts := []fhevault.Option{
		fhevault.WithLogger(e.logger),
		fhevault.WithMetrics(m),
		fhevault.WithHandleCache(handles),
		fhevault.WithPropagationDelay(cfg.Decrypt.PropagationDelay),
		fhevault.WithBatchSize(cfg.Decrypt.BatchSize),
		fhevault.WithAuthorizationScope(cfg.Scope()...),
	}
	if cfg.NodeURL != "" {
		backend, err := chain.DialRPC(ctx, cfg.NodeURL, e.identity)
		if err != nil {
			e.Close()
			return nil, err
		}
		e.closers = append(e.closers, backend.Close)
		ledger, err := chain.NewClient(backend, backend, e.logger)
		if err != nil {
			e.Close()
			return nil, err
		}
		opts = append(opts, fhevault.WithLedger(ledger))
	}

	if e.client, err = fhevault.New(e.relayer, creds, append(opts, extra...)...); err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

// requireSigner fails commands that decrypt without an identity.
func (e *env) requireSigner() error {
	if e.signer == nil {
		return errors.New("no identity: pass --key, --key-file or --wallet")
	}
	return nil
}

func (e *env) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
	e.closers = nil
}

// report prints every counter of the client registry.
func (e *env) report(w io.Writer) error {
	families, err := e.registry.Gather()
	if err != nil {
		return err
	}
	lines := make([]string, 0, len(families))
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			c := m.GetCounter()
			if c == nil {
				continue
			}
			name := mf.GetName()
			for _, lp := range m.GetLabel() {
				name += fmt.Sprintf(" %s=%s", lp.GetName(), lp.GetValue())
			}
			lines = append(lines, fmt.Sprintf("%s %g", name, c.GetValue()))
		}
	}
	sort.Strings(lines)
	for _, l := range lines {
		if _, err := fmt.Fprintln(w, l); err != nil {
			return err
		}
	}
	return nil
}

func (e *env) finish(o *options, w io.Writer) error {
	if !o.showMetrics {
		return nil
	}
	return e.report(w)
}

func ephemeralSigner() (*signer.Local, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return signer.NewLocal(key), nil
}
