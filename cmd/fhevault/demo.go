package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/luxfi/geth/common"
	"github.com/luxfi/log"
	"github.com/spf13/cobra"

	"github.com/luxfi/fhevault"
	"github.com/luxfi/fhevault/chain"
	"github.com/luxfi/fhevault/chain/chaintest"
	"github.com/luxfi/fhevault/config"
	"github.com/luxfi/fhevault/internal/localengine"
	"github.com/luxfi/fhevault/internal/storage"
	"github.com/luxfi/fhevault/server"
)

var demoRegistry = common.HexToAddress("0x00000000000000000000000000000000000f4e01")

func demoCommand(o *options) *cobra.Command {
	var vitals []uint64
	c := &cobra.Command{
		Use:   "demo",
		Short: "Run a patient and a doctor against an in-process relayer and registry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := o.load()
			if err != nil {
				return err
			}
			cfg.Credentials.Backend = config.BackendMemory
			cfg.NodeURL = ""
			if cfg.Registry == "" {
				cfg.Registry = demoRegistry.Hex()
			}

			url, stop, err := startLocalRelayer(cfg, newLogger(cfg.LogLevel))
			if err != nil {
				return err
			}
			defer stop()
			cfg.Relayer.URL = url

			return runDemo(ctx, o, cfg, vitals, cmd.OutOrStdout())
		},
	}
	c.Flags().Uint64SliceVar(&vitals, "vitals", []uint64{72, 140, 1}, "heart rate, risk score and smoker flag of the patient")
	return c
}

// startLocalRelayer serves a fresh development relayer on a loopback port.
func startLocalRelayer(cfg config.Config, logger log.Logger) (string, func(), error) {
	eng, err := localengine.New(storage.NewMemory(0), localengine.Config{
		Domain:         cfg.Domain(),
		BitWidth:       cfg.Server.BitWidth,
		PropagationLag: cfg.Server.PropagationLag,
		Logger:         logger,
	})
	if err != nil {
		return "", nil, err
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", nil, err
	}
	srv := &http.Server{
		Handler:           server.New(server.Config{AllowGrants: true}, eng, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Local relayer stopped", "error", err)
		}
	}()
	stop := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Warn("Local relayer shutdown failed", "error", err)
		}
		<-done
	}
	return "http://" + ln.Addr().String(), stop, nil
}

func runDemo(ctx context.Context, o *options, cfg config.Config, vitals []uint64, w io.Writer) error {
	if len(vitals) != 3 {
		return fmt.Errorf("--vitals takes 3 values, got %d", len(vitals))
	}
	patient, err := ephemeralSigner()
	if err != nil {
		return err
	}
	doctor, err := ephemeralSigner()
	if err != nil {
		return err
	}

	// The doctor's client reaches the registry through its ABI so grants
	// travel the same path as against a node.
	e, err := o.open(ctx, cfg)
	if err != nil {
		return err
	}
	defer e.Close()
	ledger := chaintest.New(e.relayer)
	registry, err := chaintest.NewRegistry(ledger)
	if err != nil {
		return err
	}
	onchain, err := chain.NewClient(registry, registry, e.logger)
	if err != nil {
		return err
	}
	doctorView, err := o.open(ctx, cfg, fhevault.WithLedger(onchain))
	if err != nil {
		return err
	}
	defer doctorView.Close()

	contract := cfg.RegistryAddress()
	bundle, err := e.client.EncryptFields(ctx, contract, patient.Address(), vitals)
	if err != nil {
		return err
	}
	gen := ledger.PutRecord(contract, patient.Address(), 0, bundle.Handles)
	fmt.Fprintf(w, "patient %s stored record 0 (generation %d, %d handles)\n", patient.Address().Hex(), gen, len(bundle.Handles))

	own, err := e.client.DecryptValues(ctx, []fhevault.FieldRequest{
		{Name: "heartRate", Handle: bundle.Handles[0], Contract: contract},
	}, patient.Address(), patient)
	if err != nil {
		return describe(err)
	}
	fmt.Fprintf(w, "patient reads own heart rate: %d\n", own["heartRate"].Uint)

	rec := fhevault.RecordRequest{
		Contract: contract,
		Subject:  patient.Address(),
		Fields: []fhevault.RecordField{
			{Name: "heartRate"},
			{Name: "riskScore", Transform: fhevault.Transform{Clamp: true, Max: 100}},
			{Name: "smoker"},
		},
	}
	for i := 1; i <= 2; i++ {
		start := time.Now()
		vals, err := doctorView.client.RevealRecord(ctx, rec, doctor.Address(), doctor)
		if err != nil {
			return describe(err)
		}
		fmt.Fprintf(w, "doctor reveal %d (%s, grants so far %d): heartRate=%d riskScore=%d smoker=%t\n",
			i, time.Since(start).Round(time.Millisecond), ledger.Grants(),
			vals["heartRate"].Uint, vals["riskScore"].Uint, vals["smoker"].Bool)
	}
	return doctorView.finish(o, w)
}
