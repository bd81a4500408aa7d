package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/luxfi/geth/common"
	"github.com/luxfi/geth/common/hexutil"
	"github.com/spf13/cobra"

	"github.com/luxfi/fhevault"
	"github.com/luxfi/fhevault/engine"
)

func parseAddress(flag, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("--%s: %q is not an address", flag, s)
	}
	return common.HexToAddress(s), nil
}

type bundleOutput struct {
	Contract  common.Address  `json:"contract"`
	Submitter common.Address  `json:"submitter"`
	Handles   []engine.Handle `json:"handles"`
	Proof     hexutil.Bytes   `json:"proof"`
}

func encryptCommand(o *options) *cobra.Command {
	var contract string
	c := &cobra.Command{
		Use:   "encrypt [flags] value...",
		Short: "Encrypt fields for one contract call and print the handles and proof",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			to, err := parseAddress("contract", contract)
			if err != nil {
				return err
			}
			fields := make([]uint64, len(args))
			for i, a := range args {
				if fields[i], err = strconv.ParseUint(a, 0, 64); err != nil {
					return fmt.Errorf("field %d: %w", i, err)
				}
			}

			cfg, err := o.load()
			if err != nil {
				return err
			}
			e, err := o.open(ctx, cfg)
			if err != nil {
				return err
			}
			defer e.Close()
			if err := e.requireSigner(); err != nil {
				return err
			}

			bundle, err := e.client.EncryptFields(ctx, to, e.identity, fields)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if err := writeJSON(out, bundleOutput{
				Contract:  bundle.Contract,
				Submitter: bundle.Submitter,
				Handles:   bundle.Handles,
				Proof:     bundle.Proof,
			}); err != nil {
				return err
			}
			return e.finish(o, cmd.ErrOrStderr())
		},
	}
	c.Flags().StringVar(&contract, "contract", "", "contract the bundle is submitted to (required)")
	return c
}

// parseFieldArgs reads name=handle pairs. A bare handle is named after
// itself.
func parseFieldArgs(args []string, contract common.Address, fresh bool, transform fhevault.Transform) ([]fhevault.FieldRequest, error) {
	reqs := make([]fhevault.FieldRequest, 0, len(args))
	for _, a := range args {
		name, value, ok := strings.Cut(a, "=")
		if !ok {
			value = a
		}
		h, err := engine.ParseHandle(value)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", a, err)
		}
		if !ok {
			name = h.Hex()
		}
		reqs = append(reqs, fhevault.FieldRequest{
			Name:      name,
			Handle:    h,
			Contract:  contract,
			Fresh:     fresh,
			Transform: transform,
		})
	}
	return reqs, nil
}

func addTransformFlags(c *cobra.Command, t *fhevault.Transform) {
	c.Flags().BoolVar(&t.Clamp, "clamp", false, "clamp values to [--min, --max]")
	c.Flags().Uint64Var(&t.Min, "min", 0, "lower clamp bound")
	c.Flags().Uint64Var(&t.Max, "max", 0, "upper clamp bound")
	c.Flags().Float64Var(&t.Scale, "scale", 0, "divide values by this fixed-point scale")
}

func decryptCommand(o *options) *cobra.Command {
	var (
		contract  string
		fresh     bool
		transform fhevault.Transform
	)
	c := &cobra.Command{
		Use:   "decrypt [flags] [name=]handle...",
		Short: "Decrypt handles held by a contract",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			from, err := parseAddress("contract", contract)
			if err != nil {
				return err
			}
			reqs, err := parseFieldArgs(args, from, fresh, transform)
			if err != nil {
				return err
			}

			cfg, err := o.load()
			if err != nil {
				return err
			}
			e, err := o.open(ctx, cfg)
			if err != nil {
				return err
			}
			defer e.Close()
			if err := e.requireSigner(); err != nil {
				return err
			}

			vals, err := e.client.DecryptValues(ctx, reqs, e.identity, e.signer)
			if err != nil {
				return describe(err)
			}
			if err := printValues(cmd.OutOrStdout(), vals); err != nil {
				return err
			}
			return e.finish(o, cmd.ErrOrStderr())
		},
	}
	c.Flags().StringVar(&contract, "contract", "", "contract holding the handles (required)")
	c.Flags().BoolVar(&fresh, "fresh", false, "wait for a just-granted permission to propagate")
	addTransformFlags(c, &transform)
	return c
}

func revealCommand(o *options) *cobra.Command {
	var (
		contract  string
		subject   string
		record    uint64
		fields    []string
		transform fhevault.Transform
	)
	c := &cobra.Command{
		Use:   "reveal",
		Short: "Grant the identity access to a stored record and decrypt it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := o.load()
			if err != nil {
				return err
			}
			if cfg.NodeURL == "" {
				return errors.New("reveal needs a chain endpoint: set --node or nodeUrl")
			}
			registry := cfg.RegistryAddress()
			if contract != "" {
				if registry, err = parseAddress("contract", contract); err != nil {
					return err
				}
			}
			owner, err := parseAddress("subject", subject)
			if err != nil {
				return err
			}

			e, err := o.open(ctx, cfg)
			if err != nil {
				return err
			}
			defer e.Close()
			if err := e.requireSigner(); err != nil {
				return err
			}

			vals, err := e.client.RevealRecord(ctx, recordRequest(registry, owner, record, fields, transform), e.identity, e.signer)
			if err != nil {
				return describe(err)
			}
			if err := printValues(cmd.OutOrStdout(), vals); err != nil {
				return err
			}
			return e.finish(o, cmd.ErrOrStderr())
		},
	}
	c.Flags().StringVar(&contract, "contract", "", "registry contract (defaults to the configured registry)")
	c.Flags().StringVar(&subject, "subject", "", "owner of the record (required)")
	c.Flags().Uint64Var(&record, "record", 0, "record index")
	c.Flags().StringSliceVar(&fields, "fields", nil, "field names in record order (required)")
	addTransformFlags(c, &transform)
	return c
}

func recordRequest(contract, subject common.Address, index uint64, names []string, t fhevault.Transform) fhevault.RecordRequest {
	fields := make([]fhevault.RecordField, len(names))
	for i, n := range names {
		fields[i] = fhevault.RecordField{Name: n, Transform: t}
	}
	return fhevault.RecordRequest{
		Contract:    contract,
		Subject:     subject,
		RecordIndex: index,
		Fields:      fields,
	}
}

// describe adds what the user can do about err.
func describe(err error) error {
	switch {
	case errors.Is(err, fhevault.ErrPermissionNotYetVisible):
		return fmt.Errorf("%w (retry with a longer --delay)", err)
	case errors.Is(err, fhevault.ErrTransientNetwork):
		return fmt.Errorf("%w (relayer unreachable, retry later)", err)
	case errors.Is(err, fhevault.ErrAuthorizationExpired):
		return fmt.Errorf("%w (run again to sign a new authorization)", err)
	default:
		return err
	}
}

func printValues(w io.Writer, vals fhevault.Values) error {
	names := make([]string, 0, len(vals))
	for n := range vals {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		v := vals[n]
		var err error
		switch {
		case v.Absent:
			_, err = fmt.Fprintf(w, "%s\tabsent\n", n)
		case v.Float != float64(v.Uint):
			_, err = fmt.Fprintf(w, "%s\t%d\t%g\n", n, v.Uint, v.Float)
		default:
			_, err = fmt.Fprintf(w, "%s\t%d\n", n, v.Uint)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
