// Command fhevault encrypts health-record fields and decrypts them through an
// FHE relayer.
//
//	fhevault encrypt --contract 0x... 72 140
//	fhevault decrypt --contract 0x... heartRate=0x... riskScore=0x...
//	fhevault reveal --subject 0x... --record 0 --fields heartRate,riskScore
//	fhevault demo
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return newRootCommand().ExecuteContext(ctx)
}
