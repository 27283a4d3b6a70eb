package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"pdavault.mini/pdv/internal/cli/pdvctl"
)

func main() {
	fs := flag.NewFlagSet("pdvctl", flag.ExitOnError)
	cfg, err := pdvctl.ParseConfig(fs, os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := pdvctl.Run(context.Background(), cfg, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "pdvctl %s: %v\n", cfg.Command, err)
		os.Exit(1)
	}
}
