package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/chazu/patchpoint/code"
	"github.com/chazu/patchpoint/config"
	"github.com/chazu/patchpoint/patcher"
)

// handleStressCommand processes the `patchctl stress` subcommand.
// Usage:
//
//	patchctl stress                             # 4 readers, 100000 patches
//	patchctl stress -readers 16 -iterations 1000000
func handleStressCommand(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("stress", flag.ContinueOnError)
	readers := fs.Int("readers", 4, "Number of simulated cores executing the call")
	iterations := fs.Int("iterations", 100000, "Number of patches the writer performs")
	if err := fs.Parse(args); err != nil {
		return err
	}

	region, err := cfg.OpenRegion()
	if err != nil {
		return err
	}
	defer region.Close()
	cache := code.NewCache(region)

	asm := code.NewAssembler()
	asm.Nop(1)
	asm.CallStatic(0)
	c, err := asm.Install(cache, "stress")
	if err != nil {
		return err
	}

	// Two targets that differ in every bit, so a torn word cannot equal either.
	const a, b = uintptr(0x5555_5555_5555_5555), uintptr(0xAAAA_AAAA_AAAA_AAAA)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	start := time.Now()
	report, err := patcher.Stress(ctx, c, c.CallSites()[0].RetAddr, a, b, *readers, *iterations)
	elapsed := time.Since(start)

	fmt.Printf("%d patches, %d calls on %d cores in %s\n", report.Writes, report.Reads, *readers, elapsed.Round(time.Millisecond))
	fmt.Printf("  old target %d, new target %d\n", report.SawA, report.SawB)
	if err != nil {
		return err
	}
	fmt.Println("no torn targets observed")
	return nil
}
