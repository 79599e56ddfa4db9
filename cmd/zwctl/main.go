package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/zwavecore/hostdriver"
)

func main() {
	addrFlag := flag.String("addr", "/dev/ttyACM0", "Transport address (device path, serial://..., or tcp://host:port)")
	cacheFlag := flag.String("cache", "./zwave-cache", "Persistence facade cache directory")
	lockFlag := flag.String("lockdir", "./zwave-cache/lock", "Single-instance lock directory")
	s0KeyFlag := flag.String("s0-key", "", "S0 legacy network key, 16 bytes hex")
	softResetFlag := flag.Bool("soft-reset", true, "Send a soft reset before the controller handshake")
	statsFlag := flag.Duration("stats-interval", 10*time.Second, "Interval between statistics printouts, 0 disables")

	flag.Usage = printUsage
	flag.Parse()

	var keys hostdriver.SecurityKeys
	if *s0KeyFlag != "" {
		key, err := hex.DecodeString(*s0KeyFlag)
		if err != nil {
			log.Fatalf("invalid -s0-key: %v", err)
		}
		keys.S0Legacy = key
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	host, err := hostdriver.Open(*addrFlag,
		hostdriver.WithContext(ctx),
		hostdriver.WithCacheDir(*cacheFlag),
		hostdriver.WithLockDirectory(*lockFlag),
		hostdriver.WithSoftReset(*softResetFlag),
		hostdriver.WithSecurityKeys(keys),
		hostdriver.WithErrorHandler(func(err error) {
			log.Printf("driver error: %v", err)
		}),
	)
	if err != nil {
		log.Fatalf("open: %v", err)
	}
	defer host.Close()

	fmt.Printf("driver ready on %s, cache %s\n", *addrFlag, *cacheFlag)

	if *statsFlag > 0 {
		go printStats(ctx, host, *statsFlag)
	}

	<-ctx.Done()
	fmt.Println("shutting down")
}

func printStats(ctx context.Context, host *hostdriver.Host, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s := host.Statistics()
			fmt.Printf("tx=%d rx=%d nak=%d can=%d bytes-sent=%d bytes-recv=%d timeouts=%v nodes=%d\n",
				s.CommandsTX, s.CommandsRX, s.NAKs, s.CANs, s.BytesSent, s.BytesRecv, s.TimeoutsByKind, len(host.Nodes().All()))
		}
	}
}

func printUsage() {
	fmt.Println("zwctl - Z-Wave host driver control utility")
	fmt.Println("Usage:")
	fmt.Println("  zwctl [-addr <path>] [-cache <dir>] [-lockdir <dir>] [-s0-key <hex>] [-soft-reset] [-stats-interval <duration>]")
	fmt.Println()
	fmt.Println("Example:")
	fmt.Println("  zwctl -addr /dev/ttyACM0 -cache ./zwave-cache")
	fmt.Println("  zwctl -addr tcp://192.168.1.50:2400 -soft-reset=false")
}
