package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/amirimatin/members-manager/pkg/discovery/gossip"
)

func main() {
	var (
		name     = flag.String("name", "node-1", "gossip node name")
		bind     = flag.String("bind", ":7946", "gossip bind host:port")
		advertise = flag.String("advertise", "", "gossip advertise host:port (optional)")
		mgmtAddr = flag.String("mgmt-addr", "", "this node's management gRPC address, gossiped to peers")
		joinCSV  = flag.String("join", "", "comma-separated gossip bind addresses to seed from")
	)
	flag.Parse()

	ctx, cancel := signalContext()
	defer cancel()

	d, err := gossip.New(gossip.Options{NodeName: *name, Bind: *bind, Advertise: *advertise, MgmtAddr: *mgmtAddr, Logger: log.Default()})
	if err != nil {
		log.Fatal(err)
	}
	if err := d.Start(ctx); err != nil {
		log.Fatal(err)
	}
	defer d.Stop()

	if *joinCSV != "" {
		if err := d.Join(splitCSV(*joinCSV)); err != nil {
			log.Printf("join error: %v", err)
		}
	}

	fmt.Println("memdemo started. Press Ctrl+C to exit.")
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(2 * time.Second):
			fmt.Printf("seeds: %v\n", d.Seeds())
		}
	}
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()
	return ctx, cancel
}
