// Ember full node daemon.
//
// Usage:
//
//	emberd [--testnet --p2p-port=...]  Run node
//	emberd --help                      Show help
//
// While running, type an address on stdin to print its history, or
// "stop" to shut down.
package main

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ember-network/ember-chain/config"
	"github.com/ember-network/ember-chain/internal/node"
	"github.com/ember-network/ember-chain/pkg/types"
)

func main() {
	cfg, _, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	n, err := node.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	started := make(chan error, 1)
	n.Start(func(err error) { started <- err })
	if err := <-started; err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// Stdin query loop in the background; a signal or "stop" wins.
	done := make(chan struct{})
	go queryLoop(n, done)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
	case <-done:
	}

	if err := n.Stop(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// queryLoop reads addresses from stdin and prints their history. Closes
// done on "stop" or EOF.
func queryLoop(n *node.Node, done chan<- struct{}) {
	defer close(done)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.EqualFold(line, "stop") {
			return
		}

		addr, err := types.ParseAddress(line)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid address %q: %v\n", line, err)
			continue
		}

		rows, err := n.FetchHistory(addr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "History fetch failed: %v\n", err)
			continue
		}
		for _, r := range rows {
			fmt.Printf("%s: %s:%d %d %d\n", r.Kind, r.Point.TxID, r.Point.Index, r.Height, r.Value)
		}
		if len(rows) == 0 {
			fmt.Println("No history for address.")
		}
	}
}
