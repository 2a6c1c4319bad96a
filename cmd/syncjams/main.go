package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chr15m/syncjams/internal/engine"
	"github.com/chr15m/syncjams/internal/invite"
)

// cmd/syncjams is a thin demo wrapper around the engine — a CLI/REPL
// is explicitly out of core scope; this exists to exercise the engine
// from a terminal, nothing more.
func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		cmdServe(os.Args[2:])
	case "invite":
		cmdInvite(os.Args[2:])
	case "search":
		cmdSearch(os.Args[2:])
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`syncjams - P2P tick-synced state gossip demo node

Usage: syncjams <command> [options]

Commands:
  serve    Join the gossip group and log tick/state/peer events
  invite   Mint and print a join invite (text + terminal QR)
  search   Join briefly and search the local message log
  help     Show this help`)
}

type stdLogger struct{}

func (stdLogger) Printf(format string, v ...interface{}) { log.Printf(format, v...) }

type cliObserver struct{}

func (cliObserver) OnTick(tick uint64, start time.Time) {
	if tick%16 == 0 {
		log.Printf("tick %d", tick)
	}
}
func (cliObserver) OnMessage(nodeID int64, address string, args []any) {
	log.Printf("message from %d: %s %v", nodeID, address, args)
}
func (cliObserver) OnState(nodeID int64, address string, args []any) {
	log.Printf("state from %d: %s = %v", nodeID, address, args)
}
func (cliObserver) OnNodeJoined(nodeID int64) {
	log.Printf("🔗 node %d joined", nodeID)
}
func (cliObserver) OnNodeLeft(nodeID int64) {
	log.Printf("👋 node %d left", nodeID)
}

func cmdServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	port := fs.Int("port", engine.DefaultPort, "UDP port to bind")
	namespace := fs.String("namespace", engine.DefaultNamespace, "Address namespace prefix")
	snapshotPath := fs.String("snapshot", "", "SQLite path to persist state across restarts (disabled if empty)")
	logCapacity := fs.Int("messagelog-capacity", 1000, "Rolling searchable message history size (0 disables)")
	fs.Parse(args)

	e, err := engine.New(engine.Config{
		Port:               *port,
		Namespace:          *namespace,
		Observer:           cliObserver{},
		Logger:             stdLogger{},
		SnapshotPath:       *snapshotPath,
		MessageLogCapacity: *logCapacity,
	})
	if err != nil {
		log.Fatalf("engine: %v", err)
	}

	log.Printf("🚀 node %d listening on udp/%d, namespace %s", e.GetNodeID(), *port, *namespace)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go e.ServeForever()

	<-sigCh
	log.Printf("shutting down")
	if err := e.Close(); err != nil {
		log.Fatalf("close: %v", err)
	}
}

func cmdInvite(args []string) {
	fs := flag.NewFlagSet("invite", flag.ExitOnError)
	port := fs.Int("port", engine.DefaultPort, "Port the host is listening on")
	dest := fs.String("host", "", "Destination address or hostname for invitees")
	expiry := fs.Duration("expiry", invite.DefaultExpiry, "Invite expiry duration")
	fs.Parse(args)

	inv := invite.New("", *dest, *port, *expiry)
	encoded, err := inv.Encode()
	if err != nil {
		log.Fatalf("invite: %v", err)
	}
	fmt.Println(encoded)

	qr, err := inv.QRTerminal()
	if err != nil {
		log.Fatalf("invite: qr: %v", err)
	}
	fmt.Println(qr)
}

// cmdSearch joins the gossip group just long enough to collect some
// history, then runs a full-text query over it and prints the matching
// message IDs. Demonstrates Engine.SearchMessages end to end.
func cmdSearch(args []string) {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	port := fs.Int("port", engine.DefaultPort, "UDP port to bind")
	namespace := fs.String("namespace", engine.DefaultNamespace, "Address namespace prefix")
	address := fs.String("address", "", "Restrict the search to one address (optional)")
	limit := fs.Int("limit", 20, "Maximum number of results")
	listen := fs.Duration("listen", 5*time.Second, "How long to listen before searching")
	fs.Parse(args)

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: syncjams search [options] <query>")
		os.Exit(1)
	}
	query := fs.Arg(0)

	e, err := engine.New(engine.Config{
		Port:               *port,
		Namespace:          *namespace,
		Observer:           cliObserver{},
		Logger:             stdLogger{},
		MessageLogCapacity: 1000,
	})
	if err != nil {
		log.Fatalf("engine: %v", err)
	}
	defer e.Close()

	go e.ServeForever()
	time.Sleep(*listen)

	ids, err := e.SearchMessages(query, *address, *limit)
	if err != nil {
		log.Fatalf("search: %v", err)
	}
	for _, id := range ids {
		fmt.Println(id)
	}
}
