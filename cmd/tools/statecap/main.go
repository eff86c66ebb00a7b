// statecap works with packet captures of the motor-bridge state stream:
// analyze summarizes frame health, replay paces the frames back out over
// UDP against a bench daemon. Both need libpcap; build with -tags pcap,
// otherwise the transport stubs explain how to enable it.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/stride-robotics/gaitd/internal/transport"
)

func main() {
	flag.Usage = printUsage
	flag.Parse()

	if flag.NArg() < 1 {
		printUsage()
		os.Exit(2)
	}

	command := flag.Arg(0)
	args := flag.Args()[1:]

	switch command {
	case "analyze":
		handleAnalyze(args)
	case "replay":
		handleReplay(args)
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", command)
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Println(`statecap - motor bridge capture tool

Usage: statecap <command> [options]

Commands:
  analyze    Summarize the state frames in a capture
  replay     Replay a capture's state frames over UDP
  help       Show this help message

analyze options:
  -file <path>   Capture to read (required)
  -port <n>      UDP port carrying state frames (default 7701)
  -joints <n>    Joint count for frame sizing (default 29)

replay options:
  -file <path>   Capture to read (required)
  -port <n>      UDP port carrying state frames (default 7701)
  -to <addr>     Destination address (default 127.0.0.1:7701)
  -rate <x>      Playback speed multiplier (default 1.0)

Capture support needs libpcap; build with -tags pcap.`)
}

func handleAnalyze(args []string) {
	fs := flag.NewFlagSet("analyze", flag.ExitOnError)
	file := fs.String("file", "", "Capture to read")
	port := fs.Int("port", 7701, "UDP port carrying state frames")
	joints := fs.Int("joints", 29, "Joint count for frame sizing")
	fs.Parse(args)

	if *file == "" {
		log.Fatal("analyze: -file is required")
	}

	report, err := transport.AnalyzeCapture(*file, *port, *joints)
	if err != nil {
		log.Fatalf("%v", err)
	}
	fmt.Println(report)
}

func handleReplay(args []string) {
	fs := flag.NewFlagSet("replay", flag.ExitOnError)
	file := fs.String("file", "", "Capture to read")
	port := fs.Int("port", 7701, "UDP port carrying state frames")
	to := fs.String("to", "127.0.0.1:7701", "Destination address")
	rate := fs.Float64("rate", 1.0, "Playback speed multiplier")
	fs.Parse(args)

	if *file == "" {
		log.Fatal("replay: -file is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := transport.ReplayCapture(ctx, *file, *port, *to, *rate); err != nil {
		log.Fatalf("%v", err)
	}
	log.Print("replay complete")
}
