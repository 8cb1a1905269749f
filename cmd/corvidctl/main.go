// corvidctl is a command-line client for corvidd's admin interface
// (spec.md §4.9): it sends one command over the CRLF-framed admin
// protocol and prints the reply.
package main

import (
	"fmt"
	"net/textproto"
	"os"
	"strings"

	"github.com/docopt/docopt-go"
)

const usage = `corvidctl.

Usage:
  corvidctl [--address=<addr>] status
  corvidctl [--address=<addr>] list
  corvidctl [--address=<addr>] failures
  corvidctl [--address=<addr>] unfail-all
  corvidctl [--address=<addr>] pid
  corvidctl [--address=<addr>] flush
  corvidctl [--address=<addr>] forward
  corvidctl [--address=<addr>] dnsbl (start|stop)
  corvidctl [--address=<addr>] smtp (enable|disable)
  corvidctl [--address=<addr>] info <key>
  corvidctl [--address=<addr>] terminate
  corvidctl -h | --help

Options:
  --address=<addr>  Admin interface address. [default: 127.0.0.1:1099]
  -h --help         Show this help.
`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], "corvidctl")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	addr, err := opts.String("--address")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	cmd, err := commandLine(opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	reply, err := send(addr, cmd)
	if err != nil {
		fmt.Fprintln(os.Stderr, "corvidctl:", err)
		os.Exit(1)
	}

	if strings.HasPrefix(reply, "error:") {
		fmt.Fprintln(os.Stderr, reply)
		os.Exit(1)
	}
	if reply != "" {
		fmt.Println(reply)
	}
}

// commandLine renders the parsed docopt options back into one admin
// protocol command line (spec.md §4.9's command table).
func commandLine(opts docopt.Opts) (string, error) {
	for _, name := range []string{"status", "list", "failures", "unfail-all", "pid", "flush", "forward", "terminate"} {
		if on, _ := opts.Bool(name); on {
			return name, nil
		}
	}
	if on, _ := opts.Bool("dnsbl"); on {
		return "dnsbl " + startStop(opts), nil
	}
	if on, _ := opts.Bool("smtp"); on {
		return "smtp " + enableDisable(opts), nil
	}
	if on, _ := opts.Bool("info"); on {
		key, err := opts.String("<key>")
		if err != nil {
			return "", err
		}
		return "info " + key, nil
	}
	return "", fmt.Errorf("no command given")
}

func startStop(opts docopt.Opts) string {
	if on, _ := opts.Bool("start"); on {
		return "start"
	}
	return "stop"
}

func enableDisable(opts docopt.Opts) string {
	if on, _ := opts.Bool("enable"); on {
		return "enable"
	}
	return "disable"
}

// send dials addr, writes cmd as a single CRLF-framed line, and returns the
// single reply line the admin server sends back.
func send(addr, cmd string) (string, error) {
	conn, err := textproto.Dial("tcp", addr)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	if err := conn.PrintfLine("%s", cmd); err != nil {
		return "", err
	}
	return conn.ReadLine()
}
