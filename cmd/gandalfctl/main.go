// Command gandalfctl sends reload/shutdown signals to a running gandalfd
// and can fetch its status over HTTP.
package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"syscall"

	"github.com/r2northstar/gandalf/pkg/pidfile"
	"github.com/spf13/pflag"
)

var opt struct {
	PIDFile    string
	StatusAddr string
	Help       bool
}

func init() {
	pflag.StringVar(&opt.PIDFile, "pid-file", "/var/run/gandalf.pid", "Path to the daemon's PID file")
	pflag.StringVar(&opt.StatusAddr, "status-addr", "127.0.0.1:0", "Daemon status HTTP address, for the status subcommand")
	pflag.BoolVarP(&opt.Help, "help", "h", false, "Show this help text")
}

func main() {
	pflag.Parse()

	if pflag.NArg() != 1 || opt.Help {
		fmt.Printf("usage: %s [options] reload|shutdown|status\n\noptions:\n%s", os.Args[0], pflag.CommandLine.FlagUsages())
		if opt.Help {
			os.Exit(10)
		}
		os.Exit(0)
	}

	switch pflag.Arg(0) {
	case "reload":
		os.Exit(sendSignal(syscall.SIGUSR1))
	case "shutdown":
		os.Exit(sendSignal(syscall.SIGUSR2))
	case "status":
		os.Exit(fetchStatus())
	default:
		fmt.Fprintf(os.Stderr, "error: unknown subcommand %q\n", pflag.Arg(0))
		os.Exit(10)
	}
}

// sendSignal reads the daemon's pid from the PID file and signals it, per
// spec.md §4.7/§6's exit code contract.
func sendSignal(sig syscall.Signal) int {
	pid, err := pidfile.Read(opt.PIDFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: read pid file: %v\nare you sure gandalfd was running?\n", err)
		return 5
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: find process %d: %v\n", pid, err)
		return 5
	}

	if err := proc.Signal(sig); err != nil {
		if errors.Is(err, os.ErrPermission) {
			fmt.Fprintf(os.Stderr, "error: permission denied signaling pid %d: %v\n", pid, err)
			return 2
		}
		fmt.Fprintf(os.Stderr, "error: signal pid %d: %v\n", pid, err)
		return 5
	}
	return 0
}

// fetchStatus requests GET / from the daemon's status server and prints
// the JSON body verbatim.
func fetchStatus() int {
	resp, err := http.Get("http://" + opt.StatusAddr + "/")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: status request: %v\n", err)
		return 6
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "error: status request: unexpected HTTP status %s\n", resp.Status)
		return 6
	}

	if _, err := io.Copy(os.Stdout, resp.Body); err != nil {
		fmt.Fprintf(os.Stderr, "error: read status response: %v\n", err)
		return 6
	}
	fmt.Println()
	return 0
}
