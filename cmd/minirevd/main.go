// Command minirevd is the reverse port-forwarding multiplexer daemon:
// one abstract-namespace UNIX control listener, one epoll event loop,
// and dynamically opened TCP forward listeners, all multiplexed over
// whatever clients connect to the control socket.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/iceisfun/minirevd/internal"
	"github.com/iceisfun/minirevd/pkg/daemon"
)

func usage() {
	fmt.Fprintln(os.Stderr, "usage: minirevd [-h] [-n NAME] [-v]")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "  -n NAME  abstract-namespace UNIX socket name (default \"minirev\")")
	fmt.Fprintln(os.Stderr, "  -v       enable debug logging")
	fmt.Fprintln(os.Stderr, "  -h       print this message and exit")
}

func main() {
	flag.Usage = usage

	name := flag.String("n", "minirev", "abstract-namespace UNIX socket name")
	verbose := flag.Bool("v", false, "enable debug logging")
	help := flag.Bool("h", false, "print usage")
	flag.Parse()

	if *help {
		usage()
		os.Exit(0)
	}

	logger := internal.NewConsoleLoggerLevel(*verbose)

	d, err := daemon.New(*name, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "minirevd: %v\n", err)
		os.Exit(1)
	}
	defer d.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Infof("received shutdown signal, exiting")
		d.Close()
		os.Exit(0)
	}()

	if err := d.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "minirevd: %v\n", err)
		os.Exit(1)
	}
}
