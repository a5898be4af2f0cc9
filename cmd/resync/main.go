// resync mounts the documents of a reMarkable tablet as a filesystem.
//
// Sub-commands:
//
//	resync mount [flags] <mountpoint>          Mount the document tree (default)
//	resync ls [flags] [path]                   Print the document tree
//	resync get [flags] <path> <file>           Render a document to a local file
//	resync put [flags] <dir> <folder>          Copy local PDFs to the device
//	resync lines <file.rm>                     Summarize an annotation file
//	resync find [flags]                        Search for the device
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
)

const usage = `usage: resync <command> [flags] [args]

commands:
  mount <mountpoint>     mount the document tree (default)
  ls [path]              print the document tree below path
  get <path> <file>      render a document to a local file
  put <dir> <folder>     copy local PDFs into a device folder
  lines <file.rm>        summarize an annotation file
  find                   search for the device on USB and the network

Run "resync <command> --help" for the flags of a command.
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd := "mount"
	if len(args) > 0 {
		switch args[0] {
		case "mount", "ls", "get", "put", "lines", "find":
			cmd, args = args[0], args[1:]
		case "help", "-h", "--help":
			fmt.Print(usage)
			return nil
		}
	}

	switch cmd {
	case "ls":
		return cmdLs(ctx, args)
	case "get":
		return cmdGet(ctx, args)
	case "put":
		return cmdPut(ctx, args)
	case "lines":
		return cmdLines(args)
	case "find":
		return cmdFind(ctx, args)
	default:
		return cmdMount(ctx, args)
	}
}
