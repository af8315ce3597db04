package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:           "dpiflowcap",
	Short:         "Application-layer protocol detection and parsing over pcap traffic.",
	Long:          "dpiflowcap replays a pcap file or a live interface through the dpiflow dispatch core, detecting application protocols on each flow and feeding payload to the matching parser.",
	SilenceErrors: true,
	SilenceUsage:  true,
}

// Execute runs the root command and translates a returned error into a
// nonzero process exit, mirroring the teacher-pack CLI's Execute/ExecuteC
// split (postmanlabs-observability-cli/cmd/root.go) trimmed to this
// module's single-binary scope.
func Execute() {
	if _, err := rootCmd.ExecuteC(); err != nil {
		fmt.Fprintf(os.Stderr, "dpiflowcap: %s\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(captureCmd)

	flags := captureCmd.Flags()

	flags.StringVarP(&captureOpts.readName, "read", "r", "", "pcap file to read (mutually exclusive with --iface)")
	flags.StringVarP(&captureOpts.iface, "iface", "i", "", "live interface to capture from (mutually exclusive with --read)")
	flags.StringVar(&captureOpts.bpf, "bpf", "", "BPF filter applied to the capture")

	flags.BoolVar(&captureOpts.enableHTTP, "http", true, "detect and parse HTTP/1.x")
	flags.BoolVar(&captureOpts.enableTLS, "tls", true, "detect TLS client/server hellos")
	flags.BoolVar(&captureOpts.enableSSH, "ssh", true, "detect SSH banners")
	flags.BoolVar(&captureOpts.enableFTP, "ftp", false, "detect FTP control channels")
	flags.BoolVar(&captureOpts.inline, "inline", false, "run the dispatch core in inline/IPS mode instead of passive IDS mode")

	flags.IntVar(&captureOpts.workers, "workers", 1, "number of reassembly shards (each with its own ThreadContext); flows are hashed across shards by 5-tuple")
	flags.StringVar(&captureOpts.harOut, "har", "", "if set, write completed HTTP transactions to this path as a HAR log")
	flags.BoolVar(&captureOpts.debug, "debug", false, "use a development (console, debug-level) logger instead of the production JSON logger")

	flags.Int64Var(&captureOpts.flushTimeoutSec, "stream-flush-timeout", 0, "seconds to wait before flushing a connection with a sequence gap (0 = library default)")
	flags.Int64Var(&captureOpts.closeTimeoutSec, "stream-close-timeout", 0, "seconds of inactivity before a connection is force-closed (0 = library default)")

	flags.MarkHidden("stream-flush-timeout")
	flags.MarkHidden("stream-close-timeout")
	viper.BindPFlag("stream-flush-timeout", flags.Lookup("stream-flush-timeout"))
	viper.BindPFlag("stream-close-timeout", flags.Lookup("stream-close-timeout"))
}
