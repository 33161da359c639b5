package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/ardnew/softdfu/pkg"
)

var rootCmd = &cobra.Command{
	Use:   "softdfu",
	Short: "softdfu is a software USB DFU 1.1 device and host",
	Long: `Runs a USB Device Firmware Upgrade device in DFU mode on a loopback bus,
and downloads firmware to DFU devices over libusb.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		format, ok := pkg.ParseLogFormat(logFormat)
		if !ok {
			return fmt.Errorf("unknown log format %q", logFormat)
		}
		pkg.SetLogFormat(format)
		if verboseLog {
			pkg.SetLogLevel(slog.LevelDebug)
		} else {
			pkg.SetLogLevel(slog.LevelInfo)
		}
		return nil
	},
}

var (
	verboseLog bool
	logFormat  string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)

	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().BoolVarP(&verboseLog, "verbose", "v", false, "Enable verbose debug logging")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "Log format (one of 'text', 'json', 'console')")
	rootCmd.AddCommand(simulateCmd)
	rootCmd.AddCommand(downloadCmd)
	rootCmd.AddCommand(statusCmd)
}

// parseNumber parses a decimal or 0x-prefixed hexadecimal value that fits
// in bits.
func parseNumber(s string, bits int) (uint64, error) {
	var (
		res uint64
		err error
	)
	if strings.HasPrefix(strings.ToLower(s), "0x") {
		res, err = strconv.ParseUint(s[2:], 16, bits)
	} else {
		res, err = strconv.ParseUint(s, 10, bits)
	}
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", s)
	}
	return res, nil
}
