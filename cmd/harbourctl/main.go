package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/harbouros/appliance/internal/lifecycle"
	"github.com/harbouros/appliance/internal/system"
	"github.com/harbouros/appliance/internal/update"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	switch os.Args[1] {
	case "deploy":
		fs := flag.NewFlagSet("deploy", flag.ExitOnError)
		host := fs.String("host", "", "Appliance host or user@host (required)")
		src := fs.String("src", ".", "Path to local source tree")
		ver := fs.String("version", "", "Version to record (default: read from git tree)")
		sha := fs.String("sha", "", "Revision to record (default: git HEAD of -src)")
		applyBin := fs.String("apply-bin", "", "Apply binary built for the appliance platform (required)")
		fs.Parse(os.Args[2:])
		requireHost(fs, *host)
		if *applyBin == "" {
			fmt.Fprintln(os.Stderr, "Error: -apply-bin flag is required (cross-built cmd/apply for the appliance)")
			fs.Usage()
			os.Exit(1)
		}

		version, revision, err := resolveRevision(ctx, logger, *src, *ver, *sha)
		if err != nil {
			fatal(err)
		}

		client := lifecycle.NewClient(logger, *host)
		err = client.Deploy(ctx, *src, version, revision, *applyBin, func(line string) {
			fmt.Println(line)
		})
		if err != nil {
			fatal(err)
		}
		fmt.Printf("deployed %s (%s) to %s\n", version, update.ShortSHA(revision), *host)

	case "status":
		fs := flag.NewFlagSet("status", flag.ExitOnError)
		host := fs.String("host", "", "Appliance host or user@host (required)")
		fs.Parse(os.Args[2:])
		requireHost(fs, *host)

		rec, err := lifecycle.NewClient(logger, *host).Status(ctx)
		if err != nil {
			fatal(err)
		}
		out, _ := json.MarshalIndent(rec, "", "  ")
		fmt.Println(string(out))

	case "install":
		fs := flag.NewFlagSet("install", flag.ExitOnError)
		host := fs.String("host", "", "Appliance host or user@host (required)")
		fs.Parse(os.Args[2:])
		requireHost(fs, *host)

		if err := lifecycle.NewClient(logger, *host).Install(ctx); err != nil {
			fatal(err)
		}

	case "uninstall":
		fs := flag.NewFlagSet("uninstall", flag.ExitOnError)
		host := fs.String("host", "", "Appliance host or user@host (required)")
		fs.Parse(os.Args[2:])
		requireHost(fs, *host)

		if err := lifecycle.NewClient(logger, *host).Uninstall(ctx); err != nil {
			fatal(err)
		}

	case "exec":
		fs := flag.NewFlagSet("exec", flag.ExitOnError)
		host := fs.String("host", "", "Appliance host or user@host (required)")
		fs.Parse(os.Args[2:])
		requireHost(fs, *host)

		if fs.NArg() < 1 {
			fmt.Fprintln(os.Stderr, "Usage: harbourctl exec -host <host> <command>")
			os.Exit(1)
		}

		out, err := lifecycle.NewClient(logger, *host).Exec(ctx, strings.Join(fs.Args(), " "))
		if err != nil {
			fatal(err)
		}
		fmt.Print(out)

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// resolveRevision fills in version and sha from the source tree's git
// checkout when the flags were not given.
func resolveRevision(ctx context.Context, logger zerolog.Logger, src, ver, sha string) (string, string, error) {
	if ver != "" && sha != "" {
		return ver, sha, nil
	}

	wc := update.NewGitWorkingCopy(logger, system.ExecRunner{}, src, "")
	if sha == "" {
		head, err := wc.Head(ctx)
		if err != nil {
			return "", "", fmt.Errorf("resolve HEAD of %s (pass -sha to override): %w", src, err)
		}
		sha = head
	}
	if ver == "" {
		v, err := wc.VersionAt(ctx, sha)
		if err != nil {
			return "", "", fmt.Errorf("read version at %s (pass -version to override): %w", update.ShortSHA(sha), err)
		}
		ver = v
	}
	return ver, sha, nil
}

func requireHost(fs *flag.FlagSet, host string) {
	if host == "" {
		fmt.Fprintln(os.Stderr, "Error: -host flag is required")
		fs.Usage()
		os.Exit(1)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `Usage:
  harbourctl deploy -host <host> -apply-bin <path> [-src DIR] [-version V] [-sha SHA]
  harbourctl status -host <host>
  harbourctl install -host <host>
  harbourctl uninstall -host <host>
  harbourctl exec -host <host> <command>

Commands:
  deploy      Assemble a bundle from a source tree and apply it on the appliance
  status      Print the appliance's version ledger
  install     Run the remote install script
  uninstall   Stop appliance services and remove the installation
  exec        Run an arbitrary command on the appliance

Flags:
  -host string      Appliance address, bare host or user@host (required)
  -apply-bin string Apply binary built for the appliance platform (required for deploy)
  -src string       Local source tree for deploy (default: current directory)
  -version string   Version string to record (default: derived from git)
  -sha string       Revision to record (default: git HEAD of -src)`)
}
