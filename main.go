// Package main is the Davi ISO-DEP agent. It runs DESFire EV1 card
// transactions (authenticate, write, read) against a PC/SC, libnfc, PN532
// or phone-relayed reader, either once from the command line or on demand
// over a websocket API.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dotside-studios/davi-isodep-agent/buildinfo"
	"github.com/dotside-studios/davi-isodep-agent/config"
	"github.com/dotside-studios/davi-isodep-agent/nfc"
	"github.com/dotside-studios/davi-isodep-agent/server"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"
)

var (
	configFlag    string
	transportFlag string
	deviceFlag    string
	keyFlag       string
	debugFlag     bool
	portFlag      int
	jsonFlag      bool
)

func usage() {
	fmt.Fprintf(os.Stderr, "%s %s\n\n", buildinfo.DisplayName, buildinfo.Version)
	fmt.Fprintf(os.Stderr, "Usage: %s [flags] <authenticate|write|read|serve|tray>\n\n", os.Args[0])
	flag.PrintDefaults()
}

func main() {
	flag.StringVar(&configFlag, "config", "", "Path to config.yaml (default: user config dir)")
	flag.StringVar(&transportFlag, "transport", "", "Reader transport: pcsc, libnfc, pn532, remote, simulator, auto")
	flag.StringVar(&deviceFlag, "device", "", "Reader name, libnfc connection string or serial port")
	flag.StringVar(&keyFlag, "key", "", "Key as hex, or - to prompt")
	flag.BoolVar(&debugFlag, "debug", false, "Enable debug logging (APDU transcript)")
	flag.IntVar(&portFlag, "port", 0, "Websocket API port")
	flag.BoolVar(&jsonFlag, "json", false, "Print the transaction result as JSON")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() != 1 {
		usage()
		os.Exit(2)
	}
	command := flag.Arg(0)

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	closer, err := InitLogging(cfg.DebugLogging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: logging: %v\n", err)
		os.Exit(1)
	}
	defer closer.Close()

	agent, err := NewAgent(cfg)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create agent")
		os.Exit(1)
	}
	defer agent.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch command {
	case "serve":
		var srv *server.Server
		if srv, err = agent.Server(); err == nil {
			err = srv.Run(ctx)
		}
	case "tray":
		NewSystrayApp(agent).Run()
	case string(nfc.KindAuthenticate), string(nfc.KindWrite), string(nfc.KindRead):
		err = runOnce(ctx, agent, nfc.TransactionKind(command))
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Error().Err(err).Str("command", command).Msg("Command failed")
		os.Exit(1)
	}
}

// loadConfig reads the config file and applies command-line overrides.
// A missing default config file is not an error.
func loadConfig() (*config.Config, error) {
	path := configFlag
	explicit := path != ""
	if !explicit {
		p, err := config.DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	cfg, err := config.Load(path)
	if err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		cfg = config.Default()
	}

	if transportFlag != "" {
		cfg.Transport = transportFlag
	}
	if deviceFlag != "" {
		cfg.Device = deviceFlag
	}
	if portFlag != 0 {
		cfg.Server.Port = portFlag
	}
	if debugFlag {
		cfg.DebugLogging = true
	}
	switch keyFlag {
	case "":
	case "-":
		key, err := promptKey()
		if err != nil {
			return nil, err
		}
		cfg.KeyHex = key
	default:
		cfg.KeyHex = keyFlag
	}

	return cfg, cfg.Validate()
}

// promptKey reads the key from the terminal without echo. Piped stdin is
// read as a single line.
func promptKey() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return "", fmt.Errorf("read key: %w", err)
		}
		return strings.TrimSpace(line), nil
	}

	fmt.Fprint(os.Stderr, "Key (hex): ")
	b, err := term.ReadPassword(fd)
	fmt.Fprint(os.Stderr, "\n")
	if err != nil {
		return "", fmt.Errorf("read key: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}

func runOnce(ctx context.Context, agent *Agent, kind nfc.TransactionKind) error {
	fmt.Fprintf(os.Stderr, "Tap a DESFire card on the reader (%s)...\n", agent.Config.Transport)

	res, err := agent.Run(ctx, kind)
	if res != nil {
		if jsonFlag {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if encErr := enc.Encode(res); encErr != nil {
				return encErr
			}
		} else {
			printResult(res)
		}
	}
	if err != nil {
		if sw := nfc.GetStatusWord(err); sw != 0 {
			return fmt.Errorf("%w (SW %04X)", err, sw)
		}
		return err
	}
	return nil
}

func printResult(res *nfc.TransactionResult) {
	if res.Cancelled {
		fmt.Println("Cancelled.")
		return
	}
	if res.UID != "" {
		fmt.Printf("UID: %s\n", res.UID)
	}
	for _, s := range res.Steps {
		fmt.Printf("  %-22s %-12s %s\n", s.Name, s.Status, s.Response)
	}
	switch res.Kind {
	case nfc.KindAuthenticate:
		if len(res.Transcript) > 0 && res.Transcript[len(res.Transcript)-1].Step == "AUTHEN SUCCESS" {
			fmt.Println("Authenticated.")
		}
	case nfc.KindRead:
		fmt.Printf("Stored data: %q\n", res.Text)
	}
}
