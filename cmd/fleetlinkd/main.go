// fleetlinkd is the connection-core daemon plus its operator key-management
// subcommands (spec §6): `key generate`, `key compute`, and a bare invocation
// that runs the daemon, the command surface structured the way the pack's
// bdls node (cmd/bdlsnode/main.go) drives a urfave/cli/v2 App.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	logging "gopkg.in/op/go-logging.v1"

	"github.com/fleetlink/corewire/config"
	"github.com/fleetlink/corewire/corelog"
	"github.com/fleetlink/corewire/keys"
	"github.com/fleetlink/corewire/server"
)

func main() {
	app := &cli.App{
		Name:  "fleetlinkd",
		Usage: "connection-core daemon for the Core/Periphery fleet",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "path to the TOML config file"},
		},
		Commands: []*cli.Command{
			keyCommand(),
		},
		Action: runDaemon,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func keyCommand() *cli.Command {
	formatFlag := &cli.StringFlag{
		Name:  "format",
		Value: "standard",
		Usage: "standard, json, or json-pretty",
	}
	return &cli.Command{
		Name:  "key",
		Usage: "operator key management",
		Subcommands: []*cli.Command{
			{
				Name:  "generate",
				Usage: "generate a fresh X25519 identity keypair",
				Flags: []cli.Flag{formatFlag},
				Action: func(c *cli.Context) error {
					kp, err := keys.Generate()
					if err != nil {
						return err
					}
					return printKeyPair(kp, c.String("format"))
				},
			},
			{
				Name:      "compute",
				Usage:     "derive the public key for a private key",
				ArgsUsage: "<private-key>",
				Flags:     []cli.Flag{formatFlag},
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return cli.Exit("key compute requires exactly one argument", 1)
					}
					kp, err := keys.ParsePrivate(c.Args().First())
					if err != nil {
						return err
					}
					return printKeyPair(kp, c.String("format"))
				},
			},
		},
	}
}

func printKeyPair(kp *keys.KeyPair, format string) error {
	privateBase64, err := kp.PrivateBase64()
	if err != nil {
		return err
	}
	switch format {
	case "standard":
		privatePEM, err := kp.PrivatePEM()
		if err != nil {
			return err
		}
		fmt.Print(privatePEM)
		fmt.Print(kp.Public().PEM())
	case "json", "json-pretty":
		out := struct {
			PrivateKey string `json:"private_key"`
			PublicKey  string `json:"public_key"`
		}{PrivateKey: privateBase64, PublicKey: kp.Public().Base64()}
		enc := json.NewEncoder(os.Stdout)
		if format == "json-pretty" {
			enc.SetIndent("", "  ")
		}
		return enc.Encode(out)
	default:
		return cli.Exit(fmt.Sprintf("unknown --format %q", format), 1)
	}
	return nil
}

func runDaemon(c *cli.Context) error {
	configFilePath := c.String("config")
	if configFilePath == "" {
		return cli.Exit("fleetlinkd: -config is required to run the daemon", 1)
	}

	cfg, err := config.FromFile(configFilePath)
	if err != nil {
		return err
	}

	backend, err := corelog.New(nil, cfg.LogLevel)
	if err != nil {
		return err
	}
	log := backend.GetLogger("fleetlinkd")

	d, err := server.NewDaemon(cfg, log)
	if err != nil {
		return err
	}
	if err := d.Start(); err != nil {
		return err
	}
	defer d.Stop()

	log.Notice("fleetlinkd startup")
	waitForSignal(log)
	log.Notice("fleetlinkd shutdown")
	return nil
}

func waitForSignal(log *logging.Logger) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
}
