// earendil is the companion command line tool of earendild: identity
// management and offline inspection of a node's persisted state.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli"

	"github.com/xtexChooser/earendil/config"
	"github.com/xtexChooser/earendil/crypt"
	"github.com/xtexChooser/earendil/linkstore"
)

func main() {
	app := cli.NewApp()
	app.Name = "earendil"
	app.Usage = "earendil node utility"
	app.Commands = []cli.Command{
		identityCommand,
		checkConfigCommand,
		chatSummaryCommand,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "earendil: %v\n", err)
		os.Exit(1)
	}
}

var identityCommand = cli.Command{
	Name:     "identity",
	Category: "Node",
	Usage: "Show the relay fingerprint of an identity file, " +
		"creating the identity if the file is missing or damaged",
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "path",
			Usage: "path to the identity file",
		},
	},
	Action: showIdentity,
}

func showIdentity(ctx *cli.Context) error {
	path := ctx.String("path")
	if path == "" {
		return fmt.Errorf("--path is required")
	}

	id, err := crypt.ReadIdentityFile(path)
	if err != nil {
		return fmt.Errorf("unable to load identity: %w", err)
	}

	fmt.Printf("%s\n", id.Fingerprint())

	return nil
}

var checkConfigCommand = cli.Command{
	Name:     "checkconfig",
	Category: "Node",
	Usage:    "Validate a config file and summarize its routes",
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "config",
			Usage: "path to the YAML config file",
		},
	},
	Action: checkConfig,
}

func checkConfig(ctx *cli.Context) error {
	path := ctx.String("config")
	if path == "" {
		return fmt.Errorf("--config is required")
	}

	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	role := "client"
	if cfg.IsRelay() {
		role = "relay"
	}
	fmt.Printf("role: %s\n", role)
	fmt.Printf("in routes: %d\n", len(cfg.InRoutes))
	fmt.Printf("out routes: %d\n", len(cfg.OutRoutes))

	for name, route := range cfg.OutRoutes {
		if _, err := crypt.RelayFingerprintFromString(
			route.Fingerprint,
		); err != nil {
			return fmt.Errorf("out_route %q: %w", name, err)
		}
	}
	fmt.Println("config ok")

	return nil
}

var chatSummaryCommand = cli.Command{
	Name:     "chatsummary",
	Category: "Chat",
	Usage:    "Print the latest chat line per neighbor from a link db",
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "db",
			Usage: "path to the link store database",
		},
	},
	Action: chatSummary,
}

func chatSummary(ctx *cli.Context) error {
	path := ctx.String("db")
	if path == "" {
		return fmt.Errorf("--db is required")
	}

	store, err := linkstore.Open(path)
	if err != nil {
		return err
	}
	defer store.Close()

	summary, err := store.GetChatSummary()
	if err != nil {
		return err
	}

	for _, entry := range summary {
		direction := "<-"
		if entry.Latest.IsOutgoing {
			direction = "->"
		}
		fmt.Printf("%s (%d msgs) %s %s\n", entry.Neighbor,
			entry.Count, direction, entry.Latest.Text)
	}

	return nil
}
