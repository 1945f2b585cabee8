// earendild is the earendil daemon: it maintains obfuscated links to its
// neighbors, forwards and peels onion packets, and gossips the relay
// graph.
package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/btcsuite/btclog/v2"
	flags "github.com/jessevdk/go-flags"

	"github.com/xtexChooser/earendil/config"
	"github.com/xtexChooser/earendil/link"
	"github.com/xtexChooser/earendil/linknode"
)

type cliOpts struct {
	Config string `short:"c" long:"config" required:"true" description:"Path to the YAML config file"`
}

func main() {
	if err := run(); err != nil {
		// go-flags already printed the usage text on help requests.
		var flagErr *flags.Error
		if errors.As(err, &flagErr) && flagErr.Type == flags.ErrHelp {
			os.Exit(0)
		}

		fmt.Fprintf(os.Stderr, "earendild: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var opts cliOpts
	if _, err := flags.Parse(&opts); err != nil {
		return err
	}

	cfg, err := config.Load(opts.Config)
	if err != nil {
		return err
	}

	handler := btclog.NewDefaultHandler(os.Stdout)
	link.UseLogger(btclog.NewSLogger(handler.SubSystem("LINK")))
	linknode.UseLogger(btclog.NewSLogger(handler.SubSystem("LNOD")))

	node, err := linknode.New(cfg)
	if err != nil {
		return fmt.Errorf("starting link node: %w", err)
	}
	defer node.Stop()

	rootLog := btclog.NewSLogger(handler.SubSystem("EARD"))
	if fp, ok := node.MyID().Fingerprint(); ok {
		rootLog.Infof("Daemon starting as relay %v", fp)
	} else {
		rootLog.Infof("Daemon starting as client %d",
			node.MyID().ClientID())
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	rootLog.Infof("Received %v, shutting down", sig)

	return nil
}
