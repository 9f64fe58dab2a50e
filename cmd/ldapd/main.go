package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ledgerwatch/ldapd/cmd/ldapd/commands"
)

// rootContext returns a context canceled on SIGINT/SIGTERM. A second
// signal forces an immediate exit rather than waiting on a stuck
// shutdown path.
func rootContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		log.Info("interrupted, shutting down")
		cancel()
		<-ch // a second signal forces an immediate exit
		os.Exit(1)
	}()
	return ctx
}

func main() {
	if err := commands.RootCmd.ExecuteContext(rootContext()); err != nil {
		log.Error(err.Error())
		os.Exit(1)
	}
}
