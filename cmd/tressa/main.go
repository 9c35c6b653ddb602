package main

import (
	"context"
	"log"
	"os"
	"os/signal"

	"github.com/PatchLens/go-tressa/tressa"
	"github.com/PatchLens/go-tressa/tressa/cmd"
)

func main() {
	log.SetFlags(log.LstdFlags)

	config, err := cmd.ParseFlags()
	if err != nil {
		log.Fatalf("%s%v", tressa.ErrorLogPrefix, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := tressa.NewInstrumentEngine(config).Run(ctx); err != nil {
		stop()
		log.Fatalf("%s%v", tressa.ErrorLogPrefix, err)
	}
}
