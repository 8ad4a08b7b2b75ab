package main

import (
	"context"
	"log"
	"os"

	"github.com/weavekit/sync15/internal/cli"
	"github.com/weavekit/sync15/internal/config"
)

func main() {

	cfg := config.LoadConfig()
	app, err := cli.NewApp(cfg)

	if err != nil {
		log.Printf("%v", err)
		os.Exit(cli.ExitError)
	}

	os.Exit(app.Run(context.Background()))

}
