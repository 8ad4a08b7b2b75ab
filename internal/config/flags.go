package config

import (
	"flag"
	"os"
	"strings"
	"time"

	"github.com/weavekit/sync15/internal/flagx"
)

// parseFlags populates selected Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-t string   token server URL
//	-a string   FxA access token
//	-k string   key id sent to the token server
//	-e string   comma-separated engine list
//	-r string   sync reason (scheduled, user, schema-upgrade)
//	-d string   data directory for engine stores and cached state
//	-s          strict uploads: a rejected record fails the engine
//	-i int      request timeout in seconds
//
// The function filters os.Args to only include the flags it knows
// about, using flagx.FilterArgs, to avoid interference with other
// components.
func parseFlags(cfg *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-t", "-a", "-k", "-e", "-r", "-d", "-s", "-i"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&cfg.TokenServerURL, "t", cfg.TokenServerURL, "token server URL")
	fs.StringVar(&cfg.AccessToken, "a", cfg.AccessToken, "FxA access token")
	fs.StringVar(&cfg.KeyID, "k", cfg.KeyID, "key id sent to the token server")
	engines := fs.String("e", strings.Join(cfg.Engines, ","), "comma-separated engine list")
	fs.StringVar(&cfg.Reason, "r", cfg.Reason, "sync reason")
	fs.StringVar(&cfg.DataDir, "d", cfg.DataDir, "data directory")
	fs.BoolVar(&cfg.StrictUploads, "s", cfg.StrictUploads, "fail an engine when a record is rejected")
	timeout := fs.Int("i", int(cfg.RequestTimeout.Seconds()), "request timeout (in seconds)")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	cfg.Engines = splitList(*engines)
	cfg.RequestTimeout = time.Duration(*timeout) * time.Second
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
