// CCGate is a multi-tenant reverse proxy in front of a pool of Anthropic
// Messages API upstreams, with an OpenAI Chat Completions front-end.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

var version = "dev"

func main() {
	configDir := flag.String("config", "configs", "path to the config directory")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("ccgate", version)
		os.Exit(0)
	}

	// Load .env before config so PORT overrides apply.
	godotenv.Load()

	if err := run(*configDir); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
