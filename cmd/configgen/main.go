package main

import (
	"flag"
	"log"

	"github.com/danmuck/backctl/internal/config"
)

func main() {
	output := flag.String("output", "backctl.toml", "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", "backctl.toml", "config path for validation")
	force := flag.Bool("force", false, "overwrite existing config file")
	stanza := flag.String("stanza", "", "stanza written into the template")
	repoHost := flag.String("repo-host", "", "add a remote repository host to the template")
	flag.Parse()

	if *validate {
		cfg, err := config.Load(*input)
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("Validated config at %s (stanza %s, process_max %d)", *input, cfg.Stanza, cfg.ProcessMax)
		return
	}

	cfg := config.Default()
	if *stanza != "" {
		cfg.Stanza = *stanza
	}
	if *repoHost != "" {
		cfg.Repos = append(cfg.Repos, config.Host{Host: *repoHost})
	}
	if err := config.Validate(cfg); err != nil {
		log.Fatal(err)
	}
	if err := config.WriteTemplate(*output, cfg, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote config template to %s", *output)
}
