package main

import (
	"fmt"
	"log"
	"os"
)

func main() {
	log.SetPrefix(fmt.Sprintf("%s: ", appName))
	log.SetFlags(0)

	// Detect command.
	if len(os.Args) < 2 {
		usageError(os.Stderr, usageLineLength)
	}

	if os.Args[1] == "version" {
		fmt.Printf("KRITIS3M Request Agent Client %s\n", versionString)
		return
	}

	cmd, ok := commands[os.Args[1]]
	if !ok {
		usageError(os.Stderr, usageLineLength)
	}

	// Parse command line options.
	set := cmd.FlagSet(os.Stdout)
	set.Parse(os.Args[2:])

	if isFlagPassed(set, helpFlag) {
		cmd.Usage(os.Stdout, usageLineLength)
		return
	}

	cfg, err := newConfig(set)
	if err != nil {
		log.Fatal(err)
	}

	// Execute command.
	if err := cmd.cmdFunc(os.Stdout, cfg); err != nil {
		log.Fatal(err)
	}
}
