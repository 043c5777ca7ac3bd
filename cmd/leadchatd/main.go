package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"

	"github.com/referly/leadchat/internal/daemon"
	"github.com/referly/leadchat/internal/lock"
	"github.com/referly/leadchat/internal/profile"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	configFlag := flag.String("config", "", "config file (default ~/.leadchat/config.toml)")
	flag.Parse()

	profileName := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(profileName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{ProfileName: profileName, ConfigPath: *configFlag}),
	)
	if err := app.Err(); err != nil {
		if lock.IsHeld(err) {
			fmt.Fprintf(os.Stderr, "error: profile %q is already served by another leadchatd (%v)\n", profileName, err)
		} else {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		os.Exit(1)
	}

	app.Run()
}
