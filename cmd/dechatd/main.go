package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"

	"github.com/pokisachi/DeChat/internal/daemon"
	"github.com/pokisachi/DeChat/internal/session"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	loginFlag := flag.Bool("login", false, "store the session identity from credentials, then exit")
	logoutFlag := flag.Bool("logout", false, "remove the stored session secret, then exit")
	addressFlag := flag.String("address", "", "wallet address to chat as (with -login)")
	emailFlag := flag.String("email", "", "login email (with -login)")
	passwordFlag := flag.String("password", "", "login password (with -login)")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if *loginFlag {
		if err := daemon.Login(sessionName, *addressFlag, *emailFlag, *passwordFlag); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("session %q ready for %s\n", sessionName, *addressFlag)
		return
	}
	if *logoutFlag {
		if err := daemon.Logout(sessionName); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("session %q logged out\n", sessionName)
		return
	}

	app := fx.New(
		daemon.Module(daemon.Params{SessionName: sessionName}),
	)

	app.Run()
}
