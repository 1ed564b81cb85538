package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"unicorn/internal/config"
	"unicorn/internal/credentials"
	"unicorn/internal/logging"
	"unicorn/internal/runtime"
)

var (
	serverFlag      bool
	qrFlag          bool
	pairingCodeFlag bool
	exitOnFatalFlag bool
)

// runCmd is the explicit form of the root command.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the bot",
	Long: `Bootstraps credentials, loads the plugins and connects.

Credentials come from session/creds.json when it holds a valid session,
otherwise SESSION_ID is decoded into it. Without either, log in with --qr
or --pairing-code.

A fatal session error (logged out, bad session, replaced) is reported and the
process stays up for the admin endpoints; pass --exit-on-fatal to exit with
status 1 instead.`,
	RunE: runBot,
}

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&serverFlag, "server", false, "Serve the admin status endpoints")
	cmd.Flags().BoolVar(&qrFlag, "qr", false, "Log in by scanning a QR code")
	cmd.Flags().BoolVar(&pairingCodeFlag, "pairing-code", false, "Log in with a pairing code for session.pairing_number")
	cmd.Flags().BoolVar(&exitOnFatalFlag, "exit-on-fatal", false, "Exit with status 1 on a fatal session error")
}

func runBot(cmd *cobra.Command, args []string) error {
	if serverFlag {
		cfg.Admin.Enabled = true
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	creds, err := bootstrapCredentials(cfg, qrFlag, pairingCodeFlag)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := runtime.New(runtime.Options{
		Config:      cfg,
		Credentials: creds,
		PrintQR:     qrFlag,
		PairingCode: pairingCodeFlag,
		Stderr:      cmd.ErrOrStderr(),
		ExitOnFatal: exitOnFatalFlag,
	})
	if err != nil {
		return err
	}

	logging.Boot("unicorn %s starting (plugins: %s, backend: %s)", version, cfg.Plugins.Dir, cfg.Backend.URL)
	return rt.Run(ctx)
}

// bootstrapCredentials returns the credentials to dial with. No credentials
// is only acceptable when an interactive login was requested.
func bootstrapCredentials(cfg *config.Config, qr, pairing bool) (json.RawMessage, error) {
	if pairing && cfg.Session.PairingNumber == "" {
		return nil, &config.ConfigurationError{Problems: []string{
			"--pairing-code needs session.pairing_number (or PAIRING_NUMBER)",
		}}
	}

	creds, source, err := credentials.Ensure(cfg.CredsPath(), cfg.Session.Tag, cfg.Session.ID)
	switch {
	case err == nil:
		logging.Boot("credentials ready (%s)", source)
		return creds, nil
	case errors.Is(err, credentials.ErrNoSession) && (qr || pairing):
		logging.Boot("no stored session, waiting for interactive login")
		return nil, nil
	case errors.Is(err, credentials.ErrNoSession),
		errors.Is(err, credentials.ErrFormat),
		errors.Is(err, credentials.ErrIdentity):
		return nil, &config.ConfigurationError{Problems: []string{err.Error()}}
	default:
		return nil, err
	}
}
