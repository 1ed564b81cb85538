package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"unicorn/internal/config"
	"unicorn/internal/credentials"
)

var sessionWrite bool

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect and convert session ids",
}

var sessionDecodeCmd = &cobra.Command{
	Use:   "decode [session-id]",
	Short: "Decode a session id and print its credentials",
	Long: `Decodes "<tag>~<payload>" (default: SESSION_ID) and prints the
credential JSON. With --write the result is saved to the credentials file.`,
	Args: cobra.MaximumNArgs(1),
	RunE: sessionDecode,
}

var sessionEncodeCmd = &cobra.Command{
	Use:   "encode [creds-file]",
	Short: "Encode a credentials file into a session id",
	Args:  cobra.MaximumNArgs(1),
	RunE:  sessionEncode,
}

func init() {
	sessionDecodeCmd.Flags().BoolVar(&sessionWrite, "write", false, "Write the decoded credentials to the credentials file")
}

func sessionDecode(cmd *cobra.Command, args []string) error {
	id := cfg.Session.ID
	if len(args) == 1 {
		id = args[0]
	}
	if strings.TrimSpace(id) == "" {
		return &config.ConfigurationError{Problems: []string{"no session id given and SESSION_ID is unset"}}
	}

	raw, err := credentials.Decode(cfg.Session.Tag, id)
	if err != nil {
		return err
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), pretty.String())

	if sessionWrite {
		if err := credentials.Save(cfg.CredsPath(), raw); err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "wrote %s\n", cfg.CredsPath())
	}
	return nil
}

func sessionEncode(cmd *cobra.Command, args []string) error {
	path := cfg.CredsPath()
	if len(args) == 1 {
		path = args[0]
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := credentials.Validate(raw); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	id, err := credentials.Encode(cfg.Session.Tag, raw)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), id)
	return nil
}
