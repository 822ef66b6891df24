package main

import (
	"fmt"
	"log/slog"
	"os"
	"peer-chat/internal"
	"peer-chat/repositories"

	"github.com/dgraph-io/badger/v4"
	"github.com/joho/godotenv"
	"github.com/mama165/sdk-go/logs"
	"github.com/spf13/cobra"
)

var (
	user    string
	colours bool

	config internal.Config
	log    *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "peerchat",
	Short: "Peer to peer chat over a signaling relay",
	Long: `peerchat opens direct sessions with friends and groups.

Connection setup goes through the relay named by RELAY_URL, messages then flow
peer to peer and are kept in a local transcript under BADGER_FILEPATH.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load()
		var err error
		if config, err = internal.Load[internal.Config](); err != nil {
			return err
		}
		log = logs.GetLoggerFromString(config.LogLevel)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&user, "user", "u", "", "local user id")
	rootCmd.PersistentFlags().BoolVar(&colours, "colours", true, "colourise the output")
	_ = rootCmd.MarkPersistentFlagRequired("user")

	rootCmd.AddCommand(chatCmd, historyCmd, clearCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

// openTranscripts opens the local store, the returned func closes it.
func openTranscripts() (*repositories.TranscriptRepository, func(), error) {
	db, err := badger.Open(badger.DefaultOptions(config.BadgerFilepath).
		WithLoggingLevel(badger.WARNING))
	if err != nil {
		return nil, nil, fmt.Errorf("database opening failed: %w", err)
	}
	closeDB := func() {
		log.Debug("Closing BadgerDB...")
		_ = db.Close()
	}
	return repositories.NewTranscriptRepository(db, log, config.TranscriptCapacity), closeDB, nil
}
