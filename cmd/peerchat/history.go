package main

import (
	"os"

	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:   "history <target>",
	Short: "Print the stored transcript of a friend or group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		transcripts, closeDB, err := openTranscripts()
		if err != nil {
			return err
		}
		defer closeDB()
		newConsole(os.Stdout, user, colours).history(transcripts.Read(user, args[0]))
		return nil
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear <target>",
	Short: "Delete the stored transcript of a friend or group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		transcripts, closeDB, err := openTranscripts()
		if err != nil {
			return err
		}
		defer closeDB()
		if err = transcripts.Clear(user, args[0]); err != nil {
			return err
		}
		log.Info("Transcript cleared", "user", user, "target", args[0])
		return nil
	},
}
