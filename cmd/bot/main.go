package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "gym-trial-bot",
	Short: "WhatsApp and Telegram assistant that books free trial classes",
	Long: `gym-trial-bot answers prospective members on WhatsApp and Telegram,
finds free places in the class schedule, holds one while the contact
details are collected and books it in the gym calendar.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(serveCmd, migrateCmd, scheduleCmd)
}
