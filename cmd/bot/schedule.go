package main

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/Freeeeeet/gym_trial_bot/internal/integration/schedule"
	"github.com/spf13/cobra"
)

var scheduleDuration string

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Schedule file tools",
}

var scheduleCheckCmd = &cobra.Command{
	Use:   "check <file.csv>",
	Short: "Validate a schedule CSV without starting the bot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dur, err := parseDuration(scheduleDuration)
		if err != nil {
			return err
		}

		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		slots, skipped, err := schedule.Parse(f, dur)
		if err != nil {
			return err
		}

		perClass := map[string]int{}
		places := 0
		for _, s := range slots {
			perClass[s.ClassType]++
			places += s.Capacity
		}
		classes := make([]string, 0, len(perClass))
		for c := range perClass {
			classes = append(classes, c)
		}
		sort.Strings(classes)

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "OK: %d slots, %d places, %d unavailable rows skipped\n", len(slots), places, skipped)
		for _, c := range classes {
			fmt.Fprintf(out, "  %-20s %d\n", c, perClass[c])
		}
		return nil
	},
}

func init() {
	scheduleCheckCmd.Flags().StringVar(&scheduleDuration, "class-duration", "1h", "duration of classes without end_time")
	scheduleCmd.AddCommand(scheduleCheckCmd)
}

func parseDuration(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return d, nil
}
