package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/nxadm/tail"
	"github.com/spf13/cobra"

	"disview/internal/logging"
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Print the debug log",
	Long: `Logs prints the newest debug log written with DISVIEW_LOG_TO_FILE=1,
or keeps following it as the viewer appends.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		follow, _ := cmd.Flags().GetBool("follow")
		path, err := latestLogFile()
		if err != nil {
			return err
		}

		if !follow {
			f, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("open log: %w", err)
			}
			defer f.Close()
			_, err = io.Copy(os.Stdout, f)
			return err
		}

		t, err := tail.TailFile(path, tail.Config{
			Follow: true,
			ReOpen: true,
			Logger: tail.DiscardingLogger,
		})
		if err != nil {
			return fmt.Errorf("tail log: %w", err)
		}
		defer t.Cleanup()

		for {
			select {
			case line, ok := <-t.Lines:
				if !ok {
					return t.Err()
				}
				if line.Err != nil {
					return line.Err
				}
				fmt.Println(line.Text)
			case <-cmd.Context().Done():
				t.Stop()
				return nil
			}
		}
	},
}

func init() {
	logsCmd.Flags().BoolP("follow", "f", false, "Keep printing as the log grows")
	rootCmd.AddCommand(logsCmd)
}

// latestLogFile picks the newest log in the working directory. The
// timestamp in the name makes lexical order chronological.
func latestLogFile() (string, error) {
	matches, err := filepath.Glob(logging.LogFileGlob)
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("no log files found; run with DISVIEW_LOG_TO_FILE=1 first")
	}
	sort.Strings(matches)
	return matches[len(matches)-1], nil
}
