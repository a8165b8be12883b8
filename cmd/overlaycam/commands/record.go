package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record until interrupted or for a fixed duration",
	Example: `  # Record until Ctrl+C
  overlaycam record

  # Record ten seconds with the device rotated 90 degrees
  overlaycam record --duration 10s --rotation 90`,
	RunE: runRecord,
}

var (
	recordDuration time.Duration
	recordRotation int
)

func init() {
	rootCmd.AddCommand(recordCmd)
	recordCmd.Flags().DurationVarP(&recordDuration, "duration", "d", 0, "stop after this long (0 records until interrupted)")
	recordCmd.Flags().IntVar(&recordRotation, "rotation", 0, "device rotation in degrees")
}

func runRecord(cmd *cobra.Command, args []string) error {
	a, err := newApp(logNotifier)
	if err != nil {
		return err
	}
	if err := a.session.Open(); err != nil {
		return fmt.Errorf("failed to open camera: %w", err)
	}
	defer a.session.Close()

	a.session.SetDeviceRotation(recordRotation)
	rec, err := a.session.StartRecording()
	if err != nil {
		return err
	}
	fmt.Printf("Recording %s (orientation %d°), press Ctrl+C to stop\n", rec.ID, rec.Orientation)

	var timeout <-chan time.Time
	if recordDuration > 0 {
		timeout = time.After(recordDuration)
	}
	select {
	case <-interrupted():
	case <-timeout:
	}

	stopErr := a.session.StopRecording()
	for _, st := range a.session.Status().Streams {
		if st.Path != "" {
			fmt.Printf("  stream %d: %s (%s)\n", st.Index, st.Path, st.Recorder.Duration.Round(time.Millisecond))
		}
	}
	return stopErr
}
