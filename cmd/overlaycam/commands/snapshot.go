package commands

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/bryanchriswhite/OverlayCam/internal/camera"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Save one JPEG from the camera",
	RunE:  runSnapshot,
}

var (
	snapshotRotation int
	snapshotWait     time.Duration
)

func init() {
	rootCmd.AddCommand(snapshotCmd)
	snapshotCmd.Flags().IntVar(&snapshotRotation, "rotation", 0, "device rotation in degrees")
	snapshotCmd.Flags().DurationVar(&snapshotWait, "wait", 5*time.Second, "how long to wait for the first frame")
}

func runSnapshot(cmd *cobra.Command, args []string) error {
	a, err := newApp(logNotifier)
	if err != nil {
		return err
	}
	if err := a.session.Open(); err != nil {
		return fmt.Errorf("failed to open camera: %w", err)
	}
	defer a.session.Close()
	a.session.SetDeviceRotation(snapshotRotation)

	deadline := time.Now().Add(snapshotWait)
	for {
		path, err := a.session.Snapshot()
		if err == nil {
			fmt.Println(path)
			return nil
		}
		if !errors.Is(err, camera.ErrNoFrame) || time.Now().After(deadline) {
			return err
		}
		time.Sleep(50 * time.Millisecond)
	}
}
