package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/your-org/facerec/internal/config"
	"github.com/your-org/facerec/internal/ingest"
	"github.com/your-org/facerec/internal/models"
	"github.com/your-org/facerec/internal/queue"
	"github.com/your-org/facerec/internal/vision"
)

func newPushFrameCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "push-frame [stream-id] [image]",
		Short: "Publish an image to the live recognition queue",
		Long:  "Reads a JPEG or PNG and publishes it inline as a frame task on frames.<stream-id>.",
		Args:  cobra.ExactArgs(2),
		RunE:  runPushFrame,
	}

	cmd.Flags().String("nats", "", "NATS URL (overrides config)")

	return cmd
}

func runPushFrame(cmd *cobra.Command, args []string) error {
	streamID, path := args[0], args[1]
	if _, err := queue.Subject(queue.FramesSubjectBase, streamID); err != nil {
		return err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read frame: %w", err)
	}
	if _, err := vision.DecodeImage(data); err != nil {
		return err
	}

	qc, _, err := connectQueue(cmd)
	if err != nil {
		return err
	}
	defer qc.Close()

	if err := qc.EnsureStreams(cmd.Context()); err != nil {
		return err
	}

	task := models.FrameTask{
		StreamID:  streamID,
		FrameID:   uuid.New(),
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	if err := qc.PublishFrame(cmd.Context(), task); err != nil {
		return err
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "Published frame %s to stream %s\n", task.FrameID, streamID)
	return err
}

func newStreamCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Start or stop camera captures in a running ingestor",
	}
	cmd.PersistentFlags().String("nats", "", "NATS URL (overrides config)")

	start := &cobra.Command{
		Use:   "start [stream-id] [url]",
		Short: "Ask the ingestor to start capturing a stream",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, _ := cmd.Flags().GetString("type")
			fps, _ := cmd.Flags().GetInt("fps")
			if fps <= 0 {
				return fmt.Errorf("fps must be positive, got %d", fps)
			}
			return sendStreamCommand(cmd, ingest.Command{
				Action:       ingest.ActionStart,
				StreamSource: config.StreamSource{ID: args[0], URL: args[1], Type: kind, FPS: fps},
			})
		},
	}
	start.Flags().String("type", "", `source type ("youtube" resolves the page with yt-dlp)`)
	start.Flags().Int("fps", 5, "frames per second to sample")

	stop := &cobra.Command{
		Use:   "stop [stream-id]",
		Short: "Ask the ingestor to stop capturing a stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return sendStreamCommand(cmd, ingest.Command{
				Action:       ingest.ActionStop,
				StreamSource: config.StreamSource{ID: args[0]},
			})
		},
	}

	cmd.AddCommand(start, stop)
	return cmd
}

func sendStreamCommand(cmd *cobra.Command, command ingest.Command) error {
	if _, err := queue.Subject(queue.FramesSubjectBase, command.ID); err != nil {
		return err
	}
	data, err := json.Marshal(command)
	if err != nil {
		return err
	}

	qc, cfg, err := connectQueue(cmd)
	if err != nil {
		return err
	}
	defer qc.Close()

	if err := qc.PublishControl(cfg.Ingest.ControlSubject, data); err != nil {
		return err
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "Sent %s for stream %s\n", command.Action, command.ID)
	return err
}

// connectQueue dials the --nats URL, falling back to the configured one.
func connectQueue(cmd *cobra.Command) (*queue.Client, *config.Config, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	if url, _ := cmd.Flags().GetString("nats"); url != "" {
		cfg.NATS.URL = url
	}
	if cfg.NATS.URL == "" {
		return nil, nil, fmt.Errorf("no NATS URL configured")
	}

	qc, err := queue.Connect(cfg.NATS.URL)
	if err != nil {
		return nil, nil, err
	}
	return qc, cfg, nil
}
