package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/kubescr/kubescr/internal/client"
	"github.com/kubescr/kubescr/internal/logging"
	"github.com/kubescr/kubescr/internal/server"
	"github.com/kubescr/kubescr/pkg/protocol"
)

func newClientCmd() *cobra.Command {
	var (
		address   string
		port      int
		id        string
		deps      string
		action    string
		imagesDir string
		stream    bool
		timeout   time.Duration
		logFile   string
	)

	cmd := &cobra.Command{
		Use:     "client",
		Aliases: []string{"c"},
		Short:   "Run as client",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logging.Setup(imagesDir, logFile)
			if err != nil {
				return err
			}

			return client.Run(cmd.Context(), client.Options{
				Address:      address,
				Port:         port,
				ID:           id,
				Dependencies: deps,
				Action:       action,
				ImagesDir:    imagesDir,
				Stream:       stream,
				Timeout:      timeout,
			}, logger)
		},
	}

	cmd.Flags().StringVar(&address, "address", server.DefaultAddress, "Address to connect the client to")
	cmd.Flags().IntVar(&port, "port", server.DefaultPort, "Port to connect the client to")
	cmd.Flags().StringVarP(&id, "id", "i", "", "Unique client ID")
	cmd.Flags().StringVarP(&deps, "deps", "d", "", "A colon-separated list of dependency IDs")
	cmd.Flags().StringVarP(&action, "action", "a", protocol.ActionPreDump, "Action name indicating the stage of checkpoint/restore")
	cmd.Flags().StringVarP(&imagesDir, "images-dir", "D", ".", "Images directory where the stream socket is created")
	cmd.Flags().BoolVarP(&stream, "stream", "s", false, "Use checkpoint streaming")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "I/O deadline for the exchange (0 disables)")
	cmd.Flags().StringVarP(&logFile, "log-file", "o", "-", "Log file name")
	cmd.MarkFlagRequired("id")

	return cmd
}
