package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kubescr/kubescr/internal/logging"
	"github.com/kubescr/kubescr/internal/server"
)

func newServerCmd() *cobra.Command {
	var (
		address    string
		port       int
		maxRetries int
		imagesDir  string
		logFile    string
	)

	cmd := &cobra.Command{
		Use:     "server",
		Aliases: []string{"s"},
		Short:   "Run the coordination server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logging.Setup("", logFile)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			srv := server.New(server.Config{
				Address:    address,
				Port:       port,
				MaxRetries: maxRetries,
				ImagesDir:  imagesDir,
			}, logger)
			return srv.ListenAndServe(ctx)
		},
	}

	cmd.Flags().StringVarP(&address, "address", "a", server.DefaultAddress, "Address to bind the server to")
	cmd.Flags().IntVarP(&port, "port", "p", server.DefaultPort, "Port to bind the server to")
	cmd.Flags().IntVar(&maxRetries, "max-retries", server.DefaultMaxRetries, "Retries before a dependency wait times out")
	cmd.Flags().StringVarP(&imagesDir, "images-dir", "D", "", "Directory receiving streamed checkpoint images")
	cmd.Flags().StringVarP(&logFile, "log-file", "o", "-", "Log file name")

	return cmd
}
