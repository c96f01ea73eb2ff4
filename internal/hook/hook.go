// Package hook runs kubescr as a CRIU action hook. CRIU invokes the binary
// with CRTOOLS_SCRIPT_ACTION set at each stage of a dump or restore; the
// hook loads the per-checkpoint config and performs the matching client
// exchange with the coordination server.
package hook

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kubescr/kubescr/internal/client"
	"github.com/kubescr/kubescr/internal/logging"
	"github.com/kubescr/kubescr/pkg/protocol"
)

const (
	// EnvAction names the CRIU stage being executed.
	EnvAction = "CRTOOLS_SCRIPT_ACTION"
	// EnvImageDir points at the CRIU images directory.
	EnvImageDir = "CRTOOLS_IMAGE_DIR"

	// CaptureSocketName is the unix socket a checkpoint streamer creates
	// in the images directory. Its presence during pre-dump means the
	// pre-stream hook already coordinates this dump.
	CaptureSocketName = "streamer-capture.sock"
)

// Active reports whether the process was invoked as a CRIU action hook.
func Active() bool {
	_, ok := os.LookupEnv(EnvAction)
	return ok
}

// Run executes the hook for the action in the environment. Actions with no
// coordination role return nil without contacting the server.
func Run(ctx context.Context) error {
	action := os.Getenv(EnvAction)

	imagesDir := os.Getenv(EnvImageDir)
	if imagesDir == "" {
		return fmt.Errorf("%s is not set", EnvImageDir)
	}

	cfg, err := LoadConfig(imagesDir)
	if err != nil {
		return err
	}

	stream := false
	switch action {
	case protocol.ActionPreStream:
		stream = true
	case protocol.ActionPreDump:
		fi, err := os.Lstat(filepath.Join(imagesDir, CaptureSocketName))
		switch {
		case err == nil && fi.Mode()&os.ModeSocket != 0:
			// The streamer owns this dump; skip the pre-dump exchange.
			return nil
		case err == nil:
			return fmt.Errorf("%s exists but is not a unix socket", CaptureSocketName)
		case !os.IsNotExist(err):
			return err
		}
	case protocol.ActionPostDump, protocol.ActionPreRestore:
	default:
		return nil
	}

	logger, err := logging.Setup(imagesDir, cfg.LogFile)
	if err != nil {
		return err
	}

	return client.Run(ctx, client.Options{
		Address:      cfg.Address,
		Port:         cfg.Port,
		ID:           cfg.ID,
		Dependencies: cfg.Dependencies,
		Action:       action,
		ImagesDir:    imagesDir,
		Stream:       stream,
	}, logger)
}
