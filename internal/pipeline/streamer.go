package pipeline

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/rs/zerolog"

	"github.com/kubescr/kubescr/pkg/protocol"
)

// replyBufferSize fits any bare reply message.
const replyBufferSize = 64

// Stream runs the client side of the pre-stream exchange on an already
// acknowledged coordinator connection: announce the local checkpoint with
// SYN, upload each image as a header followed by its content, and close the
// transfer with a final SYN.
func Stream(conn net.Conn, images []Image, logger zerolog.Logger) error {
	log := logger.With().Str("component", "streamer").Logger()

	if err := sendExpect(conn, protocol.MessageSyn, protocol.MessageAck); err != nil {
		return err
	}

	for _, img := range images {
		hdr, err := json.Marshal(protocol.ImageHeader{ImgName: img.Name, ImgSize: img.Size})
		if err != nil {
			return fmt.Errorf("encode header for %s: %w", img.Name, err)
		}
		if _, err := conn.Write(hdr); err != nil {
			return fmt.Errorf("send header for %s: %w", img.Name, err)
		}

		if err := sendContent(conn, img); err != nil {
			return err
		}
		log.Info().Str("image", img.Name).Int64("size", img.Size).Msg("image sent")

		if err := expect(conn, protocol.MessageImgAck); err != nil {
			return fmt.Errorf("after %s: %w", img.Name, err)
		}
	}

	if err := sendExpect(conn, protocol.MessageSyn, protocol.MessageAck); err != nil {
		return err
	}
	log.Info().Msg("checkpoint transfer complete")
	return nil
}

func sendContent(conn net.Conn, img Image) error {
	f, err := os.Open(img.Path)
	if err != nil {
		return fmt.Errorf("open %s: %w", img.Path, err)
	}
	defer f.Close()

	// Send exactly the announced size even if the file grew since the scan.
	if _, err := io.CopyN(conn, f, img.Size); err != nil {
		return fmt.Errorf("send %s: %w", img.Name, err)
	}
	return nil
}

func sendExpect(conn net.Conn, msg, want string) error {
	if _, err := conn.Write([]byte(msg)); err != nil {
		return fmt.Errorf("send %s: %w", msg, err)
	}
	return expect(conn, want)
}

func expect(conn net.Conn, want string) error {
	buf := make([]byte, replyBufferSize)
	n, err := conn.Read(buf)
	if err != nil {
		return fmt.Errorf("receive reply: %w", err)
	}
	if got := string(buf[:n]); got != want {
		return fmt.Errorf("expected %s, got %q", want, got)
	}
	return nil
}
