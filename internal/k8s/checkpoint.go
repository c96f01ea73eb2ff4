package k8s

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// DefaultKubeletPort is the kubelet's authenticated HTTPS port.
const DefaultKubeletPort = 10250

// Checkpoint states reported by Status.
const (
	StatusCompleted = "completed"
	StatusPending   = "pending"
)

// Kubelet calls the kubelet checkpoint API directly on a node. The API is
// not exposed through the API server, so requests go to
// https://<node>:<port>/checkpoint/<namespace>/<pod>/<container>.
type Kubelet struct {
	Port   int
	Scheme string
	Client *http.Client
}

// NewKubelet creates a kubelet client. certPath and keyPath optionally
// provide a client certificate for kubelet authentication. The kubelet's
// serving certificate is typically self-signed, so verification is skipped.
func NewKubelet(certPath, keyPath string) (*Kubelet, error) {
	tlsCfg := &tls.Config{InsecureSkipVerify: true} // #nosec G402 -- kubelet serving certs are self-signed
	if certPath != "" && keyPath != "" {
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	return &Kubelet{
		Port:   DefaultKubeletPort,
		Scheme: "https",
		Client: &http.Client{
			Transport: &http.Transport{TLSClientConfig: tlsCfg},
			Timeout:   30 * time.Second,
		},
	}, nil
}

// Checkpoint triggers a checkpoint of one container and returns the archive
// paths the kubelet reports.
func (k *Kubelet) Checkpoint(ctx context.Context, c Container) ([]string, error) {
	url := fmt.Sprintf("%s://%s:%d/checkpoint/%s/%s/%s",
		k.Scheme, c.NodeName, k.Port, c.Namespace, c.PodName, c.ContainerName)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := k.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("checkpoint %s: %w", c.ID(), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("checkpoint %s: read response: %w", c.ID(), err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("checkpoint %s: kubelet returned %d: %s", c.ID(), resp.StatusCode, body)
	}

	var out struct {
		Items []string `json:"items"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("checkpoint %s: parse response: %w", c.ID(), err)
	}
	return out.Items, nil
}

// Status probes a triggered checkpoint by the archives the kubelet announced
// for it: StatusCompleted once every archive exists and is non-empty,
// StatusPending otherwise. The kubelet writes archives under
// /var/lib/kubelet/checkpoints, so the probe needs access to the node's
// filesystem (or a mount of it).
func (k *Kubelet) Status(archives []string) string {
	if len(archives) == 0 {
		return StatusPending
	}
	for _, a := range archives {
		fi, err := os.Stat(a)
		if err != nil || fi.Size() == 0 {
			return StatusPending
		}
	}
	return StatusCompleted
}
