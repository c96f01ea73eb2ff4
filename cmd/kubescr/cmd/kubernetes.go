package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kubescr/kubescr/internal/k8s"
	"github.com/kubescr/kubescr/internal/logging"
	"github.com/kubescr/kubescr/internal/server"
)

func newKubernetesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "kubernetes",
		Aliases: []string{"k8s"},
		Short:   "Kubernetes operations",
	}

	cmd.AddCommand(newDiscoverCmd())
	cmd.AddCommand(newCheckpointCmd())
	cmd.AddCommand(newCoordinatedCheckpointCmd())

	return cmd
}

func newDiscoverCmd() *cobra.Command {
	var (
		namespace string
		selector  string
	)

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Discover pods and containers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cs, err := k8s.NewClientset()
			if err != nil {
				return err
			}
			containers, err := k8s.DiscoverContainers(cmd.Context(), cs, namespace, selector)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAMESPACE\tPOD\tCONTAINER\tNODE")
			for _, c := range containers {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", c.Namespace, c.PodName, c.ContainerName, c.NodeName)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&namespace, "namespace", "n", "default", "Kubernetes namespace")
	cmd.Flags().StringVarP(&selector, "selector", "l", "", "Label selector to filter pods")

	return cmd
}

func newCheckpointCmd() *cobra.Command {
	var (
		namespace string
		pod       string
		container string
		node      string
		certPath  string
		keyPath   string
	)

	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Trigger a checkpoint for a single container",
		RunE: func(cmd *cobra.Command, args []string) error {
			kubelet, err := k8s.NewKubelet(certPath, keyPath)
			if err != nil {
				return err
			}
			archives, err := kubelet.Checkpoint(cmd.Context(), k8s.Container{
				PodName:       pod,
				Namespace:     namespace,
				ContainerName: container,
				NodeName:      node,
			})
			if err != nil {
				return err
			}
			for _, a := range archives {
				fmt.Println(a)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&namespace, "namespace", "n", "default", "Kubernetes namespace")
	cmd.Flags().StringVarP(&pod, "pod", "p", "", "Pod name")
	cmd.Flags().StringVarP(&container, "container", "c", "", "Container name")
	cmd.Flags().StringVarP(&node, "node", "N", "", "Node name")
	cmd.Flags().StringVar(&certPath, "cert-path", "", "Path to client certificate for kubelet authentication")
	cmd.Flags().StringVar(&keyPath, "key-path", "", "Path to client key for kubelet authentication")
	cmd.MarkFlagRequired("pod")
	cmd.MarkFlagRequired("container")
	cmd.MarkFlagRequired("node")

	return cmd
}

func newCoordinatedCheckpointCmd() *cobra.Command {
	var (
		namespace string
		appName   string
		selector  string
		depsFile  string
		certPath  string
		keyPath   string
		coordAddr string
		coordPort int
		logFile   string
	)

	cmd := &cobra.Command{
		Use:   "coordinated-checkpoint",
		Short: "Coordinated checkpoint for multiple containers",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logging.Setup("", logFile)
			if err != nil {
				return err
			}

			cs, err := k8s.NewClientset()
			if err != nil {
				return err
			}
			containers, err := k8s.DiscoverContainers(cmd.Context(), cs, namespace, selector)
			if err != nil {
				return err
			}
			if len(containers) == 0 {
				return fmt.Errorf("no containers matched selector %q in namespace %s", selector, namespace)
			}

			app := k8s.NewDistributedApp(appName)
			for _, c := range containers {
				app.AddContainer(c)
			}
			if depsFile != "" {
				deps, err := k8s.LoadDependenciesFile(depsFile)
				if err != nil {
					return err
				}
				app.SetDependencies(deps)
			}

			kubelet, err := k8s.NewKubelet(certPath, keyPath)
			if err != nil {
				return err
			}

			coord := &k8s.Coordinator{
				Kubelet:       kubelet,
				ServerAddress: coordAddr,
				ServerPort:    coordPort,
				Logger:        logger,
			}
			return coord.Run(cmd.Context(), app)
		},
	}

	cmd.Flags().StringVarP(&namespace, "namespace", "n", "default", "Kubernetes namespace")
	cmd.Flags().StringVarP(&appName, "app-name", "a", "", "Application name (used for labeling)")
	cmd.Flags().StringVarP(&selector, "selector", "l", "", "Label selector to identify application pods")
	cmd.Flags().StringVar(&depsFile, "deps-file", "", "Path to dependencies file (JSON format)")
	cmd.Flags().StringVar(&certPath, "cert", "", "Path to client certificate for authentication")
	cmd.Flags().StringVar(&keyPath, "key", "", "Path to client key for authentication")
	cmd.Flags().StringVar(&coordAddr, "server-address", server.DefaultAddress, "Coordination server address")
	cmd.Flags().IntVar(&coordPort, "server-port", server.DefaultPort, "Coordination server port")
	cmd.Flags().StringVarP(&logFile, "log-file", "o", "-", "Log file name")
	cmd.MarkFlagRequired("app-name")
	cmd.MarkFlagRequired("selector")

	return cmd
}
