package k8s

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

// Container identifies one container of a discovered pod.
type Container struct {
	PodName       string
	Namespace     string
	ContainerName string
	NodeName      string
}

// ID returns the container's coordination id, the same form clients use
// when registering with the coordination server.
func (c Container) ID() string {
	return c.PodName + "/" + c.ContainerName
}

// DiscoverPods lists the pods in a namespace.
func DiscoverPods(ctx context.Context, cs kubernetes.Interface, namespace string) ([]corev1.Pod, error) {
	pods, err := cs.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list pods in %s: %w", namespace, err)
	}
	return pods.Items, nil
}

// DiscoverContainers flattens the pods of a namespace into containers,
// optionally filtered by a label selector.
func DiscoverContainers(ctx context.Context, cs kubernetes.Interface, namespace, selector string) ([]Container, error) {
	pods, err := cs.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return nil, fmt.Errorf("list pods in %s: %w", namespace, err)
	}

	var containers []Container
	for _, pod := range pods.Items {
		for _, c := range pod.Spec.Containers {
			containers = append(containers, Container{
				PodName:       pod.Name,
				Namespace:     pod.Namespace,
				ContainerName: c.Name,
				NodeName:      pod.Spec.NodeName,
			})
		}
	}
	return containers, nil
}
