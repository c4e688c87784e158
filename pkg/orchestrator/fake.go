// Copyright 2026 Author(s) of Archestra
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"fmt"
	"io"
)

// Fake is an Orchestrator whose behavior is supplied per test. Unset
// functions fail, so a test only stubs the calls it expects.
type Fake struct {
	EnsureDeploymentFunc func(ctx context.Context, serverID string) error
	RunningPodFunc       func(ctx context.Context, serverID string) (*Pod, error)
	AttachFunc           func(ctx context.Context, pod *Pod, stdin io.Reader, stdout io.Writer) error
	HTTPEndpointFunc     func(ctx context.Context, serverID string) (string, error)
}

// EnsureDeployment implements Orchestrator.
func (f *Fake) EnsureDeployment(ctx context.Context, serverID string) error {
	if f.EnsureDeploymentFunc == nil {
		return fmt.Errorf("unexpected EnsureDeployment(%s)", serverID)
	}
	return f.EnsureDeploymentFunc(ctx, serverID)
}

// RunningPod implements Orchestrator.
func (f *Fake) RunningPod(ctx context.Context, serverID string) (*Pod, error) {
	if f.RunningPodFunc == nil {
		return nil, fmt.Errorf("unexpected RunningPod(%s)", serverID)
	}
	return f.RunningPodFunc(ctx, serverID)
}

// Attach implements Orchestrator.
func (f *Fake) Attach(ctx context.Context, pod *Pod, stdin io.Reader, stdout io.Writer) error {
	if f.AttachFunc == nil {
		return fmt.Errorf("unexpected Attach(%s)", pod.Name)
	}
	return f.AttachFunc(ctx, pod, stdin, stdout)
}

// HTTPEndpoint implements Orchestrator.
func (f *Fake) HTTPEndpoint(ctx context.Context, serverID string) (string, error) {
	if f.HTTPEndpointFunc == nil {
		return "", fmt.Errorf("unexpected HTTPEndpoint(%s)", serverID)
	}
	return f.HTTPEndpointFunc(ctx, serverID)
}
