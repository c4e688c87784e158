// Copyright 2026 Author(s) of Archestra
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"fmt"
	"io"
)

// Disabled is the Orchestrator used when the gateway runs without cluster
// access. Remote MCP servers keep working; anything that needs a pod fails
// with the reason the cluster client could not be built.
type Disabled struct {
	Reason string
}

func (d *Disabled) err() error {
	if d.Reason == "" {
		return fmt.Errorf("pod orchestration is disabled")
	}
	return fmt.Errorf("pod orchestration is disabled: %s", d.Reason)
}

// EnsureDeployment implements Orchestrator.
func (d *Disabled) EnsureDeployment(context.Context, string) error { return d.err() }

// RunningPod implements Orchestrator.
func (d *Disabled) RunningPod(context.Context, string) (*Pod, error) { return nil, d.err() }

// Attach implements Orchestrator.
func (d *Disabled) Attach(context.Context, *Pod, io.Reader, io.Writer) error { return d.err() }

// HTTPEndpoint implements Orchestrator.
func (d *Disabled) HTTPEndpoint(context.Context, string) (string, error) { return "", d.err() }
