package supervisor

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// Probe reports whether a launched child is ready to serve.
type Probe interface {
	Ready(ctx context.Context) error
}

// ProbeFunc adapts a function to Probe.
type ProbeFunc func(ctx context.Context) error

func (f ProbeFunc) Ready(ctx context.Context) error { return f(ctx) }

// HTTPProbe is ready once GET URL answers with a 2xx status.
type HTTPProbe struct {
	URL    string
	Client *http.Client
}

func (h HTTPProbe) Ready(ctx context.Context) error {
	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s: status %d", h.URL, resp.StatusCode)
	}
	return nil
}
