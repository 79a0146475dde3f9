package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/basket/agentcore/internal/config"
)

type healthProbe struct {
	URL        string         `json:"url"`
	StatusCode int            `json:"status_code,omitempty"`
	Body       map[string]any `json:"body,omitempty"`
	Err        string         `json:"error,omitempty"`
}

// healthURL builds the /healthz URL of the gateway bound at cfg.BindAddr.
func healthURL(cfg *config.Config) string {
	addr := strings.TrimSpace(cfg.BindAddr)
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/") + "/healthz"
	}
	if host, port, err := net.SplitHostPort(addr); err == nil {
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = "127.0.0.1"
		}
		addr = net.JoinHostPort(host, port)
	}
	return "http://" + addr + "/healthz"
}

func probeHealth(ctx context.Context, cfg *config.Config) healthProbe {
	p := healthProbe{URL: healthURL(cfg)}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		p.Err = err.Error()
		return p
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		p.Err = err.Error()
		return p
	}
	defer resp.Body.Close()
	p.StatusCode = resp.StatusCode
	_ = json.NewDecoder(resp.Body).Decode(&p.Body)
	return p
}
