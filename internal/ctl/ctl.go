// Package ctl implements the control client for communicating with a
// running finit over its Unix socket or TCP API.
package ctl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/liuming50/finit/internal/api"
)

// Client communicates with the finit API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	username   string
	password   string
}

// NewUnixClient creates a client that connects via Unix socket.
func NewUnixClient(socketPath string) *Client {
	return &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
					return net.Dial("unix", socketPath)
				},
			},
			Timeout: 30 * time.Second,
		},
		baseURL: "http://unix",
	}
}

// NewTCPClient creates a client that connects via TCP.
func NewTCPClient(addr, username, password string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    "http://" + addr,
		username:   username,
		password:   password,
	}
}

func (c *Client) do(method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}
	return c.httpClient.Do(req)
}

func (c *Client) doJSON(method, path string, body io.Reader, out any) error {
	resp, err := c.do(method, path, body)
	if err != nil {
		return fmt.Errorf("cannot reach finit: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Status fetches the supervisor status.
func (c *Client) Status() (api.Status, error) {
	var st api.Status
	err := c.doJSON(http.MethodGet, "/api/v1/status", nil, &st)
	return st, err
}

// SetRunlevel requests a runlevel transition.
func (c *Client) SetRunlevel(level int) error {
	body, _ := json.Marshal(map[string]int{"level": level})
	return c.doJSON(http.MethodPost, "/api/v1/runlevel", bytes.NewReader(body), nil)
}

// Reload requests a full configuration reload.
func (c *Client) Reload() error {
	return c.doJSON(http.MethodPost, "/api/v1/reload", nil, nil)
}

// Version fetches the daemon's build metadata.
func (c *Client) Version() (map[string]string, error) {
	var v map[string]string
	err := c.doJSON(http.MethodGet, "/api/v1/version", nil, &v)
	return v, err
}

// PrintStatus renders a status report the way initctl would.
func PrintStatus(w io.Writer, st api.Status) error {
	fmt.Fprintf(w, "hostname: %s\n", st.Hostname)
	fmt.Fprintf(w, "runlevel: %d (previous %d)\n", st.Runlevel, st.Prevlevel)
	fmt.Fprintf(w, "state:    %s\n\n", st.State)

	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "KIND\tNAME\tSTATE\tRUNLEVELS\tCOMMAND")
	for _, svc := range st.Services {
		levels := make([]string, len(svc.Runlevels))
		for i, l := range svc.Runlevels {
			levels[i] = fmt.Sprintf("%d", l)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t[%s]\t%s\n",
			svc.Kind, svc.Name, svc.State, strings.Join(levels, ""), svc.Cmd)
	}
	return tw.Flush()
}
