package command

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"
)

// TCPCheck succeeds once addr accepts a TCP connection.
func TCPCheck(addr string, timeout time.Duration) ConnectionCheck {
	if timeout <= 0 {
		timeout = time.Second
	}
	return func(ctx context.Context) (bool, error) {
		d := net.Dialer{Timeout: timeout}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return false, err
		}
		_ = conn.Close()
		return true, nil
	}
}

// HTTPCheck succeeds when GET url answers with a status below 500.
// CouchDB answers 401 on "/" once require_valid_user is on, which still
// proves the server is up.
func HTTPCheck(url string, client *http.Client) ConnectionCheck {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return func(ctx context.Context) (bool, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return false, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return false, err
		}
		_ = resp.Body.Close()
		if resp.StatusCode >= 500 {
			return false, fmt.Errorf("%s: HTTP %d", url, resp.StatusCode)
		}
		return true, nil
	}
}
