// Package autoconfig applies the fixed CouchDB configuration sequence used
// for sync clients over the CouchDB HTTP API.
package autoconfig

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/couchctl/internal/command"
	"github.com/loykin/couchctl/internal/metrics"
)

// Request is one HTTP call issued by Configure.
type Request struct {
	URL         string
	Method      string
	Headers     map[string]string
	Body        string
	ContentType string
}

// Response carries what Configure inspects. Non-2xx statuses are not errors.
type Response struct {
	Status int
	Text   string
}

// RequestFunc performs a Request. An error means the request never produced
// a response (transport failure).
type RequestFunc func(ctx context.Context, req Request) (Response, error)

// Step is one configuration call.
type Step struct {
	Desc   string
	Method string
	Path   string
	Body   string
}

// Options tunes the values written by the sequence. Zero values fall back to
// the defaults below.
type Options struct {
	Node               string
	BindAddress        string
	Port               int
	CORSOrigins        []string
	MaxHTTPRequestSize int64
	MaxDocumentSize    int64
	Logger             *slog.Logger
}

const (
	DefaultNode               = "_local"
	DefaultBindAddress        = "0.0.0.0"
	DefaultPort               = 5984
	DefaultMaxHTTPRequestSize = 4294967296
	DefaultMaxDocumentSize    = 50000000
)

// DefaultCORSOrigins are the origins of the desktop and mobile sync clients.
var DefaultCORSOrigins = []string{"app://obsidian.md", "capacitor://localhost", "http://localhost"}

func (o Options) withDefaults() Options {
	if o.Node == "" {
		o.Node = DefaultNode
	}
	if o.BindAddress == "" {
		o.BindAddress = DefaultBindAddress
	}
	if o.Port <= 0 {
		o.Port = DefaultPort
	}
	if len(o.CORSOrigins) == 0 {
		o.CORSOrigins = DefaultCORSOrigins
	}
	if o.MaxHTTPRequestSize <= 0 {
		o.MaxHTTPRequestSize = DefaultMaxHTTPRequestSize
	}
	if o.MaxDocumentSize <= 0 {
		o.MaxDocumentSize = DefaultMaxDocumentSize
	}
	if o.Logger == nil {
		o.Logger = slog.Default().With("component", "autoconfig")
	}
	return o
}

// jsonString encodes s as a JSON string literal, the body format of the
// _config endpoints.
func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// Steps returns the ordered configuration sequence.
func Steps(username, password string, opts Options) []Step {
	o := opts.withDefaults()
	setup, _ := json.Marshal(map[string]any{
		"action":       "enable_single_node",
		"username":     username,
		"password":     password,
		"bind_address": o.BindAddress,
		"port":         o.Port,
		"singlenode":   true,
	})
	cfg := func(section, key string) string {
		return fmt.Sprintf("/_node/%s/_config/%s/%s", o.Node, section, key)
	}
	t := jsonString("true")
	return []Step{
		{Desc: "Enable single node setup", Method: http.MethodPost, Path: "/_cluster_setup", Body: string(setup)},
		{Desc: "Require valid user (chttpd)", Method: http.MethodPut, Path: cfg("chttpd", "require_valid_user"), Body: t},
		{Desc: "Require valid user (auth)", Method: http.MethodPut, Path: cfg("chttpd_auth", "require_valid_user"), Body: t},
		{Desc: "Set WWW-Authenticate header", Method: http.MethodPut, Path: cfg("httpd", "WWW-Authenticate"), Body: jsonString(`Basic realm="couchdb"`)},
		{Desc: "Enable CORS (httpd)", Method: http.MethodPut, Path: cfg("httpd", "enable_cors"), Body: t},
		{Desc: "Enable CORS (chttpd)", Method: http.MethodPut, Path: cfg("chttpd", "enable_cors"), Body: t},
		{Desc: "Set max HTTP request size", Method: http.MethodPut, Path: cfg("chttpd", "max_http_request_size"), Body: jsonString(strconv.FormatInt(o.MaxHTTPRequestSize, 10))},
		{Desc: "Set max document size", Method: http.MethodPut, Path: cfg("couchdb", "max_document_size"), Body: jsonString(strconv.FormatInt(o.MaxDocumentSize, 10))},
		{Desc: "Enable CORS credentials", Method: http.MethodPut, Path: cfg("cors", "credentials"), Body: t},
		{Desc: "Set CORS origins", Method: http.MethodPut, Path: cfg("cors", "origins"), Body: jsonString(strings.Join(o.CORSOrigins, ","))},
	}
}

// BasicAuth builds the Authorization header value.
func BasicAuth(username, password string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
}

// Configure runs every step against hostAndPort (scheme included, no trailing
// path). A failing step never stops the sequence.
func Configure(ctx context.Context, hostAndPort, username, password string, do RequestFunc, opts Options) (res command.Result) {
	started := time.Now()
	defer func() { metrics.ObserveOperation("autoconfig", "configure", res.Success, time.Since(started)) }()

	o := opts.withDefaults()
	steps := Steps(username, password, o)
	base := strings.TrimRight(hostAndPort, "/")
	headers := map[string]string{
		"Content-Type":  "application/json",
		"Authorization": BasicAuth(username, password),
	}

	var failed []string
	for _, step := range steps {
		o.Logger.Debug("configuration step", "step", step.Desc)
		resp, err := do(ctx, Request{
			URL:         base + step.Path,
			Method:      step.Method,
			Headers:     headers,
			Body:        step.Body,
			ContentType: "application/json",
		})
		switch {
		case err != nil:
			failed = append(failed, fmt.Sprintf("%s: %v", step.Desc, err))
			o.Logger.Debug("configuration step errored", "step", step.Desc, "error", err)
		case resp.Status >= 400:
			failed = append(failed, fmt.Sprintf("%s: HTTP %d", step.Desc, resp.Status))
			o.Logger.Debug("configuration step failed", "step", step.Desc, "status", resp.Status)
		}
	}

	if len(failed) > 0 {
		return command.Failf("Failed %d/%d steps:\n%s", len(failed), len(steps), strings.Join(failed, "\n"))
	}
	o.Logger.Info("all configuration steps completed", "host", base)
	return command.OK(fmt.Sprintf("All %d configuration steps completed", len(steps)))
}

// HTTPRequester adapts an *http.Client to a RequestFunc. A nil client uses a
// client with a 10s timeout.
func HTTPRequester(client *http.Client) RequestFunc {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return func(ctx context.Context, r Request) (Response, error) {
		var body io.Reader
		if r.Body != "" {
			body = strings.NewReader(r.Body)
		}
		req, err := http.NewRequestWithContext(ctx, r.Method, r.URL, body)
		if err != nil {
			return Response{}, err
		}
		for k, v := range r.Headers {
			req.Header.Set(k, v)
		}
		if r.ContentType != "" {
			req.Header.Set("Content-Type", r.ContentType)
		}
		resp, err := client.Do(req)
		if err != nil {
			return Response{}, err
		}
		defer func() { _ = resp.Body.Close() }()
		text, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return Response{}, fmt.Errorf("read response: %w", err)
		}
		return Response{Status: resp.StatusCode, Text: string(text)}, nil
	}
}
