package http

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ValentinKolb/dSeq/rpc/common"
	"github.com/ValentinKolb/dSeq/rpc/transport"
	"github.com/flowchartsman/retry"
	"go.uber.org/atomic"
)

func NewHttpClientTransport() transport.IRPCClientTransport {
	return &httpClientTransport{counter: atomic.NewUint32(0)}
}

type httpClientTransport struct {
	serverURLs []*url.URL
	client     *http.Client
	counter    *atomic.Uint32
	config     common.ClientConfig
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IRPCClientTransport)
// --------------------------------------------------------------------------

func (t *httpClientTransport) Connect(config common.ClientConfig) error {
	if len(config.Endpoints) == 0 {
		return fmt.Errorf("no endpoints provided")
	}

	parsedURLs := make([]*url.URL, len(config.Endpoints))
	for i, server := range config.Endpoints {
		if !strings.Contains(server, "://") {
			server = "http://" + server
		}
		parsedURL, err := url.Parse(server)
		if err != nil {
			return err
		}
		parsedURLs[i] = parsedURL
	}

	t.client = &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: max(config.ConnectionsPerEndpoint, 10),
			IdleConnTimeout:     90 * time.Second,
		},
	}
	t.serverURLs = parsedURLs
	t.config = config
	return nil
}

func (t *httpClientTransport) Send(ctx context.Context, service uint64, req []byte) ([]byte, error) {
	if t.client == nil {
		return nil, transport.ErrClosed
	}
	if _, ok := ctx.Deadline(); !ok && t.config.TimeoutSecond > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.config.Timeout())
		defer cancel()
	}

	var (
		resp     []byte
		attempts int
		lastErr  error
	)
	maxAttempts := max(t.config.RetryCount, 1)

	retrier := retry.NewRetrier(maxAttempts, 50*time.Millisecond, time.Second)
	_ = retrier.RunContext(ctx, func(ctx context.Context) error {
		if attempts >= maxAttempts || resp != nil {
			return nil
		}
		attempts++
		idx := t.counter.Inc() % uint32(len(t.serverURLs))
		data, err := t.post(ctx, t.serverURLs[idx], service, req)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		resp, lastErr = data, nil
		return nil
	})

	if lastErr == nil && resp != nil {
		return resp, nil
	}
	if ctx.Err() != nil {
		return nil, fmt.Errorf("request to service %d: %w", service, ctx.Err())
	}
	return nil, fmt.Errorf("failed to send request after %d attempts: %w", attempts, lastErr)
}

func (t *httpClientTransport) Close() error {
	if t.client != nil {
		t.client.CloseIdleConnections()
	}
	t.client = nil
	t.serverURLs = nil
	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (t *httpClientTransport) post(ctx context.Context, server *url.URL, service uint64, req []byte) ([]byte, error) {
	requestURL := server.JoinPath(fmt.Sprintf("%d", service)).String()
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, requestURL, bytes.NewReader(req))
	if err != nil {
		return nil, err
	}
	httpRequest.Header.Set("Content-Type", "application/octet-stream")

	httpResponse, err := t.client.Do(httpRequest)
	if err != nil {
		return nil, err
	}
	defer httpResponse.Body.Close()

	if httpResponse.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http error: %s", httpResponse.Status)
	}
	body, err := io.ReadAll(httpResponse.Body)
	if err != nil {
		return nil, err
	}
	if body == nil {
		body = []byte{}
	}
	return body, nil
}
