package processor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/zoff-tech/go-exchange/pkg/schema"
)

const cloudEventsContentType = "application/cloudevents+json"

// HTTPForwarder hands inbound events to a local service over HTTP in
// structured CloudEvents mode. Any 2xx response is success.
type HTTPForwarder struct {
	url    string
	client *http.Client
}

func NewHTTPForwarder(url string, client *http.Client) *HTTPForwarder {
	if client == nil {
		client = &http.Client{}
	}
	if client.Transport == nil {
		client.Transport = otelhttp.NewTransport(http.DefaultTransport)
	}
	return &HTTPForwarder{url: url, client: client}
}

// Handle satisfies Handler.
func (f *HTTPForwarder) Handle(ctx context.Context, env *schema.Envelope) error {
	body, err := env.Encode()
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build forward request: %w", err)
	}
	req.Header.Set("Content-Type", cloudEventsContentType)
	req.Header.Set("Ce-Id", env.ID)

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("forward %s: %w", env.ID, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("forward %s: unexpected status %d", env.ID, resp.StatusCode)
	}
	return nil
}
