package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/meshsched/meshsched/pkg/logging"
	"github.com/meshsched/meshsched/pkg/models"
	"github.com/meshsched/meshsched/pkg/retry"
	"github.com/meshsched/meshsched/pkg/tracing"
)

// InboxPath is where nodes accept HTTP-delivered messages
const InboxPath = "/inbox"

// StatusError is a non-2xx reply from a node inbox
type StatusError struct {
	NodeID string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("node %s inbox returned %d: %s", e.NodeID, e.Code, e.Body)
}

// HTTPLink posts messages to each node's /inbox
type HTTPLink struct {
	client    *http.Client
	retry     retry.Config
	log       *logging.Logger
	mu        sync.RWMutex
	addresses map[string]string
}

// NewHTTPLink creates an HTTP link. Node addresses are learned through SetAddress.
func NewHTTPLink(config Config, log *logging.Logger) *HTTPLink {
	if log == nil {
		log = logging.Default()
	}
	rc := config.Retry
	rc.RetryIf = retryableSend
	return &HTTPLink{
		client:    &http.Client{Timeout: config.SendTimeout},
		retry:     rc,
		log:       log.WithField("component", "transport"),
		addresses: make(map[string]string),
	}
}

// SetAddress records the base URL of nodeID, e.g. http://10.0.0.5:8081
func (l *HTTPLink) SetAddress(nodeID, baseURL string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.addresses[nodeID] = strings.TrimRight(baseURL, "/")
}

// Address returns the base URL of nodeID
func (l *HTTPLink) Address(nodeID string) (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	addr, ok := l.addresses[nodeID]
	return addr, ok
}

// Forget drops nodeID's address
func (l *HTTPLink) Forget(nodeID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.addresses, nodeID)
}

// Send implements routing.Link
func (l *HTTPLink) Send(ctx context.Context, nodeID string, msg *models.Message) error {
	base, ok := l.Address(nodeID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, nodeID)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message %s: %w", msg.ID, err)
	}

	rc := l.retry
	rc.OnRetry = func(err error, wait time.Duration) {
		l.log.Warnf("[Transport] Delivery of %s to %s failed, retrying in %v: %v", msg.ID, nodeID, wait, err)
	}

	return retry.Do(ctx, rc, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+InboxPath, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		tracing.InjectHTTPHeaders(ctx, req)

		resp, err := l.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			io.Copy(io.Discard, resp.Body)
			return nil
		}
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{NodeID: nodeID, Code: resp.StatusCode, Body: strings.TrimSpace(string(text))}
	})
}

// Close releases idle connections
func (l *HTTPLink) Close() error {
	l.client.CloseIdleConnections()
	return nil
}

// retryableSend retries server-side failures and transient network errors
func retryableSend(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500 || se.Code == http.StatusTooManyRequests
	}
	return retry.IsRetryable(err)
}

// InboxHandler decodes POSTed messages and passes them to h.
// Handler errors are returned to the sender as 500.
func InboxHandler(h Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var msg models.Message
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			http.Error(w, fmt.Sprintf("invalid message: %v", err), http.StatusBadRequest)
			return
		}
		if err := h(r.Context(), &msg); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
}
