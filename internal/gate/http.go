package gate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPGate calls the external constitution evaluator. Fail-closed: a
// transport error, timeout, non-200 status or malformed body all veto the
// payload — a silently dropped safety check is a correctness hazard.
type HTTPGate struct {
	url    string
	client *http.Client
}

func NewHTTPGate(url string, timeout time.Duration) *HTTPGate {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPGate{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

func (g *HTTPGate) Check(ctx context.Context, payload string) (*Verdict, error) {
	body, err := json.Marshal(map[string]string{"payload": payload})
	if err != nil {
		return veto(fmt.Sprintf("encoding gate request: %v", err)), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return veto(fmt.Sprintf("building gate request: %v", err)), nil
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return veto(fmt.Sprintf("safety gate unreachable: %v", err)), nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return veto(fmt.Sprintf("safety gate returned %d", resp.StatusCode)), nil
	}

	var v Verdict
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return veto(fmt.Sprintf("malformed gate response: %v", err)), nil
	}
	if !v.Approved && v.VetoReason == "" {
		v.VetoReason = "vetoed by safety gate"
	}
	return &v, nil
}

func veto(reason string) *Verdict {
	return &Verdict{Approved: false, VetoReason: reason}
}
