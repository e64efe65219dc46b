package k8s

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// ListPods возвращает pod'ы по label selector (например "job-name=x").
func (c *Client) ListPods(ctx context.Context, namespace, selector string) ([]Pod, error) {
	path := fmt.Sprintf("/api/v1/namespaces/%s/pods?labelSelector=%s",
		url.PathEscape(c.ns(namespace)), url.QueryEscape(selector))
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var out PodList
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// GetPodLog возвращает лог pod'а. tailLines <= 0 — весь лог.
func (c *Client) GetPodLog(ctx context.Context, namespace, pod string, tailLines int) (string, error) {
	path := fmt.Sprintf("/api/v1/namespaces/%s/pods/%s/log", url.PathEscape(c.ns(namespace)), url.PathEscape(pod))
	if tailLines > 0 {
		path += "?tailLines=" + strconv.Itoa(tailLines)
	}
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return "", err
	}

	body, err := c.doRaw(req, "text/plain")
	if err != nil {
		return "", err
	}
	return string(body), nil
}
