package k8s

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// CreateJob создаёт Job и возвращает объект, сохранённый API.
// Если job с таким именем уже есть — ErrAlreadyExists.
func (c *Client) CreateJob(ctx context.Context, namespace string, job Job) (Job, error) {
	namespace = c.ns(namespace)
	job.APIVersion = "batch/v1"
	job.Kind = "Job"
	job.Metadata.Namespace = namespace

	body, err := json.Marshal(job)
	if err != nil {
		return Job{}, fmt.Errorf("marshal job: %w", err)
	}
	path := fmt.Sprintf("/apis/batch/v1/namespaces/%s/jobs", url.PathEscape(namespace))
	req, err := c.newRequest(ctx, http.MethodPost, path, bytes.NewReader(body))
	if err != nil {
		return Job{}, err
	}

	var out Job
	if err := c.do(req, &out); err != nil {
		return Job{}, err
	}
	return out, nil
}

// GetJob возвращает Job по имени.
func (c *Client) GetJob(ctx context.Context, namespace, name string) (Job, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Job{}, errors.New("job name is required")
	}
	path := fmt.Sprintf("/apis/batch/v1/namespaces/%s/jobs/%s", url.PathEscape(c.ns(namespace)), url.PathEscape(name))
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return Job{}, err
	}

	var out Job
	if err := c.do(req, &out); err != nil {
		return Job{}, err
	}
	return out, nil
}

// DeleteJob удаляет Job вместе с pod'ами (propagationPolicy=Background).
func (c *Client) DeleteJob(ctx context.Context, namespace, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("job name is required")
	}

	body, err := json.Marshal(DeleteOptions{
		APIVersion:        "v1",
		Kind:              "DeleteOptions",
		PropagationPolicy: "Background",
	})
	if err != nil {
		return fmt.Errorf("marshal delete options: %w", err)
	}
	path := fmt.Sprintf("/apis/batch/v1/namespaces/%s/jobs/%s", url.PathEscape(c.ns(namespace)), url.PathEscape(name))
	req, err := c.newRequest(ctx, http.MethodDelete, path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	return c.do(req, nil)
}
