package k8s

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

const (
	defaultTokenFile     = "/var/run/secrets/kubernetes.io/serviceaccount/token"
	defaultNamespaceFile = "/var/run/secrets/kubernetes.io/serviceaccount/namespace"
	defaultCAFile        = "/var/run/secrets/kubernetes.io/serviceaccount/ca.crt"

	defaultTimeout = 15 * time.Second

	// ограничение на размер ответа (логи pod'ов могут быть большими)
	maxResponseBytes = 4 << 20
)

var (
	ErrNotFound      = errors.New("kubernetes resource not found")
	ErrAlreadyExists = errors.New("kubernetes resource already exists")
	ErrUnauthorized  = errors.New("kubernetes request unauthorized")
	ErrForbidden     = errors.New("kubernetes request forbidden")
)

// APIError — ответ API с неожиданным кодом.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("kubernetes api error (status=%d)", e.StatusCode)
	}
	return fmt.Sprintf("kubernetes api error (status=%d): %s", e.StatusCode, body)
}

// StatusCode извлекает HTTP код из ошибки клиента. 0 — если кода нет (сетевая ошибка).
func StatusCode(err error) int {
	var apiErr *APIError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &apiErr):
		return apiErr.StatusCode
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	default:
		return 0
	}
}

// Config — параметры подключения к API вне кластера.
type Config struct {
	BaseURL   string
	Token     string
	Namespace string

	// CAFile — PEM с корнями для TLS. Пусто — системные корни.
	CAFile string

	// Insecure отключает проверку сертификата (только для локальной разработки).
	Insecure bool

	Timeout time.Duration
}

// Client — клиент Kubernetes API.
type Client struct {
	baseURL   string
	token     string
	namespace string
	http      *http.Client
}

// NewClient создаёт клиент по явной конфигурации.
func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("kubernetes base url is required")
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "default"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}

	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: cfg.Insecure}
	if cfg.CAFile != "" {
		caBytes, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caBytes) {
			return nil, errors.New("invalid ca bundle")
		}
		tlsCfg.RootCAs = pool
	}

	return &Client{
		baseURL:   baseURL,
		token:     strings.TrimSpace(cfg.Token),
		namespace: cfg.Namespace,
		http: &http.Client{
			Transport: &http.Transport{TLSClientConfig: tlsCfg},
			Timeout:   cfg.Timeout,
		},
	}, nil
}

// NewInClusterClient создаёт клиент из service account pod'а.
func NewInClusterClient() (*Client, error) {
	host := strings.TrimSpace(os.Getenv("KUBERNETES_SERVICE_HOST"))
	port := strings.TrimSpace(os.Getenv("KUBERNETES_SERVICE_PORT"))
	baseURL := "https://kubernetes.default.svc"
	if host != "" {
		if port == "" {
			port = "443"
		}
		baseURL = "https://" + host + ":" + port
	}

	tokenBytes, err := os.ReadFile(defaultTokenFile)
	if err != nil {
		return nil, fmt.Errorf("read serviceaccount token: %w", err)
	}
	token := strings.TrimSpace(string(tokenBytes))
	if token == "" {
		return nil, errors.New("serviceaccount token is empty")
	}

	namespaceBytes, err := os.ReadFile(defaultNamespaceFile)
	if err != nil {
		return nil, fmt.Errorf("read serviceaccount namespace: %w", err)
	}

	return NewClient(Config{
		BaseURL:   baseURL,
		Token:     token,
		Namespace: strings.TrimSpace(string(namespaceBytes)),
		CAFile:    defaultCAFile,
	})
}

// NewFromEnv выбирает способ подключения:
// KUBE_API_URL (+ KUBE_TOKEN, KUBE_NAMESPACE, KUBE_CA_FILE, KUBE_INSECURE) — вне кластера,
// иначе in-cluster service account.
func NewFromEnv() (*Client, error) {
	baseURL := strings.TrimSpace(os.Getenv("KUBE_API_URL"))
	if baseURL == "" {
		return NewInClusterClient()
	}
	return NewClient(Config{
		BaseURL:   baseURL,
		Token:     os.Getenv("KUBE_TOKEN"),
		Namespace: os.Getenv("KUBE_NAMESPACE"),
		CAFile:    os.Getenv("KUBE_CA_FILE"),
		Insecure:  os.Getenv("KUBE_INSECURE") == "true",
	})
}

// Namespace возвращает namespace по умолчанию.
func (c *Client) Namespace() string {
	return c.namespace
}

func (c *Client) ns(namespace string) string {
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		return c.namespace
	}
	return namespace
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// do выполняет запрос и декодирует JSON ответ в out (если out != nil).
func (c *Client) do(req *http.Request, out any) error {
	body, err := c.doRaw(req, "application/json")
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode kubernetes response: %w", err)
	}
	return nil
}

// doRaw выполняет запрос и возвращает тело успешного ответа.
func (c *Client) doRaw(req *http.Request, accept string) ([]byte, error) {
	req.Header.Set("Accept", accept)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted:
		return body, nil
	case http.StatusConflict:
		return nil, ErrAlreadyExists
	case http.StatusNotFound:
		return nil, ErrNotFound
	case http.StatusUnauthorized:
		return nil, ErrUnauthorized
	case http.StatusForbidden:
		return nil, ErrForbidden
	default:
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}
}
