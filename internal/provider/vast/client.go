// Package vast implements the Vast.ai marketplace client.
package vast

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tmeurs/vpod/internal/logging"
	"github.com/tmeurs/vpod/internal/provider"
)

const (
	// baseURL is the Vast.ai API base URL.
	baseURL = "https://console.vast.ai/api/v0"

	// defaultTimeout is the default HTTP timeout.
	defaultTimeout = 30 * time.Second

	// maxRetries is the maximum number of attempts per request.
	maxRetries = 5

	// baseRetryDelay is the base delay for exponential backoff.
	baseRetryDelay = 2 * time.Second

	// maxRetryDelay caps the exponential backoff.
	maxRetryDelay = 60 * time.Second

	// rateLimitDelay is the delay when rate limited without a Retry-After.
	rateLimitDelay = 5 * time.Second

	// consoleURL lists the account's instances.
	consoleURL = "https://cloud.vast.ai/instances/"

	// searchLimit caps the number of offers requested per search.
	searchLimit = 64
)

// Client is the Vast.ai API client.
type Client struct {
	apiKey     string
	httpClient *http.Client
	baseURL    string
	retryDelay time.Duration

	rateLimiter *rateLimiter
}

type rateLimiter struct {
	mu          sync.Mutex
	lastRequest time.Time
	minInterval time.Duration
	retryAfter  time.Time
}

// ClientOption is a function that configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithBaseURL sets a custom base URL (useful for testing).
func WithBaseURL(url string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(url, "/")
	}
}

// WithRetryDelay overrides the backoff base delay (useful for testing).
func WithRetryDelay(d time.Duration) ClientOption {
	return func(c *Client) {
		c.retryDelay = d
	}
}

// NewClient creates a new Vast.ai API client.
func NewClient(apiKey string, opts ...ClientOption) (*Client, error) {
	if apiKey == "" {
		return nil, provider.ErrAuthenticationFailed.Wrap(errors.New("API key is required"))
	}

	c := &Client{
		apiKey:     apiKey,
		baseURL:    baseURL,
		retryDelay: baseRetryDelay,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
		rateLimiter: &rateLimiter{
			minInterval: 100 * time.Millisecond,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// Name returns the provider name.
func (c *Client) Name() string {
	return "vast"
}

// ConsoleURL returns the Vast.ai instances page.
func (c *Client) ConsoleURL() string {
	return consoleURL
}

// apiError represents an error response from the Vast.ai API.
type apiError struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Msg     string `json:"msg"`
}

// request makes an HTTP request to the Vast.ai API with retry logic.
func (c *Client) request(ctx context.Context, method, path string, query url.Values, body any, result any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return provider.NewProviderError("request_encode_failed", "failed to encode request body", err)
		}
	}

	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	log := logging.Get()

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if err := c.waitForRateLimit(ctx); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return provider.NewProviderError("context_cancelled", "request cancelled", ctx.Err())
		}

		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}

		req, err := http.NewRequestWithContext(ctx, method, reqURL, bodyReader)
		if err != nil {
			return provider.NewProviderError("request_create_failed", "failed to create request", err)
		}

		req.Header.Set("Accept", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		log.Debug().
			Str("method", method).
			Str("path", path).
			Int("attempt", attempt).
			Msg("Vast.ai API request")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = provider.NewProviderError("request_failed", "HTTP request failed", err)
			c.sleep(ctx, c.calculateBackoff(attempt))
			continue
		}

		processErr := c.processResponse(resp, result)
		if processErr == nil {
			return nil
		}

		if shouldRetry(processErr, resp.StatusCode) {
			lastErr = processErr
			log.Warn().
				Err(processErr).
				Int("status", resp.StatusCode).
				Int("attempt", attempt).
				Msg("Vast.ai API request failed, retrying")

			if resp.StatusCode == http.StatusTooManyRequests {
				c.handleRateLimitResponse(resp)
			} else {
				c.sleep(ctx, c.calculateBackoff(attempt))
			}
			continue
		}

		return processErr
	}

	return lastErr
}

// processResponse checks the status code and decodes the result.
func (c *Client) processResponse(resp *http.Response, result any) error {
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return provider.NewProviderError("response_read_failed", "failed to read response body", err)
	}

	if resp.StatusCode >= 400 {
		return c.parseAPIError(resp.StatusCode, bodyBytes)
	}

	if result != nil && len(bodyBytes) > 0 {
		if err := json.Unmarshal(bodyBytes, result); err != nil {
			return provider.NewProviderError("response_decode_failed", "failed to decode response", err)
		}
	}

	return nil
}

func (c *Client) parseAPIError(statusCode int, body []byte) error {
	var apiErr apiError
	if err := json.Unmarshal(body, &apiErr); err != nil {
		return c.statusCodeToError(statusCode, strings.TrimSpace(string(body)))
	}

	errMsg := apiErr.Msg
	if errMsg == "" {
		errMsg = apiErr.Error
	}
	if errMsg == "" {
		errMsg = "unknown error"
	}

	return c.statusCodeToError(statusCode, errMsg)
}

func (c *Client) statusCodeToError(statusCode int, message string) error {
	switch statusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return provider.ErrAuthenticationFailed.Wrap(errors.New(message))
	case http.StatusNotFound:
		return provider.ErrInstanceNotFound.Wrap(errors.New(message))
	case http.StatusTooManyRequests:
		return provider.ErrRateLimited.Wrap(errors.New(message))
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return provider.NewProviderError("service_unavailable", "Vast.ai service temporarily unavailable", errors.New(message))
	default:
		return provider.NewProviderError("api_error", fmt.Sprintf("API error (HTTP %d): %s", statusCode, message), nil)
	}
}

// shouldRetry determines if a request should be retried.
func shouldRetry(err error, statusCode int) bool {
	if statusCode == http.StatusTooManyRequests || statusCode >= 500 {
		return true
	}

	var provErr *provider.ProviderError
	if errors.As(err, &provErr) {
		switch provErr.Code {
		case "request_failed", "service_unavailable":
			return true
		}
	}

	return false
}

func (c *Client) calculateBackoff(attempt int) time.Duration {
	delay := time.Duration(float64(c.retryDelay) * math.Pow(2, float64(attempt-1)))
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	return delay
}

// sleep waits for the given duration, respecting context cancellation.
func (c *Client) sleep(ctx context.Context, duration time.Duration) {
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// waitForRateLimit enforces the Retry-After deadline and the minimum
// interval between requests.
func (c *Client) waitForRateLimit(ctx context.Context) error {
	c.rateLimiter.mu.Lock()
	var wait time.Duration
	now := time.Now()
	if !c.rateLimiter.retryAfter.IsZero() && now.Before(c.rateLimiter.retryAfter) {
		wait = c.rateLimiter.retryAfter.Sub(now)
	} else if !c.rateLimiter.lastRequest.IsZero() {
		if elapsed := now.Sub(c.rateLimiter.lastRequest); elapsed < c.rateLimiter.minInterval {
			wait = c.rateLimiter.minInterval - elapsed
		}
	}
	c.rateLimiter.lastRequest = now.Add(wait)
	c.rateLimiter.mu.Unlock()

	if wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return provider.NewProviderError("context_cancelled", "request cancelled while waiting for rate limit", ctx.Err())
	case <-timer.C:
		return nil
	}
}

// handleRateLimitResponse records the Retry-After deadline of a 429 response.
func (c *Client) handleRateLimitResponse(resp *http.Response) {
	c.rateLimiter.mu.Lock()
	defer c.rateLimiter.mu.Unlock()

	if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
		if seconds, err := strconv.Atoi(retryAfter); err == nil {
			c.rateLimiter.retryAfter = time.Now().Add(time.Duration(seconds) * time.Second)
			return
		}
		if t, err := http.ParseTime(retryAfter); err == nil {
			c.rateLimiter.retryAfter = t
			return
		}
	}

	c.rateLimiter.retryAfter = time.Now().Add(rateLimitDelay)
}

// vastOffer represents an offer from the bundles endpoint.
type vastOffer struct {
	ID          int     `json:"id"`
	MachineID   int     `json:"machine_id"`
	GPUName     string  `json:"gpu_name"`
	NumGPUs     int     `json:"num_gpus"`
	GPURam      float64 `json:"gpu_ram"` // MB per GPU
	DphTotal    float64 `json:"dph_total"`
	CudaMaxGood float64 `json:"cuda_max_good"`
	Geolocation string  `json:"geolocation"`
	Reliability float64 `json:"reliability2"`
	Rentable    bool    `json:"rentable"`
}

type vastSearchResponse struct {
	Offers []vastOffer `json:"offers"`
}

// SearchOffers searches the marketplace. The order is the API's ranking
// (score, descending).
func (c *Client) SearchOffers(ctx context.Context, query string) ([]provider.Offer, error) {
	q, err := ParseQuery(query)
	if err != nil {
		return nil, provider.ErrInvalidQuery.Wrap(err)
	}

	body := make(map[string]any, len(q)+3)
	for field, ops := range q {
		body[field] = ops
	}
	body["order"] = [][]string{{"score", "desc"}}
	body["type"] = "on-demand"
	body["limit"] = searchLimit

	var resp vastSearchResponse
	if err := c.request(ctx, http.MethodPost, "/bundles/", nil, body, &resp); err != nil {
		return nil, err
	}

	offers := make([]provider.Offer, 0, len(resp.Offers))
	for _, vo := range resp.Offers {
		offers = append(offers, convertVastOffer(vo))
	}
	return offers, nil
}

func convertVastOffer(vo vastOffer) provider.Offer {
	return provider.Offer{
		ID:          strconv.Itoa(vo.ID),
		GPUName:     vo.GPUName,
		NumGPUs:     vo.NumGPUs,
		GPURAMGB:    vo.GPURam / 1000,
		CUDAMaxGood: vo.CudaMaxGood,
		HourlyPrice: vo.DphTotal,
		Geolocation: vo.Geolocation,
		Reliability: vo.Reliability,
	}
}

// vastCreateRequest is the body of PUT /asks/{id}/.
type vastCreateRequest struct {
	ClientID string `json:"client_id"`
	Image    string `json:"image"`
	Disk     int    `json:"disk,omitempty"`
	Runtype  string `json:"runtype"`
	Onstart  string `json:"onstart,omitempty"`
	Label    string `json:"label,omitempty"`
}

type vastCreateResponse struct {
	Success     bool   `json:"success"`
	NewContract int    `json:"new_contract"`
	Error       string `json:"error,omitempty"`
	Msg         string `json:"msg,omitempty"`
}

// vastInstance represents an instance from the instances endpoints.
type vastInstance struct {
	ID           int     `json:"id"`
	ActualStatus *string `json:"actual_status"` // null until the container starts
	CurState     string  `json:"cur_state"`
	SSHHost      string  `json:"ssh_host"`
	SSHPort      int     `json:"ssh_port"`
	PublicIPAddr string  `json:"public_ipaddr"`
	GPUName      string  `json:"gpu_name"`
	NumGPUs      int     `json:"num_gpus"`
	DphTotal     float64 `json:"dph_total"`
	StartDate    float64 `json:"start_date"`
	Label        string  `json:"label"`
	StatusMsg    string  `json:"status_msg"`
	ImageUUID    string  `json:"image_uuid"`
}

// CreateInstance rents an offer with the given image and onstart script.
func (c *Client) CreateInstance(ctx context.Context, req provider.CreateRequest) (*provider.Instance, error) {
	if req.OfferID == "" {
		return nil, provider.NewProviderError("invalid_request", "offer ID is required", nil)
	}
	if req.Image == "" {
		return nil, provider.NewProviderError("invalid_request", "image is required", nil)
	}

	createReq := vastCreateRequest{
		ClientID: "me",
		Image:    req.Image,
		Disk:     req.DiskGB,
		Runtype:  "ssh",
		Onstart:  req.Onstart,
		Label:    req.Label,
	}

	var resp vastCreateResponse
	path := fmt.Sprintf("/asks/%s/", url.PathEscape(req.OfferID))
	if err := c.request(ctx, http.MethodPut, path, nil, createReq, &resp); err != nil {
		if errors.Is(err, provider.ErrInstanceNotFound) {
			return nil, provider.ErrOfferNotFound.Wrap(fmt.Errorf("offer %s not found or no longer available", req.OfferID))
		}
		return nil, err
	}

	if !resp.Success {
		errMsg := resp.Msg
		if errMsg == "" {
			errMsg = resp.Error
		}
		if errMsg == "" {
			errMsg = "marketplace did not accept the offer"
		}
		return nil, provider.ErrRentFailed.Wrap(errors.New(errMsg))
	}

	return &provider.Instance{
		ID:     strconv.Itoa(resp.NewContract),
		Status: provider.InstanceStatusCreating,
		Image:  req.Image,
		Label:  req.Label,
	}, nil
}

type vastShowResponse struct {
	Instances *vastInstance `json:"instances"`
}

// GetInstance retrieves the current state of an instance by ID.
func (c *Client) GetInstance(ctx context.Context, id string) (*provider.Instance, error) {
	if id == "" {
		return nil, provider.NewProviderError("invalid_request", "instance ID is required", nil)
	}

	var resp vastShowResponse
	path := fmt.Sprintf("/instances/%s/", url.PathEscape(id))
	if err := c.request(ctx, http.MethodGet, path, url.Values{"owner": {"me"}}, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Instances == nil {
		return nil, provider.ErrInstanceNotFound.Wrap(fmt.Errorf("instance %s", id))
	}

	instance := convertVastInstance(*resp.Instances)
	return &instance, nil
}

type vastListResponse struct {
	Instances []vastInstance `json:"instances"`
}

// ListInstances returns all instances owned by the account.
func (c *Client) ListInstances(ctx context.Context) ([]provider.Instance, error) {
	var resp vastListResponse
	if err := c.request(ctx, http.MethodGet, "/instances/", url.Values{"owner": {"me"}}, nil, &resp); err != nil {
		return nil, err
	}

	instances := make([]provider.Instance, 0, len(resp.Instances))
	for _, vi := range resp.Instances {
		instances = append(instances, convertVastInstance(vi))
	}
	return instances, nil
}

func convertVastInstance(vi vastInstance) provider.Instance {
	actual := ""
	if vi.ActualStatus != nil {
		actual = *vi.ActualStatus
	}

	instance := provider.Instance{
		ID:            strconv.Itoa(vi.ID),
		Status:        mapVastStatus(actual, vi.CurState),
		ActualStatus:  actual,
		StatusMessage: strings.TrimSpace(vi.StatusMsg),
		SSHHost:       vi.SSHHost,
		SSHPort:       vi.SSHPort,
		PublicIP:      strings.TrimSpace(vi.PublicIPAddr),
		GPUName:       vi.GPUName,
		NumGPUs:       vi.NumGPUs,
		Image:         vi.ImageUUID,
		Label:         vi.Label,
		HourlyRate:    vi.DphTotal,
	}

	if vi.StartDate > 0 {
		sec, frac := math.Modf(vi.StartDate)
		instance.CreatedAt = time.Unix(int64(sec), int64(frac*1e9)).UTC()
	}

	return instance
}

// mapVastStatus maps Vast.ai status strings to InstanceStatus.
func mapVastStatus(actualStatus, curState string) provider.InstanceStatus {
	switch actualStatus {
	case "running":
		return provider.InstanceStatusRunning
	case "", "created", "scheduling", "loading", "starting":
		if curState == "stopped" && actualStatus != "" {
			return provider.InstanceStatusStopping
		}
		return provider.InstanceStatusCreating
	case "exited", "offline", "stopped":
		if curState == "stopped" || curState == "" {
			return provider.InstanceStatusTerminated
		}
		return provider.InstanceStatusStopping
	default:
		return provider.InstanceStatusError
	}
}

type vastDeleteResponse struct {
	Success bool   `json:"success"`
	Msg     string `json:"msg,omitempty"`
	Error   string `json:"error,omitempty"`
}

// DestroyInstance destroys an instance by ID. A missing instance is not an error.
func (c *Client) DestroyInstance(ctx context.Context, id string) error {
	if id == "" {
		return provider.NewProviderError("invalid_request", "instance ID is required", nil)
	}

	var resp vastDeleteResponse
	path := fmt.Sprintf("/instances/%s/", url.PathEscape(id))
	if err := c.request(ctx, http.MethodDelete, path, nil, struct{}{}, &resp); err != nil {
		if errors.Is(err, provider.ErrInstanceNotFound) {
			return nil
		}
		return err
	}

	if !resp.Success {
		errMsg := resp.Msg
		if errMsg == "" {
			errMsg = resp.Error
		}
		if strings.EqualFold(errMsg, "instance not found") {
			return nil
		}
		if errMsg == "" {
			errMsg = "failed to destroy instance"
		}
		return provider.NewProviderError("destroy_failed", errMsg, nil)
	}

	return nil
}

type vastUserResponse struct {
	ID       int     `json:"id"`
	Username string  `json:"username"`
	Email    string  `json:"email"`
	Credit   float64 `json:"credit"`
	Error    string  `json:"error"`
}

// ValidateAPIKey validates the API key and returns account information.
func (c *Client) ValidateAPIKey(ctx context.Context) (*provider.AccountInfo, error) {
	var resp vastUserResponse
	if err := c.request(ctx, http.MethodGet, "/users/current/", nil, nil, &resp); err != nil {
		if errors.Is(err, provider.ErrAuthenticationFailed) {
			return &provider.AccountInfo{Valid: false}, err
		}
		return nil, err
	}

	if resp.Error != "" {
		return &provider.AccountInfo{Valid: false}, provider.ErrAuthenticationFailed.Wrap(fmt.Errorf("API error: %s", resp.Error))
	}

	balance := resp.Credit
	return &provider.AccountInfo{
		Email:     resp.Email,
		Username:  resp.Username,
		Balance:   &balance,
		AccountID: strconv.Itoa(resp.ID),
		Valid:     true,
	}, nil
}
