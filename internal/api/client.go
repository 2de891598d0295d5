package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"

	"github.com/pefman/broadside/internal/models"
	"github.com/pkg/errors"
)

// No Timeout: the client never abandons a call on its own, the caller's
// context is the only way to cut one short.
var httpClient = &http.Client{}

// Route is one endpoint of the game server.
type Route struct {
	Method string
	Path   string
}

// Routes lists the game server endpoints. Paths are joined to BaseURL.
type Routes struct {
	Fleet     Route
	Start     Route
	Placement Route
	Fire      Route
	AITurn    Route
	State     Route
}

func DefaultRoutes() Routes {
	return Routes{
		Fleet:     Route{http.MethodGet, "/fleet"},
		Start:     Route{http.MethodPost, "/games"},
		Placement: Route{http.MethodPost, "/placement"},
		Fire:      Route{http.MethodPost, "/shots"},
		AITurn:    Route{http.MethodPost, "/ai-turn"},
		State:     Route{http.MethodGet, "/state"},
	}
}

// Config holds API configuration
type Config struct {
	BaseURL string
	Routes  Routes
}

type Client struct {
	config Config
	http   *http.Client

	mu      sync.RWMutex
	session string
}

func NewClient(baseURL string) *Client {
	return &Client{
		config: Config{BaseURL: baseURL, Routes: DefaultRoutes()},
		http:   httpClient,
	}
}

func NewClientWithConfig(cfg Config, hc *http.Client) *Client {
	if hc == nil {
		hc = httpClient
	}
	return &Client{config: cfg, http: hc}
}

// SetSession sets the id sent as X-Game-Session on every following request.
func (c *Client) SetSession(id string) {
	c.mu.Lock()
	c.session = id
	c.mu.Unlock()
}

// ResponseError is returned for any non-2xx answer. Body is kept raw so the
// caller can pull a human readable detail out of it.
type ResponseError struct {
	Method     string
	Path       string
	StatusCode int
	Status     string
	Body       []byte
}

func (e *ResponseError) Error() string {
	return "api " + e.Method + " " + e.Path + ": " + e.Status
}

// errNoContent marks a 204 answer internally.
var errNoContent = errors.New("no content")

func (c *Client) do(ctx context.Context, rt Route, in, out interface{}) error {
	base := strings.TrimRight(c.config.BaseURL, "/")
	url := base + rt.Path

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, rt.Method, url, body)
	if err != nil {
		return errors.Wrapf(err, "build %s %s", rt.Method, rt.Path)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.mu.RLock()
	if c.session != "" {
		req.Header.Set("X-Game-Session", c.session)
	}
	c.mu.RUnlock()

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", rt.Method, rt.Path)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		log.Printf("api: %s %s -> %d", rt.Method, rt.Path, resp.StatusCode)
		return &ResponseError{
			Method:     rt.Method,
			Path:       rt.Path,
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       raw,
		}
	}
	if resp.StatusCode == http.StatusNoContent {
		return errNoContent
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "decode %s %s", rt.Method, rt.Path)
	}
	return nil
}

// state performs a call whose answer is a full GameState. A 204 yields a nil
// state and nil error: the server returned no new state.
func (c *Client) state(ctx context.Context, rt Route, in interface{}) (*models.GameState, error) {
	var gs models.GameState
	err := c.do(ctx, rt, in, &gs)
	if err == errNoContent {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := gs.Validate(); err != nil {
		return nil, errors.Wrapf(err, "malformed state from %s", rt.Path)
	}
	return &gs, nil
}

// FetchFleet returns the ordered ship configuration for a new game.
func (c *Client) FetchFleet(ctx context.Context) ([]models.ShipConfig, error) {
	var fleet []models.ShipConfig
	err := c.do(ctx, c.config.Routes.Fleet, nil, &fleet)
	if err == errNoContent {
		return nil, errors.New("server returned no fleet configuration")
	}
	if err != nil {
		return nil, err
	}
	for _, s := range fleet {
		if s.Name == "" || s.Length < 1 {
			return nil, errors.Errorf("malformed ship configuration %+v", s)
		}
	}
	return fleet, nil
}

func (c *Client) StartGame(ctx context.Context) (*models.GameState, error) {
	return c.state(ctx, c.config.Routes.Start, struct{}{})
}

func (c *Client) CommitPlacement(ctx context.Context, p models.PlacementPayload) (*models.GameState, error) {
	return c.state(ctx, c.config.Routes.Placement, p)
}

func (c *Client) FireShot(ctx context.Context, row, col int) (*models.GameState, error) {
	return c.state(ctx, c.config.Routes.Fire, models.ShotRequest{Row: row, Col: col})
}

func (c *Client) AITurn(ctx context.Context) (*models.GameState, error) {
	return c.state(ctx, c.config.Routes.AITurn, nil)
}

// CurrentState fetches the canonical state; used to resynchronise.
func (c *Client) CurrentState(ctx context.Context) (*models.GameState, error) {
	return c.state(ctx, c.config.Routes.State, nil)
}
