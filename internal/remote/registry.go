package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/flitsinc/go-hostagent/internal/a2a"
	"github.com/flitsinc/go-hostagent/internal/store"
)

const cardPath = "/.well-known/agent-card.json"

// AgentSummary is the reduced view handed to the reasoning step so it can
// decide who to delegate to.
type AgentSummary struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	URL         string `json:"url"`
}

// Registry knows every remote agent the host can delegate to. Cards live in
// the store; registration is last-write-wins per agent name.
type Registry struct {
	store  *store.Store
	client *http.Client
	log    *slog.Logger
}

type Option func(*Registry)

func WithHTTPClient(client *http.Client) Option {
	return func(r *Registry) {
		if client != nil {
			r.client = client
		}
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(r *Registry) {
		if log != nil {
			r.log = log
		}
	}
}

func NewRegistry(st *store.Store, opts ...Option) *Registry {
	r := &Registry{
		store:  st,
		client: &http.Client{Timeout: 30 * time.Second},
		log:    slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Register fetches the agent's discovery card and stores it.
func (r *Registry) Register(ctx context.Context, url string) (store.RemoteAgentRecord, error) {
	card, err := r.fetchCard(ctx, url)
	if err != nil {
		return store.RemoteAgentRecord{}, err
	}
	return r.RegisterCard(ctx, card)
}

// RegisterCard stores a card obtained out of band.
func (r *Registry) RegisterCard(ctx context.Context, card a2a.AgentCard) (store.RemoteAgentRecord, error) {
	if card.Name == "" {
		return store.RemoteAgentRecord{}, fmt.Errorf("agent card has no name")
	}
	return r.store.RegisterRemoteAgent(ctx, card)
}

// Init registers every configured address. Unreachable agents are logged and
// skipped so partial availability never aborts startup.
func (r *Registry) Init(ctx context.Context, addrs []string) {
	var wg sync.WaitGroup
	for _, addr := range addrs {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			rec, err := r.Register(ctx, addr)
			if err != nil {
				r.log.Warn("remote agent registration failed", "address", addr, "error", err)
				return
			}
			r.log.Info("remote agent registered", "name", rec.Name, "url", rec.URL)
		}(addr)
	}
	wg.Wait()
}

func (r *Registry) List(ctx context.Context) ([]AgentSummary, error) {
	records, err := r.store.ListRemoteAgents(ctx, true)
	if err != nil {
		return nil, err
	}
	out := make([]AgentSummary, 0, len(records))
	for _, rec := range records {
		out = append(out, AgentSummary{
			Name:        rec.Name,
			Description: rec.Card.Description,
			URL:         rec.URL,
		})
	}
	return out, nil
}

func (r *Registry) Cards(ctx context.Context) ([]a2a.AgentCard, error) {
	records, err := r.store.ListRemoteAgents(ctx, true)
	if err != nil {
		return nil, err
	}
	out := make([]a2a.AgentCard, 0, len(records))
	for _, rec := range records {
		card := rec.Card
		if card.URL == "" {
			card.URL = rec.URL
		}
		out = append(out, card)
	}
	return out, nil
}

// Conn opens a delegate connection to the named active agent.
func (r *Registry) Conn(ctx context.Context, name string) (*Conn, error) {
	rec, err := r.store.GetRemoteAgent(ctx, name)
	if err != nil {
		return nil, err
	}
	if !rec.IsActive {
		return nil, delegationErr(name, fmt.Errorf("agent is deactivated"))
	}
	card := rec.Card
	if card.URL == "" {
		card.URL = rec.URL
	}
	return NewConn(card, r.client), nil
}

func (r *Registry) fetchCard(ctx context.Context, baseURL string) (a2a.AgentCard, error) {
	url := strings.TrimSuffix(baseURL, "/") + cardPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return a2a.AgentCard{}, fmt.Errorf("build card request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return a2a.AgentCard{}, fmt.Errorf("fetch agent card from %s: %w", baseURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return a2a.AgentCard{}, fmt.Errorf("fetch agent card from %s: status %d", baseURL, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return a2a.AgentCard{}, fmt.Errorf("read agent card: %w", err)
	}
	var card a2a.AgentCard
	if err := json.Unmarshal(body, &card); err != nil {
		return a2a.AgentCard{}, fmt.Errorf("decode agent card: %w", err)
	}
	if card.URL == "" {
		card.URL = strings.TrimSuffix(baseURL, "/")
	}
	return card, nil
}
