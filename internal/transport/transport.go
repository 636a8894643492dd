package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"tabletraft/pkg/consensus"
)

const (
	UpdatePath          = "/api/internal/consensus/update"
	VotePath            = "/api/internal/consensus/vote"
	RemoteBootstrapPath = "/api/internal/consensus/remote-bootstrap"
	RunElectionPath     = "/api/internal/consensus/run-election"
	ElectionLostPath    = "/api/internal/consensus/election-lost"

	contentTypeJSON = "application/json"

	defaultTimeout    = 3 * time.Second
	defaultMaxRetries = 3
	defaultRetryDelay = 100 * time.Millisecond
)

// ErrUnexpectedStatus is returned when the peer answers with a non-200 status.
var ErrUnexpectedStatus = errors.New("unexpected http status")

type Options struct {
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
	Client     *http.Client
	Logger     *slog.Logger
}

// Factory builds HTTP proxies to remote replicas.
type Factory struct {
	opts   Options
	client *http.Client
	log    *slog.Logger
}

func NewFactory(opts Options) *Factory {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	return &Factory{opts: opts, client: client, log: opts.Logger}
}

func (f *Factory) NewProxy(peer consensus.RaftPeer) (consensus.PeerProxy, error) {
	if peer.Address == "" {
		return nil, fmt.Errorf("peer %s has no address", peer.UUID)
	}
	return &Proxy{
		baseURL: BaseURL(peer.Address),
		client:  f.client,
		retries: f.opts.MaxRetries,
		delay:   f.opts.RetryDelay,
		log:     f.log.With("remote_peer", peer.UUID),
	}, nil
}

// BaseURL turns a host:port address into an http URL.
func BaseURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimSuffix(addr, "/")
	}
	return "http://" + strings.TrimSuffix(addr, "/")
}

// Proxy is the JSON over HTTP client of one replica.
type Proxy struct {
	baseURL string
	client  *http.Client
	retries int
	delay   time.Duration
	log     *slog.Logger
}

func (p *Proxy) UpdateConsensus(ctx context.Context, req *consensus.ConsensusRequest) (*consensus.ConsensusResponse, error) {
	var resp consensus.ConsensusResponse
	// Peer sessions retry on the next heartbeat.
	if err := p.call(ctx, UpdatePath, req, &resp, 1); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (p *Proxy) RequestVote(ctx context.Context, req *consensus.VoteRequest) (*consensus.VoteResponse, error) {
	var resp consensus.VoteResponse
	if err := p.call(ctx, VotePath, req, &resp, p.retries); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (p *Proxy) StartRemoteBootstrap(ctx context.Context, req *consensus.StartRemoteBootstrapRequest) (*consensus.StartRemoteBootstrapResponse, error) {
	var resp consensus.StartRemoteBootstrapResponse
	if err := p.call(ctx, RemoteBootstrapPath, req, &resp, p.retries); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (p *Proxy) RunLeaderElection(ctx context.Context, req *consensus.RunLeaderElectionRequest) (*consensus.RunLeaderElectionResponse, error) {
	var resp consensus.RunLeaderElectionResponse
	if err := p.call(ctx, RunElectionPath, req, &resp, p.retries); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (p *Proxy) LeaderElectionLost(ctx context.Context, req *consensus.LeaderElectionLostRequest) (*consensus.LeaderElectionLostResponse, error) {
	var resp consensus.LeaderElectionLostResponse
	if err := p.call(ctx, ElectionLostPath, req, &resp, p.retries); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (p *Proxy) Close() error {
	return nil
}

func (p *Proxy) call(ctx context.Context, path string, in, out any, attempts int) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	url := p.baseURL + path

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%s: %w (last error: %v)", path, ctx.Err(), lastErr)
			case <-time.After(p.delay * time.Duration(attempt)):
			}
		}
		err := p.post(ctx, url, body, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if errors.Is(err, ErrUnexpectedStatus) || ctx.Err() != nil {
			break
		}
		p.log.Debug("consensus rpc failed, retrying", "path", path, "attempt", attempt+1, "error", err)
	}
	return fmt.Errorf("%s after %d attempts: %w", path, attempts, lastErr)
}

func (p *Proxy) post(ctx context.Context, url string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", contentTypeJSON)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%w %d: %s", ErrUnexpectedStatus, resp.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
