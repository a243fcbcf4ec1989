package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/deixis/gitrun/internal/run"
	"go.uber.org/zap"
)

// DefaultEndpointTimeout bounds each attempt against a single endpoint.
const DefaultEndpointTimeout = 30 * time.Second

// Application errors returned by Piston.Execute, mirroring the gateway.
const (
	MsgFetchFailed      = "Failed to fetch file"
	MsgExecutionFailed  = "Execution failed"
	MsgUnknownLanguage  = "Unsupported language"
	defaultGitHubAPIURL = "https://api.github.com"
)

// Piston fetches the file from GitHub and runs it on the first Piston
// endpoint that answers 200, trying Endpoints in order.
type Piston struct {
	Endpoints       []string
	GitHubAPI       string
	Token           string
	HTTPClient      *http.Client
	EndpointTimeout time.Duration
	Logger          *zap.Logger
}

// NewPiston creates a direct executor.
func NewPiston(endpoints []string, githubAPI, token string, logger *zap.Logger) *Piston {
	if logger == nil {
		logger = zap.NewNop()
	}
	if githubAPI == "" {
		githubAPI = defaultGitHubAPIURL
	}
	return &Piston{
		Endpoints:       endpoints,
		GitHubAPI:       strings.TrimRight(githubAPI, "/"),
		Token:           token,
		HTTPClient:      &http.Client{},
		EndpointTimeout: DefaultEndpointTimeout,
		Logger:          logger,
	}
}

type pistonFile struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

type pistonRequest struct {
	Language string       `json:"language"`
	Version  string       `json:"version"`
	Files    []pistonFile `json:"files"`
	Stdin    string       `json:"stdin"`
}

type pistonResponse struct {
	Run *struct {
		Stdout string `json:"stdout"`
		Stderr string `json:"stderr"`
		Code   *int   `json:"code"`
	} `json:"run"`
}

// Execute implements run.Executor.
func (p *Piston) Execute(ctx context.Context, req run.Request) (*run.Response, error) {
	content, err := p.fetch(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		p.Logger.Warn("fetching file failed",
			zap.String("target", req.Owner+"/"+req.Repo+":"+req.Path),
			zap.Error(err),
		)
		return &run.Response{Error: errorPayload(MsgFetchFailed)}, nil
	}

	lang := req.Language
	if lang == "" {
		lang = DetectLanguage(req.Path)
	}
	if lang == "" {
		return &run.Response{Error: errorPayload(MsgUnknownLanguage)}, nil
	}

	body, err := json.Marshal(pistonRequest{
		Language: lang,
		Version:  "*",
		Files:    []pistonFile{{Name: path.Base(req.Path), Content: content}},
		Stdin:    req.Stdin,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal piston request: %w", err)
	}

	for _, endpoint := range p.Endpoints {
		resp, err := p.try(ctx, endpoint, body)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		p.Logger.Warn("piston endpoint failed", zap.String("endpoint", endpoint), zap.Error(err))
	}
	return &run.Response{Error: errorPayload(MsgExecutionFailed)}, nil
}

// try posts body to one endpoint within EndpointTimeout.
func (p *Piston) try(ctx context.Context, endpoint string, body []byte) (*run.Response, error) {
	if p.EndpointTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.EndpointTimeout)
		defer cancel()
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	hreq.Header.Set("Content-Type", "application/json")

	resp, err := p.client().Do(hreq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	var pr pistonResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBody)).Decode(&pr); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if pr.Run == nil {
		return nil, errors.New(`response has no "run" object`)
	}
	return &run.Response{
		Stdout:   pr.Run.Stdout,
		Stderr:   pr.Run.Stderr,
		ExitCode: pr.Run.Code,
	}, nil
}

// fetch downloads the raw file text through the GitHub contents API.
func (p *Piston) fetch(ctx context.Context, req run.Request) (string, error) {
	u := fmt.Sprintf("%s/repos/%s/%s/contents/%s",
		p.GitHubAPI,
		url.PathEscape(req.Owner),
		url.PathEscape(req.Repo),
		escapePath(req.Path),
	)
	if req.Ref != "" {
		u += "?ref=" + url.QueryEscape(req.Ref)
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	hreq.Header.Set("Accept", "application/vnd.github.raw")
	if p.Token != "" {
		hreq.Header.Set("Authorization", "Bearer "+p.Token)
	}

	resp, err := p.client().Do(hreq)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("github returned status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}
	return string(data), nil
}

func (p *Piston) client() *http.Client {
	if p.HTTPClient != nil {
		return p.HTTPClient
	}
	return http.DefaultClient
}

func escapePath(p string) string {
	parts := strings.Split(strings.Trim(p, "/"), "/")
	for i, s := range parts {
		parts[i] = url.PathEscape(s)
	}
	return strings.Join(parts, "/")
}
