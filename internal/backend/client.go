package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"slices"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
)

// maxSeed is the inclusive upper bound of the sampler seed.
const maxSeed = 100000

// Stage names the protocol step a generation failed in.
type Stage string

const (
	StageUpload Stage = "upload"
	StageSubmit Stage = "submit"
	StageWait   Stage = "wait"
	StageFetch  Stage = "fetch"
)

// GenerationError is returned by Client.Run for any protocol failure.
type GenerationError struct {
	Stage Stage
	Addr  string
	Err   error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generate on %s: %s: %v", e.Addr, e.Stage, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// Client runs one generation against a back-end.
type Client struct {
	http     *http.Client
	template *Template
	seed     func() int
	logger   *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets the HTTP client for upload, submit and fetch.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) { cl.http = c }
}

// WithSeed replaces the random seed source.
func WithSeed(fn func() int) ClientOption {
	return func(cl *Client) { cl.seed = fn }
}

// WithClientLogger sets a custom logger.
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(cl *Client) { cl.logger = l }
}

// NewClient returns a Client that submits copies of tmpl.
func NewClient(tmpl *Template, opts ...ClientOption) *Client {
	c := &Client{
		http:     http.DefaultClient,
		template: tmpl,
		seed:     func() int { return rand.IntN(maxSeed + 1) },
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Run uploads input to addr, submits the workflow, waits for completion and
// returns the first output image. ctx bounds the whole exchange.
func (c *Client) Run(ctx context.Context, addr string, input []byte) ([]byte, error) {
	ref, err := c.upload(ctx, addr, input)
	if err != nil {
		return nil, &GenerationError{Stage: StageUpload, Addr: addr, Err: err}
	}

	prompt, err := c.template.Build(ref, c.seed())
	if err != nil {
		return nil, &GenerationError{Stage: StageSubmit, Addr: addr, Err: err}
	}

	clientID := uuid.NewString()
	conn, br, _, err := ws.Dial(ctx, wsURL(addr)+"/ws?clientId="+url.QueryEscape(clientID))
	if err != nil {
		return nil, &GenerationError{Stage: StageSubmit, Addr: addr, Err: fmt.Errorf("dial websocket: %w", err)}
	}
	defer conn.Close()

	promptID, err := c.submit(ctx, addr, prompt, clientID)
	if err != nil {
		return nil, &GenerationError{Stage: StageSubmit, Addr: addr, Err: err}
	}
	c.logger.Debug("prompt submitted", "backend", addr, "prompt_id", promptID)

	if err := waitDone(ctx, conn, br, promptID); err != nil {
		return nil, &GenerationError{Stage: StageWait, Addr: addr, Err: err}
	}

	out, err := c.fetch(ctx, addr, promptID)
	if err != nil {
		return nil, &GenerationError{Stage: StageFetch, Addr: addr, Err: err}
	}
	return out, nil
}

type uploadResponse struct {
	Name      string `json:"name"`
	Subfolder string `json:"subfolder"`
}

func (c *Client) upload(ctx context.Context, addr string, input []byte) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("image", "input.png")
	if err != nil {
		return "", err
	}
	if _, err := fw.Write(input); err != nil {
		return "", err
	}
	if err := mw.WriteField("overwrite", "true"); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	var up uploadResponse
	if err := c.do(ctx, http.MethodPost, baseURL(addr)+"/upload/image", mw.FormDataContentType(), &body, &up); err != nil {
		return "", err
	}
	if up.Name == "" {
		return "", fmt.Errorf("upload response has no name")
	}
	if up.Subfolder == "" {
		return up.Name, nil
	}
	return up.Subfolder + "/" + up.Name, nil
}

func (c *Client) submit(ctx context.Context, addr string, prompt map[string]any, clientID string) (string, error) {
	payload, err := json.Marshal(map[string]any{"prompt": prompt, "client_id": clientID})
	if err != nil {
		return "", fmt.Errorf("encode prompt: %w", err)
	}
	var resp struct {
		PromptID string `json:"prompt_id"`
	}
	if err := c.do(ctx, http.MethodPost, baseURL(addr)+"/prompt", "application/json", bytes.NewReader(payload), &resp); err != nil {
		return "", err
	}
	if resp.PromptID == "" {
		return "", fmt.Errorf("prompt response has no prompt_id")
	}
	return resp.PromptID, nil
}

// progressMessage is a text frame on the back-end's WebSocket.
type progressMessage struct {
	Type string `json:"type"`
	Data struct {
		Node     *string `json:"node"`
		PromptID string  `json:"prompt_id"`
	} `json:"data"`
}

// waitDone reads frames until the back-end reports that promptID finished
// executing (an "executing" message with a null node). Binary frames carry
// previews and are skipped.
func waitDone(ctx context.Context, conn net.Conn, br *bufio.Reader, promptID string) error {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	var rw io.ReadWriter = conn
	if br != nil {
		// Frames sent right after the handshake are buffered in br.
		rw = struct {
			io.Reader
			io.Writer
		}{io.MultiReader(br, conn), conn}
	}

	for {
		data, op, err := wsutil.ReadServerData(rw)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read websocket: %w", err)
		}
		if op != ws.OpText {
			continue
		}
		var msg progressMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == "executing" && msg.Data.Node == nil && msg.Data.PromptID == promptID {
			return nil
		}
	}
}

type imageRef struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

type historyEntry struct {
	Outputs map[string]struct {
		Images []imageRef `json:"images"`
	} `json:"outputs"`
}

func (c *Client) fetch(ctx context.Context, addr, promptID string) ([]byte, error) {
	var history map[string]historyEntry
	if err := c.do(ctx, http.MethodGet, baseURL(addr)+"/history/"+url.PathEscape(promptID), "", nil, &history); err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	entry, ok := history[promptID]
	if !ok {
		return nil, fmt.Errorf("history has no entry for prompt %s", promptID)
	}

	nodes := make([]string, 0, len(entry.Outputs))
	for id := range entry.Outputs {
		nodes = append(nodes, id)
	}
	slices.Sort(nodes)

	for _, id := range nodes {
		images := entry.Outputs[id].Images
		if len(images) == 0 {
			continue
		}
		img := images[0]
		q := url.Values{}
		q.Set("filename", img.Filename)
		q.Set("subfolder", img.Subfolder)
		q.Set("type", img.Type)
		return c.get(ctx, baseURL(addr)+"/view?"+q.Encode())
	}
	return nil, fmt.Errorf("prompt %s produced no images", promptID)
}

func (c *Client) do(ctx context.Context, method, rawURL, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, req.URL.Path, resp.StatusCode, bytes.TrimSpace(msg))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, req.URL.Path, err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: status %d", req.URL.Path, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	return data, nil
}
