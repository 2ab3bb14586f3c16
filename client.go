// Package chatsync is the real-time data layer of a chat client.
//
// It keeps one user's view of conversations, messages, friend relationships,
// presence and typing consistent while data arrives from REST responses, push
// events over a persistent WebSocket connection, and locally-initiated optimistic
// actions.
//
// Example:
//
//	client := chatsync.NewClient(token, chatsync.WithBaseURL("https://chat.example.com"))
//	engine, _ := chatsync.NewEngine(client.Backend(), client.Channel(nil), &chatsync.Config{Token: token})
//	go engine.Run(ctx)
//	_ = engine.Open(ctx)
//	defer engine.Close()
//
//	localID, _ := engine.Send(ctx, "friend@example.com", chatsync.Draft{Content: "hi"})
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "http://localhost:3000"
	DefaultTimeout = 30 * time.Second

	maxUploadSize = 50 * 1024 * 1024
)

// ============================================================================
// Client
// ============================================================================

// Client is the REST collaborator of the data layer.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client

	Auth     *AuthClient
	Messages *MessagesClient
	Friends  *FriendsClient
	Groups   *GroupsClient
	Files    *FilesClient
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a REST client. token may be "" before login.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}

	c.Auth = &AuthClient{c: c}
	c.Messages = &MessagesClient{c: c}
	c.Friends = &FriendsClient{c: c}
	c.Groups = &GroupsClient{c: c}
	c.Files = &FilesClient{c: c}
	return c
}

// SetToken sets or updates the bearer token, typically after Login.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the configured backend URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Channel creates the WebSocket transport for this backend. Call Connect to dial.
func (c *Client) Channel(config *ChannelConfig) *Channel {
	var cfg ChannelConfig
	if config != nil {
		cfg = *config
	}
	if cfg.Token == "" {
		cfg.Token = c.token
	}
	return NewChannel(c.baseURL, &cfg)
}

// ============================================================================
// Internal request helpers
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.setAuthHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}

func (c *Client) setAuthHeaders(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// do performs a request and returns the raw envelope.
func (c *Client) do(ctx context.Context, method, path string, body interface{}, query map[string]string) (*Result, error) {
	data, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Result](data)
}

// call performs a request, fails on a non-ok envelope and decodes its data into T.
func call[T any](ctx context.Context, c *Client, method, path string, body interface{}, query map[string]string) (*T, error) {
	result, err := c.do(ctx, method, path, body, query)
	if err != nil {
		return nil, err
	}
	if err := result.Err(); err != nil {
		return nil, err
	}
	var out T
	if err := result.Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode %s %s: %w", method, path, err)
	}
	return &out, nil
}

func exec(ctx context.Context, c *Client, method, path string, body interface{}) error {
	result, err := c.do(ctx, method, path, body, nil)
	if err != nil {
		return err
	}
	return result.Err()
}

func paginationQuery(opts *PaginationOptions) map[string]string {
	if opts == nil {
		return nil
	}
	q := map[string]string{}
	if opts.Limit > 0 {
		q["limit"] = strconv.Itoa(opts.Limit)
	}
	if !opts.Before.IsZero() {
		q["before"] = strconv.FormatInt(opts.Before.UnixMilli(), 10)
	}
	if len(q) == 0 {
		return nil
	}
	return q
}

// ============================================================================
// Sub-Clients
// ============================================================================

// AuthClient handles authentication.
type AuthClient struct{ c *Client }

// Login exchanges credentials for a bearer token. The token is not stored on the
// client; call SetToken with it.
func (a *AuthClient) Login(ctx context.Context, opts *LoginOptions) (*LoginData, error) {
	if opts == nil || opts.Email == "" || opts.Password == "" {
		return nil, &APIError{Code: "INVALID_INPUT", Message: "email and password are required"}
	}
	return call[LoginData](ctx, a.c, "POST", "/api/auth/login", opts, nil)
}

// MessagesClient handles message history and message actions.
type MessagesClient struct{ c *Client }

func (m *MessagesClient) History(ctx context.Context, conversationID string, opts *PaginationOptions) ([]MessagePayload, error) {
	page, err := call[[]MessagePayload](ctx, m.c, "GET", "/api/messages/"+url.PathEscape(conversationID), nil, paginationQuery(opts))
	if err != nil {
		return nil, err
	}
	return *page, nil
}

func (m *MessagesClient) Send(ctx context.Context, conversationID string, opts *SendOptions) (*MessagePayload, error) {
	data, err := call[MessageData](ctx, m.c, "POST", "/api/messages/"+url.PathEscape(conversationID), opts, nil)
	if err != nil {
		return nil, err
	}
	return &data.Message, nil
}

func (m *MessagesClient) Forward(ctx context.Context, messageID, targetConversationID, clientID string) (*MessagePayload, error) {
	data, err := call[MessageData](ctx, m.c, "POST", "/api/messages/"+url.PathEscape(messageID)+"/forward", map[string]string{
		"targetId": targetConversationID,
		"clientId": clientID,
	}, nil)
	if err != nil {
		return nil, err
	}
	return &data.Message, nil
}

func (m *MessagesClient) React(ctx context.Context, messageID, emoji string) error {
	return exec(ctx, m.c, "POST", "/api/messages/"+url.PathEscape(messageID)+"/reactions", map[string]string{"reaction": emoji})
}

func (m *MessagesClient) Recall(ctx context.Context, messageID string) error {
	return exec(ctx, m.c, "POST", "/api/messages/"+url.PathEscape(messageID)+"/recall", nil)
}

func (m *MessagesClient) Delete(ctx context.Context, messageID string) error {
	return exec(ctx, m.c, "DELETE", "/api/messages/"+url.PathEscape(messageID), nil)
}

func (m *MessagesClient) MarkRead(ctx context.Context, messageID string) error {
	return exec(ctx, m.c, "POST", "/api/messages/"+url.PathEscape(messageID)+"/read", nil)
}

// FriendsClient handles friendships and friend requests.
type FriendsClient struct{ c *Client }

func (f *FriendsClient) List(ctx context.Context) ([]UserPayload, error) {
	list, err := call[[]UserPayload](ctx, f.c, "GET", "/api/friends", nil, nil)
	if err != nil {
		return nil, err
	}
	return *list, nil
}

func (f *FriendsClient) SentRequests(ctx context.Context) ([]FriendRequestPayload, error) {
	list, err := call[[]FriendRequestPayload](ctx, f.c, "GET", "/api/friends/requests/sent", nil, nil)
	if err != nil {
		return nil, err
	}
	return *list, nil
}

func (f *FriendsClient) ReceivedRequests(ctx context.Context) ([]FriendRequestPayload, error) {
	list, err := call[[]FriendRequestPayload](ctx, f.c, "GET", "/api/friends/requests/received", nil, nil)
	if err != nil {
		return nil, err
	}
	return *list, nil
}

func (f *FriendsClient) SendRequest(ctx context.Context, counterpart string) error {
	return exec(ctx, f.c, "POST", "/api/friends/requests", map[string]string{"to": counterpart})
}

func (f *FriendsClient) Withdraw(ctx context.Context, counterpart string) error {
	return exec(ctx, f.c, "DELETE", "/api/friends/requests/"+url.PathEscape(counterpart), nil)
}

func (f *FriendsClient) Respond(ctx context.Context, counterpart string, accept bool) error {
	return exec(ctx, f.c, "POST", "/api/friends/requests/"+url.PathEscape(counterpart)+"/respond", map[string]bool{"accept": accept})
}

func (f *FriendsClient) Unfriend(ctx context.Context, counterpart string) error {
	return exec(ctx, f.c, "DELETE", "/api/friends/"+url.PathEscape(counterpart), nil)
}

// GroupsClient handles group metadata.
type GroupsClient struct{ c *Client }

func (g *GroupsClient) List(ctx context.Context) ([]GroupPayload, error) {
	list, err := call[[]GroupPayload](ctx, g.c, "GET", "/api/groups", nil, nil)
	if err != nil {
		return nil, err
	}
	return *list, nil
}

func (g *GroupsClient) Members(ctx context.Context, groupID string) ([]UserPayload, error) {
	list, err := call[[]UserPayload](ctx, g.c, "GET", "/api/groups/"+url.PathEscape(groupID)+"/members", nil, nil)
	if err != nil {
		return nil, err
	}
	return *list, nil
}

// FilesClient handles media and file uploads.
type FilesClient struct{ c *Client }

// Presign gets an upload slot.
func (f *FilesClient) Presign(ctx context.Context, opts *PresignOptions) (*PresignResult, error) {
	return call[PresignResult](ctx, f.c, "POST", "/api/files/presign", opts, nil)
}

// Confirm confirms an uploaded file and returns its public reference.
func (f *FilesClient) Confirm(ctx context.Context, uploadID string) (*UploadResult, error) {
	return call[UploadResult](ctx, f.c, "POST", "/api/files/confirm", map[string]string{"uploadId": uploadID}, nil)
}

// Upload uploads a file from bytes (presign → upload → confirm).
// FileName in opts is required.
func (f *FilesClient) Upload(ctx context.Context, data []byte, opts *UploadOptions) (*UploadResult, error) {
	if opts == nil || opts.FileName == "" {
		return nil, fmt.Errorf("fileName is required when uploading bytes")
	}
	fileName := opts.FileName
	mimeType := opts.MimeType
	if mimeType == "" {
		mimeType = guessMimeType(fileName)
	}
	fileSize := int64(len(data))
	if fileSize > maxUploadSize {
		return nil, fmt.Errorf("file exceeds maximum size of 50 MB")
	}

	presign, err := f.Presign(ctx, &PresignOptions{FileName: fileName, FileSize: fileSize, MimeType: mimeType})
	if err != nil {
		return nil, fmt.Errorf("presign failed: %w", err)
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	external := strings.HasPrefix(presign.URL, "http")
	if external {
		for k, v := range presign.Fields {
			_ = w.WriteField(k, v)
		}
	}
	part, err := w.CreateFormFile("file", fileName)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("failed to write file data: %w", err)
	}
	_ = w.Close()

	uploadURL := presign.URL
	if !external {
		uploadURL = f.c.baseURL + presign.URL
	}

	req, err := http.NewRequestWithContext(ctx, "POST", uploadURL, &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if !external {
		f.c.setAuthHeaders(req)
	}

	resp, err := f.c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("upload failed (%d): %s", resp.StatusCode, string(body))
	}
	if opts.OnProgress != nil {
		opts.OnProgress(fileSize, fileSize)
	}

	confirmed, err := f.Confirm(ctx, presign.UploadID)
	if err != nil {
		return nil, fmt.Errorf("confirm failed: %w", err)
	}
	return confirmed, nil
}

// UploadFile uploads a file from a local path.
func (f *FilesClient) UploadFile(ctx context.Context, filePath string, opts *UploadOptions) (*UploadResult, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	if opts == nil {
		opts = &UploadOptions{}
	}
	if opts.FileName == "" {
		opts.FileName = filepath.Base(filePath)
	}
	return f.Upload(ctx, data, opts)
}

// DraftFor turns a confirmed upload into a message draft of the matching kind.
func DraftFor(u *UploadResult) Draft {
	kind := KindFile
	if strings.HasPrefix(u.MimeType, "image/") {
		kind = KindImage
	}
	return Draft{
		Content: u.URL,
		Kind:    kind,
		File:    &FileMeta{Name: u.FileName, Size: u.FileSize, MimeType: u.MimeType},
	}
}

// guessMimeType returns MIME type from file extension.
func guessMimeType(fileName string) string {
	ext := filepath.Ext(fileName)
	if ext == "" {
		return "application/octet-stream"
	}
	fallback := map[string]string{
		".md": "text/markdown", ".heic": "image/heic",
		".webp": "image/webp", ".webm": "video/webm",
	}
	if m, ok := fallback[ext]; ok {
		return m
	}
	t := mime.TypeByExtension(ext)
	if t != "" {
		if idx := strings.Index(t, ";"); idx > 0 {
			t = strings.TrimSpace(t[:idx])
		}
		return t
	}
	return "application/octet-stream"
}

// ============================================================================
// Backend adapter
// ============================================================================

// Backend is the REST surface the Engine consumes. *Client provides one through
// Backend(); tests substitute fakes.
type Backend interface {
	History(ctx context.Context, conversationID string, opts *PaginationOptions) ([]MessagePayload, error)
	SendMessage(ctx context.Context, conversationID string, opts *SendOptions) (*MessagePayload, error)
	ForwardMessage(ctx context.Context, messageID, targetConversationID, clientID string) (*MessagePayload, error)
	React(ctx context.Context, messageID, emoji string) error
	Recall(ctx context.Context, messageID string) error
	DeleteMessage(ctx context.Context, messageID string) error
	MarkRead(ctx context.Context, messageID string) error

	Friends(ctx context.Context) ([]UserPayload, error)
	SentRequests(ctx context.Context) ([]FriendRequestPayload, error)
	ReceivedRequests(ctx context.Context) ([]FriendRequestPayload, error)
	SendFriendRequest(ctx context.Context, counterpart string) error
	WithdrawFriendRequest(ctx context.Context, counterpart string) error
	RespondFriendRequest(ctx context.Context, counterpart string, accept bool) error
	Unfriend(ctx context.Context, counterpart string) error

	Groups(ctx context.Context) ([]GroupPayload, error)
}

// Backend returns the Engine-facing view of the client.
func (c *Client) Backend() Backend {
	return restBackend{c}
}

type restBackend struct{ c *Client }

func (b restBackend) History(ctx context.Context, conversationID string, opts *PaginationOptions) ([]MessagePayload, error) {
	return b.c.Messages.History(ctx, conversationID, opts)
}

func (b restBackend) SendMessage(ctx context.Context, conversationID string, opts *SendOptions) (*MessagePayload, error) {
	return b.c.Messages.Send(ctx, conversationID, opts)
}

func (b restBackend) ForwardMessage(ctx context.Context, messageID, targetConversationID, clientID string) (*MessagePayload, error) {
	return b.c.Messages.Forward(ctx, messageID, targetConversationID, clientID)
}

func (b restBackend) React(ctx context.Context, messageID, emoji string) error {
	return b.c.Messages.React(ctx, messageID, emoji)
}

func (b restBackend) Recall(ctx context.Context, messageID string) error {
	return b.c.Messages.Recall(ctx, messageID)
}

func (b restBackend) DeleteMessage(ctx context.Context, messageID string) error {
	return b.c.Messages.Delete(ctx, messageID)
}

func (b restBackend) MarkRead(ctx context.Context, messageID string) error {
	return b.c.Messages.MarkRead(ctx, messageID)
}

func (b restBackend) Friends(ctx context.Context) ([]UserPayload, error) {
	return b.c.Friends.List(ctx)
}

func (b restBackend) SentRequests(ctx context.Context) ([]FriendRequestPayload, error) {
	return b.c.Friends.SentRequests(ctx)
}

func (b restBackend) ReceivedRequests(ctx context.Context) ([]FriendRequestPayload, error) {
	return b.c.Friends.ReceivedRequests(ctx)
}

func (b restBackend) SendFriendRequest(ctx context.Context, counterpart string) error {
	return b.c.Friends.SendRequest(ctx, counterpart)
}

func (b restBackend) WithdrawFriendRequest(ctx context.Context, counterpart string) error {
	return b.c.Friends.Withdraw(ctx, counterpart)
}

func (b restBackend) RespondFriendRequest(ctx context.Context, counterpart string, accept bool) error {
	return b.c.Friends.Respond(ctx, counterpart, accept)
}

func (b restBackend) Unfriend(ctx context.Context, counterpart string) error {
	return b.c.Friends.Unfriend(ctx, counterpart)
}

func (b restBackend) Groups(ctx context.Context) ([]GroupPayload, error) {
	return b.c.Groups.List(ctx)
}
